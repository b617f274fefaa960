// Package export формирует XLSX-выгрузку чеков пользователя.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/mkotelnikov/smartreceipt-system/internal/model"
)

// ReceiptSource описывает источник чеков для выгрузки.
type ReceiptSource interface {
	GetReceiptsByUser(ctx context.Context, userID int64, from, to *time.Time) ([]model.Receipt, error)
}

// Service формирует XLSX-файлы с чеками пользователя.
type Service struct {
	receipts ReceiptSource
	logger   *zap.Logger
}

// NewService создаёт сервис выгрузки.
func NewService(receipts ReceiptSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{receipts: receipts, logger: logger}
}

const sheet = "Receipts"

var headers = []string{
	"Date",
	"Store",
	"Subtotal",
	"Discount",
	"Tax",
	"Total",
	"Mismatch",
}

// ReceiptsXLSX возвращает книгу XLSX с чеками пользователя за указанный
// период (обе границы опциональны).
func (s *Service) ReceiptsXLSX(ctx context.Context, userID int64, from, to *time.Time) ([]byte, error) {
	start := time.Now()

	recs, err := s.receipts.GetReceiptsByUser(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	for row, r := range recs {
		values := []any{
			r.Date.Format("2006-01-02"),
			r.StoreName,
			float64(r.SubtotalCents) / 100,
			float64(r.DiscountCents) / 100,
			float64(r.TaxCents) / 100,
			float64(r.TotalCents) / 100,
			r.ReconciliationMismatch,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, fmt.Errorf("write cell: %w", err)
			}
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 12)
	_ = f.SetColWidth(sheet, "B", "B", 28)
	_ = f.SetColWidth(sheet, "C", "F", 12)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("receipts exported",
		zap.Int64("user_id", userID),
		zap.Int("rows", len(recs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return buf.Bytes(), nil
}
