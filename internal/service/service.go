// Package service реализует бизнес-логику сервиса SmartReceipt.
package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mkotelnikov/smartreceipt-system/internal/model"
	"github.com/mkotelnikov/smartreceipt-system/internal/normalize"
	"github.com/mkotelnikov/smartreceipt-system/internal/ocr"
	"github.com/mkotelnikov/smartreceipt-system/internal/parser"
	"github.com/mkotelnikov/smartreceipt-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMalformedInput возвращается, когда из чека не удалось извлечь ни одной
	// позиции либо OCR-текст пуст. Сохранять нечего, нужна повторная съёмка.
	ErrMalformedInput = errors.New("no recognizable receipt content")
	// ErrReceiptExists возвращается при загрузке дубликата чека. Это штатный
	// исход: вместе с ошибкой возвращается запись с идентификатором
	// существующего чека.
	ErrReceiptExists = errors.New("receipt already exists")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, username, email string, passwordHash []byte) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetOrCreateStore(ctx context.Context, name, address, phone string) (int64, error)
	SaveReceipt(ctx context.Context, rec *model.Receipt) (int64, bool, error)
	GetReceiptsByUser(ctx context.Context, userID int64, from, to *time.Time) ([]model.Receipt, error)
	GetReceiptByID(ctx context.Context, userID, receiptID int64) (*model.Receipt, error)
	GetReceiptStats(ctx context.Context, userID int64, from, to *time.Time) (int64, int64, error)
	GetCategoryTotals(ctx context.Context, userID int64, from, to *time.Time) ([]model.CategorySummary, error)
	GetDailyTotals(ctx context.Context, userID int64, from, to *time.Time) ([]model.DailyTotal, error)
}

// Recognizer описывает контракт OCR-сервиса.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (*ocr.Result, error)
}

// Extractor описывает контракт сервиса извлечения сущностей и классификатора.
type Extractor interface {
	Entities(ctx context.Context, text string) ([]model.Entity, error)
	Categories(ctx context.Context, items []string) ([]string, error)
}

// Service содержит бизнес-логику сервиса SmartReceipt.
type Service struct {
	repo      Repository
	ocr       Recognizer
	extractor Extractor
	ocrDir    string
	logger    *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентами
// внешних сервисов. ocrDir — каталог для сырых OCR-текстов.
func NewService(repo Repository, rec Recognizer, extractor Extractor, ocrDir string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		ocr:       rec,
		extractor: extractor,
		ocrDir:    ocrDir,
		logger:    logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, username, email, password string) (int64, error) {
	hashed := hashPassword(username, password)
	id, err := s.repo.CreateUser(ctx, username, email, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (int64, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if !hmac.Equal(hashPassword(username, password), u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(username, password string) []byte {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return sum[:]
}

type rawItem struct {
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	Quantity     int32   `json:"quantity"`
	Category     string  `json:"category,omitempty"`
	PriceMissing bool    `json:"price_missing,omitempty"`
}

// ProcessReceipt выполняет конвейер обработки загруженного чека:
// OCR -> извлечение сущностей -> классификация -> нормализация -> сохранение.
// При дубликате возвращает запись с идентификатором существующего чека и
// ошибку ErrReceiptExists; новых строк в этом случае не пишется.
func (s *Service) ProcessReceipt(ctx context.Context, userID int64, image []byte) (*model.Receipt, error) {
	recognized, err := s.ocr.Recognize(ctx, image)
	if err != nil {
		return nil, err
	}

	if normalize.Canonical(recognized.Text) == "" {
		return nil, ErrMalformedInput
	}
	textHash := normalize.TextHash(recognized.Text)

	entities, err := s.extractor.Entities(ctx, recognized.Text)
	if err != nil {
		return nil, err
	}

	names := parser.ItemNames(entities)
	if len(names) == 0 {
		return nil, ErrMalformedInput
	}

	// сбой классификатора не блокирует сохранение: категории можно
	// дозаполнить позже
	categories, err := s.extractor.Categories(ctx, names)
	if err != nil {
		s.logger.Warn("category classification failed", zap.Error(err))
		categories = nil
	}

	parsed, err := parser.Parse(recognized.Text, entities, categories)
	if err != nil {
		if errors.Is(err, parser.ErrNoItems) {
			return nil, ErrMalformedInput
		}
		return nil, err
	}

	date := parsed.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	raw := make([]rawItem, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		raw = append(raw, rawItem{
			Name:         it.Name,
			Price:        float64(it.PriceCents) / 100,
			Quantity:     it.Quantity,
			Category:     it.Category,
			PriceMissing: it.PriceMissing,
		})
	}
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}

	if recognized.StoreName != "" {
		if _, err := s.repo.GetOrCreateStore(ctx, recognized.StoreName, recognized.StoreAddress, recognized.Phone); err != nil {
			return nil, err
		}
	}

	ocrPath, err := s.writeOCRText(textHash, recognized.Text)
	if err != nil {
		return nil, fmt.Errorf("store ocr text: %w", err)
	}

	rec := &model.Receipt{
		UserID:                     userID,
		StoreName:                  recognized.StoreName,
		StoreAddress:               recognized.StoreAddress,
		Phone:                      recognized.Phone,
		Date:                       date,
		RawItems:                   string(rawJSON),
		TextHash:                   textHash,
		OCRPath:                    ocrPath,
		TotalCents:                 parsed.TotalCents,
		SubtotalCents:              parsed.SubtotalCents,
		DiscountCents:              parsed.DiscountCents,
		TaxCents:                   parsed.TaxCents,
		SubtotalAfterDiscountCents: parsed.SubtotalAfterDiscountCents,
		ReconciliationMismatch:     parsed.ReconciliationMismatch,
		Items:                      parsed.Items,
	}

	id, existing, err := s.repo.SaveReceipt(ctx, rec)
	if err != nil {
		// при несохранённом чеке текстовый файл OCR не должен оставаться
		if rmErr := os.Remove(ocrPath); rmErr != nil {
			s.logger.Warn("remove ocr text after failed save", zap.Error(rmErr))
		}
		return nil, err
	}
	if existing {
		return &model.Receipt{ID: id, TextHash: textHash}, ErrReceiptExists
	}

	rec.ID = id
	for i := range rec.Items {
		rec.Items[i].ReceiptID = id
	}
	return rec, nil
}

func (s *Service) writeOCRText(textHash, text string) (string, error) {
	path := filepath.Join(s.ocrDir, textHash+".txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// GetReceiptsByUser возвращает чеки пользователя за указанный период.
func (s *Service) GetReceiptsByUser(ctx context.Context, userID int64, from, to *time.Time) ([]model.Receipt, error) {
	return s.repo.GetReceiptsByUser(ctx, userID, from, to)
}

// GetReceipt возвращает чек пользователя вместе с позициями.
func (s *Service) GetReceipt(ctx context.Context, userID, receiptID int64) (*model.Receipt, error) {
	return s.repo.GetReceiptByID(ctx, userID, receiptID)
}

// GetDashboard собирает агрегаты для панели статистики пользователя.
func (s *Service) GetDashboard(ctx context.Context, userID int64, from, to *time.Time) (*model.DashboardSummary, error) {
	total, count, err := s.repo.GetReceiptStats(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	categories, err := s.repo.GetCategoryTotals(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	daily, err := s.repo.GetDailyTotals(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	summary := &model.DashboardSummary{
		TotalSpendCents: total,
		ReceiptCount:    count,
		Categories:      categories,
		Daily:           daily,
	}
	if count > 0 {
		summary.AverageSpendCents = total / count
	}
	return summary, nil
}
