// Package handler содержит HTTP-обработчики API сервиса SmartReceipt.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mkotelnikov/smartreceipt-system/internal/extract"
	"github.com/mkotelnikov/smartreceipt-system/internal/middleware"
	"github.com/mkotelnikov/smartreceipt-system/internal/model"
	"github.com/mkotelnikov/smartreceipt-system/internal/ocr"
	"github.com/mkotelnikov/smartreceipt-system/internal/repository"
	"github.com/mkotelnikov/smartreceipt-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, username, email, password string) (int64, error)
	AuthenticateUser(ctx context.Context, username, password string) (int64, error)
	ProcessReceipt(ctx context.Context, userID int64, image []byte) (*model.Receipt, error)
	GetReceiptsByUser(ctx context.Context, userID int64, from, to *time.Time) ([]model.Receipt, error)
	GetReceipt(ctx context.Context, userID, receiptID int64) (*model.Receipt, error)
	GetDashboard(ctx context.Context, userID int64, from, to *time.Time) (*model.DashboardSummary, error)
}

// Exporter определяет контракт выгрузки чеков в XLSX.
type Exporter interface {
	ReceiptsXLSX(ctx context.Context, userID int64, from, to *time.Time) ([]byte, error)
}

// Handler реализует HTTP-обработчики API сервиса SmartReceipt.
type Handler struct {
	service        Service
	exporter       Exporter
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, exporter Exporter, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		exporter:       exporter,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetSessionCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie сессии.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetSessionCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type itemResponse struct {
	ID           int64   `json:"id,omitempty"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	Quantity     int32   `json:"quantity"`
	Category     string  `json:"category,omitempty"`
	PriceMissing bool    `json:"price_missing,omitempty"`
}

type receiptResponse struct {
	ID                     int64          `json:"id"`
	StoreName              string         `json:"store_name,omitempty"`
	StoreAddress           string         `json:"store_address,omitempty"`
	Phone                  string         `json:"phone,omitempty"`
	Date                   string         `json:"date"`
	Total                  float64        `json:"total"`
	Subtotal               float64        `json:"subtotal"`
	Discount               float64        `json:"discount"`
	Tax                    float64        `json:"tax"`
	SubtotalAfterDiscount  float64        `json:"subtotal_after_discount"`
	ReconciliationMismatch bool           `json:"reconciliation_mismatch"`
	Items                  []itemResponse `json:"items,omitempty"`
}

func toReceiptResponse(rec *model.Receipt) receiptResponse {
	resp := receiptResponse{
		ID:                     rec.ID,
		StoreName:              rec.StoreName,
		StoreAddress:           rec.StoreAddress,
		Phone:                  rec.Phone,
		Date:                   rec.Date.Format("2006-01-02"),
		Total:                  float64(rec.TotalCents) / 100,
		Subtotal:               float64(rec.SubtotalCents) / 100,
		Discount:               float64(rec.DiscountCents) / 100,
		Tax:                    float64(rec.TaxCents) / 100,
		SubtotalAfterDiscount:  float64(rec.SubtotalAfterDiscountCents) / 100,
		ReconciliationMismatch: rec.ReconciliationMismatch,
	}
	for _, it := range rec.Items {
		resp.Items = append(resp.Items, itemResponse{
			ID:           it.ID,
			Name:         it.Name,
			Price:        float64(it.PriceCents) / 100,
			Quantity:     it.Quantity,
			Category:     it.Category,
			PriceMissing: it.PriceMissing,
		})
	}
	return resp
}

type duplicateResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// UploadReceipt принимает изображение чека, проводит его через конвейер
// распознавания и сохраняет результат.
func (h *Handler) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()

	image, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ocr.MaxImageSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(image) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, err := h.service.ProcessReceipt(r.Context(), userID, image)
	if err != nil {
		h.writeProcessError(w, rec, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toReceiptResponse(rec)); err != nil {
		h.logger.Error("encode receipt response", zap.Error(err))
	}
}

// writeProcessError транслирует таксономию ошибок конвейера в HTTP-статусы:
// дубликат — 409 с идентификатором существующего чека, нераспознанный чек —
// 422, сбой OCR или экстрактора — 502, остальное — 500.
func (h *Handler) writeProcessError(w http.ResponseWriter, rec *model.Receipt, err error) {
	switch {
	case errors.Is(err, service.ErrReceiptExists):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(duplicateResponse{ID: rec.ID, Status: "duplicate"})
	case errors.Is(err, service.ErrMalformedInput):
		http.Error(w, "no recognizable receipt content", http.StatusUnprocessableEntity)
	case errors.Is(err, ocr.ErrImageTooLarge):
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
	case errors.Is(err, ocr.ErrEmptyImage):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, ocr.ErrUnavailable), errors.Is(err, extract.ErrUnavailable), errors.Is(err, extract.ErrBadResponse):
		h.logger.Error("receipt recognition failed", zap.Error(err))
		http.Error(w, "receipt recognition failed", http.StatusBadGateway)
	default:
		h.logger.Error("process receipt error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GetReceipts возвращает список чеков текущего пользователя.
func (h *Handler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	from, to, err := dateRange(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	receipts, err := h.service.GetReceiptsByUser(r.Context(), userID, from, to)
	if err != nil {
		h.logger.Error("get receipts error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(receipts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]receiptResponse, 0, len(receipts))
	for i := range receipts {
		resp = append(resp, toReceiptResponse(&receipts[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetReceipt возвращает один чек текущего пользователя вместе с позициями.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	receiptID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, err := h.service.GetReceipt(r.Context(), userID, receiptID)
	if err != nil {
		if errors.Is(err, repository.ErrReceiptNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get receipt error", zap.Error(err), zap.Int64("receiptID", receiptID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toReceiptResponse(rec)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type categoryResponse struct {
	Category string  `json:"category"`
	Total    float64 `json:"total"`
	Items    int64   `json:"items"`
}

type dailyResponse struct {
	Date  string  `json:"date"`
	Total float64 `json:"total"`
}

type dashboardResponse struct {
	TotalSpend   float64            `json:"total_spend"`
	ReceiptCount int64              `json:"receipt_count"`
	AverageSpend float64            `json:"average_spend"`
	Categories   []categoryResponse `json:"categories"`
	Daily        []dailyResponse    `json:"daily"`
}

// GetDashboard возвращает агрегаты расходов текущего пользователя.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	from, to, err := dateRange(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.service.GetDashboard(r.Context(), userID, from, to)
	if err != nil {
		h.logger.Error("get dashboard error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := dashboardResponse{
		TotalSpend:   float64(summary.TotalSpendCents) / 100,
		ReceiptCount: summary.ReceiptCount,
		AverageSpend: float64(summary.AverageSpendCents) / 100,
		Categories:   make([]categoryResponse, 0, len(summary.Categories)),
		Daily:        make([]dailyResponse, 0, len(summary.Daily)),
	}
	for _, c := range summary.Categories {
		resp.Categories = append(resp.Categories, categoryResponse{
			Category: c.Category,
			Total:    float64(c.TotalCents) / 100,
			Items:    c.ItemCount,
		})
	}
	for _, d := range summary.Daily {
		resp.Daily = append(resp.Daily, dailyResponse{
			Date:  d.Date.Format("2006-01-02"),
			Total: float64(d.TotalCents) / 100,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// ExportReceipts отдаёт XLSX-файл с чеками текущего пользователя.
func (h *Handler) ExportReceipts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	from, to, err := dateRange(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	data, err := h.exporter.ReceiptsXLSX(r.Context(), userID, from, to)
	if err != nil {
		h.logger.Error("export receipts error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("write export response", zap.Error(err))
	}
}

// dateRange разбирает опциональные параметры from и to (формат YYYY-MM-DD);
// верхняя граница включает весь указанный день.
func dateRange(r *http.Request) (*time.Time, *time.Time, error) {
	var from, to *time.Time

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, nil, err
		}
		from = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, nil, err
		}
		end := t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		to = &end
	}

	return from, to, nil
}
