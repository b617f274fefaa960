package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkotelnikov/smartreceipt-system/internal/model"
	"github.com/mkotelnikov/smartreceipt-system/internal/normalize"
	"github.com/mkotelnikov/smartreceipt-system/internal/ocr"
	"github.com/mkotelnikov/smartreceipt-system/internal/repository"
)

type stubRepository struct {
	user          *model.User
	userErr       error
	createUserID  int64
	createUserErr error

	savedReceipt *model.Receipt
	saveID       int64
	saveExisting bool
	saveErr      error
	saveCalls    int

	storeCalls int
	storeName  string
}

func (r *stubRepository) Close() error { return nil }

func (r *stubRepository) CreateUser(_ context.Context, _, _ string, _ []byte) (int64, error) {
	return r.createUserID, r.createUserErr
}

func (r *stubRepository) GetUserByUsername(_ context.Context, _ string) (*model.User, error) {
	if r.userErr != nil {
		return nil, r.userErr
	}
	return r.user, nil
}

func (r *stubRepository) GetOrCreateStore(_ context.Context, name, _, _ string) (int64, error) {
	r.storeCalls++
	r.storeName = name
	return 1, nil
}

func (r *stubRepository) SaveReceipt(_ context.Context, rec *model.Receipt) (int64, bool, error) {
	r.saveCalls++
	r.savedReceipt = rec
	return r.saveID, r.saveExisting, r.saveErr
}

func (r *stubRepository) GetReceiptsByUser(_ context.Context, _ int64, _, _ *time.Time) ([]model.Receipt, error) {
	return nil, nil
}

func (r *stubRepository) GetReceiptByID(_ context.Context, _, _ int64) (*model.Receipt, error) {
	return nil, repository.ErrReceiptNotFound
}

func (r *stubRepository) GetReceiptStats(_ context.Context, _ int64, _, _ *time.Time) (int64, int64, error) {
	return 1500, 3, nil
}

func (r *stubRepository) GetCategoryTotals(_ context.Context, _ int64, _, _ *time.Time) ([]model.CategorySummary, error) {
	return []model.CategorySummary{{Category: "grocery", TotalCents: 1500, ItemCount: 5}}, nil
}

func (r *stubRepository) GetDailyTotals(_ context.Context, _ int64, _, _ *time.Time) ([]model.DailyTotal, error) {
	return []model.DailyTotal{{Date: time.Date(2025, 3, 23, 0, 0, 0, 0, time.UTC), TotalCents: 1500}}, nil
}

type stubRecognizer struct {
	result *ocr.Result
	err    error
}

func (s *stubRecognizer) Recognize(_ context.Context, _ []byte) (*ocr.Result, error) {
	return s.result, s.err
}

type stubExtractor struct {
	entities   []model.Entity
	entErr     error
	categories []string
	catErr     error
}

func (s *stubExtractor) Entities(_ context.Context, _ string) ([]model.Entity, error) {
	return s.entities, s.entErr
}

func (s *stubExtractor) Categories(_ context.Context, _ []string) ([]string, error) {
	return s.categories, s.catErr
}

func receiptEntities() []model.Entity {
	return []model.Entity{
		{Kind: model.EntityItem, Text: "Milk", Start: 0, End: 4},
		{Kind: model.EntityPrice, Text: "$3.50", Start: 5, End: 10},
		{Kind: model.EntityTotal, Text: "$3.50", Start: 11, End: 16},
	}
}

func TestProcessReceipt(t *testing.T) {
	repo := &stubRepository{saveID: 42}
	rec := &stubRecognizer{result: &ocr.Result{
		Text:      "Milk $3.50 $3.50",
		StoreName: "Corner Market",
	}}
	ext := &stubExtractor{entities: receiptEntities(), categories: []string{"dairy"}}

	dir := t.TempDir()
	svc := NewService(repo, rec, ext, dir, nil)

	got, err := svc.ProcessReceipt(context.Background(), 7, []byte{1})
	if err != nil {
		t.Fatalf("ProcessReceipt error: %v", err)
	}

	if got.ID != 42 || got.UserID != 7 {
		t.Fatalf("receipt = id %d user %d, want 42/7", got.ID, got.UserID)
	}
	if got.TotalCents != 350 || got.SubtotalCents != 350 {
		t.Fatalf("amounts = total %d subtotal %d, want 350/350", got.TotalCents, got.SubtotalCents)
	}
	if len(got.Items) != 1 || got.Items[0].Category != "dairy" || got.Items[0].ReceiptID != 42 {
		t.Fatalf("unexpected items: %+v", got.Items)
	}
	if repo.storeCalls != 1 || repo.storeName != "Corner Market" {
		t.Fatalf("store must be created once, got %d calls for %q", repo.storeCalls, repo.storeName)
	}

	// сырой OCR-текст должен лежать в каталоге вывода под именем из хеша
	wantPath := filepath.Join(dir, normalize.TextHash(rec.result.Text)+".txt")
	if got.OCRPath != wantPath {
		t.Fatalf("ocr path = %s, want %s", got.OCRPath, wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read ocr text: %v", err)
	}
	if !bytes.Equal(data, []byte(rec.result.Text)) {
		t.Fatalf("stored ocr text does not match recognized text")
	}
}

func TestProcessReceiptDuplicate(t *testing.T) {
	repo := &stubRepository{saveID: 13, saveExisting: true}
	rec := &stubRecognizer{result: &ocr.Result{Text: "Milk $3.50 $3.50"}}
	ext := &stubExtractor{entities: receiptEntities()}

	svc := NewService(repo, rec, ext, t.TempDir(), nil)

	got, err := svc.ProcessReceipt(context.Background(), 7, []byte{1})
	if !errors.Is(err, ErrReceiptExists) {
		t.Fatalf("err = %v, want ErrReceiptExists", err)
	}
	if got == nil || got.ID != 13 {
		t.Fatalf("duplicate must carry existing receipt id, got %+v", got)
	}
}

func TestProcessReceiptEmptyText(t *testing.T) {
	repo := &stubRepository{}
	rec := &stubRecognizer{result: &ocr.Result{Text: "   \n\t "}}
	ext := &stubExtractor{}

	svc := NewService(repo, rec, ext, t.TempDir(), nil)

	_, err := svc.ProcessReceipt(context.Background(), 7, []byte{1})
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
	if repo.saveCalls != 0 {
		t.Fatalf("nothing must be saved for empty text")
	}
}

func TestProcessReceiptNoItems(t *testing.T) {
	repo := &stubRepository{}
	rec := &stubRecognizer{result: &ocr.Result{Text: "TOTAL $5.00"}}
	ext := &stubExtractor{entities: []model.Entity{
		{Kind: model.EntityTotal, Text: "$5.00", Start: 6, End: 11},
	}}

	svc := NewService(repo, rec, ext, t.TempDir(), nil)

	_, err := svc.ProcessReceipt(context.Background(), 7, []byte{1})
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
	if repo.saveCalls != 0 {
		t.Fatalf("nothing must be saved when no items extracted")
	}
}

func TestProcessReceiptClassifierFailure(t *testing.T) {
	repo := &stubRepository{saveID: 1}
	rec := &stubRecognizer{result: &ocr.Result{Text: "Milk $3.50 $3.50"}}
	ext := &stubExtractor{entities: receiptEntities(), catErr: errors.New("classifier down")}

	svc := NewService(repo, rec, ext, t.TempDir(), nil)

	got, err := svc.ProcessReceipt(context.Background(), 7, []byte{1})
	if err != nil {
		t.Fatalf("classifier failure must not block saving, got %v", err)
	}
	if got.Items[0].Category != "" {
		t.Fatalf("category must stay empty on classifier failure, got %q", got.Items[0].Category)
	}
}

func TestProcessReceiptPersistenceFailure(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	rec := &stubRecognizer{result: &ocr.Result{Text: "Milk $3.50 $3.50"}}
	ext := &stubExtractor{entities: receiptEntities()}

	dir := t.TempDir()
	svc := NewService(repo, rec, ext, dir, nil)

	_, err := svc.ProcessReceipt(context.Background(), 7, []byte{1})
	if err == nil {
		t.Fatal("save failure must propagate")
	}

	// несохранённый чек не должен оставлять за собой текстовый файл OCR
	path := filepath.Join(dir, normalize.TextHash(rec.result.Text)+".txt")
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("ocr text file must be removed after failed save, stat: %v", statErr)
	}
}

func TestProcessReceiptOCRError(t *testing.T) {
	repo := &stubRepository{}
	rec := &stubRecognizer{err: ocr.ErrUnavailable}
	svc := NewService(repo, rec, &stubExtractor{}, t.TempDir(), nil)

	_, err := svc.ProcessReceipt(context.Background(), 7, []byte{1})
	if !errors.Is(err, ocr.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	repo := &stubRepository{user: &model.User{
		ID:           5,
		Username:     "alice",
		PasswordHash: hashPassword("alice", "secret"),
	}}
	svc := NewService(repo, nil, nil, "", nil)

	id, err := svc.AuthenticateUser(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("AuthenticateUser error: %v", err)
	}
	if id != 5 {
		t.Fatalf("id = %d, want 5", id)
	}

	_, err = svc.AuthenticateUser(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateUserNotFound(t *testing.T) {
	repo := &stubRepository{userErr: repository.ErrUserNotFound}
	svc := NewService(repo, nil, nil, "", nil)

	_, err := svc.AuthenticateUser(context.Background(), "ghost", "secret")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestGetDashboard(t *testing.T) {
	repo := &stubRepository{}
	svc := NewService(repo, nil, nil, "", nil)

	summary, err := svc.GetDashboard(context.Background(), 1, nil, nil)
	if err != nil {
		t.Fatalf("GetDashboard error: %v", err)
	}

	if summary.TotalSpendCents != 1500 || summary.ReceiptCount != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.AverageSpendCents != 500 {
		t.Fatalf("average = %d, want 500", summary.AverageSpendCents)
	}
	if len(summary.Categories) != 1 || len(summary.Daily) != 1 {
		t.Fatalf("aggregates missing: %+v", summary)
	}
}
