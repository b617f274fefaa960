package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/mkotelnikov/smartreceipt-system/internal/model"
)

// anyArgs возвращает n заполнителей pgxmock.AnyArg: значения аргументов
// здесь не проверяются, важен лишь сам факт вызова.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockRepository(t *testing.T) (pgxmock.PgxPoolIface, *PostgresRepository) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, &PostgresRepository{pool: mock}
}

func sampleReceipt() *model.Receipt {
	return &model.Receipt{
		UserID:        7,
		StoreName:     "Corner Market",
		Date:          time.Date(2025, 3, 23, 0, 0, 0, 0, time.UTC),
		RawItems:      `[{"name":"Milk","price":3.5,"quantity":1}]`,
		TextHash:      "abc123",
		OCRPath:       "/data/ocr/abc123.txt",
		TotalCents:    550,
		SubtotalCents: 550,
		Items: []model.Item{
			{Name: "Milk", PriceCents: 350, Quantity: 1, Category: "dairy"},
			{Name: "Bread", PriceCents: 200, Quantity: 1},
		},
	}
}

func TestSaveReceipt(t *testing.T) {
	mock, repo := newMockRepository(t)
	rec := sampleReceipt()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO receipts").
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM receipts WHERE text_hash").
		WithArgs(anyArgs(1)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec("INSERT INTO items").
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO items").
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, existing, err := repo.SaveReceipt(context.Background(), rec)
	if err != nil {
		t.Fatalf("SaveReceipt error: %v", err)
	}
	if id != 5 || existing {
		t.Fatalf("got (%d, %v), want (5, false)", id, existing)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveReceiptDuplicate(t *testing.T) {
	mock, repo := newMockRepository(t)
	rec := sampleReceipt()

	// вставка проигрывает существующей строке: позиции не пишутся вовсе
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO receipts").
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id FROM receipts WHERE text_hash").
		WithArgs(anyArgs(1)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(13)))
	mock.ExpectCommit()

	id, existing, err := repo.SaveReceipt(context.Background(), rec)
	if err != nil {
		t.Fatalf("SaveReceipt error: %v", err)
	}
	if id != 13 || !existing {
		t.Fatalf("got (%d, %v), want surviving row (13, true)", id, existing)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveReceiptRollbackOnItemFailure(t *testing.T) {
	mock, repo := newMockRepository(t)
	rec := sampleReceipt()

	// сбой на второй позиции: транзакция откатывается целиком,
	// ни чек, ни уже вставленные позиции не фиксируются
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO receipts").
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM receipts WHERE text_hash").
		WithArgs(anyArgs(1)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec("INSERT INTO items").
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO items").
		WithArgs(anyArgs(6)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, _, err := repo.SaveReceipt(context.Background(), rec)
	if err == nil {
		t.Fatal("item insert failure must fail the whole save")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("commit must not happen after item failure: %v", err)
	}
}

func TestGetReceiptByID(t *testing.T) {
	mock, repo := newMockRepository(t)
	now := time.Date(2025, 3, 23, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM receipts WHERE id").
		WithArgs(anyArgs(2)...).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "store_name", "date", "items", "store_address", "phone",
			"text_hash", "ocr_path", "total_amount", "subtotal", "discount", "tax",
			"subtotal_after_discount", "reconciliation_mismatch", "created_at",
		}).AddRow(
			int64(5), int64(7), "Corner Market", now, "[]", "", "",
			"abc123", "/data/ocr/abc123.txt", int64(350), int64(350), int64(0), int64(0),
			int64(350), false, now,
		))
	// бесплатная позиция и позиция без распознанной цены различаются флагом
	mock.ExpectQuery("FROM items").
		WithArgs(anyArgs(1)...).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "receipt_id", "name", "price", "quantity", "category", "price_missing", "created_at",
		}).
			AddRow(int64(1), int64(5), "Milk", int64(350), int32(1), "dairy", false, now).
			AddRow(int64(2), int64(5), "Free sample", int64(0), int32(1), "", false, now).
			AddRow(int64(3), int64(5), "Eggs", int64(0), int32(1), "", true, now))

	rec, err := repo.GetReceiptByID(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("GetReceiptByID error: %v", err)
	}

	if len(rec.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(rec.Items))
	}
	if rec.Items[1].PriceMissing {
		t.Fatalf("zero-priced item must not be reported as missing a price: %+v", rec.Items[1])
	}
	if !rec.Items[2].PriceMissing {
		t.Fatalf("flagged item must keep its missing-price mark: %+v", rec.Items[2])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
