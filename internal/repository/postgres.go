// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mkotelnikov/smartreceipt-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с занятым
// именем или адресом почты.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrReceiptNotFound возвращается, если чек не найден или принадлежит другому пользователю.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// dbPool описывает используемое подмножество pgxpool.Pool.
type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool dbPool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRepository{pool: pool}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сериализационных сбоях, дедлоках и
// обрывах соединения. Ошибки контекста не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retriable := isConnectionError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retriable = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		}

		if retriable && i < len(delays) {
			time.Sleep(delays[i])
			continue
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, username, email string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, password) VALUES ($1, $2, $3) RETURNING id`,
		username, email, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByUsername возвращает пользователя по имени.
func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, password, created_at FROM users WHERE username = $1`,
		username,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetOrCreateStore находит магазин по нормализованному имени либо создаёт его.
// Уникальный индекс по lower(btrim(name)) служит арбитром при параллельных
// вставках одного и того же магазина.
func (r *PostgresRepository) GetOrCreateStore(ctx context.Context, name, address, phone string) (int64, error) {
	var id int64

	_, err := r.pool.Exec(ctx,
		`INSERT INTO stores (name, address, phone) VALUES ($1, $2, $3)
		 ON CONFLICT ((lower(btrim(name)))) DO NOTHING`,
		name, address, phone,
	)
	if err != nil {
		return 0, fmt.Errorf("insert store: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT id FROM stores WHERE lower(btrim(name)) = lower(btrim($1))`,
		name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select store: %w", err)
	}

	return id, nil
}

// SaveReceipt сохраняет чек вместе с позициями в одной транзакции и
// возвращает идентификатор чека и признак того, что чек с таким text_hash
// уже существовал. При дубликате ни одна строка не записывается; уникальный
// индекс по text_hash служит арбитром при параллельных загрузках.
func (r *PostgresRepository) SaveReceipt(ctx context.Context, rec *model.Receipt) (int64, bool, error) {
	var (
		id       int64
		existing bool
	)

	err := r.withRetry(ctx, func() error {
		var txErr error
		id, existing, txErr = r.saveReceiptTx(ctx, rec)
		return txErr
	})
	if err != nil {
		return 0, false, err
	}

	return id, existing, nil
}

func (r *PostgresRepository) saveReceiptTx(ctx context.Context, rec *model.Receipt) (int64, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO receipts (
			user_id, store_name, date, items, store_address, phone,
			text_hash, ocr_path, total_amount, subtotal, discount, tax,
			subtotal_after_discount, reconciliation_mismatch
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (text_hash) DO NOTHING`,
		rec.UserID, rec.StoreName, rec.Date, rec.RawItems, rec.StoreAddress, rec.Phone,
		rec.TextHash, rec.OCRPath, rec.TotalCents, rec.SubtotalCents, rec.DiscountCents, rec.TaxCents,
		rec.SubtotalAfterDiscountCents, rec.ReconciliationMismatch,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert receipt: %w", err)
	}

	inserted := cmdTag.RowsAffected() == 1

	var id int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM receipts WHERE text_hash = $1`,
		rec.TextHash,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("select existing receipt: %w", err)
	}

	if inserted {
		for _, it := range rec.Items {
			_, err = tx.Exec(ctx,
				`INSERT INTO items (receipt_id, name, price, quantity, category, price_missing)
				 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
				id, it.Name, it.PriceCents, it.Quantity, it.Category, it.PriceMissing,
			)
			if err != nil {
				return 0, false, fmt.Errorf("insert item: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit tx: %w", err)
	}

	return id, !inserted, nil
}

const receiptColumns = `id, user_id, store_name, date, items, store_address, phone,
	text_hash, ocr_path, total_amount, subtotal, discount, tax,
	subtotal_after_discount, reconciliation_mismatch, created_at`

func scanReceipt(row pgx.Row) (*model.Receipt, error) {
	var rec model.Receipt
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.StoreName, &rec.Date, &rec.RawItems,
		&rec.StoreAddress, &rec.Phone, &rec.TextHash, &rec.OCRPath,
		&rec.TotalCents, &rec.SubtotalCents, &rec.DiscountCents, &rec.TaxCents,
		&rec.SubtotalAfterDiscountCents, &rec.ReconciliationMismatch, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetReceiptsByUser возвращает чеки пользователя, опционально ограниченные
// диапазоном дат покупки.
func (r *PostgresRepository) GetReceiptsByUser(ctx context.Context, userID int64, from, to *time.Time) ([]model.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE user_id = $1`
	args := []any{userID}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(` AND date >= $%d`, len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(` AND date <= $%d`, len(args))
	}
	query += ` ORDER BY date DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select receipts: %w", err)
	}
	defer rows.Close()

	var receipts []model.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return receipts, nil
}

// GetReceiptByID возвращает чек пользователя вместе с позициями.
func (r *PostgresRepository) GetReceiptByID(ctx context.Context, userID, receiptID int64) (*model.Receipt, error) {
	rec, err := scanReceipt(r.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE id = $1 AND user_id = $2`,
		receiptID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("select receipt: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, receipt_id, name, price, quantity, COALESCE(category, ''), price_missing, created_at
		 FROM items
		 WHERE receipt_id = $1
		 ORDER BY id`,
		rec.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.ReceiptID, &it.Name, &it.PriceCents, &it.Quantity, &it.Category, &it.PriceMissing, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		rec.Items = append(rec.Items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rec, nil
}

func dateFilter(column string, args *[]any, from, to *time.Time) string {
	filter := ""
	if from != nil {
		*args = append(*args, *from)
		filter += fmt.Sprintf(` AND %s >= $%d`, column, len(*args))
	}
	if to != nil {
		*args = append(*args, *to)
		filter += fmt.Sprintf(` AND %s <= $%d`, column, len(*args))
	}
	return filter
}

// GetReceiptStats возвращает сумму расходов и количество чеков пользователя.
func (r *PostgresRepository) GetReceiptStats(ctx context.Context, userID int64, from, to *time.Time) (int64, int64, error) {
	args := []any{userID}
	query := `SELECT COALESCE(SUM(total_amount), 0), COUNT(*)
		 FROM receipts
		 WHERE user_id = $1` + dateFilter("date", &args, from, to)

	var total, count int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&total, &count); err != nil {
		return 0, 0, fmt.Errorf("receipt stats: %w", err)
	}
	return total, count, nil
}

// GetCategoryTotals возвращает расходы пользователя по категориям товаров.
func (r *PostgresRepository) GetCategoryTotals(ctx context.Context, userID int64, from, to *time.Time) ([]model.CategorySummary, error) {
	args := []any{userID}
	query := `SELECT COALESCE(i.category, ''), COALESCE(SUM(i.price * i.quantity), 0), COUNT(*)
		 FROM items i
		 JOIN receipts r ON r.id = i.receipt_id
		 WHERE r.user_id = $1` + dateFilter("r.date", &args, from, to) + `
		 GROUP BY i.category
		 ORDER BY 2 DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select category totals: %w", err)
	}
	defer rows.Close()

	var res []model.CategorySummary
	for rows.Next() {
		var c model.CategorySummary
		if err := rows.Scan(&c.Category, &c.TotalCents, &c.ItemCount); err != nil {
			return nil, fmt.Errorf("scan category total: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetDailyTotals возвращает расходы пользователя по календарным дням.
func (r *PostgresRepository) GetDailyTotals(ctx context.Context, userID int64, from, to *time.Time) ([]model.DailyTotal, error) {
	args := []any{userID}
	query := `SELECT date_trunc('day', date) AS day, COALESCE(SUM(total_amount), 0)
		 FROM receipts
		 WHERE user_id = $1` + dateFilter("date", &args, from, to) + `
		 GROUP BY day
		 ORDER BY day`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select daily totals: %w", err)
	}
	defer rows.Close()

	var res []model.DailyTotal
	for rows.Next() {
		var d model.DailyTotal
		if err := rows.Scan(&d.Date, &d.TotalCents); err != nil {
			return nil, fmt.Errorf("scan daily total: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
