// Package model содержит доменные сущности сервиса SmartReceipt.
package model

import "time"

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Store описывает магазин, встреченный на одном из чеков.
type Store struct {
	ID        int64
	Name      string
	Address   string
	Phone     string
	CreatedAt time.Time
}

// EntityKind определяет вид сущности, извлечённой NER-моделью из текста чека.
type EntityKind string

const (
	EntityItem     EntityKind = "ITEM"
	EntityPrice    EntityKind = "PRICE"
	EntityTotal    EntityKind = "TOTAL"
	EntityTax      EntityKind = "TAX"
	EntityDiscount EntityKind = "DISCOUNT"
	EntityDate     EntityKind = "DATE"
)

// Entity описывает одну извлечённую сущность и её позицию в исходном тексте.
type Entity struct {
	Kind  EntityKind `json:"kind"`
	Text  string     `json:"text"`
	Start int        `json:"start"`
	End   int        `json:"end"`
}

// Item описывает одну позицию чека.
// PriceCents хранит цену в центах; PriceMissing выставляется, когда для
// позиции не нашлось сущности PRICE и цена записана как ноль.
type Item struct {
	ID           int64
	ReceiptID    int64
	Name         string
	PriceCents   int64
	Quantity     int32
	Category     string
	PriceMissing bool
	CreatedAt    time.Time
}

// Receipt описывает один отсканированный чек вместе с денормализованными
// данными магазина и денежными полями в центах.
type Receipt struct {
	ID                         int64
	UserID                     int64
	StoreName                  string
	StoreAddress               string
	Phone                      string
	Date                       time.Time
	RawItems                   string
	TextHash                   string
	OCRPath                    string
	TotalCents                 int64
	SubtotalCents              int64
	DiscountCents              int64
	TaxCents                   int64
	SubtotalAfterDiscountCents int64
	ReconciliationMismatch     bool
	CreatedAt                  time.Time

	Items []Item
}

// CategorySummary содержит агрегат расходов по одной категории товаров.
type CategorySummary struct {
	Category   string
	TotalCents int64
	ItemCount  int64
}

// DailyTotal содержит сумму расходов за один календарный день.
type DailyTotal struct {
	Date       time.Time
	TotalCents int64
}

// DashboardSummary содержит данные для панели статистики пользователя.
type DashboardSummary struct {
	TotalSpendCents   int64
	ReceiptCount      int64
	AverageSpendCents int64
	Categories        []CategorySummary
	Daily             []DailyTotal
}
