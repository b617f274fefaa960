// Package parser превращает сырой OCR-текст и извлечённые сущности
// в каноническую запись чека: сопоставляет позиции с ценами, агрегирует
// итоговые суммы и выполняет сверку арифметики чека.
package parser

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mkotelnikov/smartreceipt-system/internal/model"
	"github.com/mkotelnikov/smartreceipt-system/internal/normalize"
)

// ErrNoItems возвращается, когда текст пуст либо среди сущностей нет ни одной
// позиции чека — сохранять нечего.
var ErrNoItems = errors.New("no line items recognized")

// reconcileTolerancePerItem — допуск сверки на одну позицию чека, в центах.
// Поглощает шум округления OCR.
const reconcileTolerancePerItem = 1

var reQuantityPrefix = regexp.MustCompile(`^(\d{1,3})\s*[xX]\s+(.+)$`)

// dateLayouts перечисляет форматы дат, встречающиеся на чеках.
// Порядок важен: американский M/D/Y проверяется первым.
var dateLayouts = []string{
	"1/2/2006",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02.01.2006",
}

// Result содержит разобранный чек до привязки к пользователю и магазину.
// Денежные поля — в центах. Date нулевая, если дата не извлечена.
type Result struct {
	Items                      []model.Item
	TotalCents                 int64
	TaxCents                   int64
	DiscountCents              int64
	SubtotalCents              int64
	SubtotalAfterDiscountCents int64
	Date                       time.Time
	ReconciliationMismatch     bool
}

// ItemNames возвращает названия позиций чека в порядке их появления в тексте.
// Порядок совпадает с порядком позиций в Parse, что позволяет позиционно
// сопоставить ответ классификатора категорий.
func ItemNames(entities []model.Entity) []string {
	sorted := sortedBySpan(entities)
	var names []string
	for _, e := range sorted {
		if e.Kind == model.EntityItem {
			names = append(names, strings.TrimSpace(e.Text))
		}
	}
	return names
}

// Parse строит каноническую запись чека из OCR-текста и сущностей.
// categories сопоставляются позиционно с сущностями ITEM; недостающие
// категории остаются пустыми. Возвращает ErrNoItems, если текст пуст
// или позиций нет.
func Parse(text string, entities []model.Entity, categories []string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoItems
	}

	sorted := sortedBySpan(entities)

	var itemIdx []int
	for i, e := range sorted {
		if e.Kind == model.EntityItem {
			itemIdx = append(itemIdx, i)
		}
	}
	if len(itemIdx) == 0 {
		return nil, ErrNoItems
	}

	res := &Result{}

	for n, idx := range itemIdx {
		item := sorted[idx]

		// окно поиска цены: от конца span позиции до начала следующей позиции
		limit := int(^uint(0) >> 1)
		if n+1 < len(itemIdx) {
			limit = sorted[itemIdx[n+1]].Start
		}

		name := strings.TrimSpace(item.Text)
		qty := int32(1)
		if m := reQuantityPrefix.FindStringSubmatch(name); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
				qty = int32(v)
				name = strings.TrimSpace(m[2])
			}
		}

		priceCents, priceMissing := int64(0), true
		for _, e := range sorted {
			if e.Kind != model.EntityPrice || e.Start < item.End || e.Start >= limit {
				continue
			}
			if v, ok := normalize.AmountCents(e.Text); ok {
				priceCents, priceMissing = v, false
			}
			break
		}

		category := ""
		if n < len(categories) {
			category = categories[n]
		}

		res.Items = append(res.Items, model.Item{
			Name:         name,
			PriceCents:   priceCents,
			Quantity:     qty,
			Category:     category,
			PriceMissing: priceMissing,
		})
		res.SubtotalCents += priceCents * int64(qty)
	}

	// TOTAL/TAX/DISCOUNT: чеки печатают промежуточные суммы раньше итоговой,
	// поэтому побеждает последнее вхождение. Дата берётся первой.
	for _, e := range sorted {
		switch e.Kind {
		case model.EntityTotal:
			if v, ok := normalize.AmountCents(e.Text); ok {
				res.TotalCents = v
			}
		case model.EntityTax:
			if v, ok := normalize.AmountCents(e.Text); ok {
				res.TaxCents = v
			}
		case model.EntityDiscount:
			if v, ok := normalize.AmountCents(e.Text); ok {
				res.DiscountCents = v
			}
		case model.EntityDate:
			if res.Date.IsZero() {
				res.Date = parseDate(e.Text)
			}
		}
	}

	res.SubtotalAfterDiscountCents = res.SubtotalCents - res.DiscountCents

	tolerance := int64(len(res.Items)) * reconcileTolerancePerItem
	diff := res.SubtotalAfterDiscountCents + res.TaxCents - res.TotalCents
	if diff < 0 {
		diff = -diff
	}
	res.ReconciliationMismatch = diff > tolerance

	return res, nil
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func sortedBySpan(entities []model.Entity) []model.Entity {
	sorted := make([]model.Entity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})
	return sorted
}
