// Package points — леджер баллов пользователей.
// models.go описывает источники баллов («корзины»), записи журнала
// транзакций и агрегаты для чтения.
package points

import (
	"time"

	"serotonyl.ru/points-ledger/internal/features/tags"
)

// Source — порция баллов, выданная пользователю одним начислением.
// Инвариант: 0 <= RemainingPoints <= InitialPoints.
// Создаётся только Grant, уменьшается только Spend (и внешним выводом средств), не удаляется.
type Source struct {
	ID              int64       `db:"id"`
	UserID          int64       `db:"user_id"`
	InitialPoints   int64       `db:"initial_points"`
	RemainingPoints int64       `db:"remaining_points"`
	IsWithdrawable  bool        `db:"is_withdrawable"`
	Tags            []*tags.Tag `db:"-"`
	CreatedAt       time.Time   `db:"created_at"`
}

// TransactionType — тип записи журнала.
type TransactionType string

const (
	TxEarn  TransactionType = "EARN"  // Начисление, Points > 0
	TxSpend TransactionType = "SPEND" // Списание, Points < 0
)

// Transaction — неизменяемая запись журнала.
type Transaction struct {
	ID          int64           `db:"id"`
	UserID      int64           `db:"user_id"`
	Points      int64           `db:"points"` // Положительное — начисление, отрицательное — списание
	Type        TransactionType `db:"transaction_type"`
	Description string          `db:"description"`
	// ConsumedSourceIDs — источники, из которых списаны баллы, в порядке первого касания.
	// Заполняется только для SPEND.
	ConsumedSourceIDs []int64   `db:"-"`
	CreatedAt         time.Time `db:"created_at"`
}

// TagBalance — остаток баллов на источниках с данным тегом.
// Источник с двумя тегами учитывается в обоих.
type TagBalance struct {
	TagID  int64  `db:"tag_id"`
	Name   string `db:"name"`
	Slug   string `db:"slug"`
	Points int64  `db:"points"`
}

// Page — страница истории транзакций.
type Page struct {
	Items      []*Transaction
	Page       int
	PageSize   int
	Total      int64
	TotalPages int
}

// DiscrepancyKind — вид расхождения, найденного сверкой.
type DiscrepancyKind string

const (
	// DiscrepancyBalance — сумма остатков источников не равна сумме журнала.
	DiscrepancyBalance DiscrepancyKind = "balance_mismatch"
	// DiscrepancyBounds — остаток источника вне [0, initial].
	DiscrepancyBounds DiscrepancyKind = "source_out_of_bounds"
)

// Discrepancy — одно расхождение.
type Discrepancy struct {
	Kind     DiscrepancyKind
	UserID   int64
	SourceID int64 // Только для DiscrepancyBounds
	Expected int64 // Сумма журнала / initial_points
	Actual   int64 // Сумма остатков / remaining_points
}
