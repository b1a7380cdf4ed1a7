// Package shop — магазин: товары за баллы и их выкуп.
package shop

import (
	"context"
	"time"

	"serotonyl.ru/points-ledger/internal/features/tags"
)

// Item — товар магазина.
type Item struct {
	ID          int64
	Name        string
	Description string
	Cost        int64
	Stock       *int64 // nil — без ограничения
	IsActive    bool
	// AllowedTags в порядке объявления; первый используется как приоритетный при списании.
	AllowedTags []*tags.Tag
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Unlimited сообщает, что остаток товара не ограничен.
func (i *Item) Unlimited() bool { return i.Stock == nil }

// PriorityTag возвращает имя первого разрешённого тега или "".
func (i *Item) PriorityTag() string {
	if len(i.AllowedTags) == 0 {
		return ""
	}
	return i.AllowedTags[0].Name
}

// ItemSpec — параметры нового товара.
type ItemSpec struct {
	Name        string
	Description string
	Cost        int64
	Stock       *int64
	IsActive    bool
	AllowedTags []string
}

// Status — статус выкупа.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Redemption — факт выкупа товара. Стоимость фиксируется на момент выкупа
// и не меняется при последующем изменении цены товара.
type Redemption struct {
	ID            int64
	UserID        int64
	ItemID        int64
	ItemName      string // Заполняется при чтении
	PointsCost    int64
	TransactionID int64
	Status        Status
	CreatedAt     time.Time
}

// Store — хранилище товаров и выкупов.
type Store interface {
	GetItem(ctx context.Context, id int64) (*Item, error)
	InsertItem(ctx context.Context, item *Item) error
	ListItems(ctx context.Context, activeOnly bool) ([]*Item, error)
	SetItemActive(ctx context.Context, id int64, active bool) error
	// DecrementStock атомарно уменьшает остаток на 1, только если он > 0.
	// Возвращает common.ErrOutOfStock, если уменьшать нечего.
	DecrementStock(ctx context.Context, id int64) (int64, error)
	// AdjustStock прибавляет delta к ограниченному остатку; для nil-остатка ничего не делает.
	AdjustStock(ctx context.Context, id int64, delta int64) (*Item, error)
	InsertRedemption(ctx context.Context, r *Redemption) error
	ListRedemptions(ctx context.Context, userID int64) ([]*Redemption, error)
}
