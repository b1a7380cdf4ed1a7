package points

import "context"

// TierKind — уровень списания.
type TierKind int

const (
	// TierPriority — источники с приоритетным тегом (по имени).
	TierPriority TierKind = iota
	// TierDefault — источники с тегом is_default.
	TierDefault
	// TierFallback — любые оставшиеся источники.
	TierFallback
)

func (k TierKind) String() string {
	switch k {
	case TierPriority:
		return "priority"
	case TierDefault:
		return "default"
	default:
		return "fallback"
	}
}

// Tier — фильтр источников одного уровня списания.
type Tier struct {
	Kind    TierKind
	TagName string // Только для TierPriority
}

// Store — хранилище источников и журнала.
// Все методы Lock* берут эксклюзивные блокировки строк до конца текущей транзакции
// и возвращают источники с remaining_points > 0 в порядке FIFO (created_at, id).
type Store interface {
	InsertSource(ctx context.Context, src *Source) error
	InsertTransaction(ctx context.Context, tx *Transaction) error

	LockAvailableSources(ctx context.Context, userID int64) ([]*Source, error)
	LockTierSources(ctx context.Context, userID int64, tier Tier, exclude []int64) ([]*Source, error)
	// DeductSource атомарно уменьшает остаток на amount, только если остатка хватает.
	// Возвращает новый остаток или common.ErrLedgerInconsistent.
	DeductSource(ctx context.Context, sourceID, amount int64) (int64, error)

	SumRemaining(ctx context.Context, userID int64) (int64, error)
	BalanceByTag(ctx context.Context, userID int64) ([]TagBalance, error)
	ListActiveSources(ctx context.Context, userID int64) ([]*Source, error)
	CountTransactions(ctx context.Context, userID int64) (int64, error)
	ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]*Transaction, error)

	ReconcileBalances(ctx context.Context) ([]Discrepancy, error)
}
