// Package points — service.go содержит бизнес-логику леджера:
// начисление (Grant), списание с приоритетами (Spend) и агрегаты для чтения.
package points

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db"
	"serotonyl.ru/points-ledger/internal/features/tags"
)

// Service управляет баллами пользователей.
type Service struct {
	tx   db.Transactor
	repo Store
	tags *tags.Registry
}

// NewService создаёт сервис леджера.
func NewService(tx db.Transactor, repo Store, registry *tags.Registry) *Service {
	return &Service{
		tx:   tx,
		repo: repo,
		tags: registry,
	}
}

// GrantOption — дополнительные параметры начисления.
type GrantOption func(*Source)

// Withdrawable помечает источник как доступный для вывода.
func Withdrawable() GrantOption {
	return func(s *Source) { s.IsWithdrawable = true }
}

// Grant начисляет пользователю points баллов одним новым источником.
// Теги tagNames разрешаются через реестр (отсутствующие создаются).
// Источник и запись EARN создаются в одной транзакции.
//
// Параметры:
//   - userID: кому начислить
//   - points: сколько (положительное число)
//   - description: описание для журнала
//   - tagNames: имена или slug тегов источника
func (s *Service) Grant(ctx context.Context, userID, points int64, description string, tagNames []string, opts ...GrantOption) (*Source, error) {
	if points <= 0 {
		return nil, common.ErrInvalidAmount
	}

	var src *Source
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		resolved, err := s.tags.ResolveAll(ctx, tagNames)
		if err != nil {
			return err
		}

		src = &Source{
			UserID:          userID,
			InitialPoints:   points,
			RemainingPoints: points,
			Tags:            resolved,
		}
		for _, opt := range opts {
			opt(src)
		}
		if err := s.repo.InsertSource(ctx, src); err != nil {
			return err
		}

		earn := &Transaction{
			UserID:      userID,
			Points:      points,
			Type:        TxEarn,
			Description: description,
		}
		return s.repo.InsertTransaction(ctx, earn)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"user_id":     userID,
		"points":      points,
		"source_id":   src.ID,
		"tags":        tagNames,
		"description": description,
	}).Info("Баллы начислены")

	return src, nil
}

// allocation — аккумулятор списания, передаётся через все уровни явно.
type allocation struct {
	needed   int64
	consumed []int64 // Порядок первого касания
	touched  map[int64]struct{}
}

func newAllocation(amount int64) *allocation {
	return &allocation{needed: amount, touched: make(map[int64]struct{})}
}

func (a *allocation) exclude() []int64 {
	out := make([]int64, len(a.consumed))
	copy(out, a.consumed)
	return out
}

// Spend списывает amount баллов.
//
// Порядок:
//  1. Блокируются все источники пользователя с остатком; если их суммы не хватает — ErrInsufficientPoints.
//  2. Источники с тегом priorityTag (если задан), FIFO.
//  3. Источники с тегом по умолчанию, кроме уже затронутых, FIFO.
//  4. Любые оставшиеся источники, FIFO.
//
// Каждый источник отдаёт min(остаток, сколько ещё нужно). Всё выполняется в одной
// транзакции вместе с записью SPEND. Если Spend вызван внутри чужой транзакции
// (например, из магазина), он присоединяется к ней.
func (s *Service) Spend(ctx context.Context, userID, amount int64, description, priorityTag string) (*Transaction, error) {
	if amount <= 0 {
		return nil, common.ErrInvalidAmount
	}

	var spend *Transaction
	var balance int64
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		available, err := s.repo.LockAvailableSources(ctx, userID)
		if err != nil {
			return err
		}
		balance = 0
		for _, src := range available {
			balance += src.RemainingPoints
		}
		if balance < amount {
			log.WithFields(log.Fields{
				"user_id":     userID,
				"amount":      amount,
				"balance":     balance,
				"description": description,
			}).Warn("Недостаточно баллов для списания")
			return &common.InsufficientPointsError{UserID: userID, Balance: balance, Requested: amount}
		}

		alloc := newAllocation(amount)
		for _, tier := range spendTiers(priorityTag) {
			if alloc.needed == 0 {
				break
			}
			if err := s.deductTier(ctx, userID, tier, alloc); err != nil {
				return err
			}
		}

		if alloc.needed != 0 {
			log.WithFields(log.Fields{
				"user_id":    userID,
				"amount":     amount,
				"unresolved": alloc.needed,
				"fatal":      true,
			}).Error("Списание не распределено полностью после всех уровней")
			return fmt.Errorf("%w: не распределено %d из %d", common.ErrLedgerInconsistent, alloc.needed, amount)
		}

		spend = &Transaction{
			UserID:            userID,
			Points:            -amount,
			Type:              TxSpend,
			Description:       description,
			ConsumedSourceIDs: alloc.consumed,
		}
		return s.repo.InsertTransaction(ctx, spend)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"user_id":      userID,
		"amount":       amount,
		"remaining":    balance - amount,
		"sources":      len(spend.ConsumedSourceIDs),
		"priority_tag": priorityTag,
		"description":  description,
		"transaction":  spend.ID,
	}).Info("Баллы списаны")

	return spend, nil
}

func spendTiers(priorityTag string) []Tier {
	tiers := make([]Tier, 0, 3)
	if priorityTag != "" {
		tiers = append(tiers, Tier{Kind: TierPriority, TagName: priorityTag})
	}
	return append(tiers, Tier{Kind: TierDefault}, Tier{Kind: TierFallback})
}

// deductTier списывает с источников одного уровня, пока alloc.needed > 0.
func (s *Service) deductTier(ctx context.Context, userID int64, tier Tier, alloc *allocation) error {
	sources, err := s.repo.LockTierSources(ctx, userID, tier, alloc.exclude())
	if err != nil {
		return fmt.Errorf("уровень %s: %w", tier.Kind, err)
	}

	for _, src := range sources {
		if alloc.needed == 0 {
			break
		}
		if _, ok := alloc.touched[src.ID]; ok {
			continue
		}

		deduct := min(src.RemainingPoints, alloc.needed)
		if deduct <= 0 {
			continue
		}
		if _, err := s.repo.DeductSource(ctx, src.ID, deduct); err != nil {
			return err
		}

		alloc.needed -= deduct
		alloc.touched[src.ID] = struct{}{}
		alloc.consumed = append(alloc.consumed, src.ID)
	}
	return nil
}

// Balance возвращает общий остаток баллов пользователя.
// Всегда читается из хранилища: сумма остатков и есть баланс, отдельной копии нет.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.SumRemaining(ctx, userID)
}

// BalanceByTag возвращает остаток в разбивке по тегам.
func (s *Service) BalanceByTag(ctx context.Context, userID int64) ([]TagBalance, error) {
	return s.repo.BalanceByTag(ctx, userID)
}

// ActiveSources возвращает источники с ненулевым остатком, новые первыми.
func (s *Service) ActiveSources(ctx context.Context, userID int64) ([]*Source, error) {
	return s.repo.ListActiveSources(ctx, userID)
}

// History возвращает страницу журнала. Номер страницы ограничивается
// диапазоном [1, TotalPages]: слишком большой — последняя страница, меньше 1 — первая.
func (s *Service) History(ctx context.Context, userID int64, page, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("размер страницы должен быть > 0")
	}

	total, err := s.repo.CountTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if totalPages < 1 {
		totalPages = 1
	}
	page = max(1, min(page, totalPages))

	items, err := s.repo.ListTransactions(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	return &Page{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// Reconcile сверяет остатки источников с журналом. Только чтение.
func (s *Service) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	found, err := s.repo.ReconcileBalances(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range found {
		log.WithFields(log.Fields{
			"kind":      d.Kind,
			"user_id":   d.UserID,
			"source_id": d.SourceID,
			"expected":  d.Expected,
			"actual":    d.Actual,
		}).Warn("Расхождение в леджере")
	}
	return found, nil
}
