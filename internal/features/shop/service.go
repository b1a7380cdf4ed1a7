// Package shop — service.go: выкуп товаров за баллы и настройка ассортимента.
package shop

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db"
	"serotonyl.ru/points-ledger/internal/features/points"
	"serotonyl.ru/points-ledger/internal/features/tags"
)

// Ledger — часть леджера, которая нужна магазину.
type Ledger interface {
	Spend(ctx context.Context, userID, amount int64, description, priorityTag string) (*points.Transaction, error)
}

type Service struct {
	tx     db.Transactor
	repo   Store
	ledger Ledger
	tags   *tags.Registry
}

func NewService(tx db.Transactor, repo Store, ledger Ledger, registry *tags.Registry) *Service {
	return &Service{
		tx:     tx,
		repo:   repo,
		ledger: ledger,
		tags:   registry,
	}
}

// Redeem выкупает товар itemID для пользователя.
//
// Проверки товара (существует, активен, есть в наличии) выполняются до транзакции.
// Списание баллов, запись выкупа и уменьшение остатка — одна транзакция:
// любая ошибка, включая нехватку баллов, откатывает всё.
func (s *Service) Redeem(ctx context.Context, userID, itemID int64) (*Redemption, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, fmt.Errorf("%w: %q", common.ErrItemInactive, item.Name)
	}
	if item.Stock != nil && *item.Stock <= 0 {
		return nil, fmt.Errorf("%w: %q", common.ErrOutOfStock, item.Name)
	}

	var red *Redemption
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		spend, err := s.ledger.Spend(ctx, userID, item.Cost, "redeem: "+item.Name, item.PriorityTag())
		if err != nil {
			return err
		}

		red = &Redemption{
			UserID:        userID,
			ItemID:        item.ID,
			ItemName:      item.Name,
			PointsCost:    item.Cost,
			TransactionID: spend.ID,
			Status:        StatusCompleted,
		}
		if err := s.repo.InsertRedemption(ctx, red); err != nil {
			return err
		}

		if item.Stock != nil {
			left, err := s.repo.DecrementStock(ctx, item.ID)
			if err != nil {
				return err
			}
			item.Stock = &left
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := log.Fields{
		"user_id":       userID,
		"item_id":       item.ID,
		"item":          item.Name,
		"cost":          item.Cost,
		"redemption_id": red.ID,
	}
	if item.Stock != nil {
		fields["stock_left"] = *item.Stock
	}
	log.WithFields(fields).Info("Товар выкуплен")

	return red, nil
}

// CreateItem создаёт товар. Теги разрешаются через реестр в объявленном порядке.
func (s *Service) CreateItem(ctx context.Context, spec ItemSpec) (*Item, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: пустое название", common.ErrInvalidItem)
	}
	if spec.Cost <= 0 {
		return nil, fmt.Errorf("%w: стоимость должна быть > 0", common.ErrInvalidItem)
	}
	if spec.Stock != nil && *spec.Stock < 0 {
		return nil, fmt.Errorf("%w: остаток не может быть отрицательным", common.ErrInvalidItem)
	}

	item := &Item{
		Name:        spec.Name,
		Description: spec.Description,
		Cost:        spec.Cost,
		Stock:       spec.Stock,
		IsActive:    spec.IsActive,
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		resolved, err := s.tags.ResolveAll(ctx, spec.AllowedTags)
		if err != nil {
			return err
		}
		item.AllowedTags = resolved
		return s.repo.InsertItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"item_id": item.ID,
		"name":    item.Name,
		"cost":    item.Cost,
		"tags":    spec.AllowedTags,
	}).Info("Товар создан")
	return item, nil
}

func (s *Service) SetActive(ctx context.Context, itemID int64, active bool) error {
	if err := s.repo.SetItemActive(ctx, itemID, active); err != nil {
		return err
	}
	log.WithFields(log.Fields{"item_id": itemID, "active": active}).Info("Статус товара изменён")
	return nil
}

// Restock изменяет ограниченный остаток на delta. Товар без ограничения не меняется.
func (s *Service) Restock(ctx context.Context, itemID, delta int64) (*Item, error) {
	item, err := s.repo.AdjustStock(ctx, itemID, delta)
	if err != nil {
		return nil, err
	}
	if item.Stock != nil {
		log.WithFields(log.Fields{"item_id": itemID, "delta": delta, "stock": *item.Stock}).Info("Остаток товара изменён")
	}
	return item, nil
}

func (s *Service) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	return s.repo.GetItem(ctx, itemID)
}

func (s *Service) ListItems(ctx context.Context, activeOnly bool) ([]*Item, error) {
	return s.repo.ListItems(ctx, activeOnly)
}

// Redemptions возвращает выкупы пользователя, новые первыми.
func (s *Service) Redemptions(ctx context.Context, userID int64) ([]*Redemption, error) {
	return s.repo.ListRedemptions(ctx, userID)
}
