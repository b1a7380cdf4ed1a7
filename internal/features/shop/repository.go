// Package shop — repository.go выполняет операции с таблицами shop_items,
// shop_item_tags и redemptions.
package shop

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db/postgres"
	"serotonyl.ru/points-ledger/internal/features/tags"
)

const itemColumns = `id, name, description, cost, stock, is_active, created_at, updated_at`

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetItem(ctx context.Context, id int64) (*Item, error) {
	item, err := scanItem(postgres.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+itemColumns+` FROM shop_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id=%d", common.ErrItemNotFound, id)
		}
		return nil, fmt.Errorf("ошибка получения товара %d: %w", id, err)
	}
	if err := r.attachTags(ctx, []*Item{item}); err != nil {
		return nil, err
	}
	return item, nil
}

// InsertItem создаёт товар и привязывает AllowedTags с сохранением порядка.
func (r *Repository) InsertItem(ctx context.Context, item *Item) error {
	conn := postgres.Conn(ctx, r.db)

	err := conn.QueryRow(ctx, `
		INSERT INTO shop_items (name, description, cost, stock, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, item.Name, item.Description, item.Cost, item.Stock, item.IsActive).
		Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания товара %q: %w", item.Name, err)
	}

	for i, t := range item.AllowedTags {
		_, err := conn.Exec(ctx, `
			INSERT INTO shop_item_tags (item_id, tag_id, position)
			VALUES ($1, $2, $3)
		`, item.ID, t.ID, i)
		if err != nil {
			return fmt.Errorf("ошибка привязки тега %d к товару %d: %w", t.ID, item.ID, err)
		}
	}
	return nil
}

func (r *Repository) ListItems(ctx context.Context, activeOnly bool) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM shop_items`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`

	rows, err := postgres.Conn(ctx, r.db).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения товаров: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования товара: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения строк: %w", err)
	}

	if err := r.attachTags(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *Repository) SetItemActive(ctx context.Context, id int64, active bool) error {
	tag, err := postgres.Conn(ctx, r.db).Exec(ctx, `
		UPDATE shop_items SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("ошибка изменения товара %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%d", common.ErrItemNotFound, id)
	}
	return nil
}

// DecrementStock — условный декремент, защищает от продажи последней единицы дважды.
func (r *Repository) DecrementStock(ctx context.Context, id int64) (int64, error) {
	var stock int64
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		UPDATE shop_items
		SET stock = stock - 1, updated_at = NOW()
		WHERE id = $1 AND stock IS NOT NULL AND stock > 0
		RETURNING stock
	`, id).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: id=%d", common.ErrOutOfStock, id)
		}
		return 0, fmt.Errorf("ошибка списания остатка товара %d: %w", id, err)
	}
	return stock, nil
}

func (r *Repository) AdjustStock(ctx context.Context, id int64, delta int64) (*Item, error) {
	conn := postgres.Conn(ctx, r.db)

	// stock + delta < 0 нарушит CHECK, поэтому условие в WHERE
	tag, err := conn.Exec(ctx, `
		UPDATE shop_items
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1 AND stock IS NOT NULL AND stock + $2 >= 0
	`, id, delta)
	if err != nil {
		return nil, fmt.Errorf("ошибка изменения остатка товара %d: %w", id, err)
	}

	item, err := r.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 && item.Stock != nil {
		return nil, fmt.Errorf("%w: остаток не может стать отрицательным", common.ErrInvalidItem)
	}
	return item, nil
}

func (r *Repository) InsertRedemption(ctx context.Context, red *Redemption) error {
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO redemptions (user_id, item_id, points_cost_at_redemption, transaction_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, red.UserID, red.ItemID, red.PointsCost, red.TransactionID, string(red.Status)).
		Scan(&red.ID, &red.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи выкупа: %w", err)
	}
	return nil
}

func (r *Repository) ListRedemptions(ctx context.Context, userID int64) ([]*Redemption, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `
		SELECT r.id, r.user_id, r.item_id, i.name, r.points_cost_at_redemption,
		       COALESCE(r.transaction_id, 0), r.status, r.created_at
		FROM redemptions r
		JOIN shop_items i ON i.id = r.item_id
		WHERE r.user_id = $1
		ORDER BY r.created_at DESC, r.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выкупов: %w", err)
	}
	defer rows.Close()

	var out []*Redemption
	for rows.Next() {
		var red Redemption
		var status string
		if err := rows.Scan(&red.ID, &red.UserID, &red.ItemID, &red.ItemName, &red.PointsCost,
			&red.TransactionID, &status, &red.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования выкупа: %w", err)
		}
		red.Status = Status(status)
		out = append(out, &red)
	}
	return out, rows.Err()
}

func (r *Repository) attachTags(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]int64, len(items))
	byID := make(map[int64]*Item, len(items))
	for i, it := range items {
		ids[i] = it.ID
		byID[it.ID] = it
	}

	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `
		SELECT sit.item_id, t.id, t.name, t.slug, t.description, t.is_default, t.created_at
		FROM shop_item_tags sit
		JOIN tags t ON t.id = sit.tag_id
		WHERE sit.item_id = ANY($1)
		ORDER BY sit.item_id, sit.position
	`, ids)
	if err != nil {
		return fmt.Errorf("ошибка загрузки тегов товаров: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var itemID int64
		var t tags.Tag
		if err := rows.Scan(&itemID, &t.ID, &t.Name, &t.Slug, &t.Description, &t.IsDefault, &t.CreatedAt); err != nil {
			return fmt.Errorf("ошибка сканирования тега: %w", err)
		}
		byID[itemID].AllowedTags = append(byID[itemID].AllowedTags, &t)
	}
	return rows.Err()
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	if err := row.Scan(&it.ID, &it.Name, &it.Description, &it.Cost, &it.Stock,
		&it.IsActive, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	return &it, nil
}
