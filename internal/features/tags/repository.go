// Package tags — repository.go выполняет все операции с таблицей tags.
package tags

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db/postgres"
)

const tagColumns = `id, name, slug, description, is_default, created_at`

// Repository — реализация Store поверх PostgreSQL.
// Если в контексте открыта транзакция, запросы идут в неё.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// FindTag: при совпадении и по slug, и по имени у разных тегов возвращается более старый.
func (r *Repository) FindTag(ctx context.Context, nameOrSlug string) (*Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags WHERE slug = $1 OR name = $1 ORDER BY id LIMIT 1`
	t, err := scanTag(postgres.Conn(ctx, r.db).QueryRow(ctx, query, nameOrSlug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", common.ErrTagNotFound, nameOrSlug)
		}
		return nil, fmt.Errorf("ошибка поиска тега %q: %w", nameOrSlug, err)
	}
	return t, nil
}

// GetOrCreateTag вставляет тег с ON CONFLICT DO NOTHING и перечитывает его по имени.
// Два конкурентных первых обращения получат одну и ту же строку:
// второй INSERT ждёт коммита первого и ничего не вставляет.
func (r *Repository) GetOrCreateTag(ctx context.Context, name, slug string) (*Tag, error) {
	conn := postgres.Conn(ctx, r.db)

	_, err := conn.Exec(ctx, `
		INSERT INTO tags (name, slug)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, name, slug)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания тега %q: %w", name, err)
	}

	t, err := scanTag(conn.QueryRow(ctx, `SELECT `+tagColumns+` FROM tags WHERE name = $1`, name))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения тега %q: %w", name, err)
	}
	return t, nil
}

func (r *Repository) CreateTag(ctx context.Context, t *Tag) error {
	query := `
		INSERT INTO tags (name, slug, description, is_default)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, query, t.Name, t.Slug, t.Description, t.IsDefault).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %q", common.ErrTagExists, t.Name)
		}
		return fmt.Errorf("ошибка создания тега %q: %w", t.Name, err)
	}
	return nil
}

func (r *Repository) ListTags(ctx context.Context) ([]*Tag, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `SELECT `+tagColumns+` FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса тегов: %w", err)
	}
	defer rows.Close()

	var out []*Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования тега: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения строк: %w", err)
	}
	return out, nil
}

func scanTag(row pgx.Row) (*Tag, error) {
	var t Tag
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Description, &t.IsDefault, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
