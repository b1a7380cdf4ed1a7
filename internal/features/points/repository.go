// Package points — repository.go выполняет операции с таблицами point_sources,
// point_transactions и их связями. Изменяющие методы рассчитаны на вызов
// внутри транзакции (postgres.Transactor), блокировки держатся до её конца.
package points

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

const sourceColumns = `ps.id, ps.user_id, ps.initial_points, ps.remaining_points, ps.is_withdrawable, ps.created_at`

// Repository — реализация Store поверх PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InsertSource создаёт источник и привязывает к нему src.Tags.
func (r *Repository) InsertSource(ctx context.Context, src *Source) error {
	conn := postgres.Conn(ctx, r.db)

	err := conn.QueryRow(ctx, `
		INSERT INTO point_sources (user_id, initial_points, remaining_points, is_withdrawable)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, src.UserID, src.InitialPoints, src.RemainingPoints, src.IsWithdrawable).Scan(&src.ID, &src.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания источника баллов: %w", err)
	}

	for _, t := range src.Tags {
		_, err := conn.Exec(ctx, `
			INSERT INTO point_source_tags (source_id, tag_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, src.ID, t.ID)
		if err != nil {
			return fmt.Errorf("ошибка привязки тега %d к источнику %d: %w", t.ID, src.ID, err)
		}
	}
	return nil
}

// InsertTransaction создаёт запись журнала и связи со списанными источниками.
func (r *Repository) InsertTransaction(ctx context.Context, tx *Transaction) error {
	conn := postgres.Conn(ctx, r.db)

	err := conn.QueryRow(ctx, `
		INSERT INTO point_transactions (user_id, points, transaction_type, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, tx.UserID, tx.Points, string(tx.Type), tx.Description).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи транзакции: %w", err)
	}

	for i, sourceID := range tx.ConsumedSourceIDs {
		_, err := conn.Exec(ctx, `
			INSERT INTO point_transaction_sources (transaction_id, source_id, position)
			VALUES ($1, $2, $3)
		`, tx.ID, sourceID, i)
		if err != nil {
			return fmt.Errorf("ошибка привязки источника %d к транзакции %d: %w", sourceID, tx.ID, err)
		}
	}
	return nil
}

// LockAvailableSources блокирует (FOR UPDATE) все источники пользователя с остатком.
// Порядок блокировки фиксирован (created_at, id), поэтому конкурентные списания
// одного пользователя не могут взаимно заблокироваться.
func (r *Repository) LockAvailableSources(ctx context.Context, userID int64) ([]*Source, error) {
	query := `
		SELECT ` + sourceColumns + `
		FROM point_sources ps
		WHERE ps.user_id = $1 AND ps.remaining_points > 0
		ORDER BY ps.created_at, ps.id
		FOR UPDATE
	`
	return r.querySources(ctx, query, userID)
}

// LockTierSources возвращает и блокирует источники одного уровня.
func (r *Repository) LockTierSources(ctx context.Context, userID int64, tier Tier, exclude []int64) ([]*Source, error) {
	// pgx кодирует nil-срез как NULL, а "<> ALL(NULL)" отфильтрует всё
	if exclude == nil {
		exclude = []int64{}
	}

	switch tier.Kind {
	case TierPriority:
		query := `
			SELECT ` + sourceColumns + `
			FROM point_sources ps
			WHERE ps.user_id = $1
			  AND ps.remaining_points > 0
			  AND ps.id <> ALL($2)
			  AND EXISTS (
			      SELECT 1 FROM point_source_tags pst
			      JOIN tags t ON t.id = pst.tag_id
			      WHERE pst.source_id = ps.id AND t.name = $3
			  )
			ORDER BY ps.created_at, ps.id
			FOR UPDATE OF ps
		`
		return r.querySources(ctx, query, userID, exclude, tier.TagName)
	case TierDefault:
		query := `
			SELECT ` + sourceColumns + `
			FROM point_sources ps
			WHERE ps.user_id = $1
			  AND ps.remaining_points > 0
			  AND ps.id <> ALL($2)
			  AND EXISTS (
			      SELECT 1 FROM point_source_tags pst
			      JOIN tags t ON t.id = pst.tag_id
			      WHERE pst.source_id = ps.id AND t.is_default
			  )
			ORDER BY ps.created_at, ps.id
			FOR UPDATE OF ps
		`
		return r.querySources(ctx, query, userID, exclude)
	default:
		query := `
			SELECT ` + sourceColumns + `
			FROM point_sources ps
			WHERE ps.user_id = $1
			  AND ps.remaining_points > 0
			  AND ps.id <> ALL($2)
			ORDER BY ps.created_at, ps.id
			FOR UPDATE
		`
		return r.querySources(ctx, query, userID, exclude)
	}
}

// DeductSource — условный декремент: строка обновится, только если остатка хватает.
func (r *Repository) DeductSource(ctx context.Context, sourceID, amount int64) (int64, error) {
	var remaining int64
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		UPDATE point_sources
		SET remaining_points = remaining_points - $2
		WHERE id = $1 AND remaining_points >= $2
		RETURNING remaining_points
	`, sourceID, amount).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: источник %d не покрывает списание %d", common.ErrLedgerInconsistent, sourceID, amount)
		}
		return 0, fmt.Errorf("ошибка списания с источника %d: %w", sourceID, err)
	}
	return remaining, nil
}

// SumRemaining возвращает общий остаток баллов пользователя.
func (r *Repository) SumRemaining(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT COALESCE(SUM(remaining_points), 0)::BIGINT
		FROM point_sources
		WHERE user_id = $1
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения баланса: %w", err)
	}
	return total, nil
}

// BalanceByTag группирует остаток по тегам источников.
func (r *Repository) BalanceByTag(ctx context.Context, userID int64) ([]TagBalance, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `
		SELECT t.id, t.name, t.slug, SUM(ps.remaining_points)::BIGINT AS points
		FROM point_sources ps
		JOIN point_source_tags pst ON pst.source_id = ps.id
		JOIN tags t ON t.id = pst.tag_id
		WHERE ps.user_id = $1 AND ps.remaining_points > 0
		GROUP BY t.id, t.name, t.slug
		ORDER BY t.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения баланса по тегам: %w", err)
	}
	defer rows.Close()

	var out []TagBalance
	for rows.Next() {
		var b TagBalance
		if err := rows.Scan(&b.TagID, &b.Name, &b.Slug, &b.Points); err != nil {
			return nil, fmt.Errorf("ошибка сканирования баланса: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListActiveSources возвращает источники с остатком, новые первыми, вместе с тегами.
func (r *Repository) ListActiveSources(ctx context.Context, userID int64) ([]*Source, error) {
	sources, err := r.querySources(ctx, `
		SELECT `+sourceColumns+`
		FROM point_sources ps
		WHERE ps.user_id = $1 AND ps.remaining_points > 0
		ORDER BY ps.created_at DESC, ps.id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	if err := r.attachTags(ctx, sources); err != nil {
		return nil, err
	}
	return sources, nil
}

func (r *Repository) CountTransactions(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := postgres.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM point_transactions WHERE user_id = $1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта транзакций: %w", err)
	}
	return n, nil
}

// ListTransactions возвращает страницу журнала, новые записи первыми.
func (r *Repository) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]*Transaction, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `
		SELECT pt.id, pt.user_id, pt.points, pt.transaction_type, pt.description, pt.created_at,
		       COALESCE(
		           (SELECT array_agg(pts.source_id ORDER BY pts.position)
		            FROM point_transaction_sources pts
		            WHERE pts.transaction_id = pt.id),
		           '{}'
		       ) AS consumed
		FROM point_transactions pt
		WHERE pt.user_id = $1
		ORDER BY pt.created_at DESC, pt.id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения транзакций: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		var txType string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Points, &txType, &t.Description, &t.CreatedAt, &t.ConsumedSourceIDs); err != nil {
			return nil, fmt.Errorf("ошибка сканирования транзакции: %w", err)
		}
		t.Type = TransactionType(txType)
		if len(t.ConsumedSourceIDs) == 0 {
			t.ConsumedSourceIDs = nil
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ReconcileBalances сравнивает остатки источников с суммой журнала по каждому пользователю
// и ищет источники с остатком вне допустимых границ.
func (r *Repository) ReconcileBalances(ctx context.Context) ([]Discrepancy, error) {
	conn := postgres.Conn(ctx, r.db)

	rows, err := conn.Query(ctx, `
		WITH s AS (
		    SELECT user_id, SUM(remaining_points)::BIGINT AS remaining
		    FROM point_sources GROUP BY user_id
		), t AS (
		    SELECT user_id, SUM(points)::BIGINT AS total
		    FROM point_transactions GROUP BY user_id
		)
		SELECT COALESCE(s.user_id, t.user_id), COALESCE(t.total, 0), COALESCE(s.remaining, 0)
		FROM s FULL OUTER JOIN t ON s.user_id = t.user_id
		WHERE COALESCE(s.remaining, 0) <> COALESCE(t.total, 0)
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("ошибка сверки балансов: %w", err)
	}
	defer rows.Close()

	var out []Discrepancy
	for rows.Next() {
		d := Discrepancy{Kind: DiscrepancyBalance}
		if err := rows.Scan(&d.UserID, &d.Expected, &d.Actual); err != nil {
			return nil, fmt.Errorf("ошибка сканирования сверки: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	bounds, err := conn.Query(ctx, `
		SELECT id, user_id, initial_points, remaining_points
		FROM point_sources
		WHERE remaining_points < 0 OR remaining_points > initial_points
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки границ источников: %w", err)
	}
	defer bounds.Close()

	for bounds.Next() {
		d := Discrepancy{Kind: DiscrepancyBounds}
		if err := bounds.Scan(&d.SourceID, &d.UserID, &d.Expected, &d.Actual); err != nil {
			return nil, fmt.Errorf("ошибка сканирования источника: %w", err)
		}
		out = append(out, d)
	}
	return out, bounds.Err()
}

func (r *Repository) querySources(ctx context.Context, query string, args ...any) ([]*Source, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса источников: %w", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.InitialPoints, &s.RemainingPoints, &s.IsWithdrawable, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования источника: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения строк: %w", err)
	}
	return out, nil
}

func (r *Repository) attachTags(ctx context.Context, sources []*Source) error {
	if len(sources) == 0 {
		return nil
	}
	ids := make([]int64, len(sources))
	byID := make(map[int64]*Source, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
		byID[s.ID] = s
	}

	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `
		SELECT pst.source_id, t.id, t.name, t.slug, t.description, t.is_default, t.created_at
		FROM point_source_tags pst
		JOIN tags t ON t.id = pst.tag_id
		WHERE pst.source_id = ANY($1)
		ORDER BY t.name
	`, ids)
	if err != nil {
		return fmt.Errorf("ошибка загрузки тегов источников: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sourceID int64
		var t tags.Tag
		if err := rows.Scan(&sourceID, &t.ID, &t.Name, &t.Slug, &t.Description, &t.IsDefault, &t.CreatedAt); err != nil {
			return fmt.Errorf("ошибка сканирования тега: %w", err)
		}
		byID[sourceID].Tags = append(byID[sourceID].Tags, &t)
	}
	return rows.Err()
}
