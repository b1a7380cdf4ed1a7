// Package postgres — queries.go содержит транзакционную обвязку:
// Transactor открывает pgx-транзакцию и кладёт её в контекст,
// Conn отдаёт репозиториям либо эту транзакцию, либо пул.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/points-ledger/internal/db"
)

// DBTX — общее подмножество методов *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn возвращает транзакцию из контекста, если она открыта, иначе пул.
func Conn(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if u := db.FromContext(ctx); u != nil {
		if tx, ok := u.Tx().(pgx.Tx); ok {
			return tx
		}
	}
	return pool
}

// Transactor реализует db.Transactor поверх pgxpool.
type Transactor struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewTransactor создаёт Transactor. lockTimeout > 0 ограничивает ожидание
// чужих блокировок строк внутри каждой транзакции.
func NewTransactor(pool *pgxpool.Pool, lockTimeout time.Duration) *Transactor {
	return &Transactor{pool: pool, lockTimeout: lockTimeout}
}

// WithinTx выполняет fn в транзакции READ COMMITTED.
// Если в контексте уже есть транзакция — fn выполняется в ней.
//
// Параметры:
//   - ctx: контекст
//   - fn: работа, которую нужно выполнить атомарно
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u := db.FromContext(ctx); u != nil {
		if _, ok := u.Tx().(pgx.Tx); ok {
			return fn(ctx)
		}
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	// Откатываем транзакцию, если что-то пошло не так (после Commit — no-op)
	defer tx.Rollback(ctx)

	if t.lockTimeout > 0 {
		// SET LOCAL не принимает параметры, set_config(..., true) — эквивалент
		timeout := fmt.Sprintf("%dms", t.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
			return fmt.Errorf("ошибка установки lock_timeout: %w", err)
		}
	}

	txCtx, unit := db.Begin(ctx, tx)
	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	unit.Committed()
	return nil
}
