// Package db описывает единицу работы (unit of work), общую для всех хранилищ.
//
// Открытая транзакция хранится в context.Context. Репозитории достают её
// из контекста, поэтому несколько сервисов могут работать в одной транзакции:
// например, оформление заказа списывает баллы и уменьшает остаток товара атомарно.
//
// Вложенный вызов WithinTx присоединяется к внешней транзакции, а не открывает новую.
package db

import (
	"context"
	"sync"
)

// Transactor выполняет функцию внутри одной атомарной единицы работы.
// Если fn вернула ошибку — все изменения откатываются.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type unitKey struct{}

// Unit — текущая единица работы.
type Unit struct {
	tx any

	mu    sync.Mutex
	hooks []func()
}

// Begin привязывает транзакцию tx к контексту.
// Вызывается только реализациями Transactor.
func Begin(ctx context.Context, tx any) (context.Context, *Unit) {
	u := &Unit{tx: tx}
	return context.WithValue(ctx, unitKey{}, u), u
}

// FromContext возвращает текущую единицу работы или nil.
func FromContext(ctx context.Context) *Unit {
	u, _ := ctx.Value(unitKey{}).(*Unit)
	return u
}

// Tx возвращает транзакцию конкретного хранилища (pgx.Tx, memory и т.д.).
func (u *Unit) Tx() any {
	return u.tx
}

// Committed выполняет отложенные хуки. Вызывается после успешного коммита.
func (u *Unit) Committed() {
	u.mu.Lock()
	hooks := u.hooks
	u.hooks = nil
	u.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// AfterCommit откладывает fn до коммита текущей единицы работы.
// Вне транзакции fn выполняется сразу. При откате fn не вызывается.
func AfterCommit(ctx context.Context, fn func()) {
	u := FromContext(ctx)
	if u == nil {
		fn()
		return
	}
	u.mu.Lock()
	u.hooks = append(u.hooks, fn)
	u.mu.Unlock()
}
