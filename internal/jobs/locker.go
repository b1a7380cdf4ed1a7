package jobs

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker выдаёт распределённую блокировку задачи.
// TryLock не ждёт: если блокировка занята, возвращает ошибку.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), err error)
}

// RedisLocker — блокировка через redsync. Задачу выполняет только одна реплика.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

// NewRedisLocker создаёт блокировку поверх клиента Redis.
// expiry — сколько живёт ключ, если держатель упал, не сняв его.
func NewRedisLocker(client redis.UniversalClient, expiry time.Duration) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string) (func(), error) {
	mutex := l.rs.NewMutex(name, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := mutex.TryLockContext(ctx); err != nil {
		return nil, err
	}
	return func() {
		// nolint:errcheck
		mutex.UnlockContext(context.WithoutCancel(ctx))
	}, nil
}

// LocalLocker — блокировка без Redis, когда реплика одна.
type LocalLocker struct{}

func (LocalLocker) TryLock(context.Context, string) (func(), error) {
	return func() {}, nil
}
