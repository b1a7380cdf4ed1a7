// Package cache — кэш неизменяемых справочных данных (поиск тегов).
// С Redis кэш общий для реплик и локального уровня нет: Delete на одной
// реплике не сбрасывает память других. Без Redis работает TinyLFU в процессе.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss — ключа нет в кэше.
var ErrCacheMiss = cache.ErrCacheMiss

type Cache interface {
	Get(ctx context.Context, key string, target any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Layered — кэш go-redis/cache (Redis или локальный TinyLFU).
type Layered struct {
	instance *cache.Cache
}

func (c *Layered) Get(ctx context.Context, key string, target any) error {
	return c.instance.Get(ctx, key, target)
}

func (c *Layered) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.instance.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: value,
		TTL:   ttl,
	})
}

func (c *Layered) Delete(ctx context.Context, key string) error {
	err := c.instance.Delete(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return nil
	}
	return err
}

// NewRedis создаёт кэш только поверх Redis.
func NewRedis(client redis.UniversalClient) *Layered {
	return &Layered{cache.New(&cache.Options{
		Redis: client,
	})}
}

// NewLocal создаёт кэш только в памяти процесса.
func NewLocal(size int, ttl time.Duration) *Layered {
	return &Layered{cache.New(&cache.Options{
		LocalCache: cache.NewTinyLFU(size, ttl),
	})}
}

// Nop ничего не хранит: каждое чтение — промах.
type Nop struct{}

func (Nop) Get(context.Context, string, any) error { return ErrCacheMiss }
func (Nop) Set(context.Context, string, any, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error { return nil }
