package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/points-ledger/internal/cache"
)

type entry struct {
	ID   int64
	Name string
}

func TestLocalSetGetDelete(t *testing.T) {
	ctx := context.Background()
	c := cache.NewLocal(1000, time.Minute)

	require.NoError(t, c.Set(ctx, "tags:lookup:vip", entry{ID: 7, Name: "vip"}, time.Minute))

	var got entry
	require.NoError(t, c.Get(ctx, "tags:lookup:vip", &got))
	assert.Equal(t, entry{ID: 7, Name: "vip"}, got)

	require.NoError(t, c.Delete(ctx, "tags:lookup:vip"))
	assert.ErrorIs(t, c.Get(ctx, "tags:lookup:vip", &got), cache.ErrCacheMiss)
}

func TestNopAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var c cache.Cache = cache.Nop{}

	require.NoError(t, c.Set(ctx, "k", entry{ID: 1}, time.Minute))
	var got entry
	assert.ErrorIs(t, c.Get(ctx, "k", &got), cache.ErrCacheMiss)
	assert.NoError(t, c.Delete(ctx, "k"))
}

func TestDeleteMissingKey(t *testing.T) {
	assert.NoError(t, cache.NewLocal(10, time.Minute).Delete(context.Background(), "absent"))
}

// Кэш поверх Redis не держит копию в памяти процесса: после удаления ключа
// напрямую в Redis (как это сделала бы другая реплика) чтение — промах.
func TestRedisHasNoLocalTier(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	c := cache.NewRedis(client)
	key := "tags:lookup:test-no-local-tier"
	require.NoError(t, c.Set(ctx, key, entry{ID: 3}, time.Minute))

	var got entry
	require.NoError(t, c.Get(ctx, key, &got))
	require.NoError(t, client.Del(ctx, key).Err())

	assert.ErrorIs(t, c.Get(ctx, key, &got), cache.ErrCacheMiss)
}

// Без LEDGER_TEST_REDIS_ADDR тесты с Redis пропускаются.
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR не задан")
	}
	return addr
}
