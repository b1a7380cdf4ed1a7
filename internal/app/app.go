// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: создаёт БД-пул, кэш, репозитории, сервисы
// и планировщик и собирает всё в один объект App.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/cache"
	"serotonyl.ru/points-ledger/internal/config"
	"serotonyl.ru/points-ledger/internal/db/postgres"
	"serotonyl.ru/points-ledger/internal/features/points"
	"serotonyl.ru/points-ledger/internal/features/shop"
	"serotonyl.ru/points-ledger/internal/features/tags"
	"serotonyl.ru/points-ledger/internal/jobs"
)

// Ключ сверки живёт дольше самой долгой сверки.
const reconcileLockExpiry = 10 * time.Minute

// App содержит все компоненты приложения.
type App struct {
	Config    *config.Config
	DB        *pgxpool.Pool
	Redis     *redis.Client // nil, если REDIS_ADDR не задан
	Tags      *tags.Registry
	Points    *points.Service
	Shop      *shop.Service
	Scheduler *jobs.Scheduler
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// === 1. База данных ===
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}

	// === 2. Redis и кэш ===
	var (
		rdb      *redis.Client
		tagCache cache.Cache
		locker   jobs.Locker = jobs.LocalLocker{}
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			pool.Close()
			return nil, fmt.Errorf("redis недоступен: %w", err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("Подключение к Redis установлено")

		tagCache = cache.NewRedis(rdb)
		locker = jobs.NewRedisLocker(rdb, reconcileLockExpiry)
	} else {
		log.Info("REDIS_ADDR не задан, используется локальный кэш")
		tagCache = cache.NewLocal(cfg.CacheLocalSize, cfg.CacheTagTTL)
	}

	// === 3. Репозитории ===
	tx := postgres.NewTransactor(pool, cfg.DBLockTimeout)
	tagRepo := tags.NewRepository(pool)
	pointsRepo := points.NewRepository(pool)
	shopRepo := shop.NewRepository(pool)

	// === 4. Сервисы ===
	registry := tags.NewRegistry(tagRepo, tags.WithCache(tagCache, cfg.CacheTagTTL))
	pointsService := points.NewService(tx, pointsRepo, registry)
	shopService := shop.NewService(tx, shopRepo, pointsService, registry)

	// === 5. Планировщик задач ===
	scheduler := jobs.NewScheduler(pointsService, locker, cfg.ReconcileSchedule, cfg.Location())

	return &App{
		Config:    cfg,
		DB:        pool,
		Redis:     rdb,
		Tags:      registry,
		Points:    pointsService,
		Shop:      shopService,
		Scheduler: scheduler,
	}, nil
}

// Close освобождает соединения с БД и Redis.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.WithError(err).Warn("Ошибка закрытия Redis")
		}
	}
	a.DB.Close()
}
