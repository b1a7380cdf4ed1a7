// Package postgres — слой PostgreSQL: пул pgx, транзакции леджера, запросы
// и встроенные миграции goose.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/config"
)

// ApplicationName видно в pg_stat_activity: по нему находят держателей блокировок источников.
const ApplicationName = "points-ledger"

// NewPool подключается к базе из конфигурации и проверяет соединение.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := PoolConfig(cfg.DatabaseDSN(), cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return connect(ctx, poolConfig)
}

// NewPoolFromDSN — то же по готовой строке подключения, размер пула по умолчанию pgx.
func NewPoolFromDSN(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := PoolConfig(dsn, 0, 0)
	if err != nil {
		return nil, err
	}
	return connect(ctx, poolConfig)
}

// PoolConfig разбирает DSN и применяет настройки пула. Нулевой maxConns
// оставляет значение pgx. Соединение не открывается.
func PoolConfig(dsn string, maxConns, minConns int32) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	if maxConns > 0 {
		pc.MaxConns = maxConns
		pc.MinConns = minConns
	}
	// Списание держит FOR UPDATE до коммита: долгоживущие соединения
	// периодически пересоздаются, простаивающие закрываются.
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute

	if _, ok := pc.ConnConfig.RuntimeParams["application_name"]; !ok {
		pc.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}
	return pc, nil
}

func connect(ctx context.Context, pc *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("база данных недоступна: %w", err)
	}

	log.WithFields(log.Fields{
		"host":      pc.ConnConfig.Host,
		"database":  pc.ConnConfig.Database,
		"max_conns": pc.MaxConns,
	}).Info("PostgreSQL: пул готов")
	return pool, nil
}
