package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sdexindexer/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Database owns the process-wide connection pool.
type Database struct {
	pool *pgxpool.Pool
}

// Connect builds the pool and verifies the store answers. There is no retry:
// an unreachable store at startup is fatal.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ConnectionError{Op: "ping", Err: err}
	}

	return &Database{pool: pool}, nil
}

// NewDatabase wraps an existing pool.
func NewDatabase(pool *pgxpool.Pool) *Database {
	return &Database{pool: pool}
}

// Pool exposes the pool to collaborators that query directly.
func (d *Database) Pool() *pgxpool.Pool {
	if d == nil {
		return nil
	}
	return d.pool
}

// Close releases the underlying pool resources.
func (d *Database) Close() {
	if d == nil || d.pool == nil {
		return
	}
	d.pool.Close()
}

// HealthCheck issues a trivial round trip. It is a liveness probe only.
func (d *Database) HealthCheck(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return &ConnectionError{Op: "health check", Err: ErrNotConfigured}
	}
	if _, err := d.pool.Exec(ctx, "SELECT 1"); err != nil {
		return &ConnectionError{Op: "health check", Err: err}
	}
	return nil
}

// PoolCounters is a raw reading of the pool's counters.
type PoolCounters struct {
	TotalConns      int32
	AcquiredConns   int32
	IdleConns       int32
	MaxConns        int32
	EmptyAcquires   int64
	AcquireDuration time.Duration
}

// PoolCounters samples the pool statistics.
func (d *Database) PoolCounters() PoolCounters {
	if d == nil || d.pool == nil {
		return PoolCounters{}
	}
	stat := d.pool.Stat()
	return PoolCounters{
		TotalConns:      stat.TotalConns(),
		AcquiredConns:   stat.AcquiredConns(),
		IdleConns:       stat.IdleConns(),
		MaxConns:        stat.MaxConns(),
		EmptyAcquires:   stat.EmptyAcquireCount(),
		AcquireDuration: stat.AcquireDuration(),
	}
}
