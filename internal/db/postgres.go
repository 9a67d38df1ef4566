// Package db owns the PostgreSQL pool behind the iteration mirror.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
)

const (
	connectTimeout     = 10 * time.Second
	healthCheckTimeout = 5 * time.Second
)

//go:embed schema.sql
var schema string

// Pool is the mirror's connection pool.
type Pool struct {
	*pgxpool.Pool
	logger *zap.Logger
}

// NewPool connects to the configured database and verifies the connection.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	p := &Pool{Pool: pool, logger: logger}
	if err := p.HealthCheck(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Mirror database connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", poolCfg.MaxConns),
	)
	return p, nil
}

func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = int32(cfg.MaxIdleConnections)
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid conn_max_lifetime: %w", err)
		}
		poolCfg.MaxConnLifetime = lifetime
	}
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout
	return poolCfg, nil
}

// Close releases every connection.
func (p *Pool) Close() {
	p.Pool.Close()
	p.logger.Info("Mirror database closed")
}

// HealthCheck runs a trivial query with a short deadline.
func (p *Pool) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var one int
	if err := p.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Migrate creates the evolver tables if they do not exist.
func (p *Pool) Migrate(ctx context.Context) error {
	if _, err := p.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	p.logger.Info("Mirror schema applied")
	return nil
}

// WithTx runs fn in a transaction that commits only when fn returns nil.
func (p *Pool) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return withTx(ctx, p.Pool, p.logger, fn)
}

type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func withTx(ctx context.Context, db txStarter, logger *zap.Logger, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Error("Rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
