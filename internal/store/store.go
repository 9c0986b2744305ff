// Package store is the persistence layer over PostgreSQL. All writes
// run inside a single transaction per operation; upserts are written so
// that concurrent inserts do not deadlock under read-committed
// isolation (ON CONFLICT plus insert-then-select fallbacks).
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tickd/tickd/internal/config"
	"github.com/tickd/tickd/internal/errkind"
)

const (
	// connectAttempts bounds the initial connect retry loop.
	connectAttempts = 3
	// connectRetryDelay is the base delay; attempt n waits n times this.
	connectRetryDelay = time.Second
)

// uniqueViolation is the PostgreSQL error code for constraint conflicts
// the layer treats as idempotence hits.
const uniqueViolation = "23505"

// querier is the slice of pgxpool.Pool the store queries through,
// separated so tests can substitute a scripted connection.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a bounded pgx connection pool.
type Store struct {
	db     querier
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New opens the connection pool and verifies connectivity with a
// bounded retry loop (linear back-off). The pool size and the 10s
// connect timeout come from the config.
func New(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errkind.Wrap(errkind.DBConnect, err)
	}

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if lastErr = pool.Ping(ctx); lastErr == nil {
			logger.Info("database connected",
				"host", cfg.Host,
				"database", cfg.Name,
				"pool_size", cfg.PoolSize,
			)
			return &Store{db: pool, pool: pool, logger: logger}, nil
		}

		logger.Warn("database connect failed",
			"attempt", attempt,
			"max_attempts", connectAttempts,
			"error", lastErr,
		)
		if attempt < connectAttempts {
			select {
			case <-ctx.Done():
				pool.Close()
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * connectRetryDelay):
			}
		}
	}

	pool.Close()
	return nil, errkind.Wrap(errkind.DBConnect, lastErr)
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// withTx runs fn inside a transaction, rolling back on any error.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errkind.Wrap(errkind.DBConnect, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
