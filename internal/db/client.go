// Package db is the application store: notebooks, conversation messages,
// saved database connections and query telemetry. It owns the service's
// own Postgres pool; the databases users chat with are managed by sqlconn.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/circuitbreaker"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/migrations"
)

// Client manages the app-store connection pool. Reads go through sqlx for
// struct scanning; writes and pings go through the circuit breaker so a
// dead database fails fast instead of stacking up on the pool.
type Client struct {
	dbx    *sqlx.DB
	cb     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	stopCh chan struct{}
	ownsDB bool
}

// NewClient opens the pool, applies app migrations and starts the health
// check routine.
func NewClient(cfg config.DatabaseConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dbx, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	dbx.SetMaxOpenConns(cfg.MaxOpenConns)
	dbx.SetMaxIdleConns(cfg.MaxIdleConns)
	dbx.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	cb := circuitbreaker.NewDatabaseWrapper(dbx.DB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cb.PingContext(ctx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	mctx, mcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer mcancel()
	if err := migrations.Apply(mctx, dbx.DB, "app", nil); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	client := &Client{
		dbx:    dbx,
		cb:     cb,
		logger: logger,
		stopCh: make(chan struct{}),
		ownsDB: true,
	}

	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.Int("max_connections", cfg.MaxOpenConns),
	)

	return client, nil
}

// NewClientWithDB wraps an existing handle. Used by tests; skips
// migrations and the health routine, and never closes the handle.
func NewClientWithDB(dbx *sqlx.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		dbx:    dbx,
		cb:     circuitbreaker.NewDatabaseWrapper(dbx.DB, logger),
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// DB exposes the sqlx handle for callers that need raw access.
func (c *Client) DB() *sqlx.DB {
	return c.dbx
}

// Wrapper exposes the circuit breaker for the health checker.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.cb
}

// Healthy reports whether the store answers a ping.
func (c *Client) Healthy(ctx context.Context) error {
	return c.cb.PingContext(ctx)
}

// healthCheck periodically checks database connectivity.
func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.cb.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops the health routine and releases the pool.
func (c *Client) Close() error {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	if c.ownsDB {
		if err := c.dbx.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
