// Package database provides the PostgreSQL connection pool and migration
// utilities backing the relational event store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

// Config holds connection pool settings for the campaign database.
type Config struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings suitable for the orchestrator's
// write pattern: short transactions, one writer per campaign.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Client wraps the shared *sql.DB used by the relational store.
type Client struct {
	db *sql.DB
}

// DB returns the underlying connection pool for direct queries.
func (c *Client) DB() *sql.DB {
	return c.db
}

// NewClient opens the database, configures pooling, verifies
// connectivity, and applies pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN must not be empty")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// HealthStatus reports database health and connection pool statistics.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health checks connectivity and returns pool statistics.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := c.db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := c.db.Stats()

	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}
