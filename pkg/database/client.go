// Copyright 2025 Certen Protocol
//
// Package database owns the shared Postgres connection used by every
// durable store (records, pending queue, leaves, blocks, leases,
// cursors). It pools connections, runs the embedded schema migrations
// at boot, and hands out transactions for the multi-statement writes.

package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aggregatornet/aggregator/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client wraps the pooled connection all stores share.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// NewClient opens the pool described by cfg and verifies the database
// is reachable before returning.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil || cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database: a DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMinConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.DatabaseMaxIdleTime) * time.Second)
	db.SetConnMaxLifetime(time.Duration(cfg.DatabaseMaxLifetime) * time.Second)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	c := &Client{
		db:     db,
		logger: log.New(log.Writer(), "[Database] ", log.LstdFlags),
	}
	c.logger.Printf("connected (pool max=%d idle=%d)", cfg.DatabaseMaxConns, cfg.DatabaseMinConns)
	return c, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	c.logger.Println("closing connection pool")
	return c.db.Close()
}

// Ping verifies the database is still reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// migration is one embedded schema file. The version is the file name
// without extension; lexical order of versions is apply order.
type migration struct {
	version string
	sql     string
}

// MigrateUp applies every embedded migration that has not been recorded
// in schema_migrations yet. Each migration runs in its own transaction
// and records its own version, so a failure leaves the schema at a
// clean boundary.
func (c *Client) MigrateUp(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := c.appliedVersions(ctx)
	if err != nil {
		return err
	}

	c.logger.Printf("applying schema migrations (%d known, %d already applied)", len(migrations), len(applied))
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		c.logger.Printf("  applying %s", m.version)

		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("database: migrate %s: begin: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("database: migrate %s: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("database: migrate %s: commit: %w", m.version, err)
		}
	}
	c.logger.Println("schema up to date")
	return nil
}

// loadMigrations reads the embedded migration files in version order.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("database: read migrations: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("database: read %s: %w", name, err)
		}
		out = append(out, migration{
			version: strings.TrimSuffix(name, ".sql"),
			sql:     string(content),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// appliedVersions reads the set of already-applied migration versions.
// On a virgin database the tracking table does not exist yet; the first
// migration creates it, so that case reads as "nothing applied".
func (c *Client) appliedVersions(ctx context.Context) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := c.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return applied, nil
		}
		return nil, fmt.Errorf("database: applied versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("database: applied versions: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Tx is a thin wrapper handed to stores that need multi-statement
// writes (draining the queue, sealing a block with its records).
type Tx struct {
	tx *sql.Tx
}

// BeginTx starts a transaction on the shared pool.
func (c *Client) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("database: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback rolls the transaction back; safe to defer after Commit.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// Tx exposes the underlying *sql.Tx for statement execution.
func (t *Tx) Tx() *sql.Tx { return t.tx }

// ExecContext runs a statement that returns no rows.
func (c *Client) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query returning rows.
func (c *Client) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query returning at most one row.
func (c *Client) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}
