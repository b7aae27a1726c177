// Package database provides the registry's database client and migration
// utilities. SQLite is the embedded default; PostgreSQL is supported for
// deployments that already run one.
package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver for database/sql
)

// Dialect selects the underlying store.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config holds database configuration.
type Config struct {
	Dialect Dialect

	// SQLite
	Path string

	// Postgres
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the sqlx handle used by every component.
type Client struct {
	db      *sqlx.DB
	dialect Dialect
}

// DB returns the underlying handle.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Dialect returns the active dialect.
func (c *Client) Dialect() Dialect {
	return c.dialect
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the database, configures pooling, and applies migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Dialect {
	case DialectSQLite, "":
		cfg.Dialect = DialectSQLite
		dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", cfg.Path)
		db, err = sqlx.Open("sqlite3", dsn)
		if err == nil {
			// SQLite allows a single writer; a shared pool of 1 serializes
			// writes instead of surfacing SQLITE_BUSY to callers.
			db.SetMaxOpenConns(1)
		}
	case DialectPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
		db, err = sqlx.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
			db.SetMaxIdleConns(cfg.MaxIdleConns)
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	default:
		return nil, fmt.Errorf("unsupported database dialect: %q", cfg.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db.DB, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, dialect: cfg.Dialect}, nil
}
