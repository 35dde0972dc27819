package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlx.DB
type DB struct {
	*sqlx.DB
	driver string
}

// New creates a new database connection for driver "sqlite3" or "postgres"
func New(driver, dsn string) (*DB, error) {
	switch driver {
	case "postgres":
		db, err := sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &DB{DB: db, driver: driver}, nil
	case "sqlite3", "":
		return newSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func newSQLite(path string) (*DB, error) {
	memory := path == ":memory:"

	var dsn string
	if memory {
		dsn = ":memory:?_foreign_keys=on"
	} else {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// Connect with WAL mode and foreign keys enabled
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Every new connection to :memory: is a fresh database
	if memory {
		db.SetMaxOpenConns(1)
	}

	return &DB{DB: db, driver: "sqlite3"}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	ddl := sqliteSchema
	if db.driver == "postgres" {
		ddl = postgresSchema
	}
	for _, stmt := range strings.Split(ddl, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return nil
}

// q rebinds ? placeholders for the active driver
func (db *DB) q(query string) string {
	return db.Rebind(query)
}
