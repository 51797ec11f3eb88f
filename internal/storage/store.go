// Package storage persists environments and test records. Two backends
// are provided: SQLite (default, zero-config) and PostgreSQL. All GORM
// usage is confined to this package — domain types remain ORM-free.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/ngome/internal/environment"
)

// Store is the unified persistence interface for Ngome.
// Both backends implement it; the repositories returned by the accessors
// share the underlying connection.
type Store interface {
	Environments() environment.EnvironmentStore
	TestRecords() environment.TestRecordStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `yaml:"journal_mode"`   // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `yaml:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s"`
}

const (
	// DefaultDriver is the default storage driver.
	DefaultDriver = "sqlite"

	// DriverSQLite is the SQLite driver name.
	DriverSQLite = "sqlite"

	// DriverPostgres is the PostgreSQL driver name.
	DriverPostgres = "postgres"
)

// Open creates a Store for the configured driver and runs migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DefaultDriver
	}

	var (
		store Store
		err   error
	)
	switch driver {
	case DriverSQLite:
		store, err = OpenSQLite(cfg.SQLite, logger)
	case DriverPostgres:
		store, err = OpenPostgres(cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating %s store: %w", driver, err)
	}
	return store, nil
}
