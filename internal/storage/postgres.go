package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/ngome/internal/environment"
)

// PostgresStore implements Store backed by PostgreSQL via GORM.
// It reuses the same repositories as the SQLite backend; GORM's dialect
// handles the SQL differences transparently.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger

	mu           sync.Mutex
	environments environment.EnvironmentStore
	testRecords  environment.TestRecordStore
}

func (c PostgresConfig) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c PostgresConfig) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c PostgresConfig) maxLifetime() time.Duration {
	if c.ConnMaxLifetimeS > 0 {
		return time.Duration(c.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// OpenPostgres connects to PostgreSQL and configures the connection pool.
func OpenPostgres(cfg PostgresConfig, slogger *slog.Logger) (*PostgresStore, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	// Fail on a malformed DSN before GORM wraps it in a pool.
	if _, err := pgx.ParseConfig(cfg.DSN); err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLogger,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)

	return &PostgresStore{db: db, logger: slogger}, nil
}

// Migrate creates/updates tables.
func (s *PostgresStore) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&EnvironmentModel{},
		&TestRecordModel{},
	)
}

// Ping checks the database connection for health/readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *PostgresStore) Driver() string {
	return DriverPostgres
}

func (s *PostgresStore) Environments() environment.EnvironmentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.environments == nil {
		s.environments = NewEnvironmentRepository(s.db)
	}
	return s.environments
}

func (s *PostgresStore) TestRecords() environment.TestRecordStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.testRecords == nil {
		s.testRecords = NewTestRecordRepository(s.db)
	}
	return s.testRecords
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
