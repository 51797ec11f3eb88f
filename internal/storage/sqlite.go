package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/ngome/internal/environment"
)

// SQLiteStore implements Store backed by SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez driver.
// WAL mode is enabled by default for concurrent reads.
type SQLiteStore struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	// Repositories, created lazily on first access.
	mu           sync.Mutex
	environments environment.EnvironmentStore
	testRecords  environment.TestRecordStore
}

// OpenSQLite creates a new SQLite-backed Store.
func OpenSQLite(cfg SQLiteConfig, slogger *slog.Logger) (*SQLiteStore, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&EnvironmentModel{},
		&TestRecordModel{},
	)
}

// Ping checks the database connection for health/readiness probes.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *SQLiteStore) Driver() string {
	return DriverSQLite
}

// GormDB returns the underlying GORM DB, mainly for tests.
func (s *SQLiteStore) GormDB() *gorm.DB {
	return s.db
}

func (s *SQLiteStore) Environments() environment.EnvironmentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.environments == nil {
		s.environments = NewEnvironmentRepository(s.db)
	}
	return s.environments
}

func (s *SQLiteStore) TestRecords() environment.TestRecordStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.testRecords == nil {
		s.testRecords = NewTestRecordRepository(s.db)
	}
	return s.testRecords
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ Store = (*SQLiteStore)(nil)
