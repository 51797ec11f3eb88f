package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/environment"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/security"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/ngome/internal/tester"
	"github.com/jkaninda/ngome/internal/workspace"
)

// SharedComponents holds all initialized subsystems that every command
// requires. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // Unified store (SQLite or PostgreSQL).

	Obs      *observability.Observability
	Executor *executor.Executor
	Manager  *environment.Manager
	Runner   *tester.Runner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file, falling back to built-in defaults
// (plus environment overrides) when no file exists.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("NGOME_CONFIG", configPath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultWithOverrides(), nil
	}
	return config.Load(path)
}

// newLogger builds the process logger. One-shot CLI commands log quietly
// to keep stdout usable; serve mode logs at info.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// initShared performs all common initialization shared between commands.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Executor with command validation.
	exe := executor.New(executor.Config{
		Timeout:       cfg.Executor.Timeout(),
		FirejailPath:  cfg.Executor.FirejailPath,
		DisableLookup: cfg.Executor.DisableIsolation,
	}, security.NewValidator(), obs.MetricsOrNil(), logger)
	sc.Executor = exe

	// Environment lifecycle manager.
	defaults := environment.DefaultLimits()
	if cfg.Defaults.CPULimit > 0 {
		defaults.CPU = cfg.Defaults.CPULimit
	}
	if cfg.Defaults.MemoryLimitMB > 0 {
		defaults.MemoryMB = cfg.Defaults.MemoryLimitMB
	}
	if cfg.Defaults.DiskLimitMB > 0 {
		defaults.DiskMB = cfg.Defaults.DiskLimitMB
	}
	sc.Manager = environment.NewManager(
		store.Environments(),
		store.TestRecords(),
		exe,
		ws.EnvironmentsDir(),
		defaults,
		obs.MetricsOrNil(),
		logger,
	)

	// Test battery runner.
	sc.Runner = tester.NewRunner(sc.Manager, cfg.Tester.MaxStartup(), obs.MetricsOrNil(), logger)

	// Health checks.
	if obs != nil && obs.Health != nil && cfg.Observability != nil && cfg.Observability.Health != nil {
		hc := cfg.Observability.Health
		if hc.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if hc.IncludeIsolation {
			obs.Health.AddCheck("isolation", func(context.Context) error {
				_, err := exec.LookPath("firejail")
				return err
			})
		}
	}

	return sc, nil
}

// initWorkspace creates the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	storeCfg := storage.Config{Driver: cfg.StorageDriverName()}

	switch storeCfg.Driver {
	case storage.DriverSQLite:
		storeCfg.SQLite.Path = ws.DatabasePath()
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				storeCfg.SQLite.Path = cfg.Storage.SQLite.Path
			}
			storeCfg.SQLite.JournalMode = cfg.Storage.SQLite.JournalMode
		}
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		storeCfg.Postgres = storage.PostgresConfig{
			DSN:              pg.DSN,
			MaxOpenConns:     pg.MaxOpenConns,
			MaxIdleConns:     pg.MaxIdleConns,
			ConnMaxLifetimeS: pg.ConnMaxLifetimeS,
		}
	}

	return storage.Open(context.Background(), storeCfg, logger)
}
