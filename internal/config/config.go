// Package config handles loading and validating Ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Ngome.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.ngome/workspace. Override: NGOME_WORKSPACE env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite default (derived from workspace)
	Executor      ExecutorConfig       `json:"executor" yaml:"executor"`
	Defaults      DefaultsConfig       `json:"defaults" yaml:"defaults"`
	Tester        TesterConfig         `json:"tester" yaml:"tester"`
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = HTTP API disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = scheduled test runs disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ExecutorConfig tunes command execution.
type ExecutorConfig struct {
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds"`     // Per-command wall clock. Default: 300.
	FirejailPath     string `json:"firejail_path" yaml:"firejail_path"`         // Override binary discovery.
	DisableIsolation bool   `json:"disable_isolation" yaml:"disable_isolation"` // Run everything unwrapped (tests, containers).
}

// Timeout returns the per-command timeout with a default of 5m.
func (e ExecutorConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// DefaultsConfig holds per-environment resource defaults.
type DefaultsConfig struct {
	CPULimit      int `json:"cpu_limit" yaml:"cpu_limit"`             // Default: 2 cores.
	MemoryLimitMB int `json:"memory_limit_mb" yaml:"memory_limit_mb"` // Default: 2048.
	DiskLimitMB   int `json:"disk_limit_mb" yaml:"disk_limit_mb"`     // Default: 5120.
}

// TesterConfig tunes the check battery.
type TesterConfig struct {
	MaxStartupSeconds float64 `json:"max_startup_seconds" yaml:"max_startup_seconds"` // Performance ceiling. Default: 5.
}

// MaxStartup returns the performance-check ceiling with a default of 5s.
func (t TesterConfig) MaxStartup() time.Duration {
	if t.MaxStartupSeconds > 0 {
		return time.Duration(t.MaxStartupSeconds * float64(time.Second))
	}
	return 5 * time.Second
}

// ServerConfig configures the HTTP API served by `ngome serve`.
type ServerConfig struct {
	Addr    string   `json:"addr" yaml:"addr"`         // Default: ":8080".
	APIKeys []string `json:"api_keys" yaml:"api_keys"` // Empty = unauthenticated (local use).
}

// ListenAddr returns the bind address with a default of ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB        bool `json:"include_db" yaml:"include_db"`
	IncludeIsolation bool `json:"include_isolation" yaml:"include_isolation"`
}

// SchedulerConfig configures cron-driven test batteries.
type SchedulerConfig struct {
	Enabled bool               `json:"enabled" yaml:"enabled"`
	Jobs    []ScheduledJobSpec `json:"jobs" yaml:"jobs"`
}

// ScheduledJobSpec is one recurring test run.
type ScheduledJobSpec struct {
	Name        string `json:"name" yaml:"name"`
	Schedule    string `json:"schedule" yaml:"schedule"` // Standard 5-field cron expression.
	Environment string `json:"environment" yaml:"environment"`
	Package     string `json:"package,omitempty" yaml:"package,omitempty"` // Empty = full tracked set.
	Quick       bool   `json:"quick" yaml:"quick"`                         // Functional check only.
}

// DefaultConfigPath returns the default config file path (~/.ngome/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ngome", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultWithOverrides returns a zero-value config with environment
// overrides applied, for running without a config file.
func DefaultWithOverrides() *Config {
	var cfg Config
	applyEnvOverrides(&cfg)
	return &cfg
}

// applyEnvOverrides lets environment variables take precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if envWS := os.Getenv("NGOME_WORKSPACE"); envWS != "" {
		cfg.Workspace = envWS
	}
	if envDSN := os.Getenv("NGOME_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Driver = "postgres"
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("NGOME_API_KEY"); envKey != "" {
		if cfg.Server == nil {
			cfg.Server = &ServerConfig{}
		}
		cfg.Server.APIKeys = append(cfg.Server.APIKeys, envKey)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage driver postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Executor.TimeoutSeconds < 0 {
		return fmt.Errorf("executor timeout_seconds must not be negative")
	}
	if c.Tester.MaxStartupSeconds < 0 {
		return fmt.Errorf("tester max_startup_seconds must not be negative")
	}

	if c.Scheduler != nil && c.Scheduler.Enabled {
		seen := make(map[string]bool)
		for i, job := range c.Scheduler.Jobs {
			if job.Name == "" {
				return fmt.Errorf("scheduler job %d: name is required", i)
			}
			if seen[job.Name] {
				return fmt.Errorf("scheduler job %q: duplicate name", job.Name)
			}
			seen[job.Name] = true
			if job.Schedule == "" {
				return fmt.Errorf("scheduler job %q: schedule is required", job.Name)
			}
			if job.Environment == "" {
				return fmt.Errorf("scheduler job %q: environment is required", job.Name)
			}
			if job.Quick && job.Package == "" {
				return fmt.Errorf("scheduler job %q: quick runs require a package", job.Name)
			}
		}
	}

	return nil
}
