// Package environment manages sandboxed package environments: isolated
// directory trees where packages are installed, tested, and either
// promoted toward the host system or torn down.
package environment

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/ngome/internal/executor"
)

// Environment lifecycle statuses.
//
// The usual path is created -> active -> testing -> active (tests pass)
// or failed (tests fail), and finally promoted. Status is descriptive,
// not a guard: operations check their own preconditions and never refuse
// work purely because of the current status value.
type Status string

const (
	StatusCreated  Status = "created"
	StatusActive   Status = "active"
	StatusTesting  Status = "testing"
	StatusPromoted Status = "promoted"
	StatusFailed   Status = "failed"
)

var (
	// ErrNotFound is returned when an environment does not exist.
	ErrNotFound = errors.New("environment not found")

	// ErrAlreadyExists is returned when creating an environment whose
	// name is taken.
	ErrAlreadyExists = errors.New("environment already exists")

	// ErrInvalidName rejects names unusable as directory components.
	ErrInvalidName = errors.New("invalid environment name")

	// ErrInvalidPackage rejects package names outside the apt charset.
	ErrInvalidPackage = errors.New("invalid package name")
)

// Environment is one sandboxed package environment.
type Environment struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	// RootPath is the environment's directory tree on disk.
	RootPath string `json:"root_path"`

	// PackagesInstalled is the tracked package set: ordered for
	// display, set-semantic (no duplicates).
	PackagesInstalled []string `json:"packages_installed"`

	NetworkEnabled bool `json:"network_enabled"`
	CPULimit       int  `json:"cpu_limit"`
	MemoryLimitMB  int  `json:"memory_limit_mb"`
	DiskLimitMB    int  `json:"disk_limit_mb"`

	IsolationProfilePath string `json:"isolation_profile_path,omitempty"`
}

// HasPackage reports whether pkg is in the tracked set.
func (e *Environment) HasPackage(pkg string) bool {
	for _, p := range e.PackagesInstalled {
		if p == pkg {
			return true
		}
	}
	return false
}

// TestRecord is one persisted check outcome for an environment.
type TestRecord struct {
	ID              int64         `json:"id"`
	EnvironmentName string        `json:"environment_name"`
	TestName        string        `json:"test_name"`
	PackageName     string        `json:"package_name,omitempty"`
	Passed          bool          `json:"passed"`
	Message         string        `json:"message,omitempty"`
	Duration        time.Duration `json:"duration"`
	RunAt           time.Time     `json:"run_at"`
}

// StatusReport is the full view of an environment returned by GetStatus.
type StatusReport struct {
	Environment *Environment `json:"environment"`

	// RecentTests holds the 10 most recent records, newest first.
	RecentTests []TestRecord `json:"recent_tests"`

	// DiskUsageBytes is the live on-disk footprint of the environment
	// tree. Zero when the tree is missing.
	DiskUsageBytes int64 `json:"disk_usage_bytes"`

	// IsolationAvailable reports whether the isolation binary was found
	// on the host, so callers know if installs run jailed or direct.
	IsolationAvailable bool `json:"isolation_available"`
}

// PromotionResult describes what promotion did, or would do.
type PromotionResult struct {
	EnvironmentName string   `json:"environment_name"`
	Success         bool     `json:"success"`
	DryRun          bool     `json:"dry_run"`
	Message         string   `json:"message"`
	Promoted        []string `json:"promoted,omitempty"` // Packages installed on the host.
	Errors          []string `json:"errors,omitempty"`   // Per-package failures.
}

// EnvironmentStore persists environments. Implemented by internal/storage.
type EnvironmentStore interface {
	Save(ctx context.Context, env *Environment) error
	Get(ctx context.Context, name string) (*Environment, error)
	List(ctx context.Context) ([]*Environment, error)
	Delete(ctx context.Context, name string) error
}

// TestRecordStore persists check outcomes, append-only.
type TestRecordStore interface {
	Append(ctx context.Context, rec *TestRecord) error
	// ListByEnvironment returns the newest records first. Limit <= 0
	// means the store default of 10.
	ListByEnvironment(ctx context.Context, name string, limit int) ([]TestRecord, error)
}

// Executor runs validated commands. Satisfied by *executor.Executor;
// tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
	IsolationAvailable() bool
}
