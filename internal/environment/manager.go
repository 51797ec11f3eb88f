package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/observability"
)

// Package-manager command templates. The binary name is an external
// contract shared with the validator's elevation-safe policy.
const (
	installCommandTemplate = "sudo apt-get install -y %s"
	removeCommandTemplate  = "sudo apt-get remove -y %s"
)

// recentTestLimit caps the test history shown in a status report.
const recentTestLimit = 10

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	packageRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9+._-]*$`)
)

// Limits are the per-environment resource defaults applied when a
// CreateOptions field is zero.
type Limits struct {
	CPU      int
	MemoryMB int
	DiskMB   int
}

// DefaultLimits returns the built-in resource defaults.
func DefaultLimits() Limits {
	return Limits{CPU: 2, MemoryMB: 2048, DiskMB: 5120}
}

// CreateOptions parameterizes environment creation.
type CreateOptions struct {
	Name           string
	NetworkEnabled bool
	CPULimit       int
	MemoryLimitMB  int
	DiskLimitMB    int
}

// Manager owns the environment lifecycle: creation, package tracking,
// promotion, teardown, and status aggregation.
//
// Every read-modify-write sequence holds a per-environment exclusive
// lock, so concurrent operations on the same name serialize instead of
// losing updates. Operations on distinct names run in parallel.
type Manager struct {
	store    EnvironmentStore
	records  TestRecordStore
	exec     Executor
	basePath string
	defaults Limits
	metrics  *observability.MetricsCollector
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a Manager. basePath is the directory under which
// environment trees are created. Metrics may be nil.
func NewManager(store EnvironmentStore, records TestRecordStore, exec Executor, basePath string, defaults Limits, metrics *observability.MetricsCollector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if defaults == (Limits{}) {
		defaults = DefaultLimits()
	}
	return &Manager{
		store:    store,
		records:  records,
		exec:     exec,
		basePath: basePath,
		defaults: defaults,
		metrics:  metrics,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex for one environment name, creating it on first use.
func (m *Manager) lock(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[name] = mu
	}
	return mu
}

// Create provisions a new environment: a private home/var/logs directory
// layout, a synthesized isolation profile, and a persisted record with
// status created.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Environment, error) {
	if !nameRe.MatchString(opts.Name) {
		return nil, fmt.Errorf("%w: %q (allowed: letters, digits, hyphens)", ErrInvalidName, opts.Name)
	}

	mu := m.lock(opts.Name)
	mu.Lock()
	defer mu.Unlock()

	if _, err := m.store.Get(ctx, opts.Name); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, opts.Name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	env := &Environment{
		Name:              opts.Name,
		Status:            StatusCreated,
		CreatedAt:         time.Now().UTC(),
		RootPath:          filepath.Join(m.basePath, opts.Name),
		PackagesInstalled: []string{},
		NetworkEnabled:    opts.NetworkEnabled,
		CPULimit:          opts.CPULimit,
		MemoryLimitMB:     opts.MemoryLimitMB,
		DiskLimitMB:       opts.DiskLimitMB,
	}
	if env.CPULimit <= 0 {
		env.CPULimit = m.defaults.CPU
	}
	if env.MemoryLimitMB <= 0 {
		env.MemoryLimitMB = m.defaults.MemoryMB
	}
	if env.DiskLimitMB <= 0 {
		env.DiskLimitMB = m.defaults.DiskMB
	}

	// Owner-only layout: the jail binds home, var holds package state,
	// logs collects command output.
	for _, sub := range []string{"home", "var", "logs"} {
		if err := os.MkdirAll(filepath.Join(env.RootPath, sub), 0700); err != nil {
			return nil, fmt.Errorf("creating environment layout: %w", err)
		}
	}

	profilePath, err := writeIsolationProfile(env)
	if err != nil {
		os.RemoveAll(env.RootPath)
		return nil, err
	}
	env.IsolationProfilePath = profilePath

	if err := m.store.Save(ctx, env); err != nil {
		os.RemoveAll(env.RootPath)
		return nil, err
	}

	m.countOp("create")
	m.logger.Info("environment created",
		slog.String("name", env.Name),
		slog.String("root", env.RootPath),
		slog.Bool("network", env.NetworkEnabled),
	)
	return env, nil
}

// InstallPackage installs pkg into the environment. The install runs
// elevated and unisolated; validation is the compensating control. The
// environment is marked active before the command runs, whatever its
// outcome; on success the package also joins the tracked set exactly
// once.
func (m *Manager) InstallPackage(ctx context.Context, name, pkg string, dryRun bool) (*executor.ExecutionResult, error) {
	if !packageRe.MatchString(pkg) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPackage, pkg)
	}

	mu := m.lock(name)
	mu.Lock()
	defer mu.Unlock()

	env, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if !dryRun {
		env.Status = StatusActive
		if err := m.store.Save(ctx, env); err != nil {
			return nil, err
		}
	}

	res, err := m.exec.Execute(ctx, executor.ExecutionRequest{
		Command:        fmt.Sprintf(installCommandTemplate, pkg),
		DryRun:         dryRun,
		EnableRollback: true,
	})
	if err != nil {
		return res, err
	}

	if !dryRun && res.Success() {
		if !env.HasPackage(pkg) {
			env.PackagesInstalled = append(env.PackagesInstalled, pkg)
		}
		if err := m.store.Save(ctx, env); err != nil {
			return res, err
		}
		m.countOp("install")
		m.logger.Info("package installed", slog.String("environment", name), slog.String("package", pkg))
	}
	return res, nil
}

// RemovePackage removes pkg from the environment, dropping it from the
// tracked set on success. The status is left untouched.
func (m *Manager) RemovePackage(ctx context.Context, name, pkg string, dryRun bool) (*executor.ExecutionResult, error) {
	if !packageRe.MatchString(pkg) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPackage, pkg)
	}

	mu := m.lock(name)
	mu.Lock()
	defer mu.Unlock()

	env, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	res, err := m.exec.Execute(ctx, executor.ExecutionRequest{
		Command:        fmt.Sprintf(removeCommandTemplate, pkg),
		DryRun:         dryRun,
		EnableRollback: true,
	})
	if err != nil {
		return res, err
	}

	if !dryRun && res.Success() {
		kept := env.PackagesInstalled[:0]
		for _, p := range env.PackagesInstalled {
			if p != pkg {
				kept = append(kept, p)
			}
		}
		env.PackagesInstalled = kept
		if err := m.store.Save(ctx, env); err != nil {
			return res, err
		}
		m.countOp("remove")
		m.logger.Info("package removed", slog.String("environment", name), slog.String("package", pkg))
	}
	return res, nil
}

// ListPackages returns the tracked package set.
func (m *Manager) ListPackages(ctx context.Context, name string) ([]string, error) {
	env, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return env.PackagesInstalled, nil
}

// PromoteToSystem replays the environment's tracked installs against the
// host, elevated and unisolated. Promotion is not atomic: on partial
// failure the host keeps the packages that did install, the status
// becomes failed, and the per-package errors are reported.
func (m *Manager) PromoteToSystem(ctx context.Context, name string, dryRun bool) (*PromotionResult, error) {
	mu := m.lock(name)
	mu.Lock()
	defer mu.Unlock()

	result := &PromotionResult{EnvironmentName: name, DryRun: dryRun}

	env, err := m.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			result.Message = fmt.Sprintf("Environment %q not found", name)
			return result, nil
		}
		return nil, err
	}

	if len(env.PackagesInstalled) == 0 {
		result.Message = "No packages installed in sandbox"
		return result, nil
	}

	if dryRun {
		result.Success = true
		result.Promoted = append([]string(nil), env.PackagesInstalled...)
		result.Message = "Would install on main system: " + strings.Join(env.PackagesInstalled, ", ")
		return result, nil
	}

	for _, pkg := range env.PackagesInstalled {
		res, err := m.exec.Execute(ctx, executor.ExecutionRequest{
			Command:        fmt.Sprintf(installCommandTemplate, pkg),
			EnableRollback: true,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", pkg, err))
			continue
		}
		if res.Success() {
			result.Promoted = append(result.Promoted, pkg)
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: exit %d: %s", pkg, res.ExitCode, strings.TrimSpace(res.Stderr)))
		}
	}

	result.Success = len(result.Errors) == 0
	if result.Success {
		env.Status = StatusPromoted
		result.Message = fmt.Sprintf("Promoted %d package(s) to main system", len(result.Promoted))
	} else {
		env.Status = StatusFailed
		result.Message = fmt.Sprintf("Promotion failed for %d of %d package(s)", len(result.Errors), len(env.PackagesInstalled))
	}
	if err := m.store.Save(ctx, env); err != nil {
		return result, err
	}

	m.countOp("promote")
	m.logger.Info("promotion finished",
		slog.String("environment", name),
		slog.Bool("success", result.Success),
		slog.Int("promoted", len(result.Promoted)),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// Destroy tears the environment down. Idempotent: returns false when the
// environment does not exist. Directory removal is best-effort.
func (m *Manager) Destroy(ctx context.Context, name string) (bool, error) {
	mu := m.lock(name)
	mu.Lock()
	defer mu.Unlock()

	env, err := m.store.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if env.RootPath != "" {
		if rmErr := os.RemoveAll(env.RootPath); rmErr != nil {
			m.logger.Warn("environment tree removal incomplete",
				slog.String("name", name),
				slog.String("error", rmErr.Error()),
			)
		}
	}

	if err := m.store.Delete(ctx, name); err != nil {
		return false, err
	}

	m.countOp("destroy")
	m.logger.Info("environment destroyed", slog.String("name", name))
	return true, nil
}

// GetStatus returns the environment's metadata, its most recent test
// records, a live disk-usage total, and whether isolation is available
// on the host.
func (m *Manager) GetStatus(ctx context.Context, name string) (*StatusReport, error) {
	env, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	recent, err := m.records.ListByEnvironment(ctx, name, recentTestLimit)
	if err != nil {
		return nil, err
	}

	return &StatusReport{
		Environment:        env,
		RecentTests:        recent,
		DiskUsageBytes:     diskUsage(env.RootPath),
		IsolationAvailable: m.exec.IsolationAvailable(),
	}, nil
}

// Get returns one environment.
func (m *Manager) Get(ctx context.Context, name string) (*Environment, error) {
	return m.store.Get(ctx, name)
}

// List returns all environments.
func (m *Manager) List(ctx context.Context) ([]*Environment, error) {
	return m.store.List(ctx)
}

// SetStatus persists a status change. Used by the test runner around a
// suite; transitions are not validated (status is descriptive).
func (m *Manager) SetStatus(ctx context.Context, name string, status Status) error {
	mu := m.lock(name)
	mu.Lock()
	defer mu.Unlock()

	env, err := m.store.Get(ctx, name)
	if err != nil {
		return err
	}
	env.Status = status
	return m.store.Save(ctx, env)
}

// SaveTestRecord appends one check outcome to the history.
func (m *Manager) SaveTestRecord(ctx context.Context, rec *TestRecord) error {
	return m.records.Append(ctx, rec)
}

// RecentTests returns the newest records for an environment.
func (m *Manager) RecentTests(ctx context.Context, name string, limit int) ([]TestRecord, error) {
	return m.records.ListByEnvironment(ctx, name, limit)
}

// Executor exposes the manager's executor for collaborators that share
// its execution path.
func (m *Manager) Executor() Executor {
	return m.exec
}

func (m *Manager) countOp(op string) {
	if m.metrics != nil {
		m.metrics.EnvironmentOpsTotal.WithLabelValues(op).Inc()
	}
}

// diskUsage walks the tree summing file sizes. Stat errors are ignored;
// a missing tree reports zero.
func diskUsage(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
