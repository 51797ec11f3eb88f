// Package tester runs the automated check battery against an
// environment's tracked packages and persists one record per check.
package tester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/ngome/internal/environment"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/observability"
)

// Check names as persisted in test records.
const (
	CheckFunctional   = "Package Functional"
	CheckDependencies = "Dependencies Satisfied"
	CheckPerformance  = "Performance"
	CheckIntegrity    = "Installation Integrity"
	CheckConflicts    = "No Conflicts"
)

// DefaultMaxStartup is the performance-check ceiling.
const DefaultMaxStartup = 5 * time.Second

// functionalVariants are tried in order; the first success wins.
var functionalVariants = []string{
	"%s --version",
	"%s --help",
	"%s -V",
	"%s -h",
	"which %s",
	"command -v %s",
}

// EnvironmentService is the slice of the lifecycle manager the runner
// needs. Satisfied by *environment.Manager.
type EnvironmentService interface {
	Get(ctx context.Context, name string) (*environment.Environment, error)
	SetStatus(ctx context.Context, name string, status environment.Status) error
	SaveTestRecord(ctx context.Context, rec *environment.TestRecord) error
	Executor() environment.Executor
}

// CheckResult is one check outcome.
type CheckResult struct {
	TestName    string        `json:"test_name"`
	PackageName string        `json:"package_name,omitempty"`
	Passed      bool          `json:"passed"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// SuiteResult aggregates a battery run.
type SuiteResult struct {
	EnvironmentName string        `json:"environment_name"`
	Total           int           `json:"total"`
	Passed          int           `json:"passed"`
	Failed          int           `json:"failed"`
	Results         []CheckResult `json:"results"`
}

// AllPassed reports whether every check in the suite passed.
func (s *SuiteResult) AllPassed() bool {
	return s.Failed == 0 && s.Total > 0
}

// Runner executes check batteries.
type Runner struct {
	envs       EnvironmentService
	maxStartup time.Duration
	metrics    *observability.MetricsCollector
	logger     *slog.Logger
}

// NewRunner creates a Runner. maxStartup <= 0 means the default ceiling.
// Metrics may be nil.
func NewRunner(envs EnvironmentService, maxStartup time.Duration, metrics *observability.MetricsCollector, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxStartup <= 0 {
		maxStartup = DefaultMaxStartup
	}
	return &Runner{envs: envs, maxStartup: maxStartup, metrics: metrics, logger: logger}
}

// RunAll runs the full battery: four checks per package plus one
// environment-wide conflict check. pkg narrows the run to one package;
// empty means the whole tracked set.
//
// A missing environment yields a single synthetic failing result and
// persists nothing.
func (r *Runner) RunAll(ctx context.Context, name, pkg string) (*SuiteResult, error) {
	env, err := r.envs.Get(ctx, name)
	if err != nil {
		if errors.Is(err, environment.ErrNotFound) {
			return r.missingEnvironmentSuite(name), nil
		}
		return nil, err
	}

	packages := env.PackagesInstalled
	if pkg != "" {
		packages = []string{pkg}
	}

	if err := r.envs.SetStatus(ctx, name, environment.StatusTesting); err != nil {
		return nil, err
	}

	start := time.Now()
	suite := &SuiteResult{EnvironmentName: name}
	iso := isolationFor(env)

	for _, p := range packages {
		r.addResult(ctx, suite, r.checkFunctional(ctx, iso, p))
		r.addResult(ctx, suite, r.checkDependencies(ctx, iso, p))
		r.addResult(ctx, suite, r.checkPerformance(ctx, iso, p))
		r.addResult(ctx, suite, r.checkIntegrity(ctx, iso, p))
	}
	r.addResult(ctx, suite, r.checkConflicts(ctx, iso))

	final := environment.StatusActive
	if !suite.AllPassed() {
		final = environment.StatusFailed
	}
	if err := r.envs.SetStatus(ctx, name, final); err != nil {
		return suite, err
	}

	if r.metrics != nil {
		r.metrics.TestSuiteDuration.Observe(time.Since(start).Seconds())
	}
	r.logger.Info("test suite finished",
		slog.String("environment", name),
		slog.Int("total", suite.Total),
		slog.Int("passed", suite.Passed),
		slog.Int("failed", suite.Failed),
	)
	return suite, nil
}

// RunQuick runs only the functional check for one package, same result
// shape, for fast feedback. Status is left untouched.
func (r *Runner) RunQuick(ctx context.Context, name, pkg string) (*SuiteResult, error) {
	env, err := r.envs.Get(ctx, name)
	if err != nil {
		if errors.Is(err, environment.ErrNotFound) {
			return r.missingEnvironmentSuite(name), nil
		}
		return nil, err
	}

	suite := &SuiteResult{EnvironmentName: name}
	r.addResult(ctx, suite, r.checkFunctional(ctx, isolationFor(env), pkg))
	return suite, nil
}

func (r *Runner) missingEnvironmentSuite(name string) *SuiteResult {
	return &SuiteResult{
		EnvironmentName: name,
		Total:           1,
		Failed:          1,
		Results: []CheckResult{{
			TestName: "Environment Exists",
			Passed:   false,
			Message:  fmt.Sprintf("environment %q not found", name),
		}},
	}
}

// addResult folds one check into the suite and persists it.
func (r *Runner) addResult(ctx context.Context, suite *SuiteResult, res CheckResult) {
	suite.Total++
	if res.Passed {
		suite.Passed++
	} else {
		suite.Failed++
	}
	suite.Results = append(suite.Results, res)

	if r.metrics != nil {
		outcome := "failed"
		if res.Passed {
			outcome = "passed"
		}
		r.metrics.TestChecksTotal.WithLabelValues(outcome).Inc()
	}

	if err := r.envs.SaveTestRecord(ctx, &environment.TestRecord{
		EnvironmentName: suite.EnvironmentName,
		TestName:        res.TestName,
		PackageName:     res.PackageName,
		Passed:          res.Passed,
		Message:         res.Message,
		Duration:        res.Duration,
		RunAt:           time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("persisting test record failed",
			slog.String("environment", suite.EnvironmentName),
			slog.String("test", res.TestName),
			slog.String("error", err.Error()),
		)
	}
}

// checkFunctional tries each invocation variant until one succeeds.
// Blocked variants (binaries outside the allowlist) are skipped, so the
// PATH-presence fallbacks still get their turn.
func (r *Runner) checkFunctional(ctx context.Context, iso *executor.IsolationParams, pkg string) CheckResult {
	start := time.Now()
	for _, variant := range functionalVariants {
		res, err := r.execute(ctx, fmt.Sprintf(variant, pkg), iso)
		if err != nil || res == nil {
			continue
		}
		if res.Success() {
			return CheckResult{
				TestName:    CheckFunctional,
				PackageName: pkg,
				Passed:      true,
				Message:     fmt.Sprintf("responded to %q", fmt.Sprintf(variant, pkg)),
				Duration:    time.Since(start),
			}
		}
	}
	return CheckResult{
		TestName:    CheckFunctional,
		PackageName: pkg,
		Passed:      false,
		Message:     "no invocation variant succeeded",
		Duration:    time.Since(start),
	}
}

// checkDependencies issues the dependency query. The query call itself
// succeeding is the pass criterion; the count is informational.
func (r *Runner) checkDependencies(ctx context.Context, iso *executor.IsolationParams, pkg string) CheckResult {
	start := time.Now()
	res, err := r.execute(ctx, fmt.Sprintf("apt-cache depends %s", pkg), iso)
	if err != nil || !res.Success() {
		return CheckResult{
			TestName:    CheckDependencies,
			PackageName: pkg,
			Passed:      false,
			Message:     "dependency query failed",
			Duration:    time.Since(start),
		}
	}

	count := strings.Count(res.Stdout, "Depends:")
	return CheckResult{
		TestName:    CheckDependencies,
		PackageName: pkg,
		Passed:      true,
		Message:     fmt.Sprintf("%d dependencies resolved", count),
		Duration:    time.Since(start),
	}
}

// checkPerformance times a version probe against the startup ceiling.
func (r *Runner) checkPerformance(ctx context.Context, iso *executor.IsolationParams, pkg string) CheckResult {
	probes := []string{
		fmt.Sprintf("%s --version", pkg),
		fmt.Sprintf("which %s", pkg),
	}

	start := time.Now()
	for _, probe := range probes {
		probeStart := time.Now()
		res, err := r.execute(ctx, probe, iso)
		if err != nil || res == nil || res.Blocked {
			continue
		}
		elapsed := time.Since(probeStart)
		passed := res.Success() && elapsed <= r.maxStartup
		msg := fmt.Sprintf("startup %.2fs (ceiling %.2fs)", elapsed.Seconds(), r.maxStartup.Seconds())
		if !res.Success() {
			msg = "version probe failed"
		}
		return CheckResult{
			TestName:    CheckPerformance,
			PackageName: pkg,
			Passed:      passed,
			Message:     msg,
			Duration:    time.Since(start),
		}
	}
	return CheckResult{
		TestName:    CheckPerformance,
		PackageName: pkg,
		Passed:      false,
		Message:     "no usable version probe",
		Duration:    time.Since(start),
	}
}

// checkIntegrity verifies installed files; empty verifier output passes.
func (r *Runner) checkIntegrity(ctx context.Context, iso *executor.IsolationParams, pkg string) CheckResult {
	start := time.Now()
	res, err := r.execute(ctx, fmt.Sprintf("dpkg -V %s", pkg), iso)
	passed := err == nil && res.Success() && strings.TrimSpace(res.Stdout) == ""
	msg := "all files verified"
	if !passed {
		msg = "file verification reported differences"
	}
	return CheckResult{
		TestName:    CheckIntegrity,
		PackageName: pkg,
		Passed:      passed,
		Message:     msg,
		Duration:    time.Since(start),
	}
}

// checkConflicts audits the package database once per suite.
func (r *Runner) checkConflicts(ctx context.Context, iso *executor.IsolationParams) CheckResult {
	start := time.Now()
	res, err := r.execute(ctx, "dpkg --audit", iso)
	passed := err == nil && res.Success() && strings.TrimSpace(res.Stdout) == ""
	msg := "no conflicts detected"
	if !passed {
		msg = "package database audit reported problems"
	}
	return CheckResult{
		TestName: CheckConflicts,
		Passed:   passed,
		Message:  msg,
		Duration: time.Since(start),
	}
}

func (r *Runner) execute(ctx context.Context, command string, iso *executor.IsolationParams) (*executor.ExecutionResult, error) {
	return r.envs.Executor().Execute(ctx, executor.ExecutionRequest{
		Command:      command,
		UseIsolation: true,
		Isolation:    iso,
	})
}

// isolationFor maps an environment's limits onto isolation parameters.
func isolationFor(env *environment.Environment) *executor.IsolationParams {
	return &executor.IsolationParams{
		PrivateHome:  env.RootPath + "/home",
		CPUCores:     env.CPULimit,
		MemoryBytes:  int64(env.MemoryLimitMB) << 20,
		AllowNetwork: env.NetworkEnabled,
		Profile:      env.IsolationProfilePath,
	}
}
