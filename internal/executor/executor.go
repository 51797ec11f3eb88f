// Package executor runs validated shell commands, either directly or
// wrapped in a Firejail isolation profile. Every invocation is validated
// first, bounded by a wall-clock timeout, audited, and optionally covered
// by an advisory rollback session.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/security"
	"github.com/jkaninda/ngome/internal/shellwords"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 300 * time.Second
)

// ExecutionRequest describes one command invocation.
type ExecutionRequest struct {
	// Command is the full shell command string, e.g. "sudo apt-get install -y curl".
	Command string

	// DryRun builds the argv (including the isolation wrapper when it
	// would apply) without spawning anything.
	DryRun bool

	// EnableRollback opens a rollback session for the invocation; on
	// non-zero exit the session's snapshot is consumed and the result
	// gains a [ROLLBACK] marker. Advisory only.
	EnableRollback bool

	// UseIsolation wraps the command in Firejail when the binary is
	// available. Must be false for sudo-prefixed commands: isolation
	// hardening and privilege escalation are mutually exclusive at the
	// OS level, so elevated installs rely on validation alone.
	UseIsolation bool

	// Isolation parameterizes the wrapper. Nil = executor defaults.
	Isolation *IsolationParams
}

// ExecutionResult captures the outcome of one invocation.
type ExecutionResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Blocked  bool
	Preview  string // Shell-quoted argv, set on dry runs.
}

// Success reports whether the command ran and exited zero.
func (r *ExecutionResult) Success() bool {
	return !r.Blocked && r.ExitCode == 0
}

// Failed is the negation of Success.
func (r *ExecutionResult) Failed() bool {
	return !r.Success()
}

// Config configures the Executor.
type Config struct {
	Timeout       time.Duration // Wall-clock bound per invocation. Default: 300s.
	FirejailPath  string        // Override the discovered firejail binary. Empty = LookPath.
	DisableLookup bool          // Skip firejail discovery entirely (tests, isolation-less hosts).
}

// Executor validates and runs commands.
type Executor struct {
	validator    *security.Validator
	snapshots    *SnapshotRegistry
	audit        *auditLog
	timeout      time.Duration
	firejailPath string // Empty = isolation unavailable, fall back to direct.
	metrics      *observability.MetricsCollector
	logger       *slog.Logger
}

// New creates an Executor. The validator is required; metrics may be nil.
func New(cfg Config, validator *security.Validator, metrics *observability.MetricsCollector, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	firejail := cfg.FirejailPath
	if firejail == "" && !cfg.DisableLookup {
		if p, err := exec.LookPath(firejailBinary); err == nil {
			firejail = p
		}
	}

	return &Executor{
		validator:    validator,
		snapshots:    NewSnapshotRegistry(),
		audit:        newAuditLog(),
		timeout:      timeout,
		firejailPath: firejail,
		metrics:      metrics,
		logger:       logger,
	}
}

// IsolationAvailable reports whether the isolation binary was found.
func (e *Executor) IsolationAvailable() bool {
	return e.firejailPath != ""
}

// Snapshots exposes the rollback registry, mainly for tests.
func (e *Executor) Snapshots() *SnapshotRegistry {
	return e.snapshots
}

// AuditLog returns a copy of the in-memory audit trail.
func (e *Executor) AuditLog() []AuditRecord {
	return e.audit.Records()
}

// Execute validates and runs one command.
//
// Rejected commands return a Blocked result and an error wrapping
// security.ErrCommandBlocked — before any process is spawned. Timeouts
// and non-zero exits are failed results, not errors.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if err := e.validator.Validate(req.Command); err != nil {
		e.audit.Append(AuditBlocked, req.Command)
		e.countExecution(AuditBlocked)
		e.logger.Warn("command blocked",
			slog.String("command", req.Command),
			slog.String("reason", err.Error()),
		)
		return &ExecutionResult{
			Command: req.Command,
			Blocked: true,
			Stderr:  err.Error(),
		}, err
	}

	argv, err := e.buildArgv(req)
	if err != nil {
		e.audit.Append(AuditError, req.Command)
		e.countExecution(AuditError)
		return &ExecutionResult{Command: req.Command, ExitCode: -1, Stderr: err.Error()}, nil
	}

	if req.DryRun {
		preview := shellwords.Join(argv)
		e.audit.Append(AuditDryRun, req.Command)
		e.countExecution(AuditDryRun)
		e.logger.Info("dry run", slog.String("preview", preview))
		return &ExecutionResult{
			Command: req.Command,
			Stdout:  "[DRY-RUN] Would execute: " + preview,
			Preview: preview,
		}, nil
	}

	return e.run(ctx, req, argv), nil
}

// run spawns the command and interprets its outcome. It never returns an
// error: spawn failures and timeouts become failed results.
func (e *Executor) run(ctx context.Context, req ExecutionRequest, argv []string) *ExecutionResult {
	var sessionID string
	if req.EnableRollback {
		sessionID = uuid.NewString()
		e.snapshots.Create(sessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	// The child gets its own process group so that a timeout kill
	// reaps the whole tree, not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the entire process group, exactly once.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("executing command",
		slog.String("command", req.Command),
		slog.Bool("isolation", req.UseIsolation && e.firejailPath != ""),
		slog.Duration("timeout", e.timeout),
	)

	start := time.Now()
	runErr := cmd.Run() // Run waits: the child is always reaped.
	duration := time.Since(start)

	result := &ExecutionResult{
		Command:  req.Command,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}

	switch {
	case runErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Stderr = fmt.Sprintf("command timed out after %s", e.timeout)
		e.audit.Append(AuditError, req.Command)
		e.countExecution(AuditError)
		e.logger.Warn("command timed out",
			slog.String("command", req.Command),
			slog.Duration("timeout", e.timeout),
		)
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			e.audit.Append(AuditExecuted, req.Command)
			e.countExecution(AuditExecuted)
		} else {
			// Spawn failure: binary missing, permissions, etc.
			result.ExitCode = -1
			result.Stderr = runErr.Error()
			e.audit.Append(AuditError, req.Command)
			e.countExecution(AuditError)
		}
	default:
		e.audit.Append(AuditExecuted, req.Command)
		e.countExecution(AuditExecuted)
	}

	e.observeDuration(duration)

	if result.Failed() && req.EnableRollback {
		e.attemptRollback(sessionID, result)
	}

	return result
}

// attemptRollback consumes the session's snapshot. Rollback is advisory:
// a missing snapshot or any failure is logged and swallowed.
func (e *Executor) attemptRollback(sessionID string, result *ExecutionResult) {
	if !e.snapshots.Rollback(sessionID) {
		e.logger.Warn("rollback skipped, no snapshot for session",
			slog.String("session_id", sessionID))
		return
	}

	result.Stderr += "\n[ROLLBACK] Attempted rollback for session " + sessionID
	if e.metrics != nil {
		e.metrics.RollbacksTotal.Inc()
	}
	e.logger.Info("rollback applied", slog.String("session_id", sessionID))
}

// buildArgv expands the command into the argument vector that would run,
// wrapping it in the isolation invocation when requested and available.
func (e *Executor) buildArgv(req ExecutionRequest) ([]string, error) {
	tokens, err := shellwords.Split(req.Command)
	if err != nil || len(tokens) == 0 {
		return nil, fmt.Errorf("building argv for %q: %w", req.Command, err)
	}

	if req.UseIsolation && e.firejailPath != "" {
		return buildIsolationArgv(e.firejailPath, req.Isolation, tokens), nil
	}
	return tokens, nil
}

func (e *Executor) countExecution(t AuditType) {
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(t)).Inc()
	}
}

func (e *Executor) observeDuration(d time.Duration) {
	if e.metrics != nil {
		e.metrics.ExecutionDuration.Observe(d.Seconds())
	}
}

// limitedWriter stops writing after a byte limit. Excess data is silently
// discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
