// Package scheduler runs recurring test batteries against sandbox
// environments on cron schedules declared in the config file.
//
// Jobs are config-driven and read-mostly: a schedule change means a
// config reload and process restart, there is no runtime job CRUD.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/tester"
)

// TestRunner is the part of the tester the scheduler drives.
type TestRunner interface {
	RunAll(ctx context.Context, name, pkg string) (*tester.SuiteResult, error)
	RunQuick(ctx context.Context, name, pkg string) (*tester.SuiteResult, error)
}

// Scheduler fires configured test batteries on cron schedules.
type Scheduler struct {
	runner  TestRunner
	cfg     *config.SchedulerConfig
	metrics *Metrics
	logger  *slog.Logger

	cron *cron.Cron
}

// New creates a Scheduler. Metrics may be nil.
func New(runner TestRunner, cfg *config.SchedulerConfig, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:  runner,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Start registers all configured jobs and begins the cron loop.
// Returns a stop function that waits for in-flight runs to finish.
// A nil or disabled config is a no-op.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	if s.cfg == nil || !s.cfg.Enabled || len(s.cfg.Jobs) == 0 {
		return func() {}, nil
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))

	for _, job := range s.cfg.Jobs {
		job := job
		_, err := c.AddFunc(job.Schedule, func() {
			s.fire(ctx, job)
		})
		if err != nil {
			return nil, fmt.Errorf("registering job %q: %w", job.Name, err)
		}
		s.logger.Info("scheduled test job registered",
			slog.String("job", job.Name),
			slog.String("schedule", job.Schedule),
			slog.String("environment", job.Environment),
			slog.Bool("quick", job.Quick),
		)
	}

	s.cron = c
	c.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cfg.Jobs)))

	return func() {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(30 * time.Second):
			s.logger.Warn("scheduler stop timed out waiting for running jobs")
		}
	}, nil
}

// fire runs one scheduled job to completion and records the outcome.
func (s *Scheduler) fire(ctx context.Context, job config.ScheduledJobSpec) {
	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}

	start := time.Now()
	var (
		suite *tester.SuiteResult
		err   error
	)
	if job.Quick {
		suite, err = s.runner.RunQuick(ctx, job.Environment, job.Package)
	} else {
		suite, err = s.runner.RunAll(ctx, job.Environment, job.Package)
	}
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.RunDuration.Observe(elapsed.Seconds())
	}

	if err != nil {
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
		s.logger.Error("scheduled test run failed",
			slog.String("job", job.Name),
			slog.String("environment", job.Environment),
			slog.String("error", err.Error()),
		)
		return
	}

	if suite.AllPassed() {
		if s.metrics != nil {
			s.metrics.JobsSucceeded.Inc()
		}
	} else if s.metrics != nil {
		s.metrics.JobsFailed.Inc()
	}

	s.logger.Info("scheduled test run finished",
		slog.String("job", job.Name),
		slog.String("environment", job.Environment),
		slog.Int("total", suite.Total),
		slog.Int("passed", suite.Passed),
		slog.Int("failed", suite.Failed),
		slog.Duration("duration", elapsed.Round(time.Millisecond)),
	)
}
