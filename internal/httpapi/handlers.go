package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/ngome/internal/environment"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/security"
	"github.com/jkaninda/ngome/internal/tester"
)

// --- Environment handlers ---

// CreateEnvironmentRequest is the JSON body for POST /v1/environments.
type CreateEnvironmentRequest struct {
	Name           string `json:"name"`
	NetworkEnabled bool   `json:"network_enabled,omitempty"`
	CPULimit       int    `json:"cpu_limit,omitempty"`       // 0 = configured default.
	MemoryLimitMB  int    `json:"memory_limit_mb,omitempty"` // 0 = configured default.
	DiskLimitMB    int    `json:"disk_limit_mb,omitempty"`   // 0 = configured default.
}

// EnvironmentResponse is the JSON view of one environment.
type EnvironmentResponse struct {
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"created_at"`
	RootPath       string   `json:"root_path"`
	Packages       []string `json:"packages"`
	NetworkEnabled bool     `json:"network_enabled"`
	CPULimit       int      `json:"cpu_limit"`
	MemoryLimitMB  int      `json:"memory_limit_mb"`
	DiskLimitMB    int      `json:"disk_limit_mb"`
}

func toEnvironmentResponse(env *environment.Environment) EnvironmentResponse {
	pkgs := env.PackagesInstalled
	if pkgs == nil {
		pkgs = []string{}
	}
	return EnvironmentResponse{
		Name:           env.Name,
		Status:         string(env.Status),
		CreatedAt:      env.CreatedAt.UTC().Format(time.RFC3339),
		RootPath:       env.RootPath,
		Packages:       pkgs,
		NetworkEnabled: env.NetworkEnabled,
		CPULimit:       env.CPULimit,
		MemoryLimitMB:  env.MemoryLimitMB,
		DiskLimitMB:    env.DiskLimitMB,
	}
}

func (g *Gateway) handleEnvironmentList(c *okapi.Context) error {
	envs, err := g.envs.List(c.Context())
	if err != nil {
		g.logger.Error("listing environments failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing environments failed")
	}

	resp := make([]EnvironmentResponse, len(envs))
	for i, env := range envs {
		resp[i] = toEnvironmentResponse(env)
	}
	return c.OK(resp)
}

func (g *Gateway) handleEnvironmentCreate(c *okapi.Context) error {
	var req CreateEnvironmentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}

	env, err := g.envs.Create(c.Context(), environment.CreateOptions{
		Name:           req.Name,
		NetworkEnabled: req.NetworkEnabled,
		CPULimit:       req.CPULimit,
		MemoryLimitMB:  req.MemoryLimitMB,
		DiskLimitMB:    req.DiskLimitMB,
	})
	if err != nil {
		switch {
		case errors.Is(err, environment.ErrInvalidName):
			return c.AbortBadRequest(err.Error())
		case errors.Is(err, environment.ErrAlreadyExists):
			return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
		default:
			g.logger.Error("environment creation failed",
				slog.String("environment", req.Name),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("environment creation failed")
		}
	}

	return c.JSON(http.StatusCreated, toEnvironmentResponse(env))
}

func (g *Gateway) handleEnvironmentGet(c *okapi.Context) error {
	env, err := g.envs.Get(c.Context(), c.Param("name"))
	if err != nil {
		return environmentError(c, err)
	}
	return c.OK(toEnvironmentResponse(env))
}

func (g *Gateway) handleEnvironmentDestroy(c *okapi.Context) error {
	destroyed, err := g.envs.Destroy(c.Context(), c.Param("name"))
	if err != nil {
		g.logger.Error("environment destroy failed",
			slog.String("environment", c.Param("name")),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("environment destroy failed")
	}
	return c.OK(okapi.M{"destroyed": destroyed})
}

// TestRecordResponse is the JSON view of one persisted check outcome.
type TestRecordResponse struct {
	ID          int64  `json:"id"`
	TestName    string `json:"test_name"`
	PackageName string `json:"package_name,omitempty"`
	Passed      bool   `json:"passed"`
	Message     string `json:"message,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	RunAt       string `json:"run_at"`
}

func toTestRecordResponse(rec environment.TestRecord) TestRecordResponse {
	return TestRecordResponse{
		ID:          rec.ID,
		TestName:    rec.TestName,
		PackageName: rec.PackageName,
		Passed:      rec.Passed,
		Message:     rec.Message,
		DurationMS:  rec.Duration.Milliseconds(),
		RunAt:       rec.RunAt.UTC().Format(time.RFC3339),
	}
}

// StatusResponse is the JSON response for GET /v1/environments/{name}/status.
type StatusResponse struct {
	Environment        EnvironmentResponse  `json:"environment"`
	RecentTests        []TestRecordResponse `json:"recent_tests"`
	DiskUsageBytes     int64                `json:"disk_usage_bytes"`
	IsolationAvailable bool                 `json:"isolation_available"`
}

func (g *Gateway) handleEnvironmentStatus(c *okapi.Context) error {
	report, err := g.envs.GetStatus(c.Context(), c.Param("name"))
	if err != nil {
		return environmentError(c, err)
	}

	tests := make([]TestRecordResponse, len(report.RecentTests))
	for i, rec := range report.RecentTests {
		tests[i] = toTestRecordResponse(rec)
	}
	return c.OK(StatusResponse{
		Environment:        toEnvironmentResponse(report.Environment),
		RecentTests:        tests,
		DiskUsageBytes:     report.DiskUsageBytes,
		IsolationAvailable: report.IsolationAvailable,
	})
}

// --- Package handlers ---

// PackageRequest is the JSON body for POST /v1/environments/{name}/packages.
type PackageRequest struct {
	Package string `json:"package"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// ExecutionResponse is the JSON view of one sandboxed command run.
type ExecutionResponse struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Blocked    bool   `json:"blocked,omitempty"`
	Preview    string `json:"preview,omitempty"` // Dry-run preview line.
}

func toExecutionResponse(res *executor.ExecutionResult) ExecutionResponse {
	return ExecutionResponse{
		Command:    res.Command,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
		Success:    res.Success(),
		Blocked:    res.Blocked,
		Preview:    res.Preview,
	}
}

func (g *Gateway) handlePackageInstall(c *okapi.Context) error {
	var req PackageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Package == "" {
		return c.AbortBadRequest("package is required")
	}

	res, err := g.envs.InstallPackage(c.Context(), c.Param("name"), req.Package, req.DryRun)
	if err != nil {
		return packageError(c, g.logger, "install", err)
	}
	return c.OK(toExecutionResponse(res))
}

func (g *Gateway) handlePackageRemove(c *okapi.Context) error {
	dryRun := c.Request().URL.Query().Get("dry_run") == "true"

	res, err := g.envs.RemovePackage(c.Context(), c.Param("name"), c.Param("pkg"), dryRun)
	if err != nil {
		return packageError(c, g.logger, "remove", err)
	}
	return c.OK(toExecutionResponse(res))
}

// PromoteRequest is the JSON body for POST /v1/environments/{name}/promote.
type PromoteRequest struct {
	DryRun bool `json:"dry_run,omitempty"`
}

// PromotionResponse is the JSON view of a promotion attempt.
type PromotionResponse struct {
	EnvironmentName string   `json:"environment_name"`
	Success         bool     `json:"success"`
	DryRun          bool     `json:"dry_run"`
	Message         string   `json:"message"`
	Promoted        []string `json:"promoted,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

func (g *Gateway) handlePromote(c *okapi.Context) error {
	var req PromoteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	result, err := g.envs.PromoteToSystem(c.Context(), c.Param("name"), req.DryRun)
	if err != nil {
		g.logger.Error("promotion failed",
			slog.String("environment", c.Param("name")),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("promotion failed")
	}

	return c.OK(PromotionResponse{
		EnvironmentName: result.EnvironmentName,
		Success:         result.Success,
		DryRun:          result.DryRun,
		Message:         result.Message,
		Promoted:        result.Promoted,
		Errors:          result.Errors,
	})
}

// --- Test handlers ---

// TestRunRequest is the JSON body for POST /v1/environments/{name}/tests.
type TestRunRequest struct {
	Package string `json:"package,omitempty"` // Empty = whole tracked set.
	Quick   bool   `json:"quick,omitempty"`   // Functional check only; requires a package.
}

// CheckResponse is one check outcome inside a suite.
type CheckResponse struct {
	TestName    string `json:"test_name"`
	PackageName string `json:"package_name,omitempty"`
	Passed      bool   `json:"passed"`
	Message     string `json:"message,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// SuiteResponse is the JSON view of one test battery run.
type SuiteResponse struct {
	EnvironmentName string          `json:"environment_name"`
	Total           int             `json:"total"`
	Passed          int             `json:"passed"`
	Failed          int             `json:"failed"`
	AllPassed       bool            `json:"all_passed"`
	Results         []CheckResponse `json:"results"`
}

func toSuiteResponse(suite *tester.SuiteResult) SuiteResponse {
	results := make([]CheckResponse, len(suite.Results))
	for i, r := range suite.Results {
		results[i] = CheckResponse{
			TestName:    r.TestName,
			PackageName: r.PackageName,
			Passed:      r.Passed,
			Message:     r.Message,
			DurationMS:  r.Duration.Milliseconds(),
		}
	}
	return SuiteResponse{
		EnvironmentName: suite.EnvironmentName,
		Total:           suite.Total,
		Passed:          suite.Passed,
		Failed:          suite.Failed,
		AllPassed:       suite.AllPassed(),
		Results:         results,
	}
}

func (g *Gateway) handleTestRun(c *okapi.Context) error {
	var req TestRunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Quick && req.Package == "" {
		return c.AbortBadRequest("quick runs require a package")
	}

	name := c.Param("name")
	var (
		suite *tester.SuiteResult
		err   error
	)
	if req.Quick {
		suite, err = g.tests.RunQuick(c.Context(), name, req.Package)
	} else {
		suite, err = g.tests.RunAll(c.Context(), name, req.Package)
	}
	if err != nil {
		g.logger.Error("test run failed",
			slog.String("environment", name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("test run failed")
	}
	return c.OK(toSuiteResponse(suite))
}

func (g *Gateway) handleTestHistory(c *okapi.Context) error {
	name := c.Param("name")

	// 404 for unknown environments rather than an empty list.
	if _, err := g.envs.Get(c.Context(), name); err != nil {
		return environmentError(c, err)
	}

	records, err := g.envs.RecentTests(c.Context(), name, 0)
	if err != nil {
		g.logger.Error("listing test results failed",
			slog.String("environment", name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("listing test results failed")
	}

	resp := make([]TestRecordResponse, len(records))
	for i, rec := range records {
		resp[i] = toTestRecordResponse(rec)
	}
	return c.OK(resp)
}

// --- Helpers ---

// environmentError maps lookup errors to HTTP responses.
func environmentError(c *okapi.Context, err error) error {
	if errors.Is(err, environment.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "environment not found"})
	}
	return c.AbortInternalServerError("environment lookup failed")
}

// packageError maps install/remove errors to HTTP responses. A blocked
// command is the caller's fault, not a server error.
func packageError(c *okapi.Context, logger *slog.Logger, op string, err error) error {
	switch {
	case errors.Is(err, environment.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "environment not found"})
	case errors.Is(err, environment.ErrInvalidPackage):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, security.ErrCommandBlocked):
		return c.AbortBadRequest(err.Error())
	default:
		logger.Error("package operation failed",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("package " + op + " failed")
	}
}
