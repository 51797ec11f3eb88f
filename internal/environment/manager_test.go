package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/executor"
)

// fakeStore is an in-memory EnvironmentStore.
type fakeStore struct {
	mu   sync.Mutex
	envs map[string]*Environment
}

func newFakeStore() *fakeStore {
	return &fakeStore{envs: make(map[string]*Environment)}
}

func (s *fakeStore) Save(_ context.Context, env *Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *env
	cp.PackagesInstalled = append([]string(nil), env.PackagesInstalled...)
	s.envs[env.Name] = &cp
	return nil
}

func (s *fakeStore) Get(_ context.Context, name string) (*Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	cp := *env
	cp.PackagesInstalled = append([]string(nil), env.PackagesInstalled...)
	return &cp, nil
}

func (s *fakeStore) List(_ context.Context) ([]*Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Environment, 0, len(s.envs))
	for _, env := range s.envs {
		out = append(out, env)
	}
	return out, nil
}

func (s *fakeStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envs[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(s.envs, name)
	return nil
}

// fakeRecords is an in-memory TestRecordStore.
type fakeRecords struct {
	mu      sync.Mutex
	records []TestRecord
}

func (r *fakeRecords) Append(_ context.Context, rec *TestRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = int64(len(r.records) + 1)
	r.records = append(r.records, *rec)
	return nil
}

func (r *fakeRecords) ListByEnvironment(_ context.Context, name string, limit int) ([]TestRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	var out []TestRecord
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		if r.records[i].EnvironmentName == name {
			out = append(out, r.records[i])
		}
	}
	return out, nil
}

// fakeExec records commands and returns scripted results.
type fakeExec struct {
	mu        sync.Mutex
	commands  []string
	fail      map[string]bool // command substring -> force failure
	isolation bool
}

func (f *fakeExec) IsolationAvailable() bool { return f.isolation }

func (f *fakeExec) Execute(_ context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, req.Command)

	res := &executor.ExecutionResult{Command: req.Command, Duration: time.Millisecond}
	if req.DryRun {
		res.Stdout = "[DRY-RUN] Would execute: " + req.Command
		res.Preview = req.Command
		return res, nil
	}
	for substr := range f.fail {
		if strings.Contains(req.Command, substr) {
			res.ExitCode = 100
			res.Stderr = "E: Unable to locate package"
			return res, nil
		}
	}
	res.Stdout = "ok"
	return res, nil
}

func (f *fakeExec) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeExec) {
	t.Helper()
	store := newFakeStore()
	exec := &fakeExec{fail: make(map[string]bool)}
	m := NewManager(store, &fakeRecords{}, exec, t.TempDir(), Limits{}, nil, nil)
	return m, store, exec
}

func TestCreateAndGet(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	env, err := m.Create(ctx, CreateOptions{Name: "demo", NetworkEnabled: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.Status != StatusCreated {
		t.Errorf("status = %q, want created", env.Status)
	}
	if env.CPULimit != 2 || env.MemoryLimitMB != 2048 || env.DiskLimitMB != 5120 {
		t.Errorf("defaults not applied: %+v", env)
	}

	for _, sub := range []string{"home", "var", "logs"} {
		info, err := os.Stat(filepath.Join(env.RootPath, sub))
		if err != nil {
			t.Fatalf("missing %s dir: %v", sub, err)
		}
		if mode := info.Mode().Perm(); mode != 0700 {
			t.Errorf("%s perm = %o, want 0700", sub, mode)
		}
	}

	profile, err := os.ReadFile(env.IsolationProfilePath)
	if err != nil {
		t.Fatalf("reading profile: %v", err)
	}
	content := string(profile)
	for _, want := range []string{"rlimit-as 2147483648", "rlimit-fsize 5368709120", "caps.drop all", "seccomp", "noroot"} {
		if !strings.Contains(content, want) {
			t.Errorf("profile missing %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, "net none") {
		t.Error("network-enabled profile contains net none")
	}

	got, err := m.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != env.Name || got.RootPath != env.RootPath {
		t.Errorf("Get = %+v, want %+v", got, env)
	}
}

func TestCreateRejectsBadNames(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"", "has space", "dot.dot", "../escape", "under_score"} {
		if _, err := m.Create(ctx, CreateOptions{Name: name}); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Create(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestCreateDuplicate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, CreateOptions{Name: "demo"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second Create = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateNetworkDisabledProfile(t *testing.T) {
	m, _, _ := newTestManager(t)

	env, err := m.Create(context.Background(), CreateOptions{Name: "offline"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	profile, err := os.ReadFile(env.IsolationProfilePath)
	if err != nil {
		t.Fatalf("reading profile: %v", err)
	}
	if !strings.Contains(string(profile), "net none") {
		t.Error("offline profile missing net none")
	}
}

func TestInstallPackage(t *testing.T) {
	m, _, exec := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateOptions{Name: "demo"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := m.InstallPackage(ctx, "demo", "curl", false)
	if err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	if !res.Success() {
		t.Fatalf("install failed: %+v", res)
	}

	env, _ := m.Get(ctx, "demo")
	if len(env.PackagesInstalled) != 1 || env.PackagesInstalled[0] != "curl" {
		t.Errorf("packages = %v, want [curl]", env.PackagesInstalled)
	}
	if env.Status != StatusActive {
		t.Errorf("status = %q, want active", env.Status)
	}

	cmds := exec.executed()
	if len(cmds) != 1 || cmds[0] != "sudo apt-get install -y curl" {
		t.Errorf("executed = %v", cmds)
	}
}

func TestInstallPackageIdempotentTracking(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	m.InstallPackage(ctx, "demo", "curl", false)
	m.InstallPackage(ctx, "demo", "curl", false)

	env, _ := m.Get(ctx, "demo")
	if len(env.PackagesInstalled) != 1 {
		t.Errorf("packages = %v, want single curl entry", env.PackagesInstalled)
	}
}

func TestInstallPackageDryRun(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	res, err := m.InstallPackage(ctx, "demo", "curl", true)
	if err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	if !strings.Contains(res.Stdout, "[DRY-RUN]") {
		t.Errorf("stdout = %q, want dry-run marker", res.Stdout)
	}

	env, _ := m.Get(ctx, "demo")
	if len(env.PackagesInstalled) != 0 {
		t.Errorf("dry run mutated tracked set: %v", env.PackagesInstalled)
	}
	if env.Status != StatusCreated {
		t.Errorf("dry run changed status to %q", env.Status)
	}
}

func TestInstallPackageFailureNotTracked(t *testing.T) {
	m, _, exec := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	exec.fail["nosuchpkg"] = true

	res, err := m.InstallPackage(ctx, "demo", "nosuchpkg", false)
	if err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	if res.Success() {
		t.Fatal("install of failing package reported success")
	}

	env, _ := m.Get(ctx, "demo")
	if len(env.PackagesInstalled) != 0 {
		t.Errorf("failed install tracked: %v", env.PackagesInstalled)
	}
}

func TestInstallPackageFailureStillMarksActive(t *testing.T) {
	m, _, exec := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	exec.fail["nosuchpkg"] = true

	res, err := m.InstallPackage(ctx, "demo", "nosuchpkg", false)
	if err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	if res.Success() {
		t.Fatal("install of failing package reported success")
	}

	// The attempt alone makes the environment active; the status is
	// persisted before the command runs.
	env, _ := m.Get(ctx, "demo")
	if env.Status != StatusActive {
		t.Errorf("status after failed install = %q, want active", env.Status)
	}
}

func TestInstallPackageNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.InstallPackage(context.Background(), "ghost", "curl", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInstallPackageInvalidName(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	m.Create(ctx, CreateOptions{Name: "demo"})

	if _, err := m.InstallPackage(ctx, "demo", "curl; rm -rf /", false); err == nil {
		t.Error("shell metacharacters in package name accepted")
	}
}

func TestRemovePackage(t *testing.T) {
	m, _, exec := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	m.InstallPackage(ctx, "demo", "curl", false)
	m.InstallPackage(ctx, "demo", "jq", false)

	res, err := m.RemovePackage(ctx, "demo", "curl", false)
	if err != nil {
		t.Fatalf("RemovePackage: %v", err)
	}
	if !res.Success() {
		t.Fatalf("remove failed: %+v", res)
	}

	env, _ := m.Get(ctx, "demo")
	if len(env.PackagesInstalled) != 1 || env.PackagesInstalled[0] != "jq" {
		t.Errorf("packages = %v, want [jq]", env.PackagesInstalled)
	}

	cmds := exec.executed()
	if cmds[len(cmds)-1] != "sudo apt-get remove -y curl" {
		t.Errorf("last command = %q", cmds[len(cmds)-1])
	}
}

func TestRemovePackagePreservesStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	m.InstallPackage(ctx, "demo", "curl", false)
	if err := m.SetStatus(ctx, "demo", StatusTesting); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if _, err := m.RemovePackage(ctx, "demo", "curl", false); err != nil {
		t.Fatalf("RemovePackage: %v", err)
	}

	env, _ := m.Get(ctx, "demo")
	if env.Status != StatusTesting {
		t.Errorf("status after remove = %q, want testing (unchanged)", env.Status)
	}
}

func TestPromoteEmptyEnvironment(t *testing.T) {
	m, _, exec := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	result, err := m.PromoteToSystem(ctx, "demo", false)
	if err != nil {
		t.Fatalf("PromoteToSystem: %v", err)
	}
	if result.Success {
		t.Error("promotion of empty environment succeeded")
	}
	if !strings.Contains(result.Message, "No packages") {
		t.Errorf("message = %q, want No packages", result.Message)
	}
	if len(exec.executed()) != 0 {
		t.Errorf("empty promotion executed commands: %v", exec.executed())
	}
}

func TestPromoteDryRun(t *testing.T) {
	m, _, exec := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	m.InstallPackage(ctx, "demo", "curl", false)
	before := len(exec.executed())

	result, err := m.PromoteToSystem(ctx, "demo", true)
	if err != nil {
		t.Fatalf("PromoteToSystem: %v", err)
	}
	if !result.Success || !result.DryRun {
		t.Errorf("result = %+v, want dry-run success", result)
	}
	if len(result.Promoted) != 1 || result.Promoted[0] != "curl" {
		t.Errorf("promoted = %v, want [curl]", result.Promoted)
	}
	if !strings.Contains(result.Message, "Would install on main system: curl") {
		t.Errorf("message = %q", result.Message)
	}
	if len(exec.executed()) != before {
		t.Error("dry-run promotion executed commands")
	}

	env, _ := m.Get(ctx, "demo")
	if env.Status == StatusPromoted {
		t.Error("dry-run promotion changed status")
	}
}

func TestPromoteAllSucceed(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	m.InstallPackage(ctx, "demo", "curl", false)
	m.InstallPackage(ctx, "demo", "jq", false)

	result, err := m.PromoteToSystem(ctx, "demo", false)
	if err != nil {
		t.Fatalf("PromoteToSystem: %v", err)
	}
	if !result.Success || len(result.Promoted) != 2 {
		t.Errorf("result = %+v, want 2 promoted", result)
	}

	env, _ := m.Get(ctx, "demo")
	if env.Status != StatusPromoted {
		t.Errorf("status = %q, want promoted", env.Status)
	}
}

func TestPromotePartialFailure(t *testing.T) {
	m, _, exec := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	m.InstallPackage(ctx, "demo", "curl", false)
	env, _ := m.Get(ctx, "demo")
	env.PackagesInstalled = append(env.PackagesInstalled, "brokenpkg")
	m.store.Save(ctx, env)
	exec.fail["brokenpkg"] = true

	result, err := m.PromoteToSystem(ctx, "demo", false)
	if err != nil {
		t.Fatalf("PromoteToSystem: %v", err)
	}
	if result.Success {
		t.Error("partial failure reported success")
	}
	if len(result.Promoted) != 1 || result.Promoted[0] != "curl" {
		t.Errorf("promoted = %v, want [curl]", result.Promoted)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "brokenpkg") {
		t.Errorf("errors = %v", result.Errors)
	}

	env, _ = m.Get(ctx, "demo")
	if env.Status != StatusFailed {
		t.Errorf("status = %q, want failed", env.Status)
	}
}

func TestPromoteMissingEnvironment(t *testing.T) {
	m, _, _ := newTestManager(t)

	result, err := m.PromoteToSystem(context.Background(), "ghost", false)
	if err != nil {
		t.Fatalf("PromoteToSystem: %v", err)
	}
	if result.Success {
		t.Error("promotion of missing environment succeeded")
	}
}

func TestDestroy(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	env, err := m.Create(ctx, CreateOptions{Name: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := m.Destroy(ctx, "demo")
	if err != nil || !ok {
		t.Fatalf("Destroy = (%v, %v), want (true, nil)", ok, err)
	}
	if _, err := os.Stat(env.RootPath); !os.IsNotExist(err) {
		t.Errorf("environment tree survived destroy: %v", err)
	}
	if _, err := m.Get(ctx, "demo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after destroy = %v, want ErrNotFound", err)
	}

	// Idempotent second call.
	ok, err = m.Destroy(ctx, "demo")
	if err != nil || ok {
		t.Errorf("second Destroy = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestGetStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	env, _ := m.Create(ctx, CreateOptions{Name: "demo"})

	// Give the tree some bytes to count.
	os.WriteFile(filepath.Join(env.RootPath, "home", "data.bin"), make([]byte, 4096), 0600)

	for i := 0; i < 12; i++ {
		m.SaveTestRecord(ctx, &TestRecord{
			EnvironmentName: "demo",
			TestName:        "Performance",
			Passed:          true,
			RunAt:           time.Now().UTC(),
		})
	}

	report, err := m.GetStatus(ctx, "demo")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if report.Environment.Name != "demo" {
		t.Errorf("environment = %+v", report.Environment)
	}
	if len(report.RecentTests) != 10 {
		t.Errorf("recent tests = %d, want 10", len(report.RecentTests))
	}
	if report.DiskUsageBytes < 4096 {
		t.Errorf("disk usage = %d, want >= 4096", report.DiskUsageBytes)
	}
	if report.IsolationAvailable {
		t.Error("isolation reported available without a binary")
	}
}

func TestGetStatusReportsIsolation(t *testing.T) {
	m, _, exec := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})
	exec.isolation = true

	report, err := m.GetStatus(ctx, "demo")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !report.IsolationAvailable {
		t.Error("isolation availability not surfaced in status report")
	}
}

func TestConcurrentInstallsSameEnvironment(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.Create(ctx, CreateOptions{Name: "demo"})

	var wg sync.WaitGroup
	packages := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7"}
	for _, pkg := range packages {
		wg.Add(1)
		go func(pkg string) {
			defer wg.Done()
			if _, err := m.InstallPackage(ctx, "demo", pkg, false); err != nil {
				t.Errorf("InstallPackage(%s): %v", pkg, err)
			}
		}(pkg)
	}
	wg.Wait()

	env, _ := m.Get(ctx, "demo")
	if len(env.PackagesInstalled) != len(packages) {
		t.Errorf("tracked %d packages, want %d (lost updates)", len(env.PackagesInstalled), len(packages))
	}
}
