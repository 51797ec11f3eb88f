package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
workspace: /tmp/ngome-test
executor:
  timeout_seconds: 120
defaults:
  cpu_limit: 4
  memory_limit_mb: 1024
tester:
  max_startup_seconds: 2.5
server:
  addr: ":9090"
scheduler:
  enabled: true
  jobs:
    - name: nightly
      schedule: "0 2 * * *"
      environment: staging
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/ngome-test" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Executor.Timeout() != 2*time.Minute {
		t.Errorf("timeout = %v, want 2m", cfg.Executor.Timeout())
	}
	if cfg.Defaults.CPULimit != 4 {
		t.Errorf("cpu_limit = %d", cfg.Defaults.CPULimit)
	}
	if cfg.Tester.MaxStartup() != 2500*time.Millisecond {
		t.Errorf("max startup = %v", cfg.Tester.MaxStartup())
	}
	if cfg.Server.ListenAddr() != ":9090" {
		t.Errorf("addr = %q", cfg.Server.ListenAddr())
	}
	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Name != "nightly" {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"workspace": "/tmp/ngome-json", "executor": {"timeout_seconds": 60}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/ngome-json" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Executor.Timeout() != time.Minute {
		t.Errorf("timeout = %v", cfg.Executor.Timeout())
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	if cfg.Executor.Timeout() != 5*time.Minute {
		t.Errorf("default timeout = %v, want 5m", cfg.Executor.Timeout())
	}
	if cfg.Tester.MaxStartup() != 5*time.Second {
		t.Errorf("default max startup = %v, want 5s", cfg.Tester.MaxStartup())
	}
	if cfg.Server.ListenAddr() != ":8080" {
		t.Errorf("default addr = %q, want :8080", cfg.Server.ListenAddr())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("default driver = %q, want sqlite", cfg.StorageDriverName())
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
storage:
  driver: postgres
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "dsn") {
		t.Errorf("Load = %v, want dsn error", err)
	}
}

func TestValidateSchedulerJobs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"missing schedule",
			"scheduler:\n  enabled: true\n  jobs:\n    - name: a\n      environment: dev\n",
			"schedule is required",
		},
		{
			"missing environment",
			"scheduler:\n  enabled: true\n  jobs:\n    - name: a\n      schedule: '* * * * *'\n",
			"environment is required",
		},
		{
			"duplicate name",
			"scheduler:\n  enabled: true\n  jobs:\n    - name: a\n      schedule: '* * * * *'\n      environment: dev\n    - name: a\n      schedule: '* * * * *'\n      environment: dev\n",
			"duplicate name",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tc.yaml)
			if _, err := Load(path); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NGOME_WORKSPACE", "/custom/ws")
	t.Setenv("NGOME_DB_DSN", "postgres://ngome@localhost/ngome")
	t.Setenv("NGOME_API_KEY", "secret-key")

	path := writeConfig(t, "config.yaml", "workspace: /from/file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/custom/ws" {
		t.Errorf("workspace = %q, env override lost", cfg.Workspace)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v, want postgres from env", cfg.Storage)
	}
	if len(cfg.Server.APIKeys) != 1 || cfg.Server.APIKeys[0] != "secret-key" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
}
