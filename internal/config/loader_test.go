package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Storage.Engine != "sqlite" {
		t.Errorf("Storage.Engine = %q, want %q", cfg.Storage.Engine, "sqlite")
	}
	if cfg.Runner.PollInterval != 5*time.Second {
		t.Errorf("Runner.PollInterval = %v, want 5s", cfg.Runner.PollInterval)
	}
	if cfg.Runner.RemoteSubmit {
		t.Error("Runner.RemoteSubmit = true, want false")
	}
	if cfg.Broker.Prefix != "aiida" {
		t.Errorf("Broker.Prefix = %q, want %q", cfg.Broker.Prefix, "aiida")
	}
	if cfg.Daemon.Intervals.Submit != 30*time.Second {
		t.Errorf("Daemon.Intervals.Submit = %v, want 30s", cfg.Daemon.Intervals.Submit)
	}
	if cfg.Daemon.Intervals.WorkflowStep != 5*time.Second {
		t.Errorf("Daemon.Intervals.WorkflowStep = %v, want 5s", cfg.Daemon.Intervals.WorkflowStep)
	}
	if cfg.Daemon.StaleAfter != time.Hour {
		t.Errorf("Daemon.StaleAfter = %v, want 1h", cfg.Daemon.StaleAfter)
	}

	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoader_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  engine: postgres
  host: db.internal
  port: 5433
daemon:
  use_new: false
  intervals:
    submit: 1m
  computers:
    - name: cluster
      transport: local
      enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Engine != "postgres" || cfg.Storage.Host != "db.internal" || cfg.Storage.Port != 5433 {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Daemon.UseNew {
		t.Error("Daemon.UseNew = true, want false")
	}
	if cfg.Daemon.Intervals.Submit != time.Minute {
		t.Errorf("Daemon.Intervals.Submit = %v, want 1m", cfg.Daemon.Intervals.Submit)
	}
	// Unset keys keep their defaults.
	if cfg.Daemon.Intervals.Update != 30*time.Second {
		t.Errorf("Daemon.Intervals.Update = %v, want 30s", cfg.Daemon.Intervals.Update)
	}
	comp, ok := cfg.Daemon.Computer("cluster")
	if !ok || comp.Transport != "local" || !comp.Enabled {
		t.Errorf("Computer(cluster) = %+v, %v", comp, ok)
	}
	if _, ok := cfg.Daemon.Computer("missing"); ok {
		t.Error("Computer(missing) found")
	}
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AIIDA_RUNNER_POLL_INTERVAL", "250ms")
	t.Setenv("AIIDA_BROKER_PREFIX", "test")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runner.PollInterval != 250*time.Millisecond {
		t.Errorf("Runner.PollInterval = %v, want 250ms", cfg.Runner.PollInterval)
	}
	if cfg.Broker.Prefix != "test" {
		t.Errorf("Broker.Prefix = %q, want %q", cfg.Broker.Prefix, "test")
	}
}

func TestLoader_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLoader().WithConfigFile(path).Load(); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestDefaultConfigYAML_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".aiida", "config.yaml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Fatal("expected error when config exists and overwrite is false")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault(overwrite) error = %v", err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("default yaml does not validate: %v", err)
	}
	if _, ok := cfg.Daemon.Computer("localhost"); !ok {
		t.Error("default yaml should configure the localhost computer")
	}
}
