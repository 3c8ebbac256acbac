package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a valid configuration for testing.
func validConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Storage: StorageConfig{
			Engine: "sqlite",
			Path:   "aiida.db",
		},
		Runner: RunnerConfig{
			PollInterval:      time.Second,
			EnablePersistence: true,
		},
		Broker: BrokerConfig{
			Backend: "redis",
			Host:    "localhost",
			Port:    6379,
			Prefix:  "aiida",
		},
		Daemon: DaemonConfig{
			UseNew:     true,
			Dir:        ".aiida/daemon",
			StaleAfter: time.Hour,
			Intervals: DaemonIntervals{
				Submit:        30 * time.Second,
				Update:        30 * time.Second,
				Retrieve:      30 * time.Second,
				WorkflowStep:  5 * time.Second,
				TickWorkflows: 5 * time.Second,
			},
			Computers: []ComputerConfig{{Name: "localhost", Transport: "local", Enabled: true}},
		},
	}
}

func TestValidator_ValidConfig(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidator_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"postgres without host", func(c *Config) {
			c.Storage = StorageConfig{Engine: "postgres", Port: 5432, Name: "aiida"}
		}, "storage.host"},
		{"mysql bad port", func(c *Config) {
			c.Storage = StorageConfig{Engine: "mysql", Host: "db", Port: 0, Name: "aiida"}
		}, "storage.port"},
		{"zero poll interval", func(c *Config) { c.Runner.PollInterval = 0 }, "runner.poll_interval"},
		{"enabled broker bad backend", func(c *Config) {
			c.Broker.Enabled = true
			c.Broker.Backend = "amqp"
		}, "broker.backend"},
		{"enabled broker no prefix", func(c *Config) {
			c.Broker.Enabled = true
			c.Broker.Prefix = ""
		}, "broker.prefix"},
		{"zero submit interval", func(c *Config) { c.Daemon.Intervals.Submit = 0 }, "daemon.intervals.submit"},
		{"negative stale_after", func(c *Config) { c.Daemon.StaleAfter = -time.Second }, "daemon.stale_after"},
		{"duplicate computer", func(c *Config) {
			c.Daemon.Computers = append(c.Daemon.Computers, ComputerConfig{Name: "localhost", Transport: "local"})
		}, "daemon.computers[1].name"},
		{"unknown transport", func(c *Config) { c.Daemon.Computers[0].Transport = "ssh" }, "daemon.computers[0].transport"},
		{"api without addr", func(c *Config) { c.API.Enabled = true }, "api.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := ValidateConfig(cfg)
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.field)
			}
		})
	}
}

func TestValidator_DisabledBrokerSkipped(t *testing.T) {
	cfg := validConfig()
	cfg.Broker = BrokerConfig{Enabled: false, Backend: "nonsense"}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidator_UnknownEngineLeftToFactory(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Engine = "oracle"
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidationErrors_Aggregate(t *testing.T) {
	v := NewValidator()
	cfg := validConfig()
	cfg.Log.Level = "x"
	cfg.Runner.PollInterval = 0

	err := v.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	if len(v.Errors()) != 2 || !v.Errors().HasErrors() {
		t.Errorf("Errors() = %v, want 2", v.Errors())
	}
}
