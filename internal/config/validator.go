package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
// Unknown storage engines are rejected by the storage factory, not here.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateStorage(&cfg.Storage)
	v.validateRunner(&cfg.Runner)
	v.validateBroker(&cfg.Broker)
	v.validateDaemon(&cfg.Daemon)
	v.validateAPI(&cfg.API)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "report": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, report, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}

	if cfg.MaxSizeMB < 0 {
		v.addError("log.max_size_mb", cfg.MaxSizeMB, "must be non-negative")
	}
	if cfg.MaxBackups < 0 {
		v.addError("log.max_backups", cfg.MaxBackups, "must be non-negative")
	}
	if cfg.MaxAgeDays < 0 {
		v.addError("log.max_age_days", cfg.MaxAgeDays, "must be non-negative")
	}
}

func (v *Validator) validateStorage(cfg *StorageConfig) {
	switch strings.ToLower(cfg.Engine) {
	case "sqlite":
		if cfg.Path == "" {
			v.addError("storage.path", cfg.Path, "path required for sqlite")
		}
	case "postgres", "postgresql", "mysql":
		if cfg.Host == "" {
			v.addError("storage.host", cfg.Host, "host required")
		}
		if cfg.Port <= 0 || cfg.Port > 65535 {
			v.addError("storage.port", cfg.Port, "must be between 1 and 65535")
		}
		if cfg.Name == "" {
			v.addError("storage.name", cfg.Name, "database name required")
		}
	}

	if cfg.MaxIdleConns < 0 {
		v.addError("storage.max_idle_conns", cfg.MaxIdleConns, "must be non-negative")
	}
	if cfg.MaxOpenConns < 0 {
		v.addError("storage.max_open_conns", cfg.MaxOpenConns, "must be non-negative")
	}
}

func (v *Validator) validateRunner(cfg *RunnerConfig) {
	if cfg.PollInterval <= 0 {
		v.addError("runner.poll_interval", cfg.PollInterval, "must be positive")
	}
}

func (v *Validator) validateBroker(cfg *BrokerConfig) {
	if !cfg.Enabled {
		return
	}

	validBackends := map[string]bool{"redis": true, "memory": true}
	if !validBackends[cfg.Backend] {
		v.addError("broker.backend", cfg.Backend, "must be one of: redis, memory")
	}
	if cfg.Backend == "redis" {
		if cfg.Host == "" {
			v.addError("broker.host", cfg.Host, "host required")
		}
		if cfg.Port <= 0 || cfg.Port > 65535 {
			v.addError("broker.port", cfg.Port, "must be between 1 and 65535")
		}
	}
	if cfg.Prefix == "" {
		v.addError("broker.prefix", cfg.Prefix, "prefix required")
	}
}

func (v *Validator) validateDaemon(cfg *DaemonConfig) {
	if cfg.Dir == "" {
		v.addError("daemon.dir", cfg.Dir, "directory required")
	}
	if cfg.StaleAfter < 0 {
		v.addError("daemon.stale_after", cfg.StaleAfter, "must be non-negative")
	}

	for name, d := range map[string]time.Duration{
		"submit":         cfg.Intervals.Submit,
		"update":         cfg.Intervals.Update,
		"retrieve":       cfg.Intervals.Retrieve,
		"workflow_step":  cfg.Intervals.WorkflowStep,
		"tick_workflows": cfg.Intervals.TickWorkflows,
	} {
		if d <= 0 {
			v.addError("daemon.intervals."+name, d, "must be positive")
		}
	}

	seen := make(map[string]bool, len(cfg.Computers))
	for i, comp := range cfg.Computers {
		prefix := fmt.Sprintf("daemon.computers[%d]", i)
		if comp.Name == "" {
			v.addError(prefix+".name", comp.Name, "name required")
			continue
		}
		if seen[comp.Name] {
			v.addError(prefix+".name", comp.Name, "duplicate computer name")
		}
		seen[comp.Name] = true
		if comp.Transport != "local" {
			v.addError(prefix+".transport", comp.Transport, "must be one of: local")
		}
	}
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if cfg.Enabled && cfg.Addr == "" {
		v.addError("api.addr", cfg.Addr, "address required when api is enabled")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
