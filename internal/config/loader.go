package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "AIIDA",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "AIIDA",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (AIIDA_*)
// 3. Profile config (.aiida/config.yaml in current directory)
// 4. User config (~/.config/aiida/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")

		l.v.AddConfigPath(".aiida")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "aiida"))
		}
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.max_size_mb", 100)
	l.v.SetDefault("log.max_backups", 5)
	l.v.SetDefault("log.max_age_days", 30)

	// Storage defaults
	l.v.SetDefault("storage.engine", "sqlite")
	l.v.SetDefault("storage.path", ".aiida/repository/aiida.db")
	l.v.SetDefault("storage.host", "localhost")
	l.v.SetDefault("storage.port", 5432)
	l.v.SetDefault("storage.name", "aiida")
	l.v.SetDefault("storage.max_idle_conns", 5)
	l.v.SetDefault("storage.max_open_conns", 20)
	l.v.SetDefault("storage.conn_max_lifetime", "1h")

	// Runner defaults
	l.v.SetDefault("runner.poll_interval", "5s")
	l.v.SetDefault("runner.rmq_submit", false)
	l.v.SetDefault("runner.enable_persistence", true)

	// Broker defaults
	l.v.SetDefault("broker.enabled", false)
	l.v.SetDefault("broker.backend", "redis")
	l.v.SetDefault("broker.host", "localhost")
	l.v.SetDefault("broker.port", 6379)
	l.v.SetDefault("broker.db", 0)
	l.v.SetDefault("broker.prefix", "aiida")

	// Daemon defaults
	l.v.SetDefault("daemon.use_new", true)
	l.v.SetDefault("daemon.dir", ".aiida/daemon")
	l.v.SetDefault("daemon.stale_after", "1h")
	l.v.SetDefault("daemon.intervals.submit", "30s")
	l.v.SetDefault("daemon.intervals.update", "30s")
	l.v.SetDefault("daemon.intervals.retrieve", "30s")
	l.v.SetDefault("daemon.intervals.workflow_step", "5s")
	l.v.SetDefault("daemon.intervals.tick_workflows", "5s")

	// API defaults
	l.v.SetDefault("api.enabled", false)
	l.v.SetDefault("api.addr", "127.0.0.1:8765")
	l.v.SetDefault("api.allowed_origins", []string{})
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}
