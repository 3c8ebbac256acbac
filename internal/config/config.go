package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	API     APIConfig     `mapstructure:"api"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StorageConfig selects and configures the storage engine.
type StorageConfig struct {
	Engine          string        `mapstructure:"engine"` // sqlite, postgres, mysql
	Path            string        `mapstructure:"path"`   // sqlite only
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RunnerConfig configures process runners.
type RunnerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RemoteSubmit      bool          `mapstructure:"rmq_submit"`
	EnablePersistence bool          `mapstructure:"enable_persistence"`
}

// BrokerConfig holds connection parameters for the remote submission channel.
type BrokerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"` // redis, memory
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DaemonConfig configures the periodic daemon.
type DaemonConfig struct {
	// UseNew selects the current roster (tick_work, launch pending jobs)
	// instead of the legacy submit/update/retrieve roster.
	UseNew     bool             `mapstructure:"use_new"`
	Dir        string           `mapstructure:"dir"`
	StaleAfter time.Duration    `mapstructure:"stale_after"`
	Intervals  DaemonIntervals  `mapstructure:"intervals"`
	Computers  []ComputerConfig `mapstructure:"computers"`
}

// DaemonIntervals holds the period of every roster job.
type DaemonIntervals struct {
	Submit        time.Duration `mapstructure:"submit"`
	Update        time.Duration `mapstructure:"update"`
	Retrieve      time.Duration `mapstructure:"retrieve"`
	WorkflowStep  time.Duration `mapstructure:"workflow_step"`
	TickWorkflows time.Duration `mapstructure:"tick_workflows"`
}

// ComputerConfig describes how jobs reach a computer.
type ComputerConfig struct {
	Name      string `mapstructure:"name"`
	Transport string `mapstructure:"transport"` // local
	WorkDir   string `mapstructure:"work_dir"`
	Enabled   bool   `mapstructure:"enabled"`
}

// APIConfig configures the read-only status API.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Computer returns the configuration for a named computer.
func (c DaemonConfig) Computer(name string) (ComputerConfig, bool) {
	for _, comp := range c.Computers {
		if comp.Name == name {
			return comp, true
		}
	}
	return ComputerConfig{}, false
}
