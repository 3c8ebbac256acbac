package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/muhrin/aiida-core/internal/app"
	"github.com/muhrin/aiida-core/internal/builtin"
	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/logging"
)

// loadConfig reads and validates configuration using the global viper
// instance, so persistent flag bindings take precedence.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *logging.Logger {
	return logging.New(logging.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     os.Stderr,
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	})
}

// openApp loads configuration and wires the engine with the builtin
// process definitions.
func openApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, newLogger(cfg.Log), builtin.Registry(), opts...)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
