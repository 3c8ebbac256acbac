// Package app wires the engine components from configuration. One App is
// built per command invocation and passed explicitly to whatever needs it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/muhrin/aiida-core/internal/adapters/store"
	"github.com/muhrin/aiida-core/internal/broker"
	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/execmanager"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/persistence"
	"github.com/muhrin/aiida-core/internal/process"
	"github.com/muhrin/aiida-core/internal/runner"
	"github.com/muhrin/aiida-core/internal/transport"
	"github.com/muhrin/aiida-core/internal/workflowmanager"
)

// App is the application context.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	Backend   core.Backend
	Registry  *process.Registry
	Transport *transport.Queue
	Brokers   broker.Factory // nil when the broker is disabled
	Runner    *runner.Runner
	Persister *persistence.Persister
	Jobs      *execmanager.Manager
	Workflows *workflowmanager.Manager
}

// Option configures New.
type Option func(*options)

type options struct {
	daemon  bool
	backend core.Backend
}

// AsDaemon builds the daemon runner instead of a client runner.
func AsDaemon() Option {
	return func(o *options) { o.daemon = true }
}

// WithBackend uses an already open backend instead of opening one from the
// configuration. App.Close still closes it.
func WithBackend(b core.Backend) Option {
	return func(o *options) { o.backend = b }
}

// New opens storage and builds every component.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, registry *process.Registry, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = store.Open(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Backend:  backend,
		Registry: registry,
		Transport: transport.NewQueue(transport.NewFactory(cfg.Daemon.Computers),
			transport.WithQueueLogger(logger)),
	}

	if cfg.Broker.Enabled {
		f, err := broker.NewFactory(cfg.Broker)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Brokers = f
	}

	runnerOpts := []runner.Option{
		runner.WithConfig(cfg.Runner),
		runner.WithTransportQueue(a.Transport),
		runner.WithLogger(logger),
	}
	if a.Brokers != nil {
		runnerOpts = append(runnerOpts, runner.WithConnectorFactory(a.Brokers))
	}
	newRunner := runner.New
	if o.daemon {
		newRunner = runner.NewDaemonRunner
	}
	r, err := newRunner(ctx, backend, registry, runnerOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("creating runner: %w", err)
	}
	a.Runner = r
	a.Persister = r.Persister()
	a.Jobs = execmanager.New(backend, a.Transport, logger)
	a.Workflows = workflowmanager.New(r, registry, a.Persister)
	return a, nil
}

// Close releases every component. Safe on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Runner != nil {
		errs = append(errs, a.Runner.Close())
	}
	if a.Transport != nil {
		errs = append(errs, a.Transport.Close())
	}
	if a.Backend != nil {
		errs = append(errs, a.Backend.Close())
	}
	return errors.Join(errs...)
}
