// Package runner executes processes and workfunctions on a cooperative loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/muhrin/aiida-core/internal/broker"
	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/loop"
	"github.com/muhrin/aiida-core/internal/node"
	"github.com/muhrin/aiida-core/internal/persistence"
	"github.com/muhrin/aiida-core/internal/process"
	"github.com/muhrin/aiida-core/internal/transport"
)

// DefaultPollInterval is used when the configuration leaves it unset.
const DefaultPollInterval = 5 * time.Second

// Runner runs processes on its loop and watches records for completion.
//
// The transport queue may be shared with child runners. Close only closes
// the runner's own broker connector.
type Runner struct {
	backend   core.Backend
	registry  *process.Registry
	cfg       config.RunnerConfig
	loop      *loop.Loop
	logger    *logging.Logger
	persister *persistence.Persister
	transport *transport.Queue

	connectorFactory broker.Factory
	connector        broker.Connector
	remoteSubmit     bool

	mu         sync.Mutex
	active     map[int64]*process.Process
	continuing singleflight.Group

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig sets the runner configuration.
func WithConfig(cfg config.RunnerConfig) Option {
	return func(r *Runner) {
		r.cfg = cfg
	}
}

// WithLoop runs processes on an existing loop.
func WithLoop(l *loop.Loop) Option {
	return func(r *Runner) {
		r.loop = l
	}
}

// WithTransportQueue shares a transport queue.
func WithTransportQueue(q *transport.Queue) Option {
	return func(r *Runner) {
		r.transport = q
	}
}

// WithConnectorFactory enables the broker. Every runner, child runners
// included, dials its own connector from f.
func WithConnectorFactory(f broker.Factory) Option {
	return func(r *Runner) {
		r.connectorFactory = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates a runner. Remote submission requested without a connector
// factory is disabled with a warning.
func New(ctx context.Context, backend core.Backend, registry *process.Registry, opts ...Option) (*Runner, error) {
	r := &Runner{
		backend:  backend,
		registry: registry,
		cfg: config.RunnerConfig{
			PollInterval:      DefaultPollInterval,
			EnablePersistence: true,
		},
		active: make(map[int64]*process.Process),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.NewNop()
	}
	if r.cfg.PollInterval <= 0 {
		r.cfg.PollInterval = DefaultPollInterval
	}
	if r.loop == nil {
		r.loop = loop.New(loop.WithLogger(r.logger))
	}
	if r.transport == nil {
		r.transport = transport.NewQueue(transport.NewFactory(nil), transport.WithQueueLogger(r.logger))
	}
	r.persister = persistence.New(backend, r.logger)

	r.remoteSubmit = r.cfg.RemoteSubmit
	if r.connectorFactory != nil {
		conn, err := r.connectorFactory(ctx)
		if err != nil {
			return nil, err
		}
		r.connector = conn
	} else if r.remoteSubmit {
		r.logger.Warn("disabling remote submission, no broker configured")
		r.remoteSubmit = false
	}
	return r, nil
}

// NewDaemonRunner creates the runner used by the daemon: processes run
// locally with persistence, and launches arriving on the broker are picked
// up by TickWork.
func NewDaemonRunner(ctx context.Context, backend core.Backend, registry *process.Registry, opts ...Option) (*Runner, error) {
	r, err := New(ctx, backend, registry, opts...)
	if err != nil {
		return nil, err
	}
	r.cfg.RemoteSubmit = false
	r.cfg.EnablePersistence = true
	r.remoteSubmit = false
	return r, nil
}

// Backend implements process.Host.
func (r *Runner) Backend() core.Backend { return r.backend }

// Loop implements process.Host.
func (r *Runner) Loop() *loop.Loop { return r.loop }

// Logger implements process.Host.
func (r *Runner) Logger() *logging.Logger { return r.logger }

// PollInterval implements process.Host.
func (r *Runner) PollInterval() time.Duration { return r.cfg.PollInterval }

// Checkpointer implements process.Host. It is nil when persistence is off.
func (r *Runner) Checkpointer() process.Checkpointer {
	if !r.cfg.EnablePersistence {
		return nil
	}
	return r.persister
}

// Persister returns the checkpoint store. Legacy workflows and remote
// submissions use it even when persistence is disabled for local runs.
func (r *Runner) Persister() *persistence.Persister { return r.persister }

// Transport returns the transport queue.
func (r *Runner) Transport() *transport.Queue { return r.transport }

// Registry returns the process definitions known to the runner.
func (r *Runner) Registry() *process.Registry { return r.registry }

// Config returns the effective configuration.
func (r *Runner) Config() config.RunnerConfig {
	cfg := r.cfg
	cfg.RemoteSubmit = r.remoteSubmit
	return cfg
}

// Run executes exe to completion and returns its outputs. Workfunctions are
// called directly; processes run on a child runner.
func (r *Runner) Run(ctx context.Context, exe process.Executable, in process.Inputs) (process.Outputs, error) {
	if exe.IsWorkfunction() {
		return exe.Workfunction()(ctx, in.Clone())
	}
	out, _, err := r.RunGetNode(ctx, exe, in)
	return out, err
}

// RunGetNode runs exe and also returns its backing record.
func (r *Runner) RunGetNode(ctx context.Context, exe process.Executable, in process.Inputs) (process.Outputs, *node.Record, error) {
	if exe.IsWorkfunction() {
		return process.RunFunction(ctx, r.backend, exe.Name(), exe.Workfunction(), in.Clone())
	}

	var (
		out process.Outputs
		rec *node.Record
	)
	err := r.WithChildRunner(ctx, func(child *Runner) error {
		p, err := process.New(ctx, child, exe.Definition(), in)
		if err != nil {
			return err
		}
		rec = p.Record()
		out, err = p.Execute(ctx)
		return err
	})
	return out, rec, err
}

// RunGetPID runs exe and also returns its process id.
func (r *Runner) RunGetPID(ctx context.Context, exe process.Executable, in process.Inputs) (process.Outputs, int64, error) {
	out, rec, err := r.RunGetNode(ctx, exe, in)
	var pid int64
	if rec != nil {
		pid = rec.PK()
	}
	return out, pid, err
}

// Submit starts exe without waiting for it.
//
// With remote submission the process is checkpointed and launched through
// the broker. Otherwise it is played on this runner's loop, which must be
// driven by Serve or a blocking run. Legacy workflows are checkpointed and
// left for the daemon's workflow stepper.
func (r *Runner) Submit(ctx context.Context, exe process.Executable, in process.Inputs) (*node.Record, error) {
	if exe.IsWorkfunction() {
		return nil, core.ErrValidation(core.CodeSubmitWorkfunction,
			fmt.Sprintf("cannot submit workfunction %s, use Run", exe.Name()))
	}
	def := exe.Definition()

	p, err := process.New(ctx, r, def, in)
	if err != nil {
		return nil, err
	}

	switch {
	case def.Legacy:
		if err := p.Record().SetStatus(ctx, core.StatusRunning); err != nil {
			return nil, err
		}
		if err := r.persister.SaveCheckpoint(ctx, p, persistence.DefaultTag); err != nil {
			return nil, err
		}
		r.logger.Debug("submitted legacy workflow", "pid", p.PID(), "process_type", def.Name)

	case r.remoteSubmit:
		if err := r.persister.SaveCheckpoint(ctx, p, persistence.DefaultTag); err != nil {
			return nil, err
		}
		if err := r.connector.Launch(ctx, p.PID()); err != nil {
			return nil, err
		}
		r.logger.Debug("launched process remotely", "pid", p.PID(), "process_type", def.Name)

	default:
		if err := r.play(ctx, p); err != nil {
			return nil, err
		}
	}
	return p.Record(), nil
}

func (r *Runner) play(ctx context.Context, p *process.Process) error {
	r.mu.Lock()
	r.active[p.PID()] = p
	r.mu.Unlock()
	if err := p.Play(ctx); err != nil {
		r.forget(p.PID())
		return err
	}
	r.loop.AddCallback(func() { r.reapWhenDone(p) })
	return nil
}

// reapWhenDone drops p from the active set once it terminates.
func (r *Runner) reapWhenDone(p *process.Process) {
	if p.Done() {
		r.forget(p.PID())
		return
	}
	r.loop.CallLater(r.cfg.PollInterval, func() { r.reapWhenDone(p) })
}

func (r *Runner) forget(pid int64) {
	r.mu.Lock()
	delete(r.active, pid)
	r.mu.Unlock()
}

// Active returns the number of processes playing on this runner.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) isActive(pid int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[pid]
	return ok
}

// Continue restores pid from its checkpoint and plays it on this runner.
// A process already playing here is returned as is, and concurrent calls
// for one pid share a single restore.
func (r *Runner) Continue(ctx context.Context, pid int64) (*process.Process, error) {
	v, err, _ := r.continuing.Do(strconv.FormatInt(pid, 10), func() (any, error) {
		return r.continueProcess(ctx, pid)
	})
	if err != nil {
		return nil, err
	}
	return v.(*process.Process), nil
}

func (r *Runner) continueProcess(ctx context.Context, pid int64) (*process.Process, error) {
	r.mu.Lock()
	p, ok := r.active[pid]
	r.mu.Unlock()
	if ok {
		return p, nil
	}

	b, err := r.persister.LoadCheckpoint(ctx, pid, persistence.DefaultTag)
	if err != nil {
		return nil, err
	}
	p, err = process.Restore(ctx, r, r.registry, b)
	if err != nil {
		return nil, err
	}
	if p.Definition().Legacy {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("process %d is a legacy workflow, it is stepped by the daemon", pid))
	}
	if err := r.play(ctx, p); err != nil {
		return nil, err
	}
	r.logger.Debug("continued process", "pid", pid)
	return p, nil
}

// CallOnCalculationFinish calls callback on the loop once the record of pid
// is terminal, polling every poll interval.
func (r *Runner) CallOnCalculationFinish(ctx context.Context, pid int64, callback func(pid int64)) error {
	rec, err := node.Load(ctx, r.backend, pid)
	if err != nil {
		return err
	}
	r.poll(ctx, rec, rec.HasFinished, callback)
	return nil
}

// CallOnLegacyWorkflowFinish calls callback on the loop once the legacy
// workflow pid has finished successfully or failed.
func (r *Runner) CallOnLegacyWorkflowFinish(ctx context.Context, pid int64, callback func(pid int64)) error {
	rec, err := node.Load(ctx, r.backend, pid)
	if err != nil {
		return err
	}
	if rec.Type() != core.NodeTypeWorkflow {
		return core.ErrValidation(core.CodeNotLegacyWorkflow,
			fmt.Sprintf("node %d is a %s, not a legacy workflow", pid, rec.Type()))
	}
	r.poll(ctx, rec, func(ctx context.Context) (bool, error) {
		ok, err := rec.HasFinishedOK(ctx)
		if err != nil || ok {
			return ok, err
		}
		return rec.HasFailed(ctx)
	}, callback)
	return nil
}

// poll checks finished now and then every poll interval on the loop until
// it holds. Read errors are logged and retried.
func (r *Runner) poll(ctx context.Context, rec *node.Record, finished func(context.Context) (bool, error), callback func(int64)) {
	ctx = context.WithoutCancel(ctx)
	pid := rec.PK()
	var check func()
	check = func() {
		done, err := finished(ctx)
		if err != nil {
			r.logger.Warn("polling record", "pid", pid, "error", err)
		}
		if done {
			r.loop.AddCallback(func() { callback(pid) })
			return
		}
		r.loop.CallLater(r.cfg.PollInterval, check)
	}
	check()
}

// ChildRunner creates a runner with the same configuration, backend and
// transport queue, but its own loop and broker connector.
func (r *Runner) ChildRunner(ctx context.Context) (*Runner, error) {
	return New(ctx, r.backend, r.registry,
		WithConfig(r.cfg),
		WithLoop(loop.New(loop.WithClock(r.loop.Clock()), loop.WithLogger(r.logger))),
		WithTransportQueue(r.transport),
		WithConnectorFactory(r.connectorFactory),
		WithLogger(r.logger),
	)
}

// WithChildRunner calls fn with a child runner and closes it afterwards,
// also when fn fails or panics.
func (r *Runner) WithChildRunner(ctx context.Context, fn func(child *Runner) error) (err error) {
	child, err := r.ChildRunner(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := child.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(child)
}

// TickWork consumes pending broker launches and continues each process.
// It returns the number of processes continued.
func (r *Runner) TickWork(ctx context.Context) (int, error) {
	if r.connector == nil {
		return 0, nil
	}
	var errs []error
	n := 0
	for {
		pid, ok, err := r.connector.Next(ctx)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if !ok {
			break
		}
		if _, err := r.Continue(ctx, pid); err != nil {
			r.logger.Error("continuing launched process", "pid", pid, "error", err)
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// LaunchPending continues every checkpointed process that is not terminal,
// not a legacy workflow and not already playing here. This picks up work
// left behind by a stopped daemon. A process still playing on another
// runner is continued too; the instance that steps the stored checkpoint
// first keeps it and the other follows its record.
func (r *Runner) LaunchPending(ctx context.Context) (int, error) {
	checkpoints, err := r.persister.GetCheckpoints(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, cp := range checkpoints {
		if r.isActive(cp.PID) {
			continue
		}
		rec, err := node.Load(ctx, r.backend, cp.PID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec.Type() == core.NodeTypeWorkflow || rec.Status().IsTerminal() {
			continue
		}
		if _, err := r.Continue(ctx, cp.PID); err != nil {
			r.logger.Error("launching pending process", "pid", cp.PID, "error", err)
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Serve drives the loop until ctx is cancelled or Stop is called on it.
func (r *Runner) Serve(ctx context.Context) error {
	err := r.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close closes the broker connector. It is safe to call more than once.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		if r.connector != nil {
			r.closeErr = r.connector.Close()
		}
	})
	return r.closeErr
}
