// Package process implements resumable step-based processes and the
// workfunction/process executable variant run by the runner.
package process

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/loop"
	"github.com/muhrin/aiida-core/internal/node"
)

// Checkpointer saves, reads back and discards process checkpoints.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, p *Process, tag string) error
	LoadCheckpoint(ctx context.Context, pid int64, tag string) (Bundle, error)
	DeleteProcessCheckpoints(ctx context.Context, pid int64) error
}

// Host is the runner a process is bound to.
type Host interface {
	Backend() core.Backend
	Loop() *loop.Loop
	Logger() *logging.Logger
	PollInterval() time.Duration

	// Checkpointer returns nil when persistence is disabled.
	Checkpointer() Checkpointer

	// CallOnCalculationFinish calls callback on the host loop once pid is terminal.
	CallOnCalculationFinish(ctx context.Context, pid int64, callback func(pid int64)) error

	Submit(ctx context.Context, exe Executable, inputs Inputs) (*node.Record, error)
}

// Process is a running instance of a Definition.
//
// Execution state (vars, outputs, step pointer) is only touched from the
// goroutine driving the host loop, or by StepOnce's caller.
type Process struct {
	host   Host
	def    *Definition
	record *node.Record
	logger *logging.Logger
	ctx    context.Context

	inputs   Inputs
	vars     map[string]any
	outputs  Outputs
	step     int
	awaiting []int64

	// persisted is set once a checkpoint of this instance exists, either
	// restored from or saved by it. superseded is set when the stored
	// checkpoint moved on without this instance.
	persisted  bool
	superseded bool

	mu     sync.Mutex
	done   bool
	result Outputs
	err    error
	doneCh chan struct{}
}

// New validates inputs and stores a fresh record for def.
func New(ctx context.Context, host Host, def *Definition, inputs Inputs) (*Process, error) {
	inputs = inputs.Clone()
	if def.Validate != nil {
		if err := def.Validate(inputs); err != nil {
			return nil, err
		}
	}

	rec := node.New(host.Backend(), core.Node{
		Type:        def.NodeType(),
		ProcessType: def.Name,
	})
	if err := rec.Store(ctx); err != nil {
		return nil, err
	}
	return newProcess(host, def, rec, Bundle{Inputs: inputs}, false), nil
}

// Restore rebuilds a process from a checkpoint bundle.
func Restore(ctx context.Context, host Host, registry *Registry, b Bundle) (*Process, error) {
	if b.Version != BundleVersion {
		return nil, corrupted(b.PID, fmt.Sprintf("unsupported version %d", b.Version))
	}
	def, err := registry.Lookup(b.ProcessType)
	if err != nil {
		return nil, err
	}
	if b.Step < 0 || b.Step > len(def.Steps) {
		return nil, corrupted(b.PID, fmt.Sprintf("step %d out of range", b.Step))
	}

	rec, err := node.Load(ctx, host.Backend(), b.PID)
	if err != nil {
		return nil, err
	}
	if rec.ProcessType() != b.ProcessType {
		return nil, corrupted(b.PID, fmt.Sprintf("record has process type %q, checkpoint has %q",
			rec.ProcessType(), b.ProcessType))
	}
	return newProcess(host, def, rec, b, true), nil
}

func newProcess(host Host, def *Definition, rec *node.Record, b Bundle, persisted bool) *Process {
	p := &Process{
		host:      host,
		def:       def,
		record:    rec,
		ctx:       context.Background(),
		inputs:    b.Inputs,
		vars:      b.Vars,
		outputs:   b.Outputs,
		step:      b.Step,
		awaiting:  slices.Clone(b.Awaiting),
		persisted: persisted,
		doneCh:    make(chan struct{}),
	}
	if p.inputs == nil {
		p.inputs = Inputs{}
	}
	if p.vars == nil {
		p.vars = make(map[string]any)
	}
	if p.outputs == nil {
		p.outputs = Outputs{}
	}
	p.logger = host.Logger().WithProcess(rec.PK()).With("process_type", def.Name)
	return p
}

// PID returns the process id, which is the record PK.
func (p *Process) PID() int64 { return p.record.PK() }

// Record returns the backing record.
func (p *Process) Record() *node.Record { return p.record }

// Definition returns the process class.
func (p *Process) Definition() *Definition { return p.def }

// Inputs returns the process inputs.
func (p *Process) Inputs() Inputs { return p.inputs }

// Done reports whether the process reached a terminal state.
func (p *Process) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Result returns the outputs, or the error that terminated the process.
func (p *Process) Result() (Outputs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		return nil, core.ErrState(core.CodeInvalidState, fmt.Sprintf("process %d has not finished", p.PID()))
	}
	return p.result, p.err
}

// Wait blocks until the process terminates or ctx is done. Someone else must
// be driving the host loop.
func (p *Process) Wait(ctx context.Context) (Outputs, error) {
	select {
	case <-p.doneCh:
		return p.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Play marks the process running and schedules it on the host loop.
func (p *Process) Play(ctx context.Context) error {
	if p.Done() {
		return nil
	}
	p.ctx = context.WithoutCancel(ctx)
	if err := p.syncStatus(ctx); err != nil {
		return err
	}
	p.host.Loop().AddCallback(p.tick)
	return nil
}

// Execute plays the process and drives the host loop until it terminates.
func (p *Process) Execute(ctx context.Context) (Outputs, error) {
	if err := p.Play(ctx); err != nil {
		return nil, err
	}
	if err := p.host.Loop().RunUntil(ctx, p.Done); err != nil {
		return nil, err
	}
	return p.Result()
}

// StepOnce advances the process by one step on the calling goroutine. If the
// process is waiting on children that have not finished, or its checkpoint
// was advanced by another runner, nothing happens. It reports whether the
// process is now terminal.
func (p *Process) StepOnce(ctx context.Context) (bool, error) {
	if p.Done() {
		return true, nil
	}
	p.ctx = context.WithoutCancel(ctx)

	for _, pid := range p.awaiting {
		child, err := node.Load(ctx, p.host.Backend(), pid)
		if err != nil {
			return false, err
		}
		finished, err := child.HasFinished(ctx)
		if err != nil {
			return false, err
		}
		if !finished {
			return false, nil
		}
	}
	p.awaiting = nil

	err := p.advance(ctx)
	return p.Done(), err
}

func (p *Process) tick() {
	if p.Done() {
		return
	}
	if len(p.awaiting) > 0 {
		p.await()
		return
	}

	err := p.advance(p.ctx)
	if core.IsLockError(err) {
		p.logger.Debug("record locked elsewhere, retrying", "after", p.host.PollInterval())
		p.host.Loop().CallLater(p.host.PollInterval(), p.tick)
		return
	}
	if p.superseded {
		p.follow()
		return
	}
	if p.Done() || err != nil {
		return
	}
	if len(p.awaiting) > 0 {
		p.await()
		return
	}
	p.host.Loop().AddCallback(p.tick)
}

func (p *Process) await() {
	pending := slices.Clone(p.awaiting)
	remaining := len(pending)
	for _, pid := range pending {
		err := p.host.CallOnCalculationFinish(p.ctx, pid, func(int64) {
			remaining--
			if remaining == 0 {
				p.awaiting = nil
				p.host.Loop().AddCallback(p.tick)
			}
		})
		if err != nil {
			p.fail(p.ctx, err)
			return
		}
	}
}

// advance runs the next step under the record lock, then finishes or
// checkpoints. A lock error or a superseded checkpoint leaves the process
// untouched.
func (p *Process) advance(ctx context.Context) error {
	entered := false
	err := p.record.WithLock(ctx, func() error {
		entered = true
		if owner, err := p.ownsCheckpoint(ctx); err != nil || !owner {
			return err
		}
		if p.step < len(p.def.Steps) {
			if err := p.runStep(ctx); err != nil {
				return err
			}
			p.step++
		}
		if p.step >= len(p.def.Steps) && len(p.awaiting) == 0 {
			return p.finish(ctx)
		}
		return p.checkpoint(ctx)
	})
	if !entered {
		return err
	}
	if err != nil && !p.Done() {
		p.fail(ctx, err)
	}
	return err
}

// ownsCheckpoint reports whether the stored checkpoint still matches this
// instance. A checkpoint at another step, or one that is gone, means another
// runner resumed the process and moved it on. Must hold the record lock.
func (p *Process) ownsCheckpoint(ctx context.Context) (bool, error) {
	cp := p.host.Checkpointer()
	if cp == nil || !p.persisted {
		return true, nil
	}
	b, err := cp.LoadCheckpoint(ctx, p.PID(), "")
	switch {
	case core.IsNotFound(err):
	case err != nil:
		return false, err
	case b.Step == p.step:
		return true, nil
	}
	p.logger.Info("checkpoint advanced by another runner", "step", p.step)
	p.superseded = true
	return false, nil
}

// follow completes this instance from the record once the runner that took
// the process over terminates it.
func (p *Process) follow() {
	err := p.host.CallOnCalculationFinish(p.ctx, p.PID(), func(int64) {
		p.complete(p.recordedResult(p.ctx))
	})
	if err != nil {
		p.complete(nil, err)
	}
}

func (p *Process) recordedResult(ctx context.Context) (Outputs, error) {
	rec, err := node.Load(ctx, p.host.Backend(), p.PID())
	if err != nil {
		return nil, err
	}
	if rec.Status() != core.StatusFinished {
		msg, _, _ := rec.Attribute(ctx, node.AttrException)
		return nil, core.ErrExecution(core.CodeProcessFailed,
			fmt.Sprintf("process %d ended %s on another runner: %s", p.PID(), rec.Status(), msg))
	}
	out, err := rec.Outputs(ctx)
	if err != nil {
		return nil, err
	}
	return Outputs(out), nil
}

func (p *Process) runStep(ctx context.Context) (err error) {
	step := p.def.Steps[p.step]
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, r)
		}
	}()
	p.logger.Debug("running step", "step", step.Name)
	return step.Run(&Context{ctx: ctx, p: p})
}

func (p *Process) checkpoint(ctx context.Context) error {
	if err := p.syncStatus(ctx); err != nil {
		return err
	}
	if cp := p.host.Checkpointer(); cp != nil {
		if err := cp.SaveCheckpoint(ctx, p, ""); err != nil {
			return err
		}
		p.persisted = true
	}
	return nil
}

func (p *Process) syncStatus(ctx context.Context) error {
	want := core.StatusRunning
	if len(p.awaiting) > 0 {
		want = core.StatusWaiting
	}
	if p.record.Status() == want {
		return nil
	}
	return p.record.SetStatus(ctx, want)
}

func (p *Process) finish(ctx context.Context) error {
	if err := p.record.SetOutputs(ctx, p.outputs); err != nil {
		return err
	}
	p.discardCheckpoints(ctx)
	if err := p.record.SetStatus(ctx, core.StatusFinished); err != nil {
		return err
	}
	p.logger.Debug("process finished")
	p.complete(p.outputs, nil)
	return nil
}

func (p *Process) fail(ctx context.Context, cause error) {
	p.logger.Error("process excepted", "error", cause)
	p.discardCheckpoints(ctx)
	if err := recordException(ctx, p.record, cause); err != nil {
		p.logger.Error("recording process exception", "error", err)
	}
	p.complete(nil, cause)
}

func (p *Process) discardCheckpoints(ctx context.Context) {
	cp := p.host.Checkpointer()
	if cp == nil {
		return
	}
	if err := cp.DeleteProcessCheckpoints(ctx, p.PID()); err != nil {
		p.logger.Warn("deleting checkpoint", "error", err)
	}
}

func (p *Process) complete(out Outputs, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.result = out
	p.err = err
	close(p.doneCh)
}

func corrupted(pid int64, msg string) error {
	return &core.DomainError{
		Category: core.ErrCatState,
		Code:     core.CodeCheckpointCorrupted,
		Message:  fmt.Sprintf("checkpoint of process %d: %s", pid, msg),
	}
}
