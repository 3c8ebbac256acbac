package process

import (
	"context"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/node"
)

// Context is handed to each step.
type Context struct {
	ctx context.Context
	p   *Process
}

// Context returns the context the step runs under.
func (c *Context) Context() context.Context { return c.ctx }

// PID returns the process id.
func (c *Context) PID() int64 { return c.p.PID() }

// Inputs returns the process inputs.
func (c *Context) Inputs() Inputs { return c.p.inputs }

// Var returns a value saved by an earlier step.
func (c *Context) Var(key string) any { return c.p.vars[key] }

// Vars returns the saved values as inputs for typed access.
func (c *Context) Vars() Inputs { return Inputs(c.p.vars) }

// SetVar saves a value that survives checkpoints.
func (c *Context) SetVar(key string, v any) { c.p.vars[key] = v }

// Out records an output.
func (c *Context) Out(key string, v any) { c.p.outputs[key] = v }

// Await suspends the process after this step until pid has finished.
func (c *Context) Await(pid int64) { c.p.awaiting = append(c.p.awaiting, pid) }

// Submit starts a child process on the same host.
func (c *Context) Submit(def *Definition, inputs Inputs) (*node.Record, error) {
	return c.p.host.Submit(c.ctx, Class(def), inputs)
}

// Report logs a progress message at REPORT level.
func (c *Context) Report(msg string, args ...any) { c.p.logger.Report(msg, args...) }

// Logger returns the process logger.
func (c *Context) Logger() *logging.Logger { return c.p.logger }

// Backend returns the storage of the host.
func (c *Context) Backend() core.Backend { return c.p.host.Backend() }

// LoadRecord loads another process's record, typically an awaited child.
func (c *Context) LoadRecord(pid int64) (*node.Record, error) {
	return node.Load(c.ctx, c.p.host.Backend(), pid)
}
