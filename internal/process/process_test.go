package process_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/node"
	"github.com/muhrin/aiida-core/internal/process"
	"github.com/muhrin/aiida-core/internal/process/processtest"
)

func TestExecute_Example(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, true)

	p, err := process.New(ctx, h, processtest.Example, process.Inputs{"a": 1})
	require.NoError(t, err)
	require.NotZero(t, p.PID())
	assert.Equal(t, core.NodeTypeCalculation, p.Record().Type())

	out, err := p.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out["result"])

	stored, err := node.Load(ctx, h.backend, p.PID())
	require.NoError(t, err)
	assert.Equal(t, core.StatusFinished, stored.Status())
	assert.False(t, stored.IsLocked())

	recorded, err := stored.Outputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, recorded["result"])

	_, ok := h.cp.load(t, p.PID())
	assert.False(t, ok, "checkpoint deleted on termination")
	assert.Equal(t, 1, h.cp.saves, "checkpoint after every non-final step")
}

func TestExecute_WithoutPersistence(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, false)

	p, err := process.New(ctx, h, processtest.SumProcess, process.Inputs{"a": 2, "b": 5})
	require.NoError(t, err)
	out, err := p.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, out["sum"])
}

func TestExecute_ErrorPropagatesUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, true)

	p, err := process.New(ctx, h, processtest.Failing, nil)
	require.NoError(t, err)

	_, err = p.Execute(ctx)
	assert.True(t, err == processtest.ErrBoom, "got %v", err)

	stored, err := node.Load(ctx, h.backend, p.PID())
	require.NoError(t, err)
	assert.Equal(t, core.StatusExcepted, stored.Status())
	msg, ok, err := stored.Attribute(ctx, node.AttrException)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "boom", msg)
	assert.False(t, stored.IsLocked())

	out, err := p.Result()
	assert.Nil(t, out)
	assert.ErrorIs(t, err, processtest.ErrBoom)
}

func TestExecute_PanicBecomesError(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, false)

	p, err := process.New(ctx, h, processtest.Panicking, nil)
	require.NoError(t, err)
	_, err = p.Execute(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	stored, err := node.Load(ctx, h.backend, p.PID())
	require.NoError(t, err)
	assert.Equal(t, core.StatusExcepted, stored.Status())
	assert.False(t, stored.IsLocked(), "lock released after panic")
}

func TestNew_ValidationFails(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, false)

	_, err := process.New(ctx, h, processtest.Example, process.Inputs{})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	nodes, err := h.backend.ListNodes(ctx, core.NodeFilter{})
	require.NoError(t, err)
	assert.Empty(t, nodes, "no record for rejected inputs")
}

func TestExecute_ParentAwaitsChild(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newTestHost(t, true)

	p, err := process.New(ctx, h, processtest.Parent, process.Inputs{"a": 4})
	require.NoError(t, err)

	out, err := p.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, out["child_result"])

	children, err := h.backend.ListNodes(ctx, core.NodeFilter{Statuses: []core.ProcessStatus{core.StatusFinished}})
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestExecute_RetriesWhileLockedElsewhere(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newTestHost(t, false)

	p, err := process.New(ctx, h, processtest.Example, process.Inputs{"a": 2})
	require.NoError(t, err)

	other, err := node.Load(ctx, h.backend, p.PID())
	require.NoError(t, err)
	claim, err := other.Lock(ctx)
	require.NoError(t, err)

	h.loop.CallLater(20*time.Millisecond, func() {
		require.NoError(t, claim.Release(ctx))
	})

	out, err := p.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, out["result"])
}

func TestExecute_FollowsProcessAdvancedElsewhere(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newTestHost(t, true)

	var calls atomic.Int64
	def := processtest.Counting("processtest.Counting", 3, &calls)
	reg := process.NewRegistry(def)

	behind, err := process.New(ctx, h, def, nil)
	require.NoError(t, err)
	done, err := behind.StepOnce(ctx)
	require.NoError(t, err)
	require.False(t, done)

	b, ok := h.cp.load(t, behind.PID())
	require.True(t, ok)
	ahead, err := process.Restore(ctx, h, reg, b)
	require.NoError(t, err)
	out, err := ahead.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out["steps"])

	out, err = behind.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out["steps"], "outputs read back from the record")
	assert.Equal(t, int64(3), calls.Load(), "no step runs twice")
}

func TestStepOnce_SkipsSupersededCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, true)

	var calls atomic.Int64
	def := processtest.Counting("processtest.Counting", 3, &calls)
	reg := process.NewRegistry(def)

	p, err := process.New(ctx, h, def, nil)
	require.NoError(t, err)
	_, err = p.StepOnce(ctx)
	require.NoError(t, err)

	b, ok := h.cp.load(t, p.PID())
	require.True(t, ok)
	first, err := process.Restore(ctx, h, reg, b)
	require.NoError(t, err)
	second, err := process.Restore(ctx, h, reg, b)
	require.NoError(t, err)

	_, err = first.StepOnce(ctx)
	require.NoError(t, err)
	done, err := second.StepOnce(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, second.Bundle().Step)
	assert.Equal(t, int64(2), calls.Load())

	saved, ok := h.cp.load(t, p.PID())
	require.True(t, ok)
	assert.Equal(t, 2, saved.Step)
}

func TestStepOnce_Legacy(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, true)

	p, err := process.New(ctx, h, processtest.LegacyCounter, nil)
	require.NoError(t, err)
	assert.Equal(t, core.NodeTypeWorkflow, p.Record().Type())

	for i := 0; i < 2; i++ {
		done, err := p.StepOnce(ctx)
		require.NoError(t, err)
		assert.False(t, done)

		b, ok := h.cp.load(t, p.PID())
		require.True(t, ok)
		assert.Equal(t, i+1, b.Step)
	}

	done, err := p.StepOnce(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	out, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, out["count"])

	done, err = p.StepOnce(ctx)
	require.NoError(t, err)
	assert.True(t, done, "stepping a finished process is a no-op")
}

func TestStepOnce_WaitsForChildren(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, true)

	child := node.New(h.backend, core.Node{Type: core.NodeTypeCalculation})
	require.NoError(t, child.Store(ctx))

	p, err := process.New(ctx, h, processtest.LegacyCounter, nil)
	require.NoError(t, err)
	b := p.Bundle()
	b.Awaiting = []int64{child.PK()}

	restored, err := process.Restore(ctx, h, processtest.Registry(), b)
	require.NoError(t, err)
	require.NoError(t, h.cp.SaveCheckpoint(ctx, restored, ""))

	done, err := restored.StepOnce(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0, restored.Bundle().Step, "no step while the child runs")

	require.NoError(t, child.SetStatus(ctx, core.StatusFinished))

	_, err = restored.StepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Bundle().Step)
	assert.Empty(t, restored.Bundle().Awaiting)
}

func TestRestore_Errors(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, false)
	reg := processtest.Registry()

	p, err := process.New(ctx, h, processtest.Example, process.Inputs{"a": 1})
	require.NoError(t, err)
	good := p.Bundle()

	tests := []struct {
		name  string
		edit  func(b *process.Bundle)
		check func(error) bool
	}{
		{"unknown type", func(b *process.Bundle) { b.ProcessType = "nope" }, core.IsNotFound},
		{"bad version", func(b *process.Bundle) { b.Version = 99 }, isCorrupted},
		{"step out of range", func(b *process.Bundle) { b.Step = 7 }, isCorrupted},
		{"type mismatch", func(b *process.Bundle) { b.ProcessType = processtest.Failing.Name }, isCorrupted},
		{"missing record", func(b *process.Bundle) { b.PID = 9999 }, core.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := good
			tt.edit(&b)
			_, err := process.Restore(ctx, h, reg, b)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func isCorrupted(err error) bool {
	var de *core.DomainError
	return errors.As(err, &de) && de.Code == core.CodeCheckpointCorrupted
}

func TestRunFunction(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, false)

	out, rec, err := process.RunFunction(ctx, h.backend, "sum", processtest.Sum, process.Inputs{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, 3, out["sum"])
	assert.Equal(t, core.NodeTypeFunction, rec.Type())
	assert.Equal(t, core.StatusFinished, rec.Status())

	failing := func(context.Context, process.Inputs) (process.Outputs, error) { return nil, processtest.ErrBoom }
	_, rec, err = process.RunFunction(ctx, h.backend, "failing", failing, nil)
	assert.True(t, err == processtest.ErrBoom)
	assert.Equal(t, core.StatusExcepted, rec.Status())
}
