package workflowmanager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/node"
	"github.com/muhrin/aiida-core/internal/process"
	"github.com/muhrin/aiida-core/internal/process/processtest"
	"github.com/muhrin/aiida-core/internal/runner"
	"github.com/muhrin/aiida-core/internal/testutil"
)

var legacyFailing = &process.Definition{
	Name:   "workflowmanager_test.LegacyFailing",
	Legacy: true,
	Steps: []process.Step{
		{Name: "ok", Run: func(*process.Context) error { return nil }},
		{Name: "fail", Run: func(*process.Context) error { return processtest.ErrBoom }},
	},
}

func newManager(t *testing.T, persistence bool) (*Manager, *runner.Runner) {
	t.Helper()
	registry := processtest.Registry()
	registry.MustRegister(legacyFailing)
	r, err := runner.New(context.Background(), testutil.NewSQLiteBackend(t), registry,
		runner.WithConfig(config.RunnerConfig{PollInterval: time.Millisecond, EnablePersistence: persistence}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return New(r, registry, r.Persister()), r
}

func TestExecuteSteps_OneStepPerPass(t *testing.T) {
	for _, persistence := range []bool{true, false} {
		m, r := newManager(t, persistence)
		ctx := context.Background()

		rec, err := r.Submit(ctx, process.Class(processtest.LegacyCounter), nil)
		require.NoError(t, err)

		for pass := 1; pass <= 3; pass++ {
			n, err := m.ExecuteSteps(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "pass %d", pass)
		}

		stored, err := node.Load(ctx, r.Backend(), rec.PK())
		require.NoError(t, err)
		assert.Equal(t, core.StatusFinished, stored.Status())
		out, err := stored.Outputs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, out["count"])

		cps, err := r.Persister().GetProcessCheckpoints(ctx, rec.PK())
		require.NoError(t, err)
		assert.Empty(t, cps)

		n, err := m.ExecuteSteps(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "finished workflows are not stepped")
	}
}

func TestExecuteSteps_FailureIsolated(t *testing.T) {
	m, r := newManager(t, true)
	ctx := context.Background()

	bad, err := r.Submit(ctx, process.Class(legacyFailing), nil)
	require.NoError(t, err)
	good, err := r.Submit(ctx, process.Class(processtest.LegacyCounter), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.ExecuteSteps(ctx)
		require.NoError(t, err)
	}

	stored, err := node.Load(ctx, r.Backend(), bad.PK())
	require.NoError(t, err)
	assert.Equal(t, core.StatusExcepted, stored.Status())
	msg, ok, err := stored.Attribute(ctx, node.AttrException)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, processtest.ErrBoom.Error(), msg)

	stored, err = node.Load(ctx, r.Backend(), good.PK())
	require.NoError(t, err)
	assert.Equal(t, core.StatusFinished, stored.Status())
}

func TestExecuteSteps_SkipsLockedAndMissing(t *testing.T) {
	m, r := newManager(t, true)
	ctx := context.Background()

	rec, err := r.Submit(ctx, process.Class(processtest.LegacyCounter), nil)
	require.NoError(t, err)
	testutil.CreateNode(t, r.Backend(), core.Node{
		UUID: "no-checkpoint", Type: core.NodeTypeWorkflow, ProcessType: processtest.LegacyCounter.Name,
		Status: core.StatusRunning,
	})

	claimed, err := r.Backend().Claim(ctx, rec.PK())
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := m.ExecuteSteps(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, r.Backend().Release(ctx, rec.PK()))
	n, err = m.ExecuteSteps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecuteSteps_ConcurrentManagersRunEachStepOnce(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewSQLiteBackend(t)

	var calls atomic.Int64
	def := processtest.Counting("workflowmanager_test.Counting", 3, &calls)
	def.Legacy = true
	registry := process.NewRegistry(def)

	managers := make([]*Manager, 2)
	var first *runner.Runner
	for i := range managers {
		r, err := runner.New(ctx, backend, registry,
			runner.WithConfig(config.RunnerConfig{PollInterval: time.Millisecond}))
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		managers[i] = New(r, registry, r.Persister())
		if first == nil {
			first = r
		}
	}

	rec, err := first.Submit(ctx, process.Class(def), nil)
	require.NoError(t, err)

	finished := func() bool {
		stored, err := node.Load(ctx, backend, rec.PK())
		require.NoError(t, err)
		return stored.Status() == core.StatusFinished
	}
	for pass := 0; pass < 50 && !finished(); pass++ {
		var g errgroup.Group
		for _, m := range managers {
			g.Go(func() error {
				_, err := m.ExecuteSteps(ctx)
				return err
			})
		}
		require.NoError(t, g.Wait())
	}

	require.True(t, finished())
	assert.Equal(t, int64(3), calls.Load(), "each step ran once")
	stored, err := node.Load(ctx, backend, rec.PK())
	require.NoError(t, err)
	out, err := stored.Outputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out["steps"])

	cps, err := first.Persister().GetProcessCheckpoints(ctx, rec.PK())
	require.NoError(t, err)
	assert.Empty(t, cps)
}
