package process_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/loop"
	"github.com/muhrin/aiida-core/internal/node"
	"github.com/muhrin/aiida-core/internal/process"
	"github.com/muhrin/aiida-core/internal/testutil"
)

// testHost is a minimal process.Host on a real loop.
type testHost struct {
	backend core.Backend
	loop    *loop.Loop
	cp      *memCheckpointer
}

func newTestHost(t *testing.T, withCheckpoints bool) *testHost {
	t.Helper()
	h := &testHost{
		backend: testutil.NewSQLiteBackend(t),
		loop:    loop.New(),
	}
	if withCheckpoints {
		h.cp = newMemCheckpointer()
	}
	return h
}

func (h *testHost) Backend() core.Backend       { return h.backend }
func (h *testHost) Loop() *loop.Loop            { return h.loop }
func (h *testHost) Logger() *logging.Logger     { return logging.NewNop() }
func (h *testHost) PollInterval() time.Duration { return time.Millisecond }

func (h *testHost) Checkpointer() process.Checkpointer {
	if h.cp == nil {
		return nil
	}
	return h.cp
}

func (h *testHost) CallOnCalculationFinish(ctx context.Context, pid int64, cb func(int64)) error {
	rec, err := node.Load(ctx, h.backend, pid)
	if err != nil {
		return err
	}
	var poll func()
	poll = func() {
		if done, _ := rec.HasFinished(ctx); done {
			h.loop.AddCallback(func() { cb(pid) })
			return
		}
		h.loop.CallLater(h.PollInterval(), poll)
	}
	poll()
	return nil
}

func (h *testHost) Submit(ctx context.Context, exe process.Executable, in process.Inputs) (*node.Record, error) {
	p, err := process.New(ctx, h, exe.Definition(), in)
	if err != nil {
		return nil, err
	}
	if err := p.Play(ctx); err != nil {
		return nil, err
	}
	return p.Record(), nil
}

// memCheckpointer keeps YAML-encoded bundles in memory.
type memCheckpointer struct {
	mu    sync.Mutex
	saved map[int64][]byte
	saves int
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{saved: make(map[int64][]byte)}
}

func (m *memCheckpointer) SaveCheckpoint(_ context.Context, p *process.Process, _ string) error {
	data, err := yaml.Marshal(p.Bundle())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[p.PID()] = data
	m.saves++
	return nil
}

func (m *memCheckpointer) LoadCheckpoint(_ context.Context, pid int64, _ string) (process.Bundle, error) {
	m.mu.Lock()
	data, ok := m.saved[pid]
	m.mu.Unlock()
	if !ok {
		return process.Bundle{}, core.ErrNotFound("checkpoint", strconv.FormatInt(pid, 10))
	}
	var b process.Bundle
	err := yaml.Unmarshal(data, &b)
	return b, err
}

func (m *memCheckpointer) DeleteProcessCheckpoints(_ context.Context, pid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, pid)
	return nil
}

func (m *memCheckpointer) load(t interface{ Fatalf(string, ...any) }, pid int64) (process.Bundle, bool) {
	m.mu.Lock()
	data, ok := m.saved[pid]
	m.mu.Unlock()
	if !ok {
		return process.Bundle{}, false
	}
	var b process.Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		t.Fatalf("decoding bundle: %v", err)
	}
	return b, true
}
