// Package workflowmanager steps legacy workflows, one step per pass.
package workflowmanager

import (
	"context"
	"fmt"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/persistence"
	"github.com/muhrin/aiida-core/internal/process"
)

// Manager advances running legacy workflows from their checkpoints.
type Manager struct {
	host      process.Host
	registry  *process.Registry
	persister *persistence.Persister
	logger    *logging.Logger
}

// checkpointedHost saves workflow checkpoints through persister, also when
// the runner itself runs without persistence, so every step is saved under
// the record lock it ran with.
type checkpointedHost struct {
	process.Host
	persister *persistence.Persister
}

func (h checkpointedHost) Checkpointer() process.Checkpointer { return h.persister }

// New creates a manager. Children submitted by workflow steps go to host.
func New(host process.Host, registry *process.Registry, persister *persistence.Persister) *Manager {
	return &Manager{
		host:      checkpointedHost{Host: host, persister: persister},
		registry:  registry,
		persister: persister,
		logger:    host.Logger().WithTask("workflow"),
	}
}

// ExecuteSteps gives every running or waiting legacy workflow one step.
// Workflows still waiting on children are left alone. Failures are logged
// and the next workflow is processed. It returns how many workflows advanced.
func (m *Manager) ExecuteSteps(ctx context.Context) (int, error) {
	nodes, err := m.host.Backend().ListNodes(ctx, core.NodeFilter{
		Type:     core.NodeTypeWorkflow,
		Statuses: []core.ProcessStatus{core.StatusRunning, core.StatusWaiting},
	})
	if err != nil {
		return 0, fmt.Errorf("listing workflows: %w", err)
	}

	advanced := 0
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		ok, err := m.step(ctx, n.PK)
		switch {
		case core.IsLockError(err):
			m.logger.Debug("workflow locked elsewhere, skipping", "pid", n.PK)
		case err != nil:
			m.logger.Error("stepping workflow", "pid", n.PK, "error", err)
		case ok:
			advanced++
		}
	}
	return advanced, nil
}

// step reports whether the workflow moved forward.
func (m *Manager) step(ctx context.Context, pid int64) (bool, error) {
	b, err := m.persister.LoadCheckpoint(ctx, pid, persistence.DefaultTag)
	if err != nil {
		return false, err
	}
	p, err := process.Restore(ctx, m.host, m.registry, b)
	if err != nil {
		return false, err
	}
	if !p.Definition().Legacy {
		return false, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("workflow %d runs %s, which is not a legacy workflow", pid, b.ProcessType))
	}

	before := p.Bundle().Step
	done, err := p.StepOnce(ctx)
	if err != nil {
		return false, err
	}
	if done {
		m.logger.Report("workflow finished", "pid", pid)
		return true, nil
	}
	return p.Bundle().Step != before, nil
}
