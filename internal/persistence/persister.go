// Package persistence stores process checkpoints on their backing records.
package persistence

import (
	"context"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/process"
)

// CheckpointKey is the record attribute holding the checkpoint.
const CheckpointKey = "checkpoints"

// DefaultTag selects the single untagged checkpoint. Other tags are unsupported.
const DefaultTag = ""

// PersistedCheckpoint identifies a stored checkpoint.
type PersistedCheckpoint struct {
	PID int64  `json:"pid" yaml:"pid"`
	Tag string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// Persister saves process bundles as YAML in the checkpoint attribute.
type Persister struct {
	backend core.Backend
	logger  *logging.Logger
}

// New creates a persister on backend.
func New(backend core.Backend, logger *logging.Logger) *Persister {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Persister{backend: backend, logger: logger}
}

// SaveCheckpoint writes the process state to its record.
func (p *Persister) SaveCheckpoint(ctx context.Context, proc *process.Process, tag string) error {
	if err := checkTag(tag); err != nil {
		return err
	}
	data, err := yaml.Marshal(proc.Bundle())
	if err != nil {
		return fmt.Errorf("encoding checkpoint of process %d: %w", proc.PID(), err)
	}
	if err := proc.Record().SetAttribute(ctx, CheckpointKey, string(data)); err != nil {
		return fmt.Errorf("saving checkpoint of process %d: %w", proc.PID(), err)
	}
	p.logger.Debug("saved checkpoint", "pid", proc.PID())
	return nil
}

// LoadCheckpoint reads the state saved for pid.
func (p *Persister) LoadCheckpoint(ctx context.Context, pid int64, tag string) (process.Bundle, error) {
	if err := checkTag(tag); err != nil {
		return process.Bundle{}, err
	}
	if _, err := p.backend.GetNode(ctx, pid); err != nil {
		return process.Bundle{}, err
	}
	raw, ok, err := p.backend.GetAttribute(ctx, pid, CheckpointKey)
	if err != nil {
		return process.Bundle{}, fmt.Errorf("reading checkpoint of process %d: %w", pid, err)
	}
	if !ok {
		return process.Bundle{}, core.ErrNotFound("checkpoint", strconv.FormatInt(pid, 10))
	}

	var b process.Bundle
	if err := yaml.Unmarshal([]byte(raw), &b); err != nil {
		return process.Bundle{}, (&core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeCheckpointCorrupted,
			Message:  fmt.Sprintf("checkpoint of process %d is not valid YAML", pid),
		}).WithCause(err)
	}
	return b, nil
}

// DeleteCheckpoint removes the checkpoint of pid. A missing checkpoint is not an error.
func (p *Persister) DeleteCheckpoint(ctx context.Context, pid int64, tag string) error {
	if err := checkTag(tag); err != nil {
		return err
	}
	if _, err := p.backend.GetNode(ctx, pid); err != nil {
		return err
	}
	if err := p.backend.DeleteAttribute(ctx, pid, CheckpointKey); err != nil {
		return fmt.Errorf("deleting checkpoint of process %d: %w", pid, err)
	}
	return nil
}

// DeleteProcessCheckpoints removes every checkpoint of pid.
func (p *Persister) DeleteProcessCheckpoints(ctx context.Context, pid int64) error {
	return p.DeleteCheckpoint(ctx, pid, DefaultTag)
}

// GetCheckpoints lists every stored checkpoint, ordered by pid.
func (p *Persister) GetCheckpoints(ctx context.Context) ([]PersistedCheckpoint, error) {
	pids, err := p.backend.AttributeHolders(ctx, CheckpointKey)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	out := make([]PersistedCheckpoint, len(pids))
	for i, pid := range pids {
		out[i] = PersistedCheckpoint{PID: pid}
	}
	return out, nil
}

// GetProcessCheckpoints lists the checkpoints of pid: empty or the default one.
func (p *Persister) GetProcessCheckpoints(ctx context.Context, pid int64) ([]PersistedCheckpoint, error) {
	_, ok, err := p.backend.GetAttribute(ctx, pid, CheckpointKey)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint of process %d: %w", pid, err)
	}
	if !ok {
		return []PersistedCheckpoint{}, nil
	}
	return []PersistedCheckpoint{{PID: pid}}, nil
}

func checkTag(tag string) error {
	if tag != DefaultTag {
		return core.ErrUnsupportedFeature("checkpoint tags").WithDetail("tag", tag)
	}
	return nil
}
