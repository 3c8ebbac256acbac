package process

import (
	"maps"
	"slices"

	"github.com/muhrin/aiida-core/internal/core"
)

// BundleVersion is the current checkpoint payload version.
const BundleVersion = 1

// Bundle is the resumable state of a process.
type Bundle struct {
	Version     int                `yaml:"version"`
	PID         int64              `yaml:"pid"`
	ProcessType string             `yaml:"process_type"`
	Status      core.ProcessStatus `yaml:"status"`
	Step        int                `yaml:"step"`
	Inputs      Inputs             `yaml:"inputs"`
	Vars        map[string]any     `yaml:"vars,omitempty"`
	Outputs     Outputs            `yaml:"outputs,omitempty"`
	Awaiting    []int64            `yaml:"awaiting,omitempty"`
}

// Bundle snapshots the process.
func (p *Process) Bundle() Bundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Bundle{
		Version:     BundleVersion,
		PID:         p.record.PK(),
		ProcessType: p.def.Name,
		Status:      p.record.Status(),
		Step:        p.step,
		Inputs:      p.inputs.Clone(),
		Vars:        maps.Clone(p.vars),
		Outputs:     maps.Clone(p.outputs),
		Awaiting:    slices.Clone(p.awaiting),
	}
}
