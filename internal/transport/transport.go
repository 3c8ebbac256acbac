// Package transport connects the daemon to the machines that run jobs.
package transport

import (
	"context"
	"fmt"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
)

// AuthInfo identifies a (computer, user) pair. Jobs of one pair share a transport.
type AuthInfo struct {
	Computer string
	User     string
}

// String implements fmt.Stringer.
func (a AuthInfo) String() string {
	return a.User + "@" + a.Computer
}

// JobSpec describes a job to submit.
type JobSpec struct {
	Name    string   `yaml:"name,omitempty"`
	Command []string `yaml:"command"`
	Env     []string `yaml:"env,omitempty"`
}

// JobStatus is the scheduler view of a job.
type JobStatus struct {
	ID       string
	Done     bool
	ExitCode int
	// Lost is set when the job is neither tracked nor finished, e.g. after a
	// daemon restart killed it.
	Lost bool
}

// Result is what a finished job produced.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Transport submits and inspects jobs on one computer.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	SubmitJob(ctx context.Context, spec JobSpec) (string, error)
	JobStates(ctx context.Context, ids []string) (map[string]JobStatus, error)
	Retrieve(ctx context.Context, jobID string) (Result, error)
}

// Factory creates an unopened transport for auth.
type Factory func(auth AuthInfo) (Transport, error)

// NewFactory builds transports from the configured computers.
func NewFactory(computers []config.ComputerConfig) Factory {
	byName := make(map[string]config.ComputerConfig, len(computers))
	for _, c := range computers {
		byName[c.Name] = c
	}
	return func(auth AuthInfo) (Transport, error) {
		comp, ok := byName[auth.Computer]
		if !ok {
			return nil, core.ErrNotFound("computer", auth.Computer)
		}
		if !comp.Enabled {
			return nil, core.ErrValidation("COMPUTER_DISABLED", fmt.Sprintf("computer %s is disabled", comp.Name))
		}
		switch comp.Transport {
		case "local":
			return NewLocal(comp.WorkDir), nil
		default:
			return nil, core.ErrConfiguration(core.CodeInvalidConfig,
				fmt.Sprintf("computer %s: unsupported transport %q", comp.Name, comp.Transport))
		}
	}
}
