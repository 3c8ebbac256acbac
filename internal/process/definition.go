package process

import (
	"fmt"
	"sort"
	"sync"

	"github.com/muhrin/aiida-core/internal/core"
)

// Step is one resumable unit of a process. The process checkpoints between
// steps, so a step must keep everything it needs in Context vars.
type Step struct {
	Name string
	Run  func(*Context) error
}

// Definition describes a process class.
type Definition struct {
	Name     string
	Steps    []Step
	Validate func(Inputs) error

	// Legacy marks old-style workflows. They are stored as workflow nodes and
	// advanced one step per daemon tick instead of being played on a loop.
	Legacy bool
}

// NodeType returns the record type created for this definition.
func (d *Definition) NodeType() core.NodeType {
	if d.Legacy {
		return core.NodeTypeWorkflow
	}
	return core.NodeTypeCalculation
}

// Registry resolves process types stored in checkpoints back to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates a registry holding defs. Duplicate names panic.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition)}
	for _, d := range defs {
		r.MustRegister(d)
	}
	return r
}

// Register adds def. Names must be unique and steps non-empty.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return core.ErrValidation("INVALID_DEFINITION", "definition needs a name")
	}
	if len(def.Steps) == 0 {
		return core.ErrValidation("INVALID_DEFINITION", fmt.Sprintf("definition %s has no steps", def.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return core.ErrValidation("DUPLICATE_DEFINITION", fmt.Sprintf("definition %s already registered", def.Name))
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, &core.DomainError{
			Category: core.ErrCatNotFound,
			Code:     core.CodeUnknownProcessType,
			Message:  fmt.Sprintf("unknown process type %q", name),
		}
	}
	return def, nil
}

// Names lists registered definitions in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
