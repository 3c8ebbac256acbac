// Package node provides handles on the durable records backing processes.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/muhrin/aiida-core/internal/core"
)

// Well-known attribute keys.
const (
	AttrOutputs   = "outputs"
	AttrException = "exception"
)

// Record is a handle on a backing record.
//
// A record starts transient (not yet visible to other runners). Transient
// state, including the lock flag and attributes, lives in memory until
// Store is called.
type Record struct {
	backend core.Backend

	mu     sync.Mutex
	node   core.Node
	stored bool
	attrs  map[string]string
}

// New creates a transient record. A UUID is assigned if the node has none.
func New(backend core.Backend, n core.Node) *Record {
	if n.UUID == "" {
		n.UUID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = core.StatusCreated
	}
	return &Record{
		backend: backend,
		node:    n,
		attrs:   make(map[string]string),
	}
}

// Load returns a handle on the stored record with the given PK.
func Load(ctx context.Context, backend core.Backend, pk int64) (*Record, error) {
	n, err := backend.GetNode(ctx, pk)
	if err != nil {
		return nil, err
	}
	return &Record{backend: backend, node: *n, stored: true}, nil
}

// Store persists a transient record and flushes buffered attributes.
// Storing an already stored record is a no-op.
func (r *Record) Store(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stored {
		return nil
	}
	n := r.node
	if err := r.backend.CreateNode(ctx, &n); err != nil {
		return fmt.Errorf("storing node %s: %w", n.UUID, err)
	}
	for k, v := range r.attrs {
		if err := r.backend.SetAttribute(ctx, n.PK, k, v); err != nil {
			return fmt.Errorf("storing attribute %s of node<%d>: %w", k, n.PK, err)
		}
	}
	r.node = n
	r.stored = true
	r.attrs = nil
	return nil
}

// IsStored reports whether the record is visible in storage.
func (r *Record) IsStored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored
}

// PK returns the storage id, zero while transient.
func (r *Record) PK() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.PK
}

// UUID returns the record UUID.
func (r *Record) UUID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.UUID
}

// Type returns the node type.
func (r *Record) Type() core.NodeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.Type
}

// ProcessType returns the name of the definition that produced the record.
func (r *Record) ProcessType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.ProcessType
}

// Status returns the last known process status without a storage round trip.
func (r *Record) Status() core.ProcessStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.Status
}

// Backend returns the storage the record lives in.
func (r *Record) Backend() core.Backend { return r.backend }

// Node returns a copy of the cached row.
func (r *Record) Node() core.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	n := r.Node()
	if n.PK == 0 {
		return fmt.Sprintf("%s<%s>", n.Type, n.UUID)
	}
	return fmt.Sprintf("%s<%d>", n.Type, n.PK)
}

// Refresh reloads the row from storage.
func (r *Record) Refresh(ctx context.Context) error {
	if !r.IsStored() {
		return nil
	}
	n, err := r.backend.GetNode(ctx, r.PK())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.node = *n
	r.mu.Unlock()
	return nil
}

// SetStatus updates the process status.
func (r *Record) SetStatus(ctx context.Context, status core.ProcessStatus) error {
	return r.update(ctx, func(n *core.Node) { n.Status = status }, func(pk int64) error {
		return r.backend.SetStatus(ctx, pk, status)
	})
}

// SetJobState updates the scheduler state.
func (r *Record) SetJobState(ctx context.Context, state core.JobState) error {
	return r.update(ctx, func(n *core.Node) { n.JobState = state }, func(pk int64) error {
		return r.backend.SetJobState(ctx, pk, state)
	})
}

// SetJobID records the scheduler job id.
func (r *Record) SetJobID(ctx context.Context, jobID string) error {
	return r.update(ctx, func(n *core.Node) { n.JobID = jobID }, func(pk int64) error {
		return r.backend.SetJobID(ctx, pk, jobID)
	})
}

func (r *Record) update(_ context.Context, local func(*core.Node), persist func(pk int64) error) error {
	r.mu.Lock()
	stored, pk := r.stored, r.node.PK
	r.mu.Unlock()

	if stored {
		if err := persist(pk); err != nil {
			return err
		}
	}
	r.mu.Lock()
	local(&r.node)
	r.mu.Unlock()
	return nil
}

// SetAttribute sets a string attribute.
func (r *Record) SetAttribute(ctx context.Context, key, value string) error {
	r.mu.Lock()
	if !r.stored {
		r.attrs[key] = value
		r.mu.Unlock()
		return nil
	}
	pk := r.node.PK
	r.mu.Unlock()
	return r.backend.SetAttribute(ctx, pk, key, value)
}

// Attribute returns the attribute value and whether it is set.
func (r *Record) Attribute(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	if !r.stored {
		v, ok := r.attrs[key]
		r.mu.Unlock()
		return v, ok, nil
	}
	pk := r.node.PK
	r.mu.Unlock()
	return r.backend.GetAttribute(ctx, pk, key)
}

// DeleteAttribute removes an attribute. Missing attributes are ignored.
func (r *Record) DeleteAttribute(ctx context.Context, key string) error {
	r.mu.Lock()
	if !r.stored {
		delete(r.attrs, key)
		r.mu.Unlock()
		return nil
	}
	pk := r.node.PK
	r.mu.Unlock()
	return r.backend.DeleteAttribute(ctx, pk, key)
}

// SetOutputs stores the result of a finished process.
func (r *Record) SetOutputs(ctx context.Context, outputs map[string]any) error {
	data, err := yaml.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encoding outputs: %w", err)
	}
	return r.SetAttribute(ctx, AttrOutputs, string(data))
}

// Outputs returns the stored result, or nil when none has been recorded.
func (r *Record) Outputs(ctx context.Context) (map[string]any, error) {
	raw, ok, err := r.Attribute(ctx, AttrOutputs)
	if err != nil || !ok {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding outputs of %s: %w", r, err)
	}
	return out, nil
}

// HasFinished reports whether the record reached a terminal status.
func (r *Record) HasFinished(ctx context.Context) (bool, error) {
	if err := r.Refresh(ctx); err != nil {
		return false, err
	}
	return r.Status().IsTerminal(), nil
}

// HasFinishedOK reports whether a legacy workflow completed successfully.
func (r *Record) HasFinishedOK(ctx context.Context) (bool, error) {
	if err := r.Refresh(ctx); err != nil {
		return false, err
	}
	return r.Status() == core.StatusFinished, nil
}

// HasFailed reports whether a legacy workflow terminated unsuccessfully.
func (r *Record) HasFailed(ctx context.Context) (bool, error) {
	if err := r.Refresh(ctx); err != nil {
		return false, err
	}
	s := r.Status()
	return s == core.StatusFailed || s == core.StatusExcepted, nil
}
