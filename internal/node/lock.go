package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/muhrin/aiida-core/internal/core"
)

// Claim is a held lock on a record. Release it exactly once.
type Claim struct {
	record *Record
	once   sync.Once
	err    error
}

// Lock claims exclusive mutation access to the record.
//
// Transient records use the in-memory flag. Stored records delegate to the
// backend's atomic conditional claim. Contention returns a lock error.
func (r *Record) Lock(ctx context.Context) (*Claim, error) {
	r.mu.Lock()
	if !r.stored {
		defer r.mu.Unlock()
		if r.node.Locked {
			return nil, lockError(r.node.PK, r.node.UUID)
		}
		r.node.Locked = true
		return &Claim{record: r}, nil
	}
	pk := r.node.PK
	r.mu.Unlock()

	ok, err := r.backend.Claim(ctx, pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lockError(pk, "")
	}
	r.mu.Lock()
	r.node.Locked = true
	r.mu.Unlock()
	return &Claim{record: r}, nil
}

// Release returns the lock. Further calls return the first result.
func (c *Claim) Release(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.record.unlock(ctx)
	})
	return c.err
}

func (r *Record) unlock(ctx context.Context) error {
	r.mu.Lock()
	stored, pk := r.stored, r.node.PK
	if !stored {
		r.node.Locked = false
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.backend.Release(ctx, pk); err != nil {
		return fmt.Errorf("releasing %s: %w", r, err)
	}
	r.mu.Lock()
	r.node.Locked = false
	r.mu.Unlock()
	return nil
}

// WithLock runs fn while holding the record lock. The lock is released when
// fn returns, fails or panics; a panic is re-raised after release.
func (r *Record) WithLock(ctx context.Context, fn func() error) (err error) {
	claim, err := r.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was cancelled while fn ran.
		relErr := claim.Release(context.WithoutCancel(ctx))
		if err == nil {
			err = relErr
		}
	}()
	return fn()
}

// ForceUnlock clears the lock flag regardless of who holds it.
// Only use it to recover from a holder that exited without releasing.
func (r *Record) ForceUnlock(ctx context.Context) error {
	r.mu.Lock()
	stored, pk := r.stored, r.node.PK
	if !stored {
		r.node.Locked = false
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.backend.ForceRelease(ctx, pk); err != nil {
		return err
	}
	r.mu.Lock()
	r.node.Locked = false
	r.mu.Unlock()
	return nil
}

// IsLocked reports the cached lock flag.
func (r *Record) IsLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.Locked
}

func lockError(pk int64, id string) error {
	err := core.ErrLock(pk)
	if id != "" {
		err = err.WithDetail("uuid", id)
	}
	return err
}
