package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/muhrin/aiida-core/internal/logging"
)

// ErrQueueClosed is returned by Acquire after Close.
var ErrQueueClosed = errors.New("transport queue closed")

// Queue is a goroutine-safe pool of open transports keyed by AuthInfo.
//
// A transport is opened on first Acquire, shared while any holder has it and
// closed when the last holder releases it. Concurrent first opens of the
// same pair share a single Open call. One queue may serve several runners.
type Queue struct {
	factory Factory
	logger  *logging.Logger

	mu      sync.Mutex
	entries map[AuthInfo]*entry
	closed  bool
	opening singleflight.Group
}

type entry struct {
	transport Transport
	refs      int
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger *logging.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates an empty queue.
func NewQueue(factory Factory, opts ...QueueOption) *Queue {
	q := &Queue{
		factory: factory,
		logger:  logging.NewNop(),
		entries: make(map[AuthInfo]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Acquire returns an open transport for auth and a release func. The release
// func is safe to call more than once.
func (q *Queue) Acquire(ctx context.Context, auth AuthInfo) (Transport, func(), error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, nil, ErrQueueClosed
		}
		if e, ok := q.entries[auth]; ok {
			e.refs++
			q.mu.Unlock()
			return e.transport, q.releaser(auth, e), nil
		}
		q.mu.Unlock()

		_, err, _ := q.opening.Do(auth.String(), func() (interface{}, error) {
			return nil, q.open(ctx, auth)
		})
		if err != nil {
			return nil, nil, err
		}
		// Loop: the opened entry may already be gone if every holder released it.
	}
}

func (q *Queue) open(ctx context.Context, auth AuthInfo) error {
	q.mu.Lock()
	_, exists := q.entries[auth]
	q.mu.Unlock()
	if exists {
		return nil
	}

	t, err := q.factory(auth)
	if err != nil {
		return err
	}
	if err := t.Open(ctx); err != nil {
		return fmt.Errorf("opening transport for %s: %w", auth, err)
	}
	q.logger.Debug("transport opened", "auth", auth.String())

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		_ = t.Close()
		return ErrQueueClosed
	}
	q.entries[auth] = &entry{transport: t}
	return nil
}

func (q *Queue) releaser(auth AuthInfo, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { q.release(auth, e) })
	}
}

func (q *Queue) release(auth AuthInfo, e *entry) {
	q.mu.Lock()
	e.refs--
	if e.refs > 0 || q.entries[auth] != e {
		q.mu.Unlock()
		return
	}
	delete(q.entries, auth)
	q.mu.Unlock()

	if err := e.transport.Close(); err != nil {
		q.logger.Warn("closing transport", "auth", auth.String(), "error", err)
		return
	}
	q.logger.Debug("transport closed", "auth", auth.String())
}

// Len returns the number of open transports.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close closes every open transport. Outstanding release funcs become no-ops.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	entries := q.entries
	q.entries = make(map[AuthInfo]*entry)
	q.mu.Unlock()

	var errs []error
	for auth, e := range entries {
		if err := e.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing transport for %s: %w", auth, err))
		}
	}
	return errors.Join(errs...)
}
