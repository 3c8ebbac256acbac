package broker

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process launch queue for single-daemon deployments.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []int64
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Len returns the number of pending launches.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Connector returns a new connector on q. Closing it leaves q intact.
func (q *MemoryQueue) Connector() *MemoryConnector {
	return &MemoryConnector{queue: q}
}

func (q *MemoryQueue) push(pid int64) {
	q.mu.Lock()
	q.pending = append(q.pending, pid)
	q.mu.Unlock()
}

func (q *MemoryQueue) pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	pid := q.pending[0]
	q.pending = q.pending[1:]
	return pid, true
}

// MemoryConnector is a Connector over a MemoryQueue.
type MemoryConnector struct {
	closeFlag
	queue *MemoryQueue
}

func (c *MemoryConnector) Launch(ctx context.Context, pid int64) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.queue.push(pid)
	return nil
}

func (c *MemoryConnector) Next(ctx context.Context) (int64, bool, error) {
	if c.isClosed() {
		return 0, false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	pid, ok := c.queue.pop()
	return pid, ok, nil
}

func (c *MemoryConnector) Close() error {
	c.markClosed()
	return nil
}
