// Package loop implements a single-threaded cooperative event loop.
//
// Callbacks run only on the goroutine driving the loop (Run or RunUntil).
// Other goroutines may schedule work with AddCallback and CallLater.
package loop

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/muhrin/aiida-core/internal/logging"
)

var (
	// ErrStopped is returned by RunUntil when Stop interrupts it before done.
	ErrStopped = errors.New("loop stopped")
	// ErrRunning is returned when a second goroutine tries to drive the loop.
	ErrRunning = errors.New("loop already running")
)

// Loop is a ready queue plus a deadline-ordered timer heap.
type Loop struct {
	clock   clockwork.Clock
	logger  *logging.Logger
	onPanic func(recovered any)

	mu      sync.Mutex
	ready   []func()
	timers  timerHeap
	seq     uint64
	running bool
	stop    bool
	wake    chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the time source for timers.
func WithClock(c clockwork.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger sets the logger used for recovered panics.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithPanicHandler registers a hook called with every recovered callback panic.
func WithPanicHandler(fn func(recovered any)) Option {
	return func(l *Loop) {
		l.onPanic = fn
	}
}

// New creates an idle loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock:  clockwork.NewRealClock(),
		logger: logging.NewNop(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Clock returns the loop's time source.
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// AddCallback queues fn to run on the next iteration.
func (l *Loop) AddCallback(fn func()) {
	l.mu.Lock()
	l.ready = append(l.ready, fn)
	l.mu.Unlock()
	l.notify()
}

// CallLater schedules fn to run once d has elapsed on the loop clock.
func (l *Loop) CallLater(d time.Duration, fn func()) *Timer {
	l.mu.Lock()
	l.seq++
	t := &Timer{
		loop:     l,
		deadline: l.clock.Now().Add(d),
		seq:      l.seq,
		fn:       fn,
	}
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.notify()
	return t
}

func (l *Loop) cancel(t *Timer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 || t.index >= len(l.timers) || l.timers[t.index] != t {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// Pending returns the number of queued callbacks and armed timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready) + len(l.timers)
}

// Stop makes the current Run or RunUntil return after the callback in progress.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stop = true
	l.mu.Unlock()
	l.notify()
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	err := l.RunUntil(ctx, func() bool { return false })
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// RunUntil drives the loop until done reports true. done is checked between
// callbacks, so it observes state mutated by them without extra locking.
func (l *Loop) RunUntil(ctx context.Context, done func() bool) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.stop = false
		l.mu.Unlock()
	}()

	for {
		if done() {
			return nil
		}

		batch, wait, hasTimer, stop := l.collect()
		if stop {
			return ErrStopped
		}
		if len(batch) > 0 {
			for i, fn := range batch {
				l.invoke(fn)
				if done() {
					l.requeue(batch[i+1:])
					return nil
				}
			}
			continue
		}

		if err := l.sleep(ctx, wait, hasTimer); err != nil {
			return err
		}
	}
}

// collect moves due timers behind the ready callbacks and takes the batch.
func (l *Loop) collect() (batch []func(), wait time.Duration, hasTimer, stop bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop {
		return nil, 0, false, true
	}

	// Everything queued so far is taken below; earlier wakeups are stale.
	select {
	case <-l.wake:
	default:
	}

	now := l.clock.Now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		l.ready = append(l.ready, t.fn)
	}

	batch = l.ready
	l.ready = nil

	if len(l.timers) > 0 {
		return batch, l.timers[0].deadline.Sub(now), true, false
	}
	return batch, 0, false, false
}

// requeue puts callbacks taken but not run back at the head of the queue.
func (l *Loop) requeue(rest []func()) {
	if len(rest) == 0 {
		return
	}
	l.mu.Lock()
	l.ready = append(append([]func(){}, rest...), l.ready...)
	l.mu.Unlock()
}

func (l *Loop) sleep(ctx context.Context, wait time.Duration, hasTimer bool) error {
	var fire <-chan time.Time
	if hasTimer {
		timer := l.clock.NewTimer(wait)
		defer timer.Stop()
		fire = timer.Chan()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.wake:
	case <-fire:
	}
	return nil
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panicked", "panic", fmt.Sprint(r))
			if l.onPanic != nil {
				l.onPanic(r)
			}
		}
	}()
	fn()
}
