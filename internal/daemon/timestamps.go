package daemon

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
)

// Timestamps records when daemon tasks start and stop.
type Timestamps struct {
	store      core.TimestampStore
	clock      clockwork.Clock
	staleAfter time.Duration
	logger     *logging.Logger
}

// NewTimestamps creates a timestamp tracker. A start older than staleAfter
// with no later stop is treated as a crashed run; zero disables that.
func NewTimestamps(store core.TimestampStore, clock clockwork.Clock, staleAfter time.Duration, logger *logging.Logger) *Timestamps {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Timestamps{store: store, clock: clock, staleAfter: staleAfter, logger: logger}
}

// Set stores the current time for task and phase.
func (t *Timestamps) Set(ctx context.Context, task string, phase core.DaemonPhase) error {
	return t.store.SetDaemonTimestamp(ctx, task, phase, t.clock.Now())
}

// Last returns the stored time for task and phase.
func (t *Timestamps) Last(ctx context.Context, task string, phase core.DaemonPhase) (time.Time, bool, error) {
	return t.store.DaemonTimestamp(ctx, task, phase)
}

// InProgress reports whether task has started and not stopped since: start
// is set and stop is either unset or strictly older.
func (t *Timestamps) InProgress(ctx context.Context, task string) (bool, error) {
	start, ok, err := t.Last(ctx, task, core.PhaseStart)
	if err != nil || !ok {
		return false, err
	}
	stop, ok, err := t.Last(ctx, task, core.PhaseStop)
	if err != nil {
		return false, err
	}
	if ok && !start.After(stop) {
		return false, nil
	}

	if t.staleAfter > 0 {
		if age := t.clock.Since(start); age > t.staleAfter {
			t.logger.Warn("overriding stale task run", "task", task, "started", start, "age", age)
			return false, nil
		}
	}
	return true, nil
}

// TaskState is the observable state of one task.
type TaskState struct {
	Name       string     `json:"name"`
	Interval   string     `json:"interval"`
	LastStart  *time.Time `json:"last_start,omitempty"`
	LastStop   *time.Time `json:"last_stop,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// State returns the stored brackets of task.
func (t *Timestamps) State(ctx context.Context, task string) (TaskState, error) {
	st := TaskState{Name: task}
	if at, ok, err := t.Last(ctx, task, core.PhaseStart); err != nil {
		return st, err
	} else if ok {
		st.LastStart = &at
	}
	if at, ok, err := t.Last(ctx, task, core.PhaseStop); err != nil {
		return st, err
	} else if ok {
		st.LastStop = &at
	}
	st.InProgress = st.LastStart != nil && (st.LastStop == nil || st.LastStart.After(*st.LastStop))
	return st, nil
}
