// Package daemon runs the periodic tasks that drive processes, job
// calculations and legacy workflows.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
)

// Task names. The legacy job tasks and the workflow stepper also name
// their start/stop timestamps.
const (
	TaskSubmitter       = "submitter"
	TaskUpdater         = "updater"
	TaskRetriever       = "retriever"
	TaskTickWork        = "tick_work"
	TaskLaunchPending   = "launch_all_pending_job_calculations"
	TaskWorkflowStepper = "workflow_stepper"

	// WorkflowTimestamp is the timestamp name used by the workflow stepper.
	WorkflowTimestamp = "workflow"
)

// ErrUnknownTask is returned by Tick for a name outside the roster.
var ErrUnknownTask = errors.New("unknown daemon task")

// JobOperations are the bulk job calculation operations.
type JobOperations interface {
	SubmitJobs(ctx context.Context) error
	UpdateJobs(ctx context.Context) error
	RetrieveJobs(ctx context.Context) error
}

// ProcessLauncher drives new-style processes.
type ProcessLauncher interface {
	TickWork(ctx context.Context) (int, error)
	LaunchPending(ctx context.Context) (int, error)
}

// WorkflowStepper advances legacy workflows.
type WorkflowStepper interface {
	ExecuteSteps(ctx context.Context) (int, error)
}

// Task is one roster entry.
type Task struct {
	Name     string
	Interval time.Duration
	run      func(ctx context.Context) error
	manual   func(ctx context.Context) error
}

// Scheduler owns the roster and runs it on gocron.
type Scheduler struct {
	cfg        config.DaemonConfig
	jobs       JobOperations
	processes  ProcessLauncher
	workflows  WorkflowStepper
	timestamps *Timestamps
	clock      clockwork.Clock
	logger     *logging.Logger
	locker     gocron.Locker
	roster     []Task

	mu      sync.Mutex
	sched   gocron.Scheduler
	cancel  context.CancelFunc
	running bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the clock for timers and timestamps.
func WithSchedulerClock(c clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *logging.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithDistributedLocker makes each task run on only one of several daemons
// sharing the locker.
func WithDistributedLocker(l gocron.Locker) SchedulerOption {
	return func(s *Scheduler) {
		s.locker = l
	}
}

// NewScheduler builds the roster selected by cfg.UseNew. The workflow
// stepper is present in both rosters.
func NewScheduler(cfg config.DaemonConfig, store core.TimestampStore, jobs JobOperations,
	processes ProcessLauncher, workflows WorkflowStepper, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		jobs:      jobs,
		processes: processes,
		workflows: workflows,
		clock:     clockwork.NewRealClock(),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timestamps = NewTimestamps(store, s.clock, cfg.StaleAfter, s.logger)
	s.roster = s.buildRoster()
	return s
}

func (s *Scheduler) buildRoster() []Task {
	iv := s.cfg.Intervals
	var roster []Task
	if s.cfg.UseNew {
		roster = []Task{
			{Name: TaskTickWork, Interval: iv.TickWorkflows, run: s.tickWork},
			{Name: TaskLaunchPending, Interval: iv.TickWorkflows, run: s.launchPendingJobs},
		}
	} else {
		roster = []Task{
			{Name: TaskSubmitter, Interval: iv.Submit,
				run: s.bracket(TaskSubmitter, s.jobs.SubmitJobs), manual: s.jobs.SubmitJobs},
			{Name: TaskUpdater, Interval: iv.Update,
				run: s.bracket(TaskUpdater, s.jobs.UpdateJobs), manual: s.jobs.UpdateJobs},
			{Name: TaskRetriever, Interval: iv.Retrieve,
				run: s.bracket(TaskRetriever, s.jobs.RetrieveJobs), manual: s.jobs.RetrieveJobs},
		}
	}
	return append(roster, Task{
		Name:     TaskWorkflowStepper,
		Interval: iv.WorkflowStep,
		run:      s.stepWorkflows,
		manual:   s.executeSteps,
	})
}

// Roster returns the tasks in scheduling order.
func (s *Scheduler) Roster() []Task {
	return slices.Clone(s.roster)
}

// Timestamps returns the task timestamp tracker.
func (s *Scheduler) Timestamps() *Timestamps {
	return s.timestamps
}

// TaskStates returns the timestamps of every roster task that records them.
func (s *Scheduler) TaskStates(ctx context.Context) ([]TaskState, error) {
	states := make([]TaskState, 0, len(s.roster))
	for _, task := range s.roster {
		name := task.Name
		if name == TaskWorkflowStepper {
			name = WorkflowTimestamp
		}
		st, err := s.timestamps.State(ctx, name)
		if err != nil {
			return nil, err
		}
		st.Name = task.Name
		st.Interval = task.Interval.String()
		states = append(states, st)
	}
	return states, nil
}

// Tick runs one roster task now, with the same bracketing and
// self-exclusion as a scheduled run.
func (s *Scheduler) Tick(ctx context.Context, name string) error {
	for _, task := range s.roster {
		if task.Name == name {
			return s.invoke(ctx, task.Name, task.run)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

// ManualTickAll runs every roster task once, in order, bypassing timers,
// timestamps and self-exclusion. All tasks run even if one fails.
func (s *Scheduler) ManualTickAll(ctx context.Context) error {
	var errs []error
	for _, task := range s.roster {
		fn := task.manual
		if fn == nil {
			fn = task.run
		}
		if err := s.invoke(ctx, task.Name, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Start schedules the roster. Tasks run immediately and then every interval;
// a task still running when its next tick is due skips that tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return core.ErrState(core.CodeInvalidState, "scheduler already started")
	}

	opts := []gocron.SchedulerOption{
		gocron.WithClock(s.clock),
		gocron.WithLogger(s.logger),
	}
	if s.locker != nil {
		opts = append(opts, gocron.WithDistributedLocker(s.locker))
	}
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, task := range s.roster {
		task := task
		_, err := sched.NewJob(
			gocron.DurationJob(task.Interval),
			gocron.NewTask(func() {
				if err := s.invoke(runCtx, task.Name, task.run); err != nil {
					s.logger.WithTask(task.Name).Error("daemon task failed", "error", err)
				}
			}),
			gocron.WithName(task.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			cancel()
			_ = sched.Shutdown()
			return fmt.Errorf("scheduling %s: %w", task.Name, err)
		}
	}

	sched.Start()
	s.sched = sched
	s.cancel = cancel
	s.running = true
	s.logger.Info("daemon scheduler started", "tasks", len(s.roster), "use_new", s.cfg.UseNew)
	return nil
}

// Shutdown stops scheduling and waits for running tasks.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	err := s.sched.Shutdown()
	s.running = false
	s.sched = nil
	return err
}

// invoke runs fn, turning a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	s.logger.Debug("running daemon task", "task", name)
	return fn(ctx)
}

// bracket writes start and stop timestamps around fn. The stop timestamp is
// written on every exit path.
func (s *Scheduler) bracket(name string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		if err := s.timestamps.Set(ctx, name, core.PhaseStart); err != nil {
			return err
		}
		defer func() {
			if serr := s.timestamps.Set(context.WithoutCancel(ctx), name, core.PhaseStop); serr != nil && err == nil {
				err = serr
			}
		}()
		return fn(ctx)
	}
}

// stepWorkflows runs the stepper unless a previous run is still in
// progress, in which case the tick does nothing at all.
func (s *Scheduler) stepWorkflows(ctx context.Context) error {
	busy, err := s.timestamps.InProgress(ctx, WorkflowTimestamp)
	if err != nil {
		return err
	}
	if busy {
		s.logger.WithTask(TaskWorkflowStepper).Info("workflow stepper already running, skipping tick")
		return nil
	}
	return s.bracket(WorkflowTimestamp, s.executeSteps)(ctx)
}

func (s *Scheduler) executeSteps(ctx context.Context) error {
	n, err := s.workflows.ExecuteSteps(ctx)
	if n > 0 {
		s.logger.Debug("stepped workflows", "count", n)
	}
	return err
}

func (s *Scheduler) tickWork(ctx context.Context) error {
	continued, err := s.processes.TickWork(ctx)
	pending, perr := s.processes.LaunchPending(ctx)
	if continued+pending > 0 {
		s.logger.Debug("launched processes", "from_broker", continued, "pending", pending)
	}
	return errors.Join(err, perr)
}

func (s *Scheduler) launchPendingJobs(ctx context.Context) error {
	return errors.Join(
		s.jobs.SubmitJobs(ctx),
		s.jobs.UpdateJobs(ctx),
		s.jobs.RetrieveJobs(ctx),
	)
}
