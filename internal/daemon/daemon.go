package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-co-op/gocron-redis-lock/v2"
	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/muhrin/aiida-core/internal/app"
	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/fsutil"
)

const (
	lockFileName = "daemon.lock"
	pidFileName  = "daemon.pid"
)

// ErrAlreadyRunning is returned when another daemon holds the daemon lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// Service is an extra long-running component started with the daemon,
// such as the status API. It must return when ctx is cancelled.
type Service func(ctx context.Context) error

// Daemon runs the scheduler and the daemon runner's loop until cancelled.
type Daemon struct {
	app      *app.App
	dir      string
	lock     *fsutil.RLock
	sched    *Scheduler
	services []Service
	closers  []func() error
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithService starts svc alongside the daemon.
func WithService(svc Service) Option {
	return func(d *Daemon) {
		d.services = append(d.services, svc)
	}
}

// New builds a daemon around a. When the broker is redis, the scheduler
// elects one daemon per task run through a redis lock.
func New(a *app.App, opts ...Option) (*Daemon, error) {
	cfg := a.Config.Daemon
	d := &Daemon{
		app:  a,
		dir:  cfg.Dir,
		lock: fsutil.NewRLock(filepath.Join(cfg.Dir, lockFileName)),
	}
	for _, opt := range opts {
		opt(d)
	}

	schedOpts := []SchedulerOption{WithSchedulerLogger(a.Logger.WithTask("scheduler"))}
	if a.Config.Broker.Enabled && a.Config.Broker.Backend == "redis" {
		locker, closer, err := newRedisLocker(a.Config.Broker)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, closer)
		schedOpts = append(schedOpts, WithDistributedLocker(locker))
	}
	d.sched = NewScheduler(cfg, a.Backend, a.Jobs, a.Runner, a.Workflows, schedOpts...)
	return d, nil
}

func newRedisLocker(cfg config.BrokerConfig) (gocron.Locker, func() error, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	locker, err := redislock.NewRedisLocker(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("creating redis task locker: %w", err)
	}
	return locker, client.Close, nil
}

// Scheduler returns the daemon's scheduler.
func (d *Daemon) Scheduler() *Scheduler {
	return d.sched
}

// Run holds the daemon lock, writes the pid file and runs until ctx is
// cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.lock.Acquire(); err != nil {
		if errors.Is(err, fsutil.ErrLocked) {
			return fmt.Errorf("%w in %s", ErrAlreadyRunning, d.dir)
		}
		return err
	}
	defer func() { _ = d.lock.Release() }()
	defer d.close()

	pidPath := filepath.Join(d.dir, pidFileName)
	if err := fsutil.WriteFileAtomic(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o640); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	logger := d.app.Logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.app.Runner.Serve(gctx)
	})
	if err := d.sched.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		return d.sched.Shutdown()
	})
	for _, svc := range d.services {
		svc := svc
		g.Go(func() error {
			return svc(gctx)
		})
	}

	logger.Info("daemon started", "pid", os.Getpid(), "dir", d.dir)
	err := g.Wait()
	logger.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) close() {
	for _, c := range d.closers {
		_ = c()
	}
	d.closers = nil
}

// Status describes the daemon recorded in a daemon directory.
type Status struct {
	PID     int  `json:"pid"`
	Running bool `json:"running"`
}

// ReadStatus reads the pid file in dir and checks whether that process is
// alive. A missing pid file means not running.
func ReadStatus(ctx context.Context, dir string) (Status, error) {
	data, err := fsutil.ReadFileScoped(filepath.Join(dir, pidFileName))
	if errors.Is(err, os.ErrNotExist) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Status{}, fmt.Errorf("invalid pid file: %w", err)
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return Status{PID: pid}, err
	}
	return Status{PID: pid, Running: alive}, nil
}
