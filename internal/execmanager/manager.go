// Package execmanager moves job calculations through the external
// scheduler: submission, state updates and retrieval.
//
// Work is grouped by (computer, user) pair so each pair opens its
// transport once. A failing pair is logged and does not stop the others.
package execmanager

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
	"github.com/muhrin/aiida-core/internal/node"
	"github.com/muhrin/aiida-core/internal/transport"
)

// AttrJobSpec holds the YAML job specification of a job calculation.
const AttrJobSpec = "job_spec"

// Output keys written on retrieval.
const (
	OutputExitCode = "exit_code"
	OutputStdout   = "stdout"
	OutputStderr   = "stderr"
)

// maxPairs bounds how many pairs are worked on at once.
const maxPairs = 4

// Manager runs the bulk job operations.
type Manager struct {
	backend    core.Backend
	transports *transport.Queue
	logger     *logging.Logger
}

// New creates a manager.
func New(backend core.Backend, transports *transport.Queue, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{backend: backend, transports: transports, logger: logger}
}

// NewJob stores a job calculation ready for submission.
func NewJob(ctx context.Context, backend core.Backend, computer, user string, spec transport.JobSpec) (*node.Record, error) {
	if len(spec.Command) == 0 {
		return nil, core.ErrValidation("INVALID_JOB", "job has no command")
	}
	data, err := yaml.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding job spec: %w", err)
	}
	rec := node.New(backend, core.Node{
		Type:        core.NodeTypeJob,
		ProcessType: spec.Name,
		JobState:    core.JobStateToSubmit,
		Computer:    computer,
		User:        user,
	})
	if err := rec.SetAttribute(ctx, AttrJobSpec, string(data)); err != nil {
		return nil, err
	}
	if err := rec.Store(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// SubmitJobs submits every TOSUBMIT job. If the transport of a pair cannot
// be opened, all of that pair's jobs are marked SUBMISSIONFAILED.
func (m *Manager) SubmitJobs(ctx context.Context) error {
	return m.forEachPair(ctx, core.JobStateToSubmit, m.submitPair)
}

// UpdateJobs asks the scheduler about WITHSCHEDULER jobs and marks the
// finished ones COMPUTED.
func (m *Manager) UpdateJobs(ctx context.Context) error {
	return m.forEachPair(ctx, core.JobStateWithScheduler, m.updatePair)
}

// RetrieveJobs collects the results of COMPUTED jobs.
func (m *Manager) RetrieveJobs(ctx context.Context) error {
	return m.forEachPair(ctx, core.JobStateComputed, m.retrievePair)
}

type pairFunc func(ctx context.Context, auth transport.AuthInfo, jobs []*node.Record) error

func (m *Manager) forEachPair(ctx context.Context, state core.JobState, fn pairFunc) error {
	pairs, err := m.backend.ComputerUserPairs(ctx, state)
	if err != nil {
		return fmt.Errorf("listing %s pairs: %w", state, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPairs)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			jobs, err := m.jobs(gctx, pair, state)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				return nil
			}
			auth := transport.AuthInfo{Computer: pair.Computer, User: pair.User}
			if err := fn(gctx, auth, jobs); err != nil {
				m.logger.WithComputer(pair.Computer).Error("job pair failed",
					"user", pair.User, "state", state, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) jobs(ctx context.Context, pair core.ComputerUser, state core.JobState) ([]*node.Record, error) {
	nodes, err := m.backend.ListNodes(ctx, core.NodeFilter{
		Type:     core.NodeTypeJob,
		JobState: state,
		Computer: pair.Computer,
		User:     pair.User,
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s jobs on %s: %w", state, pair.Computer, err)
	}
	recs := make([]*node.Record, 0, len(nodes))
	for _, n := range nodes {
		rec, err := node.Load(ctx, m.backend, n.PK)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (m *Manager) submitPair(ctx context.Context, auth transport.AuthInfo, jobs []*node.Record) error {
	tr, release, err := m.transports.Acquire(ctx, auth)
	if err != nil {
		for _, job := range jobs {
			m.withJob(ctx, job, core.JobStateToSubmit, func() error {
				return fail(ctx, job, core.JobStateSubmissionFailed, err)
			})
		}
		return fmt.Errorf("opening transport %s: %w", auth, err)
	}
	defer release()

	for _, job := range jobs {
		m.withJob(ctx, job, core.JobStateToSubmit, func() error {
			return m.submitOne(ctx, tr, job)
		})
	}
	return nil
}

func (m *Manager) submitOne(ctx context.Context, tr transport.Transport, job *node.Record) error {
	if err := job.SetJobState(ctx, core.JobStateSubmitting); err != nil {
		return err
	}
	spec, err := jobSpec(ctx, job)
	if err != nil {
		return fail(ctx, job, core.JobStateSubmissionFailed, err)
	}
	id, err := tr.SubmitJob(ctx, spec)
	if err != nil {
		return fail(ctx, job, core.JobStateSubmissionFailed, err)
	}
	if err := job.SetJobID(ctx, id); err != nil {
		return err
	}
	if err := job.SetStatus(ctx, core.StatusRunning); err != nil {
		return err
	}
	m.logger.Debug("job submitted", "pk", job.PK(), "job_id", id)
	return job.SetJobState(ctx, core.JobStateWithScheduler)
}

func (m *Manager) updatePair(ctx context.Context, auth transport.AuthInfo, jobs []*node.Record) error {
	tr, release, err := m.transports.Acquire(ctx, auth)
	if err != nil {
		return fmt.Errorf("opening transport %s: %w", auth, err)
	}
	defer release()

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.Node().JobID)
	}
	states, err := tr.JobStates(ctx, ids)
	if err != nil {
		return fmt.Errorf("querying job states: %w", err)
	}

	for _, job := range jobs {
		st, ok := states[job.Node().JobID]
		if !ok || !st.Done {
			continue
		}
		if st.Lost {
			m.logger.Warn("job lost by scheduler", "pk", job.PK(), "job_id", st.ID)
		}
		m.withJob(ctx, job, core.JobStateWithScheduler, func() error {
			return job.SetJobState(ctx, core.JobStateComputed)
		})
	}
	return nil
}

func (m *Manager) retrievePair(ctx context.Context, auth transport.AuthInfo, jobs []*node.Record) error {
	tr, release, err := m.transports.Acquire(ctx, auth)
	if err != nil {
		return fmt.Errorf("opening transport %s: %w", auth, err)
	}
	defer release()

	for _, job := range jobs {
		m.withJob(ctx, job, core.JobStateComputed, func() error {
			return m.retrieveOne(ctx, tr, job)
		})
	}
	return nil
}

func (m *Manager) retrieveOne(ctx context.Context, tr transport.Transport, job *node.Record) error {
	if err := job.SetJobState(ctx, core.JobStateRetrieving); err != nil {
		return err
	}
	res, err := tr.Retrieve(ctx, job.Node().JobID)
	if err != nil {
		return fail(ctx, job, core.JobStateRetrievalFailed, err)
	}
	if err := job.SetOutputs(ctx, map[string]any{
		OutputExitCode: res.ExitCode,
		OutputStdout:   string(res.Stdout),
		OutputStderr:   string(res.Stderr),
	}); err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fail(ctx, job, core.JobStateFailed, fmt.Errorf("job exited with code %d", res.ExitCode))
	}
	if err := job.SetJobState(ctx, core.JobStateFinished); err != nil {
		return err
	}
	return job.SetStatus(ctx, core.StatusFinished)
}

// withJob runs fn under the job's lock if the job is still in state.
// Contention means another daemon owns the job right now and is skipped.
func (m *Manager) withJob(ctx context.Context, job *node.Record, state core.JobState, fn func() error) {
	err := job.WithLock(ctx, func() error {
		if err := job.Refresh(ctx); err != nil {
			return err
		}
		if job.Node().JobState != state {
			return nil
		}
		return fn()
	})
	switch {
	case err == nil:
	case core.IsLockError(err):
		m.logger.Debug("job locked elsewhere, skipping", "pk", job.PK())
	default:
		m.logger.Error("job operation failed", "pk", job.PK(), "error", err)
	}
}

func fail(ctx context.Context, job *node.Record, state core.JobState, cause error) error {
	if err := job.SetAttribute(ctx, node.AttrException, cause.Error()); err != nil {
		return err
	}
	if err := job.SetJobState(ctx, state); err != nil {
		return err
	}
	return job.SetStatus(ctx, core.StatusFailed)
}

func jobSpec(ctx context.Context, job *node.Record) (transport.JobSpec, error) {
	raw, ok, err := job.Attribute(ctx, AttrJobSpec)
	if err != nil {
		return transport.JobSpec{}, err
	}
	if !ok {
		return transport.JobSpec{}, fmt.Errorf("job %d has no %s attribute", job.PK(), AttrJobSpec)
	}
	var spec transport.JobSpec
	if err := yaml.Unmarshal([]byte(raw), &spec); err != nil {
		return transport.JobSpec{}, fmt.Errorf("decoding job spec of %d: %w", job.PK(), err)
	}
	return spec, nil
}
