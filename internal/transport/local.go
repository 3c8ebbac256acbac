package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/fsutil"
)

const (
	stdoutFile   = "stdout"
	stderrFile   = "stderr"
	exitCodeFile = "exit_code"
)

// Local runs jobs as child processes of the daemon, one directory per job.
// The exit code is written next to the job output so states survive restarts.
type Local struct {
	workDir string

	mu      sync.Mutex
	open    bool
	running map[string]*exec.Cmd
}

// NewLocal creates a local transport rooted at workDir.
func NewLocal(workDir string) *Local {
	return &Local{workDir: workDir, running: make(map[string]*exec.Cmd)}
}

// Open creates the work directory.
func (l *Local) Open(_ context.Context) error {
	if err := os.MkdirAll(l.workDir, 0o750); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	l.mu.Lock()
	l.open = true
	l.mu.Unlock()
	return nil
}

// Close marks the transport closed. Running jobs keep running.
func (l *Local) Close() error {
	l.mu.Lock()
	l.open = false
	l.mu.Unlock()
	return nil
}

// IsOpen reports whether Open succeeded and Close was not called.
func (l *Local) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// SubmitJob starts spec in its own process group and returns its id.
func (l *Local) SubmitJob(_ context.Context, spec JobSpec) (string, error) {
	if !l.IsOpen() {
		return "", errNotOpen()
	}
	if len(spec.Command) == 0 {
		return "", core.ErrValidation("INVALID_JOB", "job has no command")
	}

	id := uuid.NewString()
	dir := l.jobDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating job dir: %w", err)
	}
	stdout, err := os.Create(filepath.Join(dir, stdoutFile))
	if err != nil {
		return "", fmt.Errorf("creating stdout: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, stderrFile))
	if err != nil {
		stdout.Close()
		return "", fmt.Errorf("creating stderr: %w", err)
	}

	// The job must outlive the submitting call, so no CommandContext.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...) //nolint:gosec // command comes from the job record
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), spec.Env...)
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", core.ErrExecution(core.CodeTransportFailed, fmt.Sprintf("starting job %s: %v", spec.Name, err))
	}

	l.mu.Lock()
	l.running[id] = cmd
	l.mu.Unlock()

	go l.wait(id, cmd, stdout, stderr)
	return id, nil
}

func (l *Local) wait(id string, cmd *exec.Cmd, stdout, stderr *os.File) {
	err := cmd.Wait()
	stdout.Close()
	stderr.Close()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	// Written before the job leaves the running set so JobStates never sees
	// an untracked job without its exit code.
	_ = fsutil.WriteFileAtomic(filepath.Join(l.jobDir(id), exitCodeFile), []byte(strconv.Itoa(code)), 0o640)

	l.mu.Lock()
	delete(l.running, id)
	l.mu.Unlock()
}

// JobStates reports the state of each id.
func (l *Local) JobStates(_ context.Context, ids []string) (map[string]JobStatus, error) {
	if !l.IsOpen() {
		return nil, errNotOpen()
	}
	out := make(map[string]JobStatus, len(ids))
	for _, id := range ids {
		l.mu.Lock()
		_, running := l.running[id]
		l.mu.Unlock()
		if running {
			out[id] = JobStatus{ID: id}
			continue
		}

		code, err := l.exitCode(id)
		switch {
		case err == nil:
			out[id] = JobStatus{ID: id, Done: true, ExitCode: code}
		case errors.Is(err, os.ErrNotExist):
			out[id] = JobStatus{ID: id, Done: true, ExitCode: -1, Lost: true}
		default:
			return nil, err
		}
	}
	return out, nil
}

// Retrieve returns the output of a finished job.
func (l *Local) Retrieve(_ context.Context, jobID string) (Result, error) {
	if !l.IsOpen() {
		return Result{}, errNotOpen()
	}
	code, err := l.exitCode(jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, core.ErrNotFound("job result", jobID)
		}
		return Result{}, err
	}
	dir := l.jobDir(jobID)
	stdout, err := os.ReadFile(filepath.Join(dir, stdoutFile))
	if err != nil {
		return Result{}, fmt.Errorf("reading stdout: %w", err)
	}
	stderr, err := os.ReadFile(filepath.Join(dir, stderrFile))
	if err != nil {
		return Result{}, fmt.Errorf("reading stderr: %w", err)
	}
	return Result{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

func (l *Local) exitCode(id string) (int, error) {
	data, err := os.ReadFile(filepath.Join(l.jobDir(id), exitCodeFile))
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("job %s: invalid exit code file: %w", id, err)
	}
	return code, nil
}

func (l *Local) jobDir(id string) string {
	return filepath.Join(l.workDir, id)
}

func errNotOpen() error {
	return core.ErrState(core.CodeInvalidState, "transport is not open")
}
