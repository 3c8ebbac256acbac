package transport

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("local transport tests use /bin/sh")
	}
}

func waitDone(t *testing.T, l *Local, id string) JobStatus {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		states, err := l.JobStates(ctx, []string{id})
		require.NoError(t, err)
		if st := states[id]; st.Done {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return JobStatus{}
}

func TestLocal_SubmitAndRetrieve(t *testing.T) {
	skipWithoutShell(t)
	ctx := context.Background()
	l := NewLocal(t.TempDir())
	require.NoError(t, l.Open(ctx))
	defer l.Close()

	id, err := l.SubmitJob(ctx, JobSpec{
		Name:    "echo",
		Command: []string{"/bin/sh", "-c", "echo out-$GREETING; echo err >&2"},
		Env:     []string{"GREETING=hello"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st := waitDone(t, l, id)
	assert.Equal(t, 0, st.ExitCode)
	assert.False(t, st.Lost)

	res, err := l.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out-hello", strings.TrimSpace(string(res.Stdout)))
	assert.Equal(t, "err", strings.TrimSpace(string(res.Stderr)))
}

func TestLocal_ExitCodeSurvivesReopen(t *testing.T) {
	skipWithoutShell(t)
	ctx := context.Background()
	dir := t.TempDir()

	l := NewLocal(dir)
	require.NoError(t, l.Open(ctx))
	id, err := l.SubmitJob(ctx, JobSpec{Command: []string{"/bin/sh", "-c", "exit 3"}})
	require.NoError(t, err)
	waitDone(t, l, id)
	require.NoError(t, l.Close())

	fresh := NewLocal(dir)
	require.NoError(t, fresh.Open(ctx))
	states, err := fresh.JobStates(ctx, []string{id, "unknown"})
	require.NoError(t, err)
	assert.Equal(t, JobStatus{ID: id, Done: true, ExitCode: 3}, states[id])
	assert.True(t, states["unknown"].Lost)

	_, err = fresh.Retrieve(ctx, "unknown")
	assert.True(t, core.IsNotFound(err))
}

func TestLocal_Errors(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(t.TempDir())

	_, err := l.SubmitJob(ctx, JobSpec{Command: []string{"true"}})
	assert.True(t, core.IsCategory(err, core.ErrCatState), "not open: %v", err)

	require.NoError(t, l.Open(ctx))
	_, err = l.SubmitJob(ctx, JobSpec{})
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	_, err = l.SubmitJob(ctx, JobSpec{Command: []string{"/definitely/not/a/binary"}})
	assert.True(t, core.IsCategory(err, core.ErrCatExecution))
}

func TestNewFactory(t *testing.T) {
	f := NewFactory([]config.ComputerConfig{
		{Name: "localhost", Transport: "local", WorkDir: t.TempDir(), Enabled: true},
		{Name: "off", Transport: "local", Enabled: false},
		{Name: "remote", Transport: "ssh", Enabled: true},
	})

	tr, err := f(AuthInfo{Computer: "localhost"})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, tr)

	_, err = f(AuthInfo{Computer: "missing"})
	assert.True(t, core.IsNotFound(err))

	_, err = f(AuthInfo{Computer: "off"})
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	_, err = f(AuthInfo{Computer: "remote"})
	assert.True(t, core.IsConfigurationError(err))
}
