package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/muhrin/aiida-core/internal/core"
)

// runBackendContract exercises behavior every storage engine must share.
func runBackendContract(t *testing.T, newBackend func(t *testing.T) core.Backend) {
	t.Run("nodes", func(t *testing.T) { testNodes(t, newBackend(t)) })
	t.Run("attributes", func(t *testing.T) { testAttributes(t, newBackend(t)) })
	t.Run("claims", func(t *testing.T) { testClaims(t, newBackend(t)) })
	t.Run("concurrent claims", func(t *testing.T) { testConcurrentClaims(t, newBackend(t)) })
	t.Run("timestamps", func(t *testing.T) { testTimestamps(t, newBackend(t)) })
}

func createNode(t *testing.T, b core.Backend, n core.Node) *core.Node {
	t.Helper()
	if n.UUID == "" {
		n.UUID = uuid.NewString()
	}
	if err := b.CreateNode(context.Background(), &n); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	if n.PK == 0 {
		t.Fatal("CreateNode() did not assign a PK")
	}
	return &n
}

func testNodes(t *testing.T, b core.Backend) {
	ctx := context.Background()

	calc := createNode(t, b, core.Node{Type: core.NodeTypeCalculation, ProcessType: "add"})
	job1 := createNode(t, b, core.Node{Type: core.NodeTypeJob, JobState: core.JobStateToSubmit, Computer: "localhost", User: "a@x"})
	createNode(t, b, core.Node{Type: core.NodeTypeJob, JobState: core.JobStateToSubmit, Computer: "localhost", User: "a@x"})
	createNode(t, b, core.Node{Type: core.NodeTypeJob, JobState: core.JobStateToSubmit, Computer: "cluster", User: "b@x"})

	got, err := b.GetNode(ctx, calc.PK)
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if got.UUID != calc.UUID || got.Type != core.NodeTypeCalculation || got.ProcessType != "add" {
		t.Errorf("GetNode() = %+v", got)
	}
	if got.Status != core.StatusCreated {
		t.Errorf("Status = %q, want %q", got.Status, core.StatusCreated)
	}
	if got.Locked {
		t.Error("new node should not be locked")
	}

	if _, err := b.GetNode(ctx, 999999); !core.IsNotFound(err) {
		t.Errorf("GetNode(missing) error = %v, want not found", err)
	}

	if err := b.SetStatus(ctx, calc.PK, core.StatusRunning); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := b.SetJobState(ctx, job1.PK, core.JobStateWithScheduler); err != nil {
		t.Fatalf("SetJobState() error = %v", err)
	}
	if err := b.SetJobID(ctx, job1.PK, "1234"); err != nil {
		t.Fatalf("SetJobID() error = %v", err)
	}
	if err := b.SetStatus(ctx, 999999, core.StatusRunning); !core.IsNotFound(err) {
		t.Errorf("SetStatus(missing) error = %v, want not found", err)
	}

	job, _ := b.GetNode(ctx, job1.PK)
	if job.JobState != core.JobStateWithScheduler || job.JobID != "1234" {
		t.Errorf("job = %+v", job)
	}

	running, err := b.ListNodes(ctx, core.NodeFilter{Statuses: []core.ProcessStatus{core.StatusRunning}})
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	if len(running) != 1 || running[0].PK != calc.PK {
		t.Errorf("ListNodes(running) = %v", running)
	}

	jobs, err := b.ListNodes(ctx, core.NodeFilter{Type: core.NodeTypeJob, JobState: core.JobStateToSubmit, Computer: "localhost"})
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("ListNodes(job,TOSUBMIT,localhost) len = %d, want 1", len(jobs))
	}

	limited, _ := b.ListNodes(ctx, core.NodeFilter{Limit: 2})
	if len(limited) != 2 || limited[0].PK >= limited[1].PK {
		t.Errorf("ListNodes(limit 2) = %v", limited)
	}

	pairs, err := b.ComputerUserPairs(ctx, core.JobStateToSubmit)
	if err != nil {
		t.Fatalf("ComputerUserPairs() error = %v", err)
	}
	want := []core.ComputerUser{{Computer: "cluster", User: "b@x"}, {Computer: "localhost", User: "a@x"}}
	if len(pairs) != len(want) {
		t.Fatalf("ComputerUserPairs() = %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pair[%d] = %v, want %v", i, pairs[i], want[i])
		}
	}
}

func testAttributes(t *testing.T, b core.Backend) {
	ctx := context.Background()
	n1 := createNode(t, b, core.Node{Type: core.NodeTypeCalculation})
	n2 := createNode(t, b, core.Node{Type: core.NodeTypeCalculation})

	if _, ok, err := b.GetAttribute(ctx, n1.PK, "checkpoints"); err != nil || ok {
		t.Fatalf("GetAttribute(unset) = %v, %v", ok, err)
	}

	if err := b.SetAttribute(ctx, n1.PK, "checkpoints", "v1"); err != nil {
		t.Fatalf("SetAttribute() error = %v", err)
	}
	if err := b.SetAttribute(ctx, n1.PK, "checkpoints", "v2"); err != nil {
		t.Fatalf("SetAttribute(replace) error = %v", err)
	}
	if err := b.SetAttribute(ctx, n2.PK, "checkpoints", "other"); err != nil {
		t.Fatalf("SetAttribute() error = %v", err)
	}

	v, ok, err := b.GetAttribute(ctx, n1.PK, "checkpoints")
	if err != nil || !ok || v != "v2" {
		t.Errorf("GetAttribute() = %q, %v, %v", v, ok, err)
	}

	holders, err := b.AttributeHolders(ctx, "checkpoints")
	if err != nil {
		t.Fatalf("AttributeHolders() error = %v", err)
	}
	if len(holders) != 2 || holders[0] != n1.PK || holders[1] != n2.PK {
		t.Errorf("AttributeHolders() = %v", holders)
	}

	if err := b.DeleteAttribute(ctx, n1.PK, "checkpoints"); err != nil {
		t.Fatalf("DeleteAttribute() error = %v", err)
	}
	if err := b.DeleteAttribute(ctx, n1.PK, "checkpoints"); err != nil {
		t.Fatalf("DeleteAttribute(again) error = %v", err)
	}
	holders, _ = b.AttributeHolders(ctx, "checkpoints")
	if len(holders) != 1 || holders[0] != n2.PK {
		t.Errorf("AttributeHolders() after delete = %v", holders)
	}

	if err := b.SetAttribute(ctx, 999999, "checkpoints", "x"); !core.IsNotFound(err) {
		t.Errorf("SetAttribute(missing) error = %v, want not found", err)
	}
}

func testClaims(t *testing.T, b core.Backend) {
	ctx := context.Background()
	n := createNode(t, b, core.Node{Type: core.NodeTypeCalculation})

	ok, err := b.Claim(ctx, n.PK)
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v, want true", ok, err)
	}
	ok, err = b.Claim(ctx, n.PK)
	if err != nil || ok {
		t.Fatalf("second Claim() = %v, %v, want false", ok, err)
	}

	stored, _ := b.GetNode(ctx, n.PK)
	if !stored.Locked {
		t.Error("claimed node should be locked")
	}

	if err := b.Release(ctx, n.PK); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := b.Release(ctx, n.PK); !core.IsCategory(err, core.ErrCatState) {
		t.Errorf("Release(unlocked) error = %v, want state error", err)
	}

	ok, err = b.Claim(ctx, n.PK)
	if err != nil || !ok {
		t.Fatalf("Claim() after release = %v, %v", ok, err)
	}
	if err := b.ForceRelease(ctx, n.PK); err != nil {
		t.Fatalf("ForceRelease() error = %v", err)
	}
	if err := b.ForceRelease(ctx, n.PK); err != nil {
		t.Fatalf("ForceRelease(unlocked) error = %v", err)
	}
	ok, _ = b.Claim(ctx, n.PK)
	if !ok {
		t.Error("Claim() after force release should succeed")
	}

	if _, err := b.Claim(ctx, 999999); !core.IsNotFound(err) {
		t.Errorf("Claim(missing) error = %v, want not found", err)
	}
	if err := b.ForceRelease(ctx, 999999); !core.IsNotFound(err) {
		t.Errorf("ForceRelease(missing) error = %v, want not found", err)
	}
}

func testConcurrentClaims(t *testing.T, b core.Backend) {
	ctx := context.Background()
	n := createNode(t, b, core.Node{Type: core.NodeTypeCalculation})

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := b.Claim(ctx, n.PK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				winners++
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("Claim() errors: %v", errors.Join(errs...))
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func testTimestamps(t *testing.T, b core.Backend) {
	ctx := context.Background()

	if _, ok, err := b.DaemonTimestamp(ctx, "workflow", core.PhaseStart); err != nil || ok {
		t.Fatalf("DaemonTimestamp(unset) = %v, %v", ok, err)
	}

	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	if err := b.SetDaemonTimestamp(ctx, "workflow", core.PhaseStart, t1); err != nil {
		t.Fatalf("SetDaemonTimestamp() error = %v", err)
	}
	if err := b.SetDaemonTimestamp(ctx, "workflow", core.PhaseStart, t2); err != nil {
		t.Fatalf("SetDaemonTimestamp(replace) error = %v", err)
	}

	got, ok, err := b.DaemonTimestamp(ctx, "workflow", core.PhaseStart)
	if err != nil || !ok {
		t.Fatalf("DaemonTimestamp() = %v, %v", ok, err)
	}
	if !got.Equal(t2) {
		t.Errorf("DaemonTimestamp() = %v, want %v", got, t2)
	}

	if _, ok, _ := b.DaemonTimestamp(ctx, "workflow", core.PhaseStop); ok {
		t.Error("stop timestamp should be unset")
	}
	if _, ok, _ := b.DaemonTimestamp(ctx, "submitter", core.PhaseStart); ok {
		t.Error("timestamps are per task")
	}
}
