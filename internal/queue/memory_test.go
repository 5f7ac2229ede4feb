package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/pkg/types"
)

func testJob(id string) *types.QueueJob {
	return &types.QueueJob{
		ID:   id,
		Kind: types.JobKindWorkflow,
		Pipeline: &types.PipelineDefinition{
			ID:    id,
			Steps: []types.StepDefinition{{ID: "s1", Provider: "echo"}},
		},
	}
}

func newTestQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(&Config{PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	job, err := q.Enqueue(ctx, testJob("pub-42"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != types.JobStatusWaiting {
		t.Errorf("status = %s, want waiting", job.Status)
	}

	claimed, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if claimed.ID != "pub-42" {
		t.Errorf("claimed id = %s", claimed.ID)
	}
	if claimed.Status != types.JobStatusActive {
		t.Errorf("claimed status = %s, want active", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", claimed.Attempts)
	}

	if err := q.UpdateProgress(ctx, "pub-42", 60, "rendering"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, _ := q.Get(ctx, "pub-42")
	if got.Progress != 60 || got.Message != "rendering" {
		t.Errorf("progress = %d %q", got.Progress, got.Message)
	}

	if err := q.Complete(ctx, "pub-42"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ = q.Get(ctx, "pub-42")
	if got.Status != types.JobStatusCompleted || got.Progress != 100 {
		t.Errorf("final = %s %d", got.Status, got.Progress)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, err := q.Enqueue(ctx, testJob("pub-7"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, testJob("pub-7"))
	if err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}
	if second.EnqueuedAt != first.EnqueuedAt {
		t.Error("second enqueue replaced the waiting job")
	}
	counts, _ := q.Counts(ctx)
	if counts.Waiting != 1 {
		t.Errorf("waiting = %d, want 1", counts.Waiting)
	}

	// A terminal job with the same ID starts a fresh attempt.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Complete(ctx, "pub-7"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	third, err := q.Enqueue(ctx, testJob("pub-7"))
	if err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
	if third.Status != types.JobStatusWaiting || third.Attempts != 0 {
		t.Errorf("fresh job = %s attempts=%d", third.Status, third.Attempts)
	}
}

func TestDequeueBlocksUntilWork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := newTestQueue(t)

	done := make(chan *types.QueueJob, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		done <- job
	}()

	time.Sleep(30 * time.Millisecond)
	if _, err := q.Enqueue(ctx, testJob("late")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case job := <-done:
		if job.ID != "late" {
			t.Errorf("job = %s", job.ID)
		}
	case <-ctx.Done():
		t.Fatal("Dequeue never returned")
	}
}

func TestRetryDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Enqueue(ctx, testJob("flaky")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	failure := types.NewFailure(types.CodeProviderError, true, "transient")
	if err := q.Retry(ctx, "flaky", failure, 50*time.Millisecond); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	counts, _ := q.Counts(ctx)
	if counts.Delayed != 1 || counts.Active != 0 {
		t.Errorf("counts = %+v, want one delayed", counts)
	}

	start := time.Now()
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(claimCtx)
	if err != nil {
		t.Fatalf("Dequeue after retry: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("job redelivered after %s, before its delay", elapsed)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", job.Attempts)
	}
	if job.Error == nil || job.Error.Message != "transient" {
		t.Errorf("job error = %v", job.Error)
	}
}

func TestPauseHoldsJobs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := q.Enqueue(ctx, testJob("held")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(claimCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue while paused = %v, want deadline exceeded", err)
	}

	if err := q.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	claimCtx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	job, err := q.Dequeue(claimCtx2)
	if err != nil {
		t.Fatalf("Dequeue after resume: %v", err)
	}
	if job.ID != "held" {
		t.Errorf("job = %s", job.ID)
	}
}

func TestCancelWaitingJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Enqueue(ctx, testJob("doomed")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Cancel(ctx, "doomed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := q.Get(ctx, "doomed")
	if got.Status != types.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	claimCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(claimCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cancelled job was handed out: %v", err)
	}

	if err := q.Cancel(ctx, "doomed"); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("second cancel = %v, want ErrJobTerminal", err)
	}
	if err := q.Cancel(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("cancel unknown = %v, want ErrJobNotFound", err)
	}
}

func TestFailCountsAndSentinels(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Enqueue(ctx, testJob("bad")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	failure := types.NewFailure(types.CodeProviderError, false, "broken")
	if err := q.Fail(ctx, "bad", failure); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	counts, _ := q.Counts(ctx)
	if counts.Failed != 1 {
		t.Errorf("failed = %d, want 1", counts.Failed)
	}
	if err := q.Fail(ctx, "bad", failure); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("second fail = %v, want ErrJobTerminal", err)
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("get unknown = %v, want ErrJobNotFound", err)
	}
}
