package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/provider"
	"github.com/conveyorhq/conveyor/internal/runstore"
	"github.com/conveyorhq/conveyor/pkg/types"
)

type captureSink struct {
	mu   sync.Mutex
	jobs []*types.QueueJob
}

func (s *captureSink) HandleExhausted(ctx context.Context, job *types.QueueJob, reason string) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

func (s *captureSink) seen() []*types.QueueJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.QueueJob(nil), s.jobs...)
}

func newWorkerFixture(t *testing.T, cfg PoolConfig, providers ...provider.Provider) (*MemoryQueue, *Pool, *captureSink) {
	t.Helper()
	store := runstore.NewMemoryStore(runstore.DefaultConfig())
	t.Cleanup(func() { store.Close() })

	reg := provider.NewRegistry()
	for _, p := range providers {
		if err := reg.Register(p, nil); err != nil {
			t.Fatalf("register %s: %v", p.Name(), err)
		}
	}
	eng := engine.New(reg, store, engine.Config{MaxStepConcurrency: 2}, nil)

	q := NewMemoryQueue(&Config{PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() { q.Close() })
	sink := &captureSink{}
	pool := NewPool(q, eng, reg, sink, cfg, nil)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	return q, pool, sink
}

func waitForJob(t *testing.T, q Queue, id string, want types.JobStatus) *types.QueueJob {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := q.Get(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		select {
		case <-deadline:
			status := types.JobStatus("missing")
			if err == nil {
				status = job.Status
			}
			t.Fatalf("job %s never reached %s (last: %s)", id, want, status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func okProvider(name string) *provider.Func {
	return &provider.Func{
		ProviderName: name,
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
	}
}

func TestPoolRunsWorkflowJob(t *testing.T) {
	q, _, sink := newWorkerFixture(t, PoolConfig{Workers: 2, MaxAttempts: 3, BackoffBase: time.Millisecond},
		okProvider("echo"))

	job := &types.QueueJob{
		ID:   types.JobID(types.JobKindWorkflow, "pub-1", ""),
		Kind: types.JobKindWorkflow,
		Pipeline: &types.PipelineDefinition{
			ID: "pub-1",
			Steps: []types.StepDefinition{
				{ID: "a", Provider: "echo"},
				{ID: "b", Provider: "echo", DependsOn: []string{"a"}},
			},
		},
	}
	if _, err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := waitForJob(t, q, "pub-1", types.JobStatusCompleted)
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if done.RunID == "" {
		t.Error("RunID not linked to job")
	}
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", done.Attempts)
	}
	if len(sink.seen()) != 0 {
		t.Error("successful job must not reach the dead-letter sink")
	}
}

func TestPoolRunsStepJob(t *testing.T) {
	q, _, _ := newWorkerFixture(t, PoolConfig{Workers: 1, MaxAttempts: 2, BackoffBase: time.Millisecond},
		okProvider("echo"))

	job := &types.QueueJob{
		ID:     types.JobID(types.JobKindStep, "pub-2", "render"),
		Kind:   types.JobKindStep,
		Step:   &types.StepDefinition{ID: "render", Provider: "echo"},
		Inputs: map[string]interface{}{"src": "a.mp4"},
	}
	if _, err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForJob(t, q, "pub-2-render", types.JobStatusCompleted)
}

func TestPoolExhaustsAttemptsAndDeadLetters(t *testing.T) {
	q, _, sink := newWorkerFixture(t, PoolConfig{Workers: 1, MaxAttempts: 3, BackoffBase: time.Millisecond},
		&provider.Func{
			ProviderName: "broken",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				return nil, types.NewFailure(types.CodeProviderError, true, "always down")
			},
		})

	job := &types.QueueJob{
		ID:   "pub-3-render",
		Kind: types.JobKindStep,
		Step: &types.StepDefinition{ID: "render", Provider: "broken"},
	}
	if _, err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failed := waitForJob(t, q, "pub-3-render", types.JobStatusFailed)
	if failed.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", failed.Attempts)
	}
	if failed.Error == nil || failed.Error.Code != types.CodeProviderError {
		t.Errorf("error = %v", failed.Error)
	}

	// The dead-letter sink sees the job exactly once, with its payload.
	time.Sleep(50 * time.Millisecond)
	seen := sink.seen()
	if len(seen) != 1 {
		t.Fatalf("dead-letter handoffs = %d, want exactly 1", len(seen))
	}
	if seen[0].ID != "pub-3-render" || seen[0].Step == nil {
		t.Errorf("dead-lettered job = %+v", seen[0])
	}
}

func TestPoolNonRetryableFailsImmediately(t *testing.T) {
	q, _, sink := newWorkerFixture(t, PoolConfig{Workers: 1, MaxAttempts: 5, BackoffBase: time.Millisecond},
		&provider.Func{
			ProviderName: "strict",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				return nil, types.NewFailure(types.CodeValidation, false, "bad config")
			},
		})

	job := &types.QueueJob{
		ID:   "pub-4-check",
		Kind: types.JobKindStep,
		Step: &types.StepDefinition{ID: "check", Provider: "strict"},
	}
	if _, err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failed := waitForJob(t, q, "pub-4-check", types.JobStatusFailed)
	if failed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 for non-retryable failure", failed.Attempts)
	}
	time.Sleep(50 * time.Millisecond)
	if len(sink.seen()) != 1 {
		t.Errorf("dead-letter handoffs = %d, want 1", len(sink.seen()))
	}
}
