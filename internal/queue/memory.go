package queue

import (
	"context"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// MemoryQueue is an in-process Queue for single-node deployments and
// tests. Durability is process-lifetime only.
type MemoryQueue struct {
	cfg *Config

	mu      sync.Mutex
	jobs    map[string]*types.QueueJob
	waiting []string // FIFO of job IDs ready to claim
	paused  bool
	closed  bool

	completed int64
	failed    int64

	// signal wakes one blocked Dequeue when work may be available.
	signal chan struct{}
}

func NewMemoryQueue(cfg *Config) *MemoryQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryQueue{
		cfg:    cfg,
		jobs:   make(map[string]*types.QueueJob),
		signal: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *types.QueueJob) (*types.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	if existing, ok := q.jobs[job.ID]; ok {
		switch existing.Status {
		case types.JobStatusWaiting, types.JobStatusActive:
			return cloneJob(existing), nil
		}
		// Terminal job with the same ID starts over.
	}

	j := cloneJob(job)
	j.Status = types.JobStatusWaiting
	j.Attempts = 0
	j.Progress = 0
	j.Message = ""
	j.Error = nil
	j.EnqueuedAt = time.Now().UTC()
	j.StartedAt = nil
	j.FinishedAt = nil
	j.NextRetryAt = nil
	q.jobs[j.ID] = j
	q.waiting = append(q.waiting, j.ID)
	q.wake()
	return cloneJob(j), nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*types.QueueJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if !q.paused {
			q.promoteDueLocked()
			if len(q.waiting) > 0 {
				id := q.waiting[0]
				q.waiting = q.waiting[1:]
				job := q.jobs[id]
				now := time.Now().UTC()
				job.Status = types.JobStatusActive
				job.Attempts++
				job.StartedAt = &now
				job.NextRetryAt = nil
				out := cloneJob(job)
				q.mu.Unlock()
				return out, nil
			}
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// promoteDueLocked moves delayed jobs whose retry time has passed back
// into the waiting FIFO. Caller holds q.mu.
func (q *MemoryQueue) promoteDueLocked() {
	now := time.Now().UTC()
	for id, job := range q.jobs {
		if job.Status == types.JobStatusWaiting && job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
			job.NextRetryAt = nil
			q.waiting = append(q.waiting, id)
		}
	}
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*types.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (q *MemoryQueue) List(ctx context.Context) ([]*types.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.QueueJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	now := time.Now().UTC()
	job.Status = types.JobStatusCompleted
	job.Progress = 100
	job.FinishedAt = &now
	q.completed++
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, id string, failure *types.Failure, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	at := time.Now().UTC().Add(delay)
	job.Status = types.JobStatusWaiting
	job.Error = failure
	job.NextRetryAt = &at
	job.StartedAt = nil
	q.wake()
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, id string, failure *types.Failure) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	now := time.Now().UTC()
	job.Status = types.JobStatusFailed
	job.Error = failure
	job.FinishedAt = &now
	q.failed++
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.JobStatusWaiting {
		return ErrJobTerminal
	}
	now := time.Now().UTC()
	job.Status = types.JobStatusCancelled
	job.FinishedAt = &now
	for i, wid := range q.waiting {
		if wid == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	job.Progress = percent
	job.Message = message
	return nil
}

func (q *MemoryQueue) SetRunID(ctx context.Context, id, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.RunID = runID
	return nil
}

func (q *MemoryQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) Paused(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused, nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, job := range q.jobs {
		switch job.Status {
		case types.JobStatusWaiting:
			if job.NextRetryAt != nil {
				c.Delayed++
			} else {
				c.Waiting++
			}
		case types.JobStatusActive:
			c.Active++
		}
	}
	c.Completed = q.completed
	c.Failed = q.failed
	return c, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	return nil
}

func cloneJob(j *types.QueueJob) *types.QueueJob {
	c := *j
	return &c
}

var _ Queue = (*MemoryQueue)(nil)
