// Package queue provides the durable job queue backing asynchronous
// pipeline and step execution, with memory and redis implementations.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/conveyorhq/conveyor/pkg/types"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobTerminal = errors.New("job already in a terminal state")
	ErrClosed      = errors.New("queue closed")
)

// Counts summarises queue occupancy per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a durable FIFO job queue with delayed retry scheduling.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue adds a job. Job IDs are idempotent: enqueueing an ID that
	// is already waiting or active returns the existing job unchanged.
	// A terminal job with the same ID is replaced by a fresh attempt.
	Enqueue(ctx context.Context, job *types.QueueJob) (*types.QueueJob, error)

	// Dequeue blocks until a job is ready (or ctx is done) and claims
	// it, marking it active and incrementing its attempt count. No jobs
	// are handed out while the queue is paused.
	Dequeue(ctx context.Context) (*types.QueueJob, error)

	Get(ctx context.Context, id string) (*types.QueueJob, error)
	List(ctx context.Context) ([]*types.QueueJob, error)

	// Complete marks an active job completed.
	Complete(ctx context.Context, id string) error

	// Retry reschedules an active job to run again after delay.
	Retry(ctx context.Context, id string, failure *types.Failure, delay time.Duration) error

	// Fail marks an active job terminally failed.
	Fail(ctx context.Context, id string, failure *types.Failure) error

	// Cancel removes a waiting or delayed job. Active jobs cannot be
	// cancelled here; cancel the run instead.
	Cancel(ctx context.Context, id string) error

	// UpdateProgress records percent/message on an active job.
	UpdateProgress(ctx context.Context, id string, percent int, message string) error

	// SetRunID links a workflow job to the run it produced.
	SetRunID(ctx context.Context, id, runID string) error

	// Pause stops handing out jobs; already-active jobs finish.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused(ctx context.Context) (bool, error)

	Counts(ctx context.Context) (Counts, error)

	Close() error
}

// Config holds queue tuning shared by implementations.
type Config struct {
	// PollInterval bounds how long Dequeue sleeps between checks for
	// due delayed jobs and pause state changes.
	PollInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{PollInterval: 250 * time.Millisecond}
}
