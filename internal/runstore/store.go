// Package runstore provides run state persistence and event streaming.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrRunNotFound = errors.New("run not found")
)

// Store defines the interface for run persistence and event streaming.
// Implementations must be safe for concurrent use.
type Store interface {
	// Run lifecycle
	CreateRun(ctx context.Context, pipeline *types.PipelineDefinition, variables map[string]interface{}) (string, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context) ([]string, error)
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string, startedAt, finishedAt *time.Time) error

	// Cancellation flag, checked cooperatively by the engine.
	MarkCancelled(ctx context.Context, runID string) error
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// Step results
	SetStepResult(ctx context.Context, runID string, result *types.StepResult) error
	GetStepResult(ctx context.Context, runID, stepID string) (*types.StepResult, error)

	// Event streaming
	// AppendEvent adds an event to the run's stream and returns it.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// EventsSince returns events after the given event ID (exclusive).
	// An empty lastEventID returns the full stream.
	EventsSince(ctx context.Context, runID, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for the run.
	// The cleanup function must be called to release resources.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds configuration for Store implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs (0 = no expiry)
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}
