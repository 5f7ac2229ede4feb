package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu           sync.RWMutex
	id           string
	pipelineID   string
	pipelineName string
	variables    map[string]interface{}
	status       types.RunStatus
	errMsg       string
	startedAt    *time.Time
	finishedAt   *time.Time
	steps        map[string]*types.StepResult
	events       []*types.Event
	nextSeq      int64
	maxEvents    int64
	cancelled    bool
	subscribers  map[chan *types.Event]struct{}
	createdAt    time.Time
	updatedAt    time.Time
}

// MemoryStore is an in-memory implementation of Store. Suitable for
// development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, pipeline *types.PipelineDefinition, variables map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.New().String()
	now := time.Now().UTC()

	steps := make(map[string]*types.StepResult)
	if pipeline != nil {
		for _, step := range pipeline.Steps {
			steps[step.ID] = &types.StepResult{
				StepID: step.ID,
				Status: types.StepStatusPending,
			}
		}
	}

	run := &memoryRun{
		id:          runID,
		variables:   variables,
		status:      types.RunStatusPending,
		steps:       steps,
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}
	if pipeline != nil {
		run.pipelineID = pipeline.ID
		run.pipelineName = pipeline.Name
	}
	s.runs[runID] = run

	return runID, nil
}

func (s *MemoryStore) getRun(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	steps := make(map[string]*types.StepResult, len(run.steps))
	for id, result := range run.steps {
		clone := *result
		steps[id] = &clone
	}

	return &types.Run{
		ID:           run.id,
		PipelineID:   run.pipelineID,
		PipelineName: run.pipelineName,
		Status:       run.status,
		Variables:    run.variables,
		Steps:        steps,
		Error:        run.errMsg,
		StartedAt:    run.startedAt,
		FinishedAt:   run.finishedAt,
		CreatedAt:    run.createdAt,
		UpdatedAt:    run.updatedAt,
	}, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string, startedAt, finishedAt *time.Time) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.status = status
	run.updatedAt = time.Now().UTC()
	if errMsg != "" {
		run.errMsg = errMsg
	}
	if startedAt != nil {
		run.startedAt = startedAt
	}
	if finishedAt != nil {
		run.finishedAt = finishedAt
	}
	return nil
}

func (s *MemoryStore) MarkCancelled(ctx context.Context, runID string) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	run.cancelled = true
	run.updatedAt = time.Now().UTC()
	run.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return false, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.cancelled, nil
}

func (s *MemoryStore) SetStepResult(ctx context.Context, runID string, result *types.StepResult) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	clone := *result
	run.steps[result.StepID] = &clone
	run.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetStepResult(ctx context.Context, runID, stepID string) (*types.StepResult, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	result, ok := run.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s not found in run %s", stepID, runID)
	}
	clone := *result
	return &clone, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()

	eventID := fmt.Sprintf("%d", run.nextSeq)
	run.nextSeq++

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		run.mu.Unlock()
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		StepID:    input.StepID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}

	// Ring buffer
	if int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.updatedAt = time.Now().UTC()

	subs := make([]chan *types.Event, 0, len(run.subscribers))
	for ch := range run.subscribers {
		subs = append(subs, ch)
	}
	run.mu.Unlock()

	// Notify subscribers (non-blocking)
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}

	return event, nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, runID, lastEventID string) ([]*types.Event, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if lastEventID == "" {
		result := make([]*types.Event, len(run.events))
		copy(result, run.events)
		return result, nil
	}

	var result []*types.Event
	found := false
	for _, evt := range run.events {
		if found {
			result = append(result, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		delete(run.subscribers, ch)
		run.mu.Unlock()
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
