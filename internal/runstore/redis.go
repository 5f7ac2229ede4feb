package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// RedisStore implements Store backed by Redis. Run metadata lives in
// hashes, step results in a JSON hash field, and events in a Redis
// Stream so workers and API subscribers share one durable event log.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
	mu     sync.Mutex
	closed bool

	subsMu sync.RWMutex
	subs   map[string]map[chan *types.Event]struct{}
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL      string
	Password string
	DB       int

	// Prefix for all keys (default: "runs")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps the per-run event stream (default: 5000)
	EventMaxLen int64

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "runs",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed Store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runs"
	}
	maxLen := cfg.EventMaxLen
	if maxLen <= 0 {
		maxLen = 5000
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: maxLen,
		subs:   make(map[string]map[chan *types.Event]struct{}),
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keySteps(runID string) string  { return fmt.Sprintf("%s:%s:steps", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }
func (s *RedisStore) keyIndex() string              { return fmt.Sprintf("%s:index", s.prefix) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keySteps(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("failed to refresh run TTL", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (s *RedisStore) CreateRun(ctx context.Context, pipeline *types.PipelineDefinition, variables map[string]interface{}) (string, error) {
	runID := uuid.New().String()
	now := time.Now().UTC()

	steps := make(map[string]*types.StepResult)
	pipelineID, pipelineName := "", ""
	if pipeline != nil {
		pipelineID = pipeline.ID
		pipelineName = pipeline.Name
		for _, step := range pipeline.Steps {
			steps[step.ID] = &types.StepResult{StepID: step.ID, Status: types.StepStatusPending}
		}
	}
	stepsJSON, _ := json.Marshal(steps)
	varsJSON, _ := json.Marshal(variables)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"runId":        runID,
		"pipelineId":   pipelineID,
		"pipelineName": pipelineName,
		"status":       string(types.RunStatusPending),
		"variables":    string(varsJSON),
		"error":        "",
		"startedAt":    "",
		"finishedAt":   "",
		"createdAt":    now.Format(time.RFC3339Nano),
		"updatedAt":    now.Format(time.RFC3339Nano),
		"cancelled":    "false",
	})
	pipe.HSet(ctx, s.keySteps(runID), "json", string(stepsJSON))
	pipe.Set(ctx, s.keySeq(runID), "0", 0)
	pipe.SAdd(ctx, s.keyIndex(), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	s.setTTL(ctx, runID)
	return runID, nil
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t
	}
	return nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(runID))
	stepsCmd := pipe.HGet(ctx, s.keySteps(runID), "json")
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	meta, err := metaCmd.Result()
	if err != nil || len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	run := &types.Run{
		ID:           runID,
		PipelineID:   meta["pipelineId"],
		PipelineName: meta["pipelineName"],
		Status:       types.RunStatus(meta["status"]),
		Error:        meta["error"],
		StartedAt:    parseTimePtr(meta["startedAt"]),
		FinishedAt:   parseTimePtr(meta["finishedAt"]),
		Steps:        make(map[string]*types.StepResult),
	}
	if t := parseTimePtr(meta["createdAt"]); t != nil {
		run.CreatedAt = *t
	}
	if t := parseTimePtr(meta["updatedAt"]); t != nil {
		run.UpdatedAt = *t
	}
	if meta["variables"] != "" {
		json.Unmarshal([]byte(meta["variables"]), &run.Variables)
	}

	if stepsJSON, err := stepsCmd.Result(); err == nil && stepsJSON != "" {
		json.Unmarshal([]byte(stepsJSON), &run.Steps)
	}

	return run, nil
}

func (s *RedisStore) ListRuns(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string, startedAt, finishedAt *time.Time) error {
	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if startedAt != nil {
		fields["startedAt"] = startedAt.UTC().Format(time.RFC3339Nano)
	}
	if finishedAt != nil {
		fields["finishedAt"] = finishedAt.UTC().Format(time.RFC3339Nano)
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

func (s *RedisStore) MarkCancelled(ctx context.Context, runID string) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	fields := map[string]interface{}{
		"cancelled": "true",
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return nil
}

func (s *RedisStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	val, err := s.client.HGet(ctx, s.keyMeta(runID), "cancelled").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get cancelled: %w", err)
	}
	return val == "true", nil
}

func (s *RedisStore) SetStepResult(ctx context.Context, runID string, result *types.StepResult) error {
	stepsJSON, err := s.client.HGet(ctx, s.keySteps(runID), "json").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get steps: %w", err)
	}

	steps := make(map[string]*types.StepResult)
	if stepsJSON != "" {
		json.Unmarshal([]byte(stepsJSON), &steps)
	}
	steps[result.StepID] = result

	updated, _ := json.Marshal(steps)
	if err := s.client.HSet(ctx, s.keySteps(runID), "json", string(updated)).Err(); err != nil {
		return fmt.Errorf("set step result: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

func (s *RedisStore) GetStepResult(ctx context.Context, runID, stepID string) (*types.StepResult, error) {
	stepsJSON, err := s.client.HGet(ctx, s.keySteps(runID), "json").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get steps: %w", err)
	}

	steps := make(map[string]*types.StepResult)
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	result, ok := steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s not found", stepID)
	}
	return result, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)
	dataBytes, _ := json.Marshal(input.Data)

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		StepID:    input.StepID,
		Timestamp: now,
		Data:      dataBytes,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":    eventID,
			"ts":     now.Format(time.RFC3339Nano),
			"type":   string(input.Type),
			"data":   string(dataBytes),
			"stepId": input.StepID,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	s.notifySubscribers(runID, event)
	return event, nil
}

func eventFromStreamValues(runID string, values map[string]interface{}) *types.Event {
	seqStr, _ := values["seq"].(string)
	ts, _ := values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	eventType, _ := values["type"].(string)
	data, _ := values["data"].(string)
	stepID, _ := values["stepId"].(string)

	return &types.Event{
		ID:        seqStr,
		RunID:     runID,
		Type:      types.EventType(eventType),
		StepID:    stepID,
		Timestamp: timestamp,
		Data:      json.RawMessage(data),
	}
}

func (s *RedisStore) EventsSince(ctx context.Context, runID, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var events []*types.Event
	for _, entry := range entries {
		event := eventFromStreamValues(runID, entry.Values)
		seq, _ := strconv.ParseInt(event.ID, 10, 64)
		if lastSeq > 0 && seq <= lastSeq {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan *types.Event, 100)

	s.subsMu.Lock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[chan *types.Event]struct{})
	}
	s.subs[runID][ch] = struct{}{}
	s.subsMu.Unlock()

	go s.streamReader(ctx, runID, ch)

	cleanup := func() {
		s.subsMu.Lock()
		delete(s.subs[runID], ch)
		if len(s.subs[runID]) == 0 {
			delete(s.subs, runID)
		}
		s.subsMu.Unlock()
	}

	return ch, cleanup, nil
}

// streamReader tails the Redis Stream and pushes entries written by
// other processes to the subscriber channel.
func (s *RedisStore) streamReader(ctx context.Context, runID string, ch chan *types.Event) {
	lastID := "$"

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				event := eventFromStreamValues(runID, entry.Values)
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

func (s *RedisStore) notifySubscribers(runID string, event *types.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs[runID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)
	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
			},
		},
	}, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
