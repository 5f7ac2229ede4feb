// Package monitor watches queue health, parks exhausted jobs in a
// dead-letter store, and raises cooldown-limited alerts.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/pkg/types"
)

var ErrEntryNotFound = errors.New("dead-letter entry not found")

// Entry is a parked job with the reason it was exhausted.
type Entry struct {
	ID      string          `json:"id"`
	Job     *types.QueueJob `json:"job"`
	Reason  string          `json:"reason"`
	MovedAt time.Time       `json:"moved_at"`
}

// DeadLetterStore persists exhausted jobs for later inspection. Add is
// idempotent per job ID: a job already parked is not parked again.
// Implementations must be safe for concurrent use.
type DeadLetterStore interface {
	Add(ctx context.Context, job *types.QueueJob, reason string) (added bool, err error)
	List(ctx context.Context) ([]*Entry, error)

	// Take removes and returns one entry, for retrying its job.
	Take(ctx context.Context, id string) (*Entry, error)

	Purge(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

// MemoryDeadLetters is the in-process DeadLetterStore.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{entries: make(map[string]*Entry)}
}

func (s *MemoryDeadLetters) Add(ctx context.Context, job *types.QueueJob, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.ID]; ok {
		return false, nil
	}
	j := *job
	s.entries[job.ID] = &Entry{
		ID:      job.ID,
		Job:     &j,
		Reason:  reason,
		MovedAt: time.Now().UTC(),
	}
	return true, nil
}

func (s *MemoryDeadLetters) List(ctx context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MovedAt.Before(out[j].MovedAt) })
	return out, nil
}

func (s *MemoryDeadLetters) Take(ctx context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	delete(s.entries, id)
	return e, nil
}

func (s *MemoryDeadLetters) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*Entry)
	return n, nil
}

func (s *MemoryDeadLetters) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

var _ DeadLetterStore = (*MemoryDeadLetters)(nil)

// RedisDeadLetters stores entries in a redis hash keyed by job ID.
type RedisDeadLetters struct {
	client *redis.Client
	key    string
}

func NewRedisDeadLetters(client *redis.Client, keyPrefix string) *RedisDeadLetters {
	if keyPrefix == "" {
		keyPrefix = "conveyor"
	}
	return &RedisDeadLetters{client: client, key: keyPrefix + ":deadletter"}
}

func (s *RedisDeadLetters) Add(ctx context.Context, job *types.QueueJob, reason string) (bool, error) {
	entry := &Entry{ID: job.ID, Job: job, Reason: reason, MovedAt: time.Now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode dead-letter %s: %w", job.ID, err)
	}
	added, err := s.client.HSetNX(ctx, s.key, job.ID, raw).Result()
	if err != nil {
		return false, fmt.Errorf("park job %s: %w", job.ID, err)
	}
	return added, nil
}

func (s *RedisDeadLetters) List(ctx context.Context) ([]*Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead-letters: %w", err)
	}
	out := make([]*Entry, 0, len(raw))
	for id, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode dead-letter %s: %w", id, err)
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MovedAt.Before(out[j].MovedAt) })
	return out, nil
}

func (s *RedisDeadLetters) Take(ctx context.Context, id string) (*Entry, error) {
	raw, err := s.client.HGet(ctx, s.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead-letter %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode dead-letter %s: %w", id, err)
	}
	if err := s.client.HDel(ctx, s.key, id).Err(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisDeadLetters) Purge(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.key).Result()
	if err != nil {
		return 0, err
	}
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *RedisDeadLetters) Count(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.key).Result()
	return int(n), err
}

var _ DeadLetterStore = (*RedisDeadLetters)(nil)
