package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// RedisQueue is a Queue backed by redis: a waiting list, a delayed
// zset scored by retry time, an active set, and one JSON record per
// job. State survives process restarts.
type RedisQueue struct {
	client *redis.Client
	cfg    *Config
	prefix string
}

// RedisQueueConfig configures the redis connection for the queue.
type RedisQueueConfig struct {
	URL       string
	KeyPrefix string
	PoolSize  int
	Queue     *Config
}

func DefaultRedisQueueConfig() *RedisQueueConfig {
	return &RedisQueueConfig{
		URL:       "redis://localhost:6379/0",
		KeyPrefix: "conveyor:queue",
		PoolSize:  10,
		Queue:     DefaultConfig(),
	}
}

func NewRedisQueue(cfg *RedisQueueConfig) (*RedisQueue, error) {
	if cfg == nil {
		cfg = DefaultRedisQueueConfig()
	}
	if cfg.Queue == nil {
		cfg.Queue = DefaultConfig()
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisQueue{client: client, cfg: cfg.Queue, prefix: cfg.KeyPrefix}, nil
}

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *RedisQueue) waitingKey() string      { return q.prefix + ":waiting" }
func (q *RedisQueue) delayedKey() string      { return q.prefix + ":delayed" }
func (q *RedisQueue) activeKey() string       { return q.prefix + ":active" }
func (q *RedisQueue) indexKey() string        { return q.prefix + ":index" }
func (q *RedisQueue) pausedKey() string       { return q.prefix + ":paused" }
func (q *RedisQueue) counterKey(s string) string {
	return q.prefix + ":count:" + s
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*types.QueueJob, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job types.QueueJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) saveJob(ctx context.Context, job *types.QueueJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return q.client.Set(ctx, q.jobKey(job.ID), raw, 0).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *types.QueueJob) (*types.QueueJob, error) {
	existing, err := q.loadJob(ctx, job.ID)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		return nil, err
	}
	if existing != nil && !existing.Status.Terminal() {
		return existing, nil
	}

	j := *job
	j.Status = types.JobStatusWaiting
	j.Attempts = 0
	j.Progress = 0
	j.Message = ""
	j.Error = nil
	j.EnqueuedAt = time.Now().UTC()
	j.StartedAt = nil
	j.FinishedAt = nil
	j.NextRetryAt = nil
	if err := q.saveJob(ctx, &j); err != nil {
		return nil, err
	}
	pipe := q.client.Pipeline()
	pipe.SAdd(ctx, q.indexKey(), j.ID)
	pipe.LPush(ctx, q.waitingKey(), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*types.QueueJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paused, err := q.Paused(ctx)
		if err != nil {
			return nil, err
		}
		if paused {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		res, err := q.client.BRPop(ctx, q.cfg.PollInterval, q.waitingKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		id := res[1]

		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue // cancelled between push and claim
		}
		if err != nil {
			return nil, err
		}
		if job.Status != types.JobStatusWaiting {
			continue
		}
		now := time.Now().UTC()
		job.Status = types.JobStatusActive
		job.Attempts++
		job.StartedAt = &now
		job.NextRetryAt = nil
		if err := q.saveJob(ctx, job); err != nil {
			return nil, err
		}
		if err := q.client.SAdd(ctx, q.activeKey(), id).Err(); err != nil {
			return nil, err
		}
		return job, nil
	}
}

// promoteDue moves delayed jobs whose retry time has passed into the
// waiting list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker promoted it
		}
		if err := q.client.LPush(ctx, q.waitingKey(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*types.QueueJob, error) {
	return q.loadJob(ctx, id)
}

func (q *RedisQueue) List(ctx context.Context) ([]*types.QueueJob, error) {
	ids, err := q.client.SMembers(ctx, q.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*types.QueueJob, 0, len(ids))
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *RedisQueue) finalize(ctx context.Context, id string, mutate func(*types.QueueJob)) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	mutate(job)
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	return q.client.SRem(ctx, q.activeKey(), id).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	err := q.finalize(ctx, id, func(job *types.QueueJob) {
		now := time.Now().UTC()
		job.Status = types.JobStatusCompleted
		job.Progress = 100
		job.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	return q.client.Incr(ctx, q.counterKey("completed")).Err()
}

func (q *RedisQueue) Retry(ctx context.Context, id string, failure *types.Failure, delay time.Duration) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	at := time.Now().UTC().Add(delay)
	job.Status = types.JobStatusWaiting
	job.Error = failure
	job.NextRetryAt = &at
	job.StartedAt = nil
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := q.client.Pipeline()
	pipe.SRem(ctx, q.activeKey(), id)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(at.UnixMilli()), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, id string, failure *types.Failure) error {
	err := q.finalize(ctx, id, func(job *types.QueueJob) {
		now := time.Now().UTC()
		job.Status = types.JobStatusFailed
		job.Error = failure
		job.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	return q.client.Incr(ctx, q.counterKey("failed")).Err()
}

func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != types.JobStatusWaiting {
		return ErrJobTerminal
	}
	now := time.Now().UTC()
	job.Status = types.JobStatusCancelled
	job.FinishedAt = &now
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.waitingKey(), 0, id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	job.Progress = percent
	job.Message = message
	return q.saveJob(ctx, job)
}

func (q *RedisQueue) SetRunID(ctx context.Context, id, runID string) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	job.RunID = runID
	return q.saveJob(ctx, job)
}

func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

func (q *RedisQueue) Paused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.SCard(ctx, q.activeKey())
	completed := pipe.Get(ctx, q.counterKey("completed"))
	failed := pipe.Get(ctx, q.counterKey("failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	c := Counts{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
	}
	c.Completed, _ = strconv.ParseInt(completed.Val(), 10, 64)
	c.Failed, _ = strconv.ParseInt(failed.Val(), 10, 64)
	return c, nil
}

// Client exposes the underlying connection for components sharing the
// same redis instance.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
