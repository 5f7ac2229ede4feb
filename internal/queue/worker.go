package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/provider"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Executor runs whole pipelines. Satisfied by *engine.Engine.
type Executor interface {
	Execute(ctx context.Context, def *types.PipelineDefinition, variables map[string]interface{}, opts *engine.RunOptions) (*types.Run, error)
}

// DeadLetterSink receives jobs whose queue-level attempts are
// exhausted. Satisfied by *monitor.Monitor.
type DeadLetterSink interface {
	HandleExhausted(ctx context.Context, job *types.QueueJob, reason string)
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent job processors.
	Workers int

	// MaxAttempts caps queue-level attempts per job, including the first.
	MaxAttempts int

	// BackoffBase is the base retry delay, doubled per attempt.
	BackoffBase time.Duration

	// ReportInterval is how often queue depth gauges refresh.
	ReportInterval time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 4, MaxAttempts: 3, BackoffBase: 2 * time.Second, ReportInterval: 5 * time.Second}
}

// Pool claims jobs from a Queue and executes them: workflow jobs run
// through the Executor, step jobs go straight to the provider registry.
type Pool struct {
	queue    Queue
	executor Executor
	registry *provider.Registry
	sink     DeadLetterSink
	cfg      PoolConfig
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(q Queue, exec Executor, registry *provider.Registry, sink DeadLetterSink, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:    q,
		executor: exec,
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
	}
}

// Start launches the workers. They run until Stop is called or the
// parent context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.worker(ctx, n)
		}(i)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportGauges(ctx)
	}()
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "max_attempts", p.cfg.MaxAttempts)
}

// Stop cancels the workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, n int) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				return
			}
			p.logger.Error("dequeue", "worker", n, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, job)
	}
}

func (p *Pool) handle(ctx context.Context, job *types.QueueJob) {
	log := p.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	log.Info("job claimed")

	var failure *types.Failure
	switch job.Kind {
	case types.JobKindWorkflow:
		failure = p.runWorkflow(ctx, job)
	case types.JobKindStep:
		failure = p.runStep(ctx, job)
	default:
		failure = types.NewFailure(types.CodeQueueError, false, "unknown job kind %q", job.Kind)
	}

	if failure == nil {
		if err := p.queue.Complete(ctx, job.ID); err != nil {
			log.Error("complete job", "error", err)
		}
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "completed").Inc()
		log.Info("job completed")
		return
	}

	if failure.Retryable && job.Attempts < p.cfg.MaxAttempts {
		delay := p.cfg.BackoffBase << (job.Attempts - 1)
		if err := p.queue.Retry(ctx, job.ID, failure, delay); err != nil {
			log.Error("schedule retry", "error", err)
			return
		}
		metrics.JobRetries.Inc()
		log.Warn("job retry scheduled", "delay", delay.String(), "error", failure.Message)
		return
	}

	if err := p.queue.Fail(ctx, job.ID, failure); err != nil {
		log.Error("fail job", "error", err)
	}
	metrics.JobsTotal.WithLabelValues(string(job.Kind), "failed").Inc()
	log.Error("job failed", "code", failure.Code, "error", failure.Message)

	if p.sink != nil && failure.Code != types.CodeCancelled {
		p.sink.HandleExhausted(ctx, job, failure.Error())
	}
}

func (p *Pool) runWorkflow(ctx context.Context, job *types.QueueJob) *types.Failure {
	if job.Pipeline == nil {
		return types.NewFailure(types.CodeQueueError, false, "workflow job %s has no pipeline payload", job.ID)
	}
	opts := &engine.RunOptions{
		Started: func(runID string) {
			if err := p.queue.SetRunID(context.WithoutCancel(ctx), job.ID, runID); err != nil {
				p.logger.Warn("link run to job", "job_id", job.ID, "error", err)
			}
		},
		Progress: func(percent int, message string) {
			if err := p.queue.UpdateProgress(context.WithoutCancel(ctx), job.ID, percent, message); err != nil {
				p.logger.Warn("update job progress", "job_id", job.ID, "error", err)
			}
		},
	}
	run, err := p.executor.Execute(ctx, job.Pipeline, job.Variables, opts)
	if err != nil {
		return types.AsFailure(err)
	}
	switch run.Status {
	case types.RunStatusCompleted:
		return nil
	case types.RunStatusCancelled:
		return types.NewFailure(types.CodeCancelled, false, "run %s cancelled", run.ID)
	default:
		return types.NewFailure(types.CodeProviderError, true, "run %s failed: %s", run.ID, run.Error)
	}
}

func (p *Pool) runStep(ctx context.Context, job *types.QueueJob) *types.Failure {
	if job.Step == nil {
		return types.NewFailure(types.CodeQueueError, false, "step job %s has no step payload", job.ID)
	}
	_, err := p.registry.ExecuteWithPolicy(ctx, job.Step.Provider, job.Step.Config, job.Inputs)
	if err != nil {
		return types.AsFailure(err)
	}
	return nil
}

// reportGauges keeps the queue depth metrics current.
func (p *Pool) reportGauges(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := p.queue.Counts(ctx)
			if err != nil {
				continue
			}
			metrics.QueueWaiting.Set(float64(counts.Waiting + counts.Delayed))
			metrics.QueueActive.Set(float64(counts.Active))
		}
	}
}
