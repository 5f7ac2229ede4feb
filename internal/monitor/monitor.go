package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Config tunes health classification and alerting.
type Config struct {
	// Interval between health checks.
	Interval time.Duration

	// DegradedThreshold is the error rate above which the system is
	// degraded; CriticalThreshold the rate above which it is critical.
	DegradedThreshold float64
	CriticalThreshold float64

	// DeadLetterThreshold raises a resource alert once the dead-letter
	// count reaches it.
	DeadLetterThreshold int
}

func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		DegradedThreshold:   0.05,
		CriticalThreshold:   0.10,
		DeadLetterThreshold: 10,
	}
}

// Monitor periodically classifies queue health, raises alerts on state
// changes, and parks exhausted jobs in the dead-letter store.
type Monitor struct {
	queue   queue.Queue
	letters DeadLetterStore
	alerter *Alerter
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	last   *types.HealthReport
	cancel context.CancelFunc
	done   chan struct{}
}

func New(q queue.Queue, letters DeadLetterStore, alerter *Alerter, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		queue:   q,
		letters: letters,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.With("component", "monitor"),
	}
}

// Start launches the periodic health check loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
	m.logger.Info("monitor started", "interval", m.cfg.Interval.String())
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Check runs one health evaluation and returns the report. An
// unreachable queue classifies as critical.
func (m *Monitor) Check(ctx context.Context) *types.HealthReport {
	report := &types.HealthReport{CheckedAt: time.Now().UTC()}

	counts, err := m.queue.Counts(ctx)
	if err != nil {
		report.State = types.HealthCritical
		m.alerter.Raise(ctx, types.AlertCategoryError, types.AlertSeverityCritical,
			fmt.Sprintf("queue unreachable: %v", err),
			map[string]interface{}{"code": types.CodeQueueError})
		m.store(report)
		return report
	}

	report.Waiting = counts.Waiting + counts.Delayed
	report.Active = counts.Active
	report.Completed = counts.Completed
	report.Failed = counts.Failed
	if total := counts.Completed + counts.Failed; total > 0 {
		report.ErrorRate = float64(counts.Failed) / float64(total)
	}
	if m.letters != nil {
		if n, err := m.letters.Count(ctx); err == nil {
			report.DeadLetters = n
			metrics.DeadLetters.Set(float64(n))
		}
	}

	switch {
	case report.ErrorRate > m.cfg.CriticalThreshold:
		report.State = types.HealthCritical
	case report.ErrorRate > m.cfg.DegradedThreshold:
		report.State = types.HealthDegraded
	default:
		report.State = types.HealthHealthy
	}

	m.raiseForReport(ctx, report)
	m.store(report)
	return report
}

func (m *Monitor) raiseForReport(ctx context.Context, report *types.HealthReport) {
	switch report.State {
	case types.HealthCritical:
		m.alerter.Raise(ctx, types.AlertCategoryError, types.AlertSeverityCritical,
			fmt.Sprintf("error rate %.1f%% exceeds critical threshold", report.ErrorRate*100),
			map[string]interface{}{"error_rate": report.ErrorRate})
	case types.HealthDegraded:
		m.alerter.Raise(ctx, types.AlertCategoryError, types.AlertSeverityHigh,
			fmt.Sprintf("error rate %.1f%% exceeds degraded threshold", report.ErrorRate*100),
			map[string]interface{}{"error_rate": report.ErrorRate})
	default:
		m.mu.Lock()
		recovered := m.last != nil && m.last.State != types.HealthHealthy
		m.mu.Unlock()
		if recovered {
			m.alerter.Raise(ctx, types.AlertCategoryRecovery, types.AlertSeverityLow,
				"error rate back under thresholds", nil)
		}
	}

	if m.cfg.DeadLetterThreshold > 0 && report.DeadLetters >= m.cfg.DeadLetterThreshold {
		m.alerter.Raise(ctx, types.AlertCategoryResource, types.AlertSeverityHigh,
			fmt.Sprintf("%d jobs in the dead-letter store", report.DeadLetters),
			map[string]interface{}{"dead_letters": report.DeadLetters})
	}
}

func (m *Monitor) store(report *types.HealthReport) {
	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	switch report.State {
	case types.HealthHealthy:
		metrics.HealthState.Set(0)
	case types.HealthDegraded:
		metrics.HealthState.Set(1)
	default:
		metrics.HealthState.Set(2)
	}
}

// Health returns the most recent report, running a check if none has
// happened yet.
func (m *Monitor) Health(ctx context.Context) *types.HealthReport {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if last != nil {
		return last
	}
	return m.Check(ctx)
}

// HandleExhausted parks a job that used up its queue-level attempts.
// Idempotent per job ID.
func (m *Monitor) HandleExhausted(ctx context.Context, job *types.QueueJob, reason string) {
	added, err := m.letters.Add(ctx, job, reason)
	if err != nil {
		m.logger.Error("park dead-lettered job", "job_id", job.ID, "error", err)
		return
	}
	if !added {
		return
	}
	if n, err := m.letters.Count(ctx); err == nil {
		metrics.DeadLetters.Set(float64(n))
	}
	m.logger.Warn("job dead-lettered", "job_id", job.ID, "reason", reason)
	m.alerter.Raise(ctx, types.AlertCategoryError, types.AlertSeverityMedium,
		fmt.Sprintf("job %s exhausted its attempts: %s", job.ID, reason),
		map[string]interface{}{"job_id": job.ID})
}

// RetryDeadLetter re-enqueues one parked job with its original payload.
func (m *Monitor) RetryDeadLetter(ctx context.Context, id string) (*types.QueueJob, error) {
	entry, err := m.letters.Take(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := m.queue.Enqueue(ctx, entry.Job)
	if err != nil {
		// Put it back so the job is not lost.
		if _, addErr := m.letters.Add(ctx, entry.Job, entry.Reason); addErr != nil {
			m.logger.Error("restore dead-letter after failed retry", "job_id", id, "error", addErr)
		}
		return nil, err
	}
	m.logger.Info("dead-lettered job re-enqueued", "job_id", id)
	return job, nil
}

// Alerts returns recent alert history.
func (m *Monitor) Alerts() []*types.AlertRecord {
	return m.alerter.History()
}

// ResolveAlert marks an alert resolved. Returns false for unknown ids.
func (m *Monitor) ResolveAlert(id string) bool {
	return m.alerter.Resolve(id)
}

// DeadLetters lists parked jobs.
func (m *Monitor) DeadLetters(ctx context.Context) ([]*Entry, error) {
	return m.letters.List(ctx)
}

// PurgeDeadLetters removes all parked jobs and returns how many.
func (m *Monitor) PurgeDeadLetters(ctx context.Context) (int, error) {
	n, err := m.letters.Purge(ctx)
	if err == nil {
		metrics.DeadLetters.Set(0)
	}
	return n, err
}
