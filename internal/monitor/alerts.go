package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Sender delivers an alert to an outbound channel. Delivery failure is
// logged and not retried.
type Sender interface {
	Send(ctx context.Context, alert *types.AlertRecord) error
}

// LogSender writes alerts to the structured log. The default sink when
// no external channel is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, alert *types.AlertRecord) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("alert",
		"alert_id", alert.ID,
		"category", alert.Category,
		"severity", alert.Severity,
		"message", alert.Message,
	)
	return nil
}

var _ Sender = (*LogSender)(nil)

// Alerter raises alerts with a per-(category, severity) cooldown: at
// most one alert per window, later triggers inside the window create
// no record and deliver nothing.
type Alerter struct {
	sender   Sender
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	history  []*types.AlertRecord
	maxKeep  int
}

func NewAlerter(sender Sender, cooldown time.Duration, logger *slog.Logger) *Alerter {
	if sender == nil {
		sender = &LogSender{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{
		sender:   sender,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[string]time.Time),
		maxKeep:  200,
	}
}

// Raise creates and delivers an alert unless the (category, severity)
// pair is still cooling down; a suppressed trigger creates no record.
// Returns true when an alert was created.
func (a *Alerter) Raise(ctx context.Context, category types.AlertCategory, severity types.AlertSeverity, message string, extra map[string]interface{}) bool {
	key := string(category) + "/" + string(severity)
	a.mu.Lock()
	last, ok := a.lastSent[key]
	if ok && time.Since(last) < a.cooldown {
		a.mu.Unlock()
		a.logger.Debug("alert suppressed by cooldown", "category", category, "severity", severity)
		return false
	}
	a.lastSent[key] = time.Now()

	record := &types.AlertRecord{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Context:   extra,
	}
	a.history = append(a.history, record)
	if len(a.history) > a.maxKeep {
		a.history = a.history[len(a.history)-a.maxKeep:]
	}
	a.mu.Unlock()

	metrics.AlertsTotal.WithLabelValues(string(category), string(severity)).Inc()
	if err := a.sender.Send(ctx, record); err != nil {
		a.logger.Error("alert delivery failed", "alert_id", record.ID, "error", err)
	}
	return true
}

// History returns recent alerts, newest last.
func (a *Alerter) History() []*types.AlertRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*types.AlertRecord(nil), a.history...)
}

// Resolve marks the alert with the given id resolved. Returns false
// when no such alert is in history.
func (a *Alerter) Resolve(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, record := range a.history {
		if record.ID == id {
			record.Resolved = true
			return true
		}
	}
	return false
}
