package types

import "time"

// AlertCategory classifies what triggered an alert.
type AlertCategory string

const (
	AlertCategoryError       AlertCategory = "error"
	AlertCategoryPerformance AlertCategory = "performance"
	AlertCategoryResource    AlertCategory = "resource"
	AlertCategoryRecovery    AlertCategory = "recovery"
)

// AlertSeverity ranks how urgent an alert is.
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertRecord is a single raised alert.
type AlertRecord struct {
	ID        string                 `json:"id"`
	Category  AlertCategory          `json:"category"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Resolved  bool                   `json:"resolved"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// HealthState classifies overall system health.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthCritical HealthState = "critical"
)

// HealthReport is the monitor's aggregate view of the queue.
type HealthReport struct {
	State       HealthState `json:"state"`
	ErrorRate   float64     `json:"error_rate"`
	Waiting     int64       `json:"waiting"`
	Active      int64       `json:"active"`
	Completed   int64       `json:"completed"`
	Failed      int64       `json:"failed"`
	DeadLetters int         `json:"dead_letters"`
	CheckedAt   time.Time   `json:"checked_at"`
}
