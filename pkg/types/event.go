package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowProgress  EventType = "workflow.progress"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepSkipped   EventType = "step.skipped"
	EventStepRetrying  EventType = "step.retrying"

	EventJobProgress EventType = "job.progress"
	EventHello       EventType = "hello"
)

// Event is a single entry in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	StepID    string          `json:"step_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType   `json:"type"`
	StepID string      `json:"step_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// ProgressData is the payload for workflow.progress and job.progress.
type ProgressData struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// StepEventData is the payload for step.* events.
type StepEventData struct {
	Status     StepStatus `json:"status"`
	Error      *Failure   `json:"error,omitempty"`
	RetryCount int        `json:"retry_count,omitempty"`
}

// ToSSE formats the event for the Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
