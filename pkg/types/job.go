package types

import "time"

// JobKind distinguishes whole-pipeline jobs from single-step jobs.
type JobKind string

const (
	JobKindWorkflow JobKind = "workflow"
	JobKindStep     JobKind = "step"
)

// JobStatus represents the queue-level state of a job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// QueueJob is the persisted record backing an asynchronous execution.
// Job IDs are idempotent: the pipeline ID for workflow jobs, and
// "<pipelineID>-<stepID>" for step jobs, so re-submitting the same
// logical unit does not create a duplicate.
type QueueJob struct {
	ID   string  `json:"id"`
	Kind JobKind `json:"kind"`

	// Workflow payload.
	Pipeline  *PipelineDefinition    `json:"pipeline,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`

	// Step payload.
	Step   *StepDefinition        `json:"step,omitempty"`
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`

	// Progress is 0-100 with a free-form message.
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`

	Error *Failure `json:"error,omitempty"`

	// RunID links a workflow job to the run it produced.
	RunID string `json:"run_id,omitempty"`

	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// JobID returns the idempotent ID for a job payload.
func JobID(kind JobKind, pipelineID, stepID string) string {
	if kind == JobKindStep {
		return pipelineID + "-" + stepID
	}
	return pipelineID
}
