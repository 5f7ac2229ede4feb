// Package types provides shared types for the conveyor service.
package types

import (
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the current state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// OnErrorPolicy controls pipeline-level continuation after a step failure.
type OnErrorPolicy string

const (
	// OnErrorStop aborts remaining waves on the first failed step.
	OnErrorStop OnErrorPolicy = "stop"
	// OnErrorContinue proceeds with independent branches; the run is
	// marked failed at the end if any step failed.
	OnErrorContinue OnErrorPolicy = "continue"
	// OnErrorRetry is step-local; at the pipeline level it behaves like
	// continue once step retries are exhausted.
	OnErrorRetry OnErrorPolicy = "retry"
)

// Backoff selects the delay strategy between retry attempts.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy bounds retry behavior for a single step.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts"`

	// Delay is the base delay between attempts.
	Delay time.Duration `json:"delay"`

	// Backoff is "linear" (delay*attempt) or "exponential" (delay*2^(attempt-1)).
	Backoff Backoff `json:"backoff,omitempty"`
}

// NextDelay returns the delay to wait before the given attempt number
// (1-based: attempt 1 already ran and failed).
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Backoff {
	case BackoffExponential:
		return p.Delay * time.Duration(1<<(attempt-1))
	default:
		return p.Delay * time.Duration(attempt)
	}
}

// StepDefinition describes a single step in a pipeline.
type StepDefinition struct {
	// ID is unique within the pipeline.
	ID string `json:"id"`

	// Name is the human-readable step name.
	Name string `json:"name,omitempty"`

	// Kind tags the step (e.g. "script", "transform", "publish").
	Kind string `json:"kind,omitempty"`

	// Provider names the registered execution unit for this step.
	Provider string `json:"provider"`

	// Config is passed through to the provider unchanged.
	Config map[string]interface{} `json:"config,omitempty"`

	// Inputs are literal values or ${...} references resolved per run.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Outputs names the values the provider is expected to populate.
	Outputs []string `json:"outputs,omitempty"`

	// DependsOn lists step IDs that must complete before this step runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Condition is an optional boolean expression gating execution.
	Condition string `json:"condition,omitempty"`

	// Retry overrides the pipeline retry policy for this step.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Timeout bounds a single provider invocation (0 = pipeline default).
	Timeout time.Duration `json:"timeout,omitempty"`
}

// PipelineDefinition describes a full pipeline. It is immutable once a
// run has started.
type PipelineDefinition struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Version string           `json:"version,omitempty"`
	Steps   []StepDefinition `json:"steps"`

	// OnError is the pipeline-level continuation policy.
	OnError OnErrorPolicy `json:"on_error,omitempty"`

	// MaxRetries is the default step attempt count when a step declares
	// no retry policy (0 = single attempt).
	MaxRetries int `json:"max_retries,omitempty"`

	// Timeout bounds the whole run; a run exceeding it fails with a
	// timeout error (0 = no deadline).
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (p *PipelineDefinition) Step(id string) *StepDefinition {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepResult tracks the runtime state of one step within a run.
type StepResult struct {
	StepID     string                 `json:"step_id"`
	Status     StepStatus             `json:"status"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Error      *Failure               `json:"error,omitempty"`

	// RetryCount is the number of re-attempts made (attempts - 1).
	RetryCount int `json:"retry_count"`

	// Logs holds ordered, timestamped attempt log lines.
	Logs []string `json:"logs,omitempty"`
}

// Run is the execution context for a single pipeline run. It is owned
// exclusively by the engine while running and read-only once terminal.
type Run struct {
	ID           string                 `json:"id"`
	PipelineID   string                 `json:"pipeline_id"`
	PipelineName string                 `json:"pipeline_name,omitempty"`
	Status       RunStatus              `json:"status"`
	Variables    map[string]interface{} `json:"variables,omitempty"`
	Steps        map[string]*StepResult `json:"steps"`
	Error        string                 `json:"error,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID           string     `json:"id"`
	PipelineID   string     `json:"pipeline_id"`
	PipelineName string     `json:"pipeline_name,omitempty"`
	Status       RunStatus  `json:"status"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
