package types

import "fmt"

// Error codes carried on user-visible failures.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeMissingInput     = "MISSING_INPUT"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeQueueError       = "QUEUE_ERROR"
	CodeProviderNotFound = "PROVIDER_NOT_FOUND"
	CodeProviderDisabled = "PROVIDER_DISABLED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeCancelled        = "CANCELLED"
)

// Failure is the structured error surfaced at the job-status and event
// boundary. Raw stack traces never cross that boundary.
type Failure struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// NewFailure builds a Failure with the given code and formatted message.
func NewFailure(code string, retryable bool, format string, args ...interface{}) *Failure {
	return &Failure{
		Message:   fmt.Sprintf(format, args...),
		Code:      code,
		Retryable: retryable,
	}
}

// AsFailure converts an arbitrary error into a Failure. Existing
// failures pass through unchanged; anything else is treated as a
// retryable provider error.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return &Failure{Message: err.Error(), Code: CodeProviderError, Retryable: true}
}
