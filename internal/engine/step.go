package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/provider"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// stepRunner executes a single step through its full retry lifecycle.
type stepRunner struct {
	registry *provider.Registry

	// defaults applied when the step definition carries no policy
	defaultRetry   types.RetryPolicy
	defaultTimeout time.Duration

	// onRetrying is invoked before each re-attempt sleep, with the
	// 1-based count of the attempt that just failed.
	onRetrying func(stepID string, attempt int, failure *types.Failure)
}

// run drives the attempt loop for one step and returns its final result.
// The result is terminal: completed, or failed with the last failure.
func (sr *stepRunner) run(ctx context.Context, step *types.StepDefinition, inputs map[string]interface{}) *types.StepResult {
	now := time.Now().UTC()
	res := &types.StepResult{
		StepID:    step.ID,
		Status:    types.StepStatusRunning,
		StartedAt: &now,
		Inputs:    inputs,
	}

	retry := sr.defaultRetry
	if step.Retry != nil {
		retry = *step.Retry
	}
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = sr.defaultTimeout
	}

	if failure := sr.checkRequired(step, inputs); failure != nil {
		res.Logs = append(res.Logs, logLine("missing input: %s", failure.Message))
		sr.finish(res, failure)
		return res
	}

	var failure *types.Failure
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Logs = append(res.Logs, logLine("attempt %d/%d starting", attempt, maxAttempts))

		outputs, err := sr.attempt(ctx, step, inputs, timeout)
		if err == nil {
			res.Logs = append(res.Logs, logLine("attempt %d/%d completed", attempt, maxAttempts))
			res.Status = types.StepStatusCompleted
			res.Outputs = outputs
			res.RetryCount = attempt - 1
			t := time.Now().UTC()
			res.FinishedAt = &t
			return res
		}

		failure = types.AsFailure(err)
		res.Logs = append(res.Logs, logLine("attempt %d/%d failed: %s", attempt, maxAttempts, failure.Message))
		res.RetryCount = attempt - 1

		if !failure.Retryable || attempt == maxAttempts {
			break
		}
		if ctx.Err() != nil {
			failure = types.NewFailure(types.CodeCancelled, false, "step %s cancelled", step.ID)
			break
		}

		res.Status = types.StepStatusRetrying
		if sr.onRetrying != nil {
			sr.onRetrying(step.ID, attempt, failure)
		}
		delay := retry.NextDelay(attempt)
		res.Logs = append(res.Logs, logLine("retrying in %s", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			failure = types.NewFailure(types.CodeCancelled, false, "step %s cancelled while waiting to retry", step.ID)
		}
		if failure.Code == types.CodeCancelled {
			break
		}
	}

	sr.finish(res, failure)
	return res
}

func (sr *stepRunner) finish(res *types.StepResult, failure *types.Failure) {
	res.Status = types.StepStatusFailed
	res.Error = failure
	t := time.Now().UTC()
	res.FinishedAt = &t
}

// attempt performs one provider call under the step timeout.
func (sr *stepRunner) attempt(ctx context.Context, step *types.StepDefinition, inputs map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	outputs, err := sr.registry.ExecuteWithPolicy(callCtx, step.Provider, step.Config, inputs)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, types.NewFailure(types.CodeTimeout, true,
				"step %s timed out after %s", step.ID, timeout)
		}
		return nil, err
	}
	return outputs, nil
}

// checkRequired verifies the provider's declared required inputs are
// present before the first attempt. A missing input never retries.
func (sr *stepRunner) checkRequired(step *types.StepDefinition, inputs map[string]interface{}) *types.Failure {
	p, err := sr.registry.Get(step.Provider)
	if err != nil {
		return types.AsFailure(err)
	}
	for _, name := range p.RequiredInputs() {
		if _, ok := inputs[name]; !ok {
			return types.NewFailure(types.CodeMissingInput, false,
				"step %s: required input %q not provided", step.ID, name)
		}
	}
	return nil
}

func logLine(format string, args ...interface{}) string {
	return time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
}
