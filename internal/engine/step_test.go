package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/provider"
	"github.com/conveyorhq/conveyor/pkg/types"
)

func newTestRegistry(t *testing.T, providers ...provider.Provider) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	for _, p := range providers {
		if err := reg.Register(p, nil); err != nil {
			t.Fatalf("register %s: %v", p.Name(), err)
		}
	}
	return reg
}

func TestStepRunnerRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	reg := newTestRegistry(t, &provider.Func{
		ProviderName: "flaky",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			if calls.Add(1) < 3 {
				return nil, types.NewFailure(types.CodeProviderError, true, "transient")
			}
			return map[string]interface{}{"ok": true}, nil
		},
	})

	sr := &stepRunner{registry: reg}
	step := &types.StepDefinition{
		ID:       "upload",
		Provider: "flaky",
		Retry:    &types.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	}
	res := sr.run(context.Background(), step, map[string]interface{}{})

	if res.Status != types.StepStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %v)", res.Status, res.Error)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
	if res.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", res.RetryCount)
	}
	if res.Outputs["ok"] != true {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestStepRunnerExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	var retryEvents []int
	reg := newTestRegistry(t, &provider.Func{
		ProviderName: "broken",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			calls.Add(1)
			return nil, types.NewFailure(types.CodeProviderError, true, "always fails")
		},
	})

	sr := &stepRunner{
		registry: reg,
		onRetrying: func(stepID string, attempt int, failure *types.Failure) {
			retryEvents = append(retryEvents, attempt)
		},
	}
	step := &types.StepDefinition{
		ID:       "encode",
		Provider: "broken",
		Retry:    &types.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	}
	res := sr.run(context.Background(), step, map[string]interface{}{})

	if res.Status != types.StepStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("provider calls = %d, want exactly 3", got)
	}
	if res.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", res.RetryCount)
	}
	if res.Error == nil || res.Error.Code != types.CodeProviderError {
		t.Errorf("error = %v", res.Error)
	}
	if len(retryEvents) != 2 {
		t.Errorf("retrying callbacks = %v, want two", retryEvents)
	}
	if len(res.Logs) == 0 {
		t.Error("expected attempt log lines")
	}
}

func TestStepRunnerNonRetryableStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	reg := newTestRegistry(t, &provider.Func{
		ProviderName: "strict",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			calls.Add(1)
			return nil, types.NewFailure(types.CodeValidation, false, "bad request")
		},
	})

	sr := &stepRunner{registry: reg}
	step := &types.StepDefinition{
		ID:       "check",
		Provider: "strict",
		Retry:    &types.RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond},
	}
	res := sr.run(context.Background(), step, map[string]interface{}{})

	if res.Status != types.StepStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1 for non-retryable failure", got)
	}
}

func TestStepRunnerExponentialBackoffDelays(t *testing.T) {
	var stamps []time.Time
	reg := newTestRegistry(t, &provider.Func{
		ProviderName: "timed",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			stamps = append(stamps, time.Now())
			return nil, types.NewFailure(types.CodeProviderError, true, "nope")
		},
	})

	sr := &stepRunner{registry: reg}
	step := &types.StepDefinition{
		ID:       "poll",
		Provider: "timed",
		Retry:    &types.RetryPolicy{MaxAttempts: 3, Delay: 20 * time.Millisecond, Backoff: types.BackoffExponential},
	}
	sr.run(context.Background(), step, map[string]interface{}{})

	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])
	if gap1 < 20*time.Millisecond {
		t.Errorf("first gap %s below base delay", gap1)
	}
	if gap2 < 40*time.Millisecond {
		t.Errorf("second gap %s below doubled delay", gap2)
	}
	if gap2 <= gap1 {
		t.Errorf("delays did not increase: %s then %s", gap1, gap2)
	}
}

func TestStepRunnerMissingRequiredInput(t *testing.T) {
	var calls atomic.Int32
	reg := newTestRegistry(t, &provider.Func{
		ProviderName: "needy",
		ProviderKind: "test",
		Required:     []string{"source"},
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			calls.Add(1)
			return map[string]interface{}{}, nil
		},
	})

	sr := &stepRunner{registry: reg}
	step := &types.StepDefinition{ID: "ingest", Provider: "needy"}
	res := sr.run(context.Background(), step, map[string]interface{}{"other": 1})

	if res.Status != types.StepStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != types.CodeMissingInput {
		t.Errorf("error = %v, want MISSING_INPUT", res.Error)
	}
	if calls.Load() != 0 {
		t.Error("provider must not be called when required inputs are missing")
	}
}

func TestStepRunnerTimeout(t *testing.T) {
	reg := newTestRegistry(t, &provider.Func{
		ProviderName: "slow",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			select {
			case <-time.After(2 * time.Second):
				return map[string]interface{}{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	sr := &stepRunner{registry: reg}
	step := &types.StepDefinition{
		ID:       "slowstep",
		Provider: "slow",
		Timeout:  30 * time.Millisecond,
	}
	start := time.Now()
	res := sr.run(context.Background(), step, map[string]interface{}{})

	if res.Status != types.StepStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != types.CodeTimeout {
		t.Errorf("error = %v, want TIMEOUT", res.Error)
	}
	if !res.Error.Retryable {
		t.Error("timeout should be retryable")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("step took %s, should have been cut off by timeout", elapsed)
	}
}
