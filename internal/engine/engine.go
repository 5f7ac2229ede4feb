// Package engine drives pipeline runs: scheduling, reference
// resolution, step dispatch, and lifecycle events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/condition"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/planner"
	"github.com/conveyorhq/conveyor/internal/provider"
	"github.com/conveyorhq/conveyor/internal/runstore"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Config controls execution behaviour.
type Config struct {
	// ExecutionMode is "parallel" (bounded by MaxStepConcurrency) or
	// "sequential" (declaration order within a wave).
	ExecutionMode string

	// MaxStepConcurrency bounds in-flight steps within a wave.
	MaxStepConcurrency int

	// DefaultRetry applies to steps with no retry policy of their own.
	DefaultRetry types.RetryPolicy

	// DefaultStepTimeout applies to steps with no timeout of their own.
	DefaultStepTimeout time.Duration
}

// RunOptions carries per-run callbacks.
type RunOptions struct {
	// Started is invoked once the run record exists, before any step
	// dispatches.
	Started func(runID string)

	// Progress is invoked after each step reaches a terminal state,
	// with overall percent complete and a short message.
	Progress func(percent int, message string)
}

// Engine executes pipeline definitions against a provider registry,
// persisting state and events through a run store. Construct with New;
// instances are independent and safe for concurrent use.
type Engine struct {
	registry *provider.Registry
	store    runstore.Store
	cond     *condition.Evaluator
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	started time.Time
}

func New(registry *provider.Registry, store runstore.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxStepConcurrency < 1 {
		cfg.MaxStepConcurrency = 1
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = "parallel"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		store:    store,
		cond:     condition.New(),
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		running:  make(map[string]context.CancelFunc),
		started:  time.Now(),
	}
}

// Validate checks a pipeline definition without executing it: schedule
// construction (duplicates, unknown deps, cycles), provider existence
// and config validity, condition syntax, and reference targets. Every
// ${stepId.outputKey} must name a transitive dependency of its step.
func (e *Engine) Validate(def *types.PipelineDefinition) error {
	if def.ID == "" {
		return types.NewFailure(types.CodeValidation, false, "pipeline id is required")
	}
	if len(def.Steps) == 0 {
		return types.NewFailure(types.CodeValidation, false, "pipeline %s has no steps", def.ID)
	}
	plan, err := planner.Build(def.Steps)
	if err != nil {
		return err
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		stepIDs[def.Steps[i].ID] = true
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		p, err := e.registry.Get(step.Provider)
		if err != nil {
			return types.NewFailure(types.CodeValidation, false,
				"step %s: provider %q: %v", step.ID, step.Provider, err)
		}
		if !p.Validate(step.Config) {
			return types.NewFailure(types.CodeValidation, false,
				"step %s: provider %q rejected config", step.ID, step.Provider)
		}
		if step.Condition != "" {
			if err := e.cond.Check(step.Condition); err != nil {
				return types.NewFailure(types.CodeValidation, false,
					"step %s: condition: %v", step.ID, err)
			}
		}
		for name, raw := range step.Inputs {
			pv, err := ParseValue(raw, stepIDs)
			if err != nil {
				return types.NewFailure(types.CodeValidation, false,
					"step %s: input %q: %v", step.ID, name, err)
			}
			for _, ref := range pv.Refs() {
				if ref.Kind != RefStepOutput {
					continue
				}
				if !plan.Ancestors[step.ID][ref.StepID] {
					return types.NewFailure(types.CodeValidation, false,
						"step %s: input %q references step %q which is not a dependency",
						step.ID, name, ref.StepID)
				}
			}
		}
	}
	return nil
}

// Execute runs a pipeline to completion and returns the final run
// state. The returned error is non-nil only for setup failures; a run
// that starts and then fails is reported through the run's status.
func (e *Engine) Execute(ctx context.Context, def *types.PipelineDefinition, variables map[string]interface{}, opts *RunOptions) (*types.Run, error) {
	if err := e.Validate(def); err != nil {
		return nil, err
	}
	plan, err := planner.Build(def.Steps)
	if err != nil {
		return nil, err
	}

	runID, err := e.store.CreateRun(ctx, def, variables)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if opts != nil && opts.Started != nil {
		opts.Started(runID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, def.Timeout)
		defer cancel()
	}
	e.mu.Lock()
	e.running[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, runID)
		e.mu.Unlock()
	}()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	startedAt := time.Now().UTC()
	if err := e.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, "", &startedAt, nil); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	e.emit(runID, &types.EventInput{Type: types.EventWorkflowStarted, Data: map[string]interface{}{
		"pipeline_id": def.ID,
		"steps":       plan.StepCount(),
	}})
	e.logger.Info("run started", "run_id", runID, "pipeline", def.ID, "waves", len(plan.Waves))

	exec := &runExec{
		engine:    e,
		def:       def,
		plan:      plan,
		runID:     runID,
		variables: variables,
		opts:      opts,
		outputs:   make(map[string]map[string]interface{}),
		results:   make(map[string]*types.StepResult),
	}
	finalStatus, runErr := exec.drive(runCtx)

	finishedAt := time.Now().UTC()
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := e.store.UpdateRunStatus(context.WithoutCancel(ctx), runID, finalStatus, errMsg, nil, &finishedAt); err != nil {
		e.logger.Error("finalize run", "run_id", runID, "error", err)
	}

	metrics.RunsTotal.WithLabelValues(string(finalStatus)).Inc()
	metrics.RunDuration.WithLabelValues(string(finalStatus)).Observe(finishedAt.Sub(startedAt).Seconds())
	switch finalStatus {
	case types.RunStatusCompleted:
		e.emit(runID, &types.EventInput{Type: types.EventWorkflowCompleted})
	case types.RunStatusCancelled:
		e.emit(runID, &types.EventInput{Type: types.EventWorkflowCancelled})
	default:
		e.emit(runID, &types.EventInput{Type: types.EventWorkflowFailed, Data: map[string]interface{}{
			"error": errMsg,
		}})
	}
	e.logger.Info("run finished", "run_id", runID, "status", finalStatus,
		"duration", finishedAt.Sub(startedAt).String())

	return e.store.GetRun(context.WithoutCancel(ctx), runID)
}

// Cancel marks a run cancelled. Steps already running are not killed;
// their results are discarded once cancellation lands, and no further
// wave dispatches.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	if err := e.store.MarkCancelled(ctx, runID); err != nil {
		return err
	}
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	e.logger.Info("run cancel requested", "run_id", runID)
	return nil
}

// Running returns the IDs of runs currently executing in this engine.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns engine diagnostics.
func (e *Engine) Stats() map[string]interface{} {
	total, enabled := e.registry.Count()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]interface{}{
		"running_workflows": len(e.Running()),
		"providers_total":   total,
		"providers_enabled": enabled,
		"execution_mode":    e.cfg.ExecutionMode,
		"max_concurrency":   e.cfg.MaxStepConcurrency,
		"uptime_seconds":    int64(time.Since(e.started).Seconds()),
		"heap_alloc_bytes":  mem.HeapAlloc,
		"heap_objects":      mem.HeapObjects,
		"goroutines":        runtime.NumGoroutine(),
	}
}

func (e *Engine) emit(runID string, input *types.EventInput) {
	if _, err := e.store.AppendEvent(context.Background(), runID, input); err != nil {
		e.logger.Warn("append event", "run_id", runID, "type", input.Type, "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
}

// runExec holds the per-run state the engine mutates while driving
// waves. Outputs and results are only touched from the drive goroutine.
type runExec struct {
	engine    *Engine
	def       *types.PipelineDefinition
	plan      *planner.Plan
	runID     string
	variables map[string]interface{}
	opts      *RunOptions
	outputs   map[string]map[string]interface{}
	results   map[string]*types.StepResult
	done      int
}

func (x *runExec) drive(ctx context.Context) (types.RunStatus, error) {
	onError := x.def.OnError
	if onError == "" {
		onError = types.OnErrorStop
	}

	var firstFailure *types.Failure
	for _, wave := range x.plan.Waves {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.RunStatusFailed, types.NewFailure(types.CodeTimeout, false,
				"pipeline timed out after %s", x.def.Timeout)
		}
		if cancelled, _ := x.engine.store.IsCancelled(context.WithoutCancel(ctx), x.runID); cancelled || ctx.Err() != nil {
			return types.RunStatusCancelled, types.NewFailure(types.CodeCancelled, false, "run cancelled")
		}

		results := x.runWave(ctx, wave)

		// Cancellation that landed mid-wave discards the wave's results.
		if cancelled, _ := x.engine.store.IsCancelled(context.WithoutCancel(ctx), x.runID); cancelled {
			return types.RunStatusCancelled, types.NewFailure(types.CodeCancelled, false, "run cancelled")
		}

		for _, stepID := range wave {
			res := results[stepID]
			x.record(ctx, res)
			if res.Status == types.StepStatusFailed && firstFailure == nil {
				firstFailure = res.Error
			}
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.RunStatusFailed, types.NewFailure(types.CodeTimeout, false,
				"pipeline timed out after %s", x.def.Timeout)
		}
		if firstFailure != nil && onError == types.OnErrorStop {
			return types.RunStatusFailed, firstFailure
		}
	}
	if firstFailure != nil {
		return types.RunStatusFailed, firstFailure
	}
	return types.RunStatusCompleted, nil
}

// runWave executes one wave's steps, sequentially or with bounded
// concurrency, and returns a result per step id.
func (x *runExec) runWave(ctx context.Context, wave []string) map[string]*types.StepResult {
	results := make(map[string]*types.StepResult, len(wave))
	if x.engine.cfg.ExecutionMode == "sequential" || len(wave) == 1 {
		for _, stepID := range wave {
			results[stepID] = x.runStep(ctx, stepID)
		}
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, x.engine.cfg.MaxStepConcurrency)
	for _, stepID := range wave {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res := x.runStep(ctx, id)
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(stepID)
	}
	wg.Wait()
	return results
}

func (x *runExec) runStep(ctx context.Context, stepID string) *types.StepResult {
	step := x.def.Step(stepID)

	if step.Condition != "" && !x.engine.cond.Eval(step.Condition, x.conditionEnv()) {
		return &types.StepResult{StepID: stepID, Status: types.StepStatusSkipped}
	}

	inputs, err := x.resolveInputs(step)
	if err != nil {
		return &types.StepResult{
			StepID: stepID,
			Status: types.StepStatusFailed,
			Error:  types.AsFailure(err),
		}
	}

	x.engine.emit(x.runID, &types.EventInput{Type: types.EventStepStarted, StepID: stepID})
	defaultRetry := x.engine.cfg.DefaultRetry
	if x.def.MaxRetries > 0 {
		defaultRetry = types.RetryPolicy{
			MaxAttempts: x.def.MaxRetries + 1,
			Delay:       x.engine.cfg.DefaultRetry.Delay,
		}
	}
	sr := &stepRunner{
		registry:       x.engine.registry,
		defaultRetry:   defaultRetry,
		defaultTimeout: x.engine.cfg.DefaultStepTimeout,
		onRetrying: func(id string, attempt int, failure *types.Failure) {
			x.engine.emit(x.runID, &types.EventInput{
				Type:   types.EventStepRetrying,
				StepID: id,
				Data:   &types.StepEventData{Status: types.StepStatusRetrying, Error: failure, RetryCount: attempt},
			})
		},
	}
	return sr.run(ctx, step, inputs)
}

// record persists a terminal step result, emits its event, and reports
// progress.
func (x *runExec) record(ctx context.Context, res *types.StepResult) {
	x.results[res.StepID] = res
	if res.Status == types.StepStatusCompleted {
		x.outputs[res.StepID] = res.Outputs
	}
	if err := x.engine.store.SetStepResult(context.WithoutCancel(ctx), x.runID, res); err != nil {
		x.engine.logger.Error("persist step result", "run_id", x.runID, "step", res.StepID, "error", err)
	}

	eventType := types.EventStepCompleted
	switch res.Status {
	case types.StepStatusFailed:
		eventType = types.EventStepFailed
	case types.StepStatusSkipped:
		eventType = types.EventStepSkipped
	}
	x.engine.emit(x.runID, &types.EventInput{
		Type:   eventType,
		StepID: res.StepID,
		Data:   &types.StepEventData{Status: res.Status, Error: res.Error, RetryCount: res.RetryCount},
	})
	metrics.StepsTotal.WithLabelValues(string(res.Status)).Inc()
	if res.StartedAt != nil && res.FinishedAt != nil {
		metrics.StepDuration.WithLabelValues(string(res.Status)).Observe(res.FinishedAt.Sub(*res.StartedAt).Seconds())
	}
	metrics.StepRetries.WithLabelValues(string(res.Status)).Observe(float64(res.RetryCount))

	x.done++
	percent := x.done * 100 / x.plan.StepCount()
	msg := fmt.Sprintf("step %s %s", res.StepID, res.Status)
	x.engine.emit(x.runID, &types.EventInput{
		Type: types.EventWorkflowProgress,
		Data: &types.ProgressData{Percent: percent, Message: msg},
	})
	if x.opts != nil && x.opts.Progress != nil {
		x.opts.Progress(percent, msg)
	}
}

// conditionEnv exposes run variables plus completed step outputs keyed
// by step id.
func (x *runExec) conditionEnv() map[string]interface{} {
	env := make(map[string]interface{}, len(x.variables)+len(x.outputs))
	for k, v := range x.variables {
		env[k] = v
	}
	for id, out := range x.outputs {
		env[id] = out
	}
	return env
}

func (x *runExec) resolveInputs(step *types.StepDefinition) (map[string]interface{}, error) {
	stepIDs := make(map[string]bool, len(x.def.Steps))
	for i := range x.def.Steps {
		stepIDs[x.def.Steps[i].ID] = true
	}
	resolver := &Resolver{
		Variables: x.variables,
		Outputs: func(stepID string) (map[string]interface{}, bool) {
			out, ok := x.outputs[stepID]
			return out, ok
		},
	}
	resolved := make(map[string]interface{}, len(step.Inputs))
	for name, raw := range step.Inputs {
		pv, err := ParseValue(raw, stepIDs)
		if err != nil {
			return nil, types.NewFailure(types.CodeValidation, false,
				"step %s: input %q: %v", step.ID, name, err)
		}
		val, err := resolver.Resolve(pv)
		if err != nil {
			return nil, err
		}
		resolved[name] = val
	}
	return resolved, nil
}
