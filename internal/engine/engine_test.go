package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/provider"
	"github.com/conveyorhq/conveyor/internal/runstore"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// recorder is a provider that records execution order and echoes a
// configurable output map.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) provider() *provider.Func {
	return &provider.Func{
		ProviderName: "record",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			id, _ := config["id"].(string)
			r.mu.Lock()
			r.order = append(r.order, id)
			r.mu.Unlock()
			out := map[string]interface{}{"id": id}
			for k, v := range inputs {
				out[k] = v
			}
			return out, nil
		},
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newTestEngine(t *testing.T, providers ...provider.Provider) (*Engine, runstore.Store) {
	t.Helper()
	store := runstore.NewMemoryStore(runstore.DefaultConfig())
	t.Cleanup(func() { store.Close() })
	reg := newTestRegistry(t, providers...)
	eng := New(reg, store, Config{MaxStepConcurrency: 4}, nil)
	return eng, store
}

func recordStep(id string, deps ...string) types.StepDefinition {
	return types.StepDefinition{
		ID:        id,
		Provider:  "record",
		Config:    map[string]interface{}{"id": id},
		DependsOn: deps,
	}
}

func TestExecuteFanout(t *testing.T) {
	rec := &recorder{}
	eng, _ := newTestEngine(t, rec.provider())

	def := &types.PipelineDefinition{
		ID:   "fanout",
		Name: "Fanout",
		Steps: []types.StepDefinition{
			recordStep("a"),
			recordStep("b", "a"),
			recordStep("c", "a"),
		},
	}
	run, err := eng.Execute(context.Background(), def, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if run.Status != types.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed (error: %s)", run.Status, run.Error)
	}
	if len(run.Steps) != 3 {
		t.Fatalf("step results = %d, want 3", len(run.Steps))
	}
	for id, res := range run.Steps {
		if res.Status != types.StepStatusCompleted {
			t.Errorf("step %s status = %s", id, res.Status)
		}
	}
	order := rec.seen()
	if order[0] != "a" {
		t.Errorf("a must run first, got order %v", order)
	}
	if len(order) != 3 {
		t.Errorf("executions = %v, want 3", order)
	}
}

func TestExecuteStepOutputReference(t *testing.T) {
	eng, _ := newTestEngine(t,
		&provider.Func{
			ProviderName: "produce",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"path": "/tmp/out.mp4", "frames": 240}, nil
			},
		},
		&provider.Func{
			ProviderName: "consume",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"got": inputs["src"], "label": inputs["label"]}, nil
			},
		},
	)

	def := &types.PipelineDefinition{
		ID: "refchain",
		Steps: []types.StepDefinition{
			{ID: "render", Provider: "produce"},
			{
				ID:        "publish",
				Provider:  "consume",
				DependsOn: []string{"render"},
				Inputs: map[string]interface{}{
					"src":   "${render.path}",
					"label": "clip-${render.frames}",
				},
			},
		},
	}
	run, err := eng.Execute(context.Background(), def, map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != types.RunStatusCompleted {
		t.Fatalf("run status = %s (error: %s)", run.Status, run.Error)
	}
	pub := run.Steps["publish"]
	if pub.Outputs["got"] != "/tmp/out.mp4" {
		t.Errorf("src = %v", pub.Outputs["got"])
	}
	if pub.Outputs["label"] != "clip-240" {
		t.Errorf("label = %v", pub.Outputs["label"])
	}
}

func TestExecuteOnErrorStop(t *testing.T) {
	var downstream atomic.Int32
	eng, _ := newTestEngine(t,
		&provider.Func{
			ProviderName: "boom",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				return nil, types.NewFailure(types.CodeProviderError, false, "exploded")
			},
		},
		&provider.Func{
			ProviderName: "after",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				downstream.Add(1)
				return map[string]interface{}{}, nil
			},
		},
	)

	def := &types.PipelineDefinition{
		ID:      "stops",
		OnError: types.OnErrorStop,
		Steps: []types.StepDefinition{
			{ID: "first", Provider: "boom"},
			{ID: "second", Provider: "after", DependsOn: []string{"first"}},
		},
	}
	run, err := eng.Execute(context.Background(), def, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if downstream.Load() != 0 {
		t.Error("downstream step must not run after stop")
	}
	// Downstream never got a terminal result.
	if res := run.Steps["second"]; res.Status != types.StepStatusPending {
		t.Errorf("second status = %s, want pending", res.Status)
	}
	if !strings.Contains(run.Error, "exploded") {
		t.Errorf("run error = %q", run.Error)
	}
}

func TestExecuteOnErrorContinue(t *testing.T) {
	eng, _ := newTestEngine(t,
		&provider.Func{
			ProviderName: "boom",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				return nil, types.NewFailure(types.CodeProviderError, false, "exploded")
			},
		},
		&provider.Func{
			ProviderName: "ok",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{}, nil
			},
		},
	)

	def := &types.PipelineDefinition{
		ID:      "continues",
		OnError: types.OnErrorContinue,
		Steps: []types.StepDefinition{
			{ID: "bad", Provider: "boom"},
			{ID: "good", Provider: "ok"},
			{ID: "tail", Provider: "ok", DependsOn: []string{"good"}},
		},
	}
	run, err := eng.Execute(context.Background(), def, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed once any step failed", run.Status)
	}
	if run.Steps["good"].Status != types.StepStatusCompleted {
		t.Errorf("good status = %s", run.Steps["good"].Status)
	}
	if run.Steps["tail"].Status != types.StepStatusCompleted {
		t.Errorf("tail status = %s, independent branch should proceed", run.Steps["tail"].Status)
	}
	if run.Steps["bad"].Status != types.StepStatusFailed {
		t.Errorf("bad status = %s", run.Steps["bad"].Status)
	}
}

func TestExecuteConditionSkips(t *testing.T) {
	var ran atomic.Int32
	eng, _ := newTestEngine(t, &provider.Func{
		ProviderName: "ok",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			ran.Add(1)
			return map[string]interface{}{}, nil
		},
	})

	def := &types.PipelineDefinition{
		ID: "conditional",
		Steps: []types.StepDefinition{
			{ID: "always", Provider: "ok"},
			{ID: "never", Provider: "ok", Condition: `env == "production"`},
		},
	}
	run, err := eng.Execute(context.Background(), def, map[string]interface{}{"env": "staging"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != types.RunStatusCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.Steps["never"].Status != types.StepStatusSkipped {
		t.Errorf("never status = %s, want skipped", run.Steps["never"].Status)
	}
	if ran.Load() != 1 {
		t.Errorf("provider ran %d times, want 1", ran.Load())
	}
}

func TestExecuteCancellation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	eng, store := newTestEngine(t,
		&provider.Func{
			ProviderName: "fast",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"done": true}, nil
			},
		},
		&provider.Func{
			ProviderName: "blocker",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				select {
				case started <- struct{}{}:
				default:
				}
				select {
				case <-release:
					return map[string]interface{}{}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	)
	defer close(release)

	def := &types.PipelineDefinition{
		ID: "cancellable",
		Steps: []types.StepDefinition{
			{ID: "head", Provider: "fast"},
			{ID: "block", Provider: "blocker", DependsOn: []string{"head"}},
			{ID: "tail", Provider: "fast", DependsOn: []string{"block"}},
		},
	}

	type outcome struct {
		run *types.Run
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		run, err := eng.Execute(context.Background(), def, nil, nil)
		ch <- outcome{run, err}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never started")
	}

	running := eng.Running()
	if len(running) != 1 {
		t.Fatalf("running = %v, want one run", running)
	}
	if err := eng.Cancel(context.Background(), running[0]); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var out outcome
	select {
	case out = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if out.err != nil {
		t.Fatalf("Execute: %v", out.err)
	}
	if out.run.Status != types.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", out.run.Status)
	}
	// Completed results from before cancellation are retained unchanged.
	if out.run.Steps["head"].Status != types.StepStatusCompleted {
		t.Errorf("head status = %s, want completed", out.run.Steps["head"].Status)
	}
	// The wave that was in flight when cancellation landed is discarded.
	if s := out.run.Steps["block"].Status; s.Terminal() {
		t.Errorf("block status = %s, in-flight result must be ignored", s)
	}
	if s := out.run.Steps["tail"].Status; s != types.StepStatusPending {
		t.Errorf("tail status = %s, want pending", s)
	}

	if cancelled, _ := store.IsCancelled(context.Background(), out.run.ID); !cancelled {
		t.Error("store should report run cancelled")
	}
	if len(eng.Running()) != 0 {
		t.Error("run should be removed from running set")
	}
}

func TestExecuteSequentialMode(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var inFlight, maxInFlight int
	eng, _ := func() (*Engine, runstore.Store) {
		store := runstore.NewMemoryStore(runstore.DefaultConfig())
		t.Cleanup(func() { store.Close() })
		reg := newTestRegistry(t, &provider.Func{
			ProviderName: "record",
			ProviderKind: "test",
			Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
				id, _ := config["id"].(string)
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				order = append(order, id)
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return map[string]interface{}{}, nil
			},
		})
		return New(reg, store, Config{ExecutionMode: "sequential", MaxStepConcurrency: 4}, nil), store
	}()

	// One wave of three independent steps.
	def := &types.PipelineDefinition{
		ID: "ordered",
		Steps: []types.StepDefinition{
			recordStep("first"),
			recordStep("second"),
			recordStep("third"),
		},
	}
	run, err := eng.Execute(context.Background(), def, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != types.RunStatusCompleted {
		t.Fatalf("run status = %s (error: %s)", run.Status, run.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max in-flight steps = %d, want 1", maxInFlight)
	}
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want declaration order %v", order, want)
		}
	}
}

func TestValidateRejectsBadPipelines(t *testing.T) {
	eng, _ := newTestEngine(t, &provider.Func{
		ProviderName: "ok",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		},
	})

	tests := []struct {
		name string
		def  types.PipelineDefinition
	}{
		{
			name: "unknown provider",
			def: types.PipelineDefinition{ID: "p", Steps: []types.StepDefinition{
				{ID: "a", Provider: "nope"},
			}},
		},
		{
			name: "cycle",
			def: types.PipelineDefinition{ID: "p", Steps: []types.StepDefinition{
				{ID: "a", Provider: "ok", DependsOn: []string{"b"}},
				{ID: "b", Provider: "ok", DependsOn: []string{"a"}},
			}},
		},
		{
			name: "output reference to non-dependency",
			def: types.PipelineDefinition{ID: "p", Steps: []types.StepDefinition{
				{ID: "a", Provider: "ok"},
				{ID: "b", Provider: "ok", Inputs: map[string]interface{}{"x": "${a.out}"}},
			}},
		},
		{
			name: "denied condition",
			def: types.PipelineDefinition{ID: "p", Steps: []types.StepDefinition{
				{ID: "a", Provider: "ok", Condition: `exec("rm -rf /")`},
			}},
		},
		{
			name: "no steps",
			def:  types.PipelineDefinition{ID: "p"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.Validate(&tt.def); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}

	good := types.PipelineDefinition{ID: "p", Steps: []types.StepDefinition{
		{ID: "a", Provider: "ok"},
		{ID: "b", Provider: "ok", DependsOn: []string{"a"}, Inputs: map[string]interface{}{"x": "${a.out}"}},
	}}
	if err := eng.Validate(&good); err != nil {
		t.Errorf("valid pipeline rejected: %v", err)
	}
}

func TestExecuteProgressCallback(t *testing.T) {
	eng, _ := newTestEngine(t, &provider.Func{
		ProviderName: "ok",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		},
	})

	var mu sync.Mutex
	var percents []int
	def := &types.PipelineDefinition{
		ID: "progress",
		Steps: []types.StepDefinition{
			{ID: "a", Provider: "ok"},
			{ID: "b", Provider: "ok", DependsOn: []string{"a"}},
		},
	}
	_, err := eng.Execute(context.Background(), def, nil, &RunOptions{
		Progress: func(percent int, message string) {
			mu.Lock()
			percents = append(percents, percent)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(percents) != 2 || percents[0] != 50 || percents[1] != 100 {
		t.Errorf("progress percents = %v, want [50 100]", percents)
	}
}

func TestExecuteEventStream(t *testing.T) {
	eng, store := newTestEngine(t, &provider.Func{
		ProviderName: "ok",
		ProviderKind: "test",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		},
	})

	def := &types.PipelineDefinition{
		ID:    "evented",
		Steps: []types.StepDefinition{{ID: "only", Provider: "ok"}},
	}
	run, err := eng.Execute(context.Background(), def, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events, err := store.EventsSince(context.Background(), run.ID, "")
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	counts := map[types.EventType]int{}
	for _, ev := range events {
		counts[ev.Type]++
	}
	for _, want := range []types.EventType{
		types.EventWorkflowStarted,
		types.EventStepStarted,
		types.EventStepCompleted,
		types.EventWorkflowCompleted,
	} {
		if counts[want] != 1 {
			t.Errorf("event %s count = %d, want exactly 1", want, counts[want])
		}
	}
}
