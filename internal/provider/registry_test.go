package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/pkg/types"
)

func fakeProvider(name, kind string) *Func {
	return &Func{
		ProviderName: name,
		ProviderKind: kind,
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(fakeProvider("script", "ai"), nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(fakeProvider("script", "ai"), nil); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Register() error = %v, want ErrExists", err)
	}
}

func TestRegistry_GetUnknownAndDisabled(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	r.Register(fakeProvider("voice", "ai"), nil)
	if err := r.Disable("voice"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if _, err := r.Get("voice"); !errors.Is(err, ErrDisabled) {
		t.Errorf("Get(disabled) error = %v, want ErrDisabled", err)
	}
	if err := r.Enable("voice"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if _, err := r.Get("voice"); err != nil {
		t.Errorf("Get(re-enabled) error = %v", err)
	}
}

func TestRegistry_Listing(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeProvider("b-voice", "ai"), nil)
	r.Register(fakeProvider("a-script", "ai"), nil)
	r.Register(fakeProvider("store", "storage"), nil)
	r.Disable("store")

	got := r.List()
	want := []string{"a-script", "b-voice", "store"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}

	if byKind := r.ListByKind("ai"); len(byKind) != 2 {
		t.Errorf("ListByKind(ai) = %v", byKind)
	}
	if enabled := r.ListEnabled(); len(enabled) != 2 {
		t.Errorf("ListEnabled() = %v", enabled)
	}
	total, enabled := r.Count()
	if total != 3 || enabled != 2 {
		t.Errorf("Count() = %d, %d, want 3, 2", total, enabled)
	}
}

func TestExecuteWithPolicy_UnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.ExecuteWithPolicy(context.Background(), "ghost", nil, nil)

	var failure *types.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error is %T, want *types.Failure", err)
	}
	if failure.Code != types.CodeProviderNotFound {
		t.Errorf("code = %q, want %q", failure.Code, types.CodeProviderNotFound)
	}
	if failure.Retryable {
		t.Error("provider-not-found must not be retryable")
	}
}

func TestExecuteWithPolicy_Timeout(t *testing.T) {
	r := NewRegistry()
	slow := &Func{
		ProviderName: "slow",
		ProviderKind: "util",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			select {
			case <-time.After(time.Second):
				return map[string]interface{}{"late": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	r.Register(slow, &Policy{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := r.ExecuteWithPolicy(context.Background(), "slow", nil, nil)
	elapsed := time.Since(start)

	var failure *types.Failure
	if !errors.As(err, &failure) || failure.Code != types.CodeTimeout {
		t.Fatalf("error = %v, want TIMEOUT failure", err)
	}
	if !failure.Retryable {
		t.Error("timeout must be retryable")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("timeout raced too slowly: %s", elapsed)
	}
}

func TestExecuteWithPolicy_RateLimitReject(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeProvider("limited", "util"), &Policy{
		RPS:   1,
		Burst: 1,
		Mode:  RateModeReject,
	})

	ctx := context.Background()
	if _, err := r.ExecuteWithPolicy(ctx, "limited", nil, nil); err != nil {
		t.Fatalf("first call error = %v", err)
	}

	_, err := r.ExecuteWithPolicy(ctx, "limited", nil, nil)
	var failure *types.Failure
	if !errors.As(err, &failure) || failure.Code != types.CodeRateLimited {
		t.Fatalf("second call error = %v, want RATE_LIMITED", err)
	}
}

func TestExecuteWithPolicy_ProviderError(t *testing.T) {
	r := NewRegistry()
	failing := &Func{
		ProviderName: "broken",
		ProviderKind: "util",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			return nil, errors.New("upstream 500")
		},
	}
	r.Register(failing, nil)

	_, err := r.ExecuteWithPolicy(context.Background(), "broken", nil, nil)
	var failure *types.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error is %T, want *types.Failure", err)
	}
	if failure.Code != types.CodeProviderError || !failure.Retryable {
		t.Errorf("failure = %+v, want retryable PROVIDER_ERROR", failure)
	}
}
