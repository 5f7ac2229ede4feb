package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// RateMode controls behavior when a provider's rate limit is exceeded.
type RateMode string

const (
	// RateModeReject fails the call immediately with a RATE_LIMITED failure.
	RateModeReject RateMode = "reject"
	// RateModeWait queues the call until the limiter admits it.
	RateModeWait RateMode = "wait"
)

// Policy wraps a provider with rate limiting and timeout enforcement.
type Policy struct {
	// RPS is the sustained call rate (0 = unlimited).
	RPS float64

	// Burst is the limiter burst size (defaults to 1 when RPS > 0).
	Burst int

	// Mode selects reject or wait behavior on limit (default: wait).
	Mode RateMode

	// Timeout bounds a single Execute call (0 = none). The losing call
	// keeps running but its result is discarded.
	Timeout time.Duration
}

type entry struct {
	provider     Provider
	enabled      bool
	limiter      *rate.Limiter
	policy       Policy
	registeredAt time.Time
}

// Registry holds named providers. It is mutated at registration time
// and read-heavy during steady-state execution.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a provider under its name. The name must be unused.
func (r *Registry) Register(p Provider, policy *Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.entries[name]; exists {
		return ErrExists
	}

	e := &entry{
		provider:     p,
		enabled:      true,
		registeredAt: time.Now().UTC(),
	}
	if policy != nil {
		e.policy = *policy
		if policy.RPS > 0 {
			burst := policy.Burst
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(policy.RPS), burst)
		}
	}
	r.entries[name] = e
	return nil
}

// Get returns the provider for name, failing on unknown or disabled names.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.enabled {
		return nil, ErrDisabled
	}
	return e.provider, nil
}

// Enable re-enables a disabled provider.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable makes a provider unavailable without unregistering it.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return ErrNotFound
	}
	e.enabled = enabled
	return nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByKind returns names of providers with the given kind, sorted.
func (r *Registry) ListByKind(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, e := range r.entries {
		if e.provider.Kind() == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListEnabled returns names of enabled providers, sorted.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, e := range r.entries {
		if e.enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Count returns total and enabled provider counts.
func (r *Registry) Count() (total, enabled int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		total++
		if e.enabled {
			enabled++
		}
	}
	return total, enabled
}

type execResult struct {
	outputs map[string]interface{}
	err     error
}

// ExecuteWithPolicy runs the named provider with its configured rate
// limit and timeout applied. All failures come back as *types.Failure.
func (r *Registry) ExecuteWithPolicy(ctx context.Context, name string, config, inputs map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, types.NewFailure(types.CodeProviderNotFound, false, "provider %q is not registered", name)
	}
	if !e.enabled {
		return nil, types.NewFailure(types.CodeProviderDisabled, false, "provider %q is disabled", name)
	}

	if e.limiter != nil {
		switch e.policy.Mode {
		case RateModeReject:
			if !e.limiter.Allow() {
				return nil, types.NewFailure(types.CodeRateLimited, true, "provider %q rate limit exceeded", name)
			}
		default:
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, types.NewFailure(types.CodeCancelled, false, "waiting for provider %q rate limit: %v", name, err)
			}
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.policy.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.policy.Timeout)
		defer cancel()
	}

	// Buffered so a late return after timeout does not leak the goroutine.
	resultCh := make(chan execResult, 1)
	go func() {
		outputs, err := e.provider.Execute(callCtx, config, inputs)
		resultCh <- execResult{outputs: outputs, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, types.AsFailure(res.err)
		}
		return res.outputs, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, types.NewFailure(types.CodeCancelled, false, "provider %q call cancelled", name)
		}
		return nil, types.NewFailure(types.CodeTimeout, true,
			"provider %q timed out after %s", name, e.policy.Timeout)
	}
}
