// Package provider defines the pluggable execution unit contract and a
// typed registry with per-provider execution policy.
package provider

import (
	"context"
	"errors"
)

// Common errors returned by the registry.
var (
	ErrNotFound = errors.New("provider not found")
	ErrExists   = errors.New("provider already registered")
	ErrDisabled = errors.New("provider disabled")
)

// Provider is a named execution unit. The core never inspects provider
// internals; it only drives this contract.
type Provider interface {
	// Name is the unique registry key.
	Name() string

	// Kind tags the capability family (e.g. "script", "storage").
	Kind() string

	// Execute performs the unit of work. Implementations should honor
	// ctx cancellation; the registry discards late results regardless.
	Execute(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error)

	// Validate reports whether the given config is usable.
	Validate(config map[string]interface{}) bool

	// RequiredInputs names the inputs Execute needs present.
	RequiredInputs() []string

	// Outputs names the values Execute populates on success.
	Outputs() []string
}

// Func adapts a plain function to the Provider interface. Used for
// built-in units and in tests.
type Func struct {
	ProviderName string
	ProviderKind string
	Required     []string
	Produces     []string
	ValidateFn   func(config map[string]interface{}) bool
	Fn           func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error)
}

func (f *Func) Name() string { return f.ProviderName }
func (f *Func) Kind() string { return f.ProviderKind }

func (f *Func) Execute(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
	return f.Fn(ctx, config, inputs)
}

func (f *Func) Validate(config map[string]interface{}) bool {
	if f.ValidateFn == nil {
		return true
	}
	return f.ValidateFn(config)
}

func (f *Func) RequiredInputs() []string { return f.Required }
func (f *Func) Outputs() []string        { return f.Produces }

var _ Provider = (*Func)(nil)
