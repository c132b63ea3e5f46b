// Package binding selects the backend implementation for a service.
//
// A Registry holds Bindings in registration order. Resolution evaluates every
// predicate against the service context: exactly one match selects its
// factory, no match falls back to the default binding, and more than one
// match is rejected as a configuration error. New backends are added by
// registering a Binding; existing ones are never edited.
package binding

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"testbed/internal/services"
	"testbed/pkg/logging"
)

// Predicate tells whether a binding applies to a service context.
type Predicate func(ctx *services.Context) bool

// Factory builds the managed resource for a service context.
type Factory func(ctx *services.Context) (services.ManagedResource, error)

// Binding pairs a predicate with a factory.
type Binding struct {
	Name       string
	AppliesFor Predicate
	Build      Factory
}

// ErrAmbiguous is wrapped when more than one binding applies.
var ErrAmbiguous = errors.New("more than one binding applies")

// Registry resolves bindings in a fixed order.
type Registry struct {
	mu       sync.RWMutex
	bindings []Binding
	fallback Binding
}

// NewRegistry creates a registry with the binding used when nothing matches.
func NewRegistry(fallback Binding) *Registry {
	return &Registry{fallback: fallback}
}

// Register appends a binding. Names must be unique.
func (r *Registry) Register(b Binding) error {
	if b.Name == "" || b.AppliesFor == nil || b.Build == nil {
		return fmt.Errorf("binding requires a name, a predicate and a factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b.Name == r.fallback.Name {
		return fmt.Errorf("binding %s already registered as default", b.Name)
	}
	for _, existing := range r.bindings {
		if existing.Name == b.Name {
			return fmt.Errorf("binding %s already registered", b.Name)
		}
	}
	r.bindings = append(r.bindings, b)
	return nil
}

// Names returns the registered binding names in order, default last.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.bindings)+1)
	for _, b := range r.bindings {
		names = append(names, b.Name)
	}
	return append(names, r.fallback.Name)
}

// Resolve returns the binding that applies to ctx.
func (r *Registry) Resolve(ctx *services.Context) (Binding, error) {
	r.mu.RLock()
	bindings := append([]Binding(nil), r.bindings...)
	fallback := r.fallback
	r.mu.RUnlock()

	var matched []Binding
	for _, b := range bindings {
		if b.AppliesFor(ctx) {
			matched = append(matched, b)
		}
	}

	switch len(matched) {
	case 0:
		if fallback.Build == nil {
			return Binding{}, &services.ConfigurationError{
				Service: ctx.Name(),
				Err:     fmt.Errorf("no binding applies and no default is registered"),
			}
		}
		return fallback, nil
	case 1:
		return matched[0], nil
	default:
		names := make([]string, len(matched))
		for i, b := range matched {
			names[i] = b.Name
		}
		return Binding{}, &services.ConfigurationError{
			Service: ctx.Name(),
			Err:     fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(names, ", ")),
		}
	}
}

// Build resolves the binding for ctx, builds the resource and attaches it
// to the service.
func (r *Registry) Build(ctx *services.Context) (services.ManagedResource, error) {
	b, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	logging.Debug("Binding", "Service %s bound to %s", ctx.Name(), b.Name)

	res, err := b.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("binding %s failed to build service %s: %w", b.Name, ctx.Name(), err)
	}
	if err := ctx.Service().SetResource(res); err != nil {
		return nil, err
	}
	return res, nil
}

// EnvironmentIs is the usual predicate: the scenario runs in env.
func EnvironmentIs(env services.Environment) Predicate {
	return func(ctx *services.Context) bool {
		return ctx.HasMarker(env)
	}
}
