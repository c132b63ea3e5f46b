package services

import (
	"errors"
	"fmt"
	"sync"

	"testbed/internal/property"
	"testbed/internal/readiness"
)

// Definition describes what to run for a service. Which fields matter
// depends on the backend the binding registry picks.
type Definition struct {
	// Image is the container image for container and cluster backends.
	Image string
	// Command is the program for the local process backend.
	Command string
	// Args are startup arguments, also substituted into ${ARGS}.
	Args []string
	// Port is the internal port the application listens on.
	Port int
	// ExpectedLog is the default readiness marker.
	ExpectedLog string
	// Template is a path to a deployment template for cluster backends.
	Template string
	// DeleteImageOnStop removes the pulled image after the container stops.
	DeleteImageOnStop bool
}

// ErrResourceAlreadySet is returned when a second resource is attached.
var ErrResourceAlreadySet = errors.New("managed resource already set")

// Service is a named logical unit of a scenario.
type Service struct {
	name  string
	def   Definition
	props *property.Map

	mu        sync.RWMutex
	preStart  []Hook
	postStart []Hook
	probe     readiness.Probe
	resource  ManagedResource
}

// New creates a service descriptor.
func New(name string, def Definition) *Service {
	return &Service{
		name:  name,
		def:   def,
		props: property.NewMap(),
	}
}

// Name implements property.Owner.
func (s *Service) Name() string { return s.name }

// Definition returns the backend-independent description.
func (s *Service) Definition() Definition { return s.def }

// Property implements property.Owner with the service's own map.
func (s *Service) Property(key string) (string, bool) {
	return s.props.Get(key)
}

// Properties exposes the underlying ordered map.
func (s *Service) Properties() *property.Map { return s.props }

// WithProperty sets a literal property.
func (s *Service) WithProperty(key, value string) *Service {
	s.props.Set(key, property.Literal(value))
	return s
}

// WithDeferredProperty sets a property computed right before start.
func (s *Service) WithDeferredProperty(key string, fn func() string) *Service {
	s.props.Set(key, property.Deferred(fn))
	return s
}

// ResolveDeferred evaluates pending deferred properties in declaration order.
func (s *Service) ResolveDeferred() {
	s.props.ResolveDeferred()
}

// OnPreStart registers a hook that runs after deferred resolution and
// before the resource starts.
func (s *Service) OnPreStart(h Hook) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preStart = append(s.preStart, h)
	return s
}

// OnPostStart registers a hook that runs once the service is ready.
func (s *Service) OnPostStart(h Hook) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postStart = append(s.postStart, h)
	return s
}

// PreStartHooks returns the pre-start hooks in registration order.
func (s *Service) PreStartHooks() []Hook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Hook(nil), s.preStart...)
}

// PostStartHooks returns the post-start hooks in registration order.
func (s *Service) PostStartHooks() []Hook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Hook(nil), s.postStart...)
}

// WithReadiness replaces the default log-marker readiness probe.
func (s *Service) WithReadiness(p readiness.Probe) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = p
	return s
}

// Readiness returns the probe used to decide readiness.
func (s *Service) Readiness() readiness.Probe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.probe != nil {
		return s.probe
	}
	return readiness.LogMarker(s.def.ExpectedLog)
}

// SetResource attaches the managed resource. A service has at most one.
func (s *Service) SetResource(r ManagedResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resource != nil {
		return fmt.Errorf("service %s: %w", s.name, ErrResourceAlreadySet)
	}
	s.resource = r
	return nil
}

// Resource returns the attached resource or nil.
func (s *Service) Resource() ManagedResource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resource
}

// Logs returns the resource's captured output, or nil before it is built.
func (s *Service) Logs() []string {
	if r := s.Resource(); r != nil {
		return r.Logs()
	}
	return nil
}

// IsRunning reports whether the resource is built and ready.
func (s *Service) IsRunning() bool {
	r := s.Resource()
	return r != nil && r.IsRunning()
}
