package services

import (
	"context"
)

// State is the lifecycle state of a managed resource.
type State string

const (
	StateUninitialized State = "Uninitialized"
	StateStarting      State = "Starting"
	StateRunning       State = "Running"
	StateStopping      State = "Stopping"
	StateStopped       State = "Stopped"
)

// ManagedResource is the uniform lifecycle contract every backend implements.
type ManagedResource interface {
	// Start provisions the resource and returns without waiting for
	// readiness. It is a no-op when already Running.
	Start(ctx context.Context) error
	// Stop releases the resource. It is a no-op when Stopped or Uninitialized.
	Stop(ctx context.Context) error
	// Restart is Stop followed by Start.
	Restart(ctx context.Context) error

	// IsRunning reports application readiness without blocking.
	IsRunning() bool
	// State reports the lifecycle state.
	State() State

	// Endpoint returns a URI-like address for the given protocol
	// (http, https, grpc, tcp).
	Endpoint(protocol string) (string, error)
	// Logs returns a copy of the captured output lines.
	Logs() []string
}

// Destroyer is implemented by resources that keep external objects around
// after Stop (cluster deployments) and can delete them at scenario end.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Hook runs around a service start.
type Hook func(ctx context.Context, svc *Service) error
