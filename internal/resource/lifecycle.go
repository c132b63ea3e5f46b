package resource

import (
	"context"
	"errors"
	"sync"

	"testbed/internal/readiness"
	"testbed/internal/services"
	"testbed/internal/utils"
	"testbed/pkg/logging"
)

// Driver performs the backend specific work behind a lifecycle.
type Driver interface {
	// Provision makes the resource run. It must not wait for readiness.
	Provision(ctx context.Context) error
	// Release stops the resource. It is also called after a failed
	// Provision, so it must cope with partially provisioned state.
	Release(ctx context.Context) error
}

// Lifecycle implements Start, Stop, Restart and State on top of a Driver.
type Lifecycle struct {
	name   string
	driver Driver

	// mu serializes transitions. stateMu guards state for readers.
	mu      sync.Mutex
	stateMu sync.RWMutex
	state   services.State
}

// NewLifecycle returns an Uninitialized lifecycle for the named service.
func NewLifecycle(name string, driver Driver) *Lifecycle {
	return &Lifecycle{name: name, driver: driver, state: services.StateUninitialized}
}

// State implements services.ManagedResource.
func (l *Lifecycle) State() services.State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

func (l *Lifecycle) setState(s services.State) {
	l.stateMu.Lock()
	prev := l.state
	l.state = s
	l.stateMu.Unlock()
	logging.Debug("Lifecycle", "%s: %s -> %s", l.name, prev, s)
}

// Start provisions the resource. Starting a Running resource does
// nothing. A failed provision is followed by a best-effort release and
// reported as a StartupFailure.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.start(ctx)
}

func (l *Lifecycle) start(ctx context.Context) error {
	if l.State() == services.StateRunning {
		return nil
	}

	l.setState(services.StateStarting)
	if err := l.driver.Provision(ctx); err != nil {
		l.setState(services.StateStopping)
		if relErr := l.driver.Release(ctx); relErr != nil {
			logging.Warn("Lifecycle", "cleanup of %s after failed start: %v", l.name, relErr)
		}
		l.setState(services.StateStopped)
		return startupFailure(l.name, err)
	}
	l.setState(services.StateRunning)
	return nil
}

// Stop releases the resource. Stopping a Stopped or never started
// resource does nothing.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop(ctx)
}

func (l *Lifecycle) stop(ctx context.Context) error {
	switch l.State() {
	case services.StateUninitialized, services.StateStopped:
		return nil
	}

	l.setState(services.StateStopping)
	err := l.driver.Release(ctx)
	l.setState(services.StateStopped)
	return err
}

// Restart stops and then starts the resource.
func (l *Lifecycle) Restart(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.stop(ctx); err != nil {
		return err
	}
	return l.start(ctx)
}

// startupFailure keeps configuration errors and existing startup
// failures as they are and wraps everything else.
func startupFailure(name string, err error) error {
	var cfgErr *services.ConfigurationError
	var sf *services.StartupFailure
	if errors.As(err, &cfgErr) || errors.As(err, &sf) {
		return err
	}
	failure := &services.StartupFailure{Service: name, Err: err}
	var cmdErr *utils.CommandError
	if errors.As(err, &cmdErr) {
		failure.Output = cmdErr.Output()
	}
	return failure
}

// Target is what Ready needs from a resource.
type Target interface {
	readiness.Target
	State() services.State
}

// Ready reports whether t is Running and probe accepts it.
func Ready(t Target, probe readiness.Probe) bool {
	return t.State() == services.StateRunning && probe.Ready(t)
}
