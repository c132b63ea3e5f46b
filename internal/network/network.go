// Package network hands out container networks per scenario.
//
// In ModeShared every scenario joins one process-wide network, created on
// first use. In ModeNew each scenario gets its own network, named after a
// random UUID, so parallel scenarios cannot see each other.
package network

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"testbed/pkg/logging"
)

// Mode selects how networks are shared between scenarios.
type Mode string

const (
	ModeShared Mode = "shared"
	ModeNew    Mode = "new"
)

// SharedName is the name of the process-wide network.
const SharedName = "testbed"

// ParseMode maps a configured mode; empty means ModeShared.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeShared:
		return ModeShared, nil
	case ModeNew:
		return ModeNew, nil
	default:
		return "", fmt.Errorf("unknown network mode %q", s)
	}
}

// Creator creates and removes networks. *containerizer.DockerRuntime
// satisfies it.
type Creator interface {
	CreateNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
}

// Registry tracks the networks it created.
type Registry struct {
	creator Creator

	mu       sync.Mutex
	shared   string
	scenario map[string]string
	newName  func() string
}

// NewRegistry returns a registry backed by creator.
func NewRegistry(creator Creator) *Registry {
	return &Registry{
		creator:  creator,
		scenario: make(map[string]string),
		newName:  func() string { return "testbed-" + uuid.NewString() },
	}
}

// Acquire returns the network name for scenarioID under mode, creating it
// if needed.
func (r *Registry) Acquire(ctx context.Context, scenarioID string, mode Mode) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch mode {
	case ModeNew:
		if name, ok := r.scenario[scenarioID]; ok {
			return name, nil
		}
		name := r.newName()
		if _, err := r.creator.CreateNetwork(ctx, name); err != nil {
			return "", err
		}
		logging.Debug("Network", "Created network %s for scenario %s", name, scenarioID)
		r.scenario[scenarioID] = name
		return name, nil
	default:
		if r.shared != "" {
			return r.shared, nil
		}
		if _, err := r.creator.CreateNetwork(ctx, SharedName); err != nil && !alreadyExists(err) {
			return "", err
		}
		r.shared = SharedName
		return r.shared, nil
	}
}

// Release removes the per-scenario network of scenarioID, if any. The
// shared network is kept until Close.
func (r *Registry) Release(ctx context.Context, scenarioID string) error {
	r.mu.Lock()
	name, ok := r.scenario[scenarioID]
	delete(r.scenario, scenarioID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.creator.RemoveNetwork(ctx, name)
}

// Close removes every network still held, including the shared one.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.scenario)+1)
	for _, n := range r.scenario {
		names = append(names, n)
	}
	if r.shared != "" {
		names = append(names, r.shared)
	}
	r.scenario = make(map[string]string)
	r.shared = ""
	r.mu.Unlock()

	var firstErr error
	for _, n := range names {
		if err := r.creator.RemoveNetwork(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func alreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}
