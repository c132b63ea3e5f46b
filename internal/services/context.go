package services

import (
	"fmt"
	"sync"
	"time"

	"testbed/internal/property"
)

// Environment is the execution-environment marker of a scenario.
type Environment string

const (
	EnvLocal      Environment = "local"
	EnvKubernetes Environment = "kubernetes"
	EnvOpenShift  Environment = "openshift"
)

// ParseEnvironment validates an environment marker. Empty means local.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case "", EnvLocal:
		return EnvLocal, nil
	case EnvKubernetes, EnvOpenShift:
		return Environment(s), nil
	default:
		return "", fmt.Errorf("unknown environment %q (want local, kubernetes or openshift)", s)
	}
}

// Scenario identifies one test run.
type Scenario struct {
	ID          string
	Environment Environment
}

// Well-known side channel keys.
const (
	KeyEndpoint = "endpoint"
	KeyHost     = "host"
	KeyPort     = "port"
)

// Context is the per-service scratch record.
type Context struct {
	service  *Service
	scenario Scenario
	workDir  string
	store    *property.Store

	mu     sync.RWMutex
	values map[string]interface{}
}

// NewContext creates the context for svc within scenario.
func NewContext(svc *Service, scenario Scenario, workDir string, store *property.Store) *Context {
	if store == nil {
		store = property.NewStore(nil, nil)
	}
	return &Context{
		service:  svc,
		scenario: scenario,
		workDir:  workDir,
		store:    store,
		values:   make(map[string]interface{}),
	}
}

// Service returns the owning service.
func (c *Context) Service() *Service { return c.service }

// Name is shorthand for the owning service's name.
func (c *Context) Name() string { return c.service.Name() }

// Scenario returns the scenario this service belongs to.
func (c *Context) Scenario() Scenario { return c.scenario }

// WorkDir returns the service's working directory.
func (c *Context) WorkDir() string { return c.workDir }

// Store returns the property store.
func (c *Context) Store() *property.Store { return c.store }

// HasMarker reports whether env is the active environment.
func (c *Context) HasMarker(env Environment) bool {
	return c.scenario.Environment == env
}

// Put stores a side channel value.
func (c *Context) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get reads a side channel value.
func (c *Context) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString reads a side channel value stored as a string.
func (c *Context) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Property resolves key for the owning service across all tiers.
func (c *Context) Property(key, def string) string {
	return c.store.Get(c.service, key, def)
}

// Duration resolves a duration property, reporting malformed values as
// ConfigurationErrors.
func (c *Context) Duration(key string, def time.Duration) (time.Duration, error) {
	d, err := c.store.Duration(c.service, key, def)
	if err != nil {
		return def, &ConfigurationError{Service: c.Name(), Key: key, Err: err}
	}
	return d, nil
}

// Bool resolves a boolean property.
func (c *Context) Bool(key string, def bool) (bool, error) {
	b, err := c.store.Bool(c.service, key, def)
	if err != nil {
		return def, &ConfigurationError{Service: c.Name(), Key: key, Err: err}
	}
	return b, nil
}

// Int resolves an integer property.
func (c *Context) Int(key string, def int) (int, error) {
	n, err := c.store.Int(c.service, key, def)
	if err != nil {
		return def, &ConfigurationError{Service: c.Name(), Key: key, Err: err}
	}
	return n, nil
}
