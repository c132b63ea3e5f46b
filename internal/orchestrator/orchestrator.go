package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"testbed/internal/binding"
	"testbed/internal/config"
	"testbed/internal/containerizer"
	"testbed/internal/logwatch"
	"testbed/internal/network"
	"testbed/internal/property"
	"testbed/internal/readiness"
	"testbed/internal/resource"
	"testbed/internal/services"
	"testbed/internal/utils"
	"testbed/pkg/logging"
)

// logTailLines is how much output a ReadinessTimeout carries.
const logTailLines = 20

// Config holds what New needs to set up a scenario.
type Config struct {
	Scenario config.Scenario
	// ID identifies the run. A name derived from the scenario name is
	// generated when empty.
	ID string
	// Globals are process-wide properties, e.g. from --set flags. They
	// override the scenario's own framework settings.
	Globals map[string]string
	// Sink receives mirrored service output. Nil disables mirroring.
	Sink logwatch.Sink
	// Bindings replaces the built-in backend selection.
	Bindings *binding.Registry
	// Runner executes external commands for the built-in backends.
	Runner utils.Runner
	// Networks is the registry shared by every scenario of the process.
	// Its owner closes it; Stop only releases this scenario's network.
	// A private registry is created and closed on Stop when nil.
	Networks *network.Registry
}

// Orchestrator drives the services of one scenario.
type Orchestrator struct {
	scenario config.Scenario
	info     services.Scenario
	store    *property.Store
	networks *network.Registry
	// ownsNetworks is set when networks was created by New.
	ownsNetworks bool

	services []*services.Service
	contexts map[string]*services.Context

	mu      sync.Mutex
	started []*services.Service
}

// New builds the descriptor, context and managed resource of every
// service. Nothing is started yet.
func New(cfg Config) (*Orchestrator, error) {
	scenario := cfg.Scenario
	if err := config.Validate(scenario); err != nil {
		return nil, err
	}
	env, err := services.ParseEnvironment(scenario.Environment)
	if err != nil {
		return nil, &services.ConfigurationError{Key: "environment", Err: err}
	}

	id := cfg.ID
	if id == "" {
		id = newRunID(scenario.Name)
	}

	file, err := property.LoadFile(scenario.PropertiesFile)
	if err != nil {
		return nil, &services.ConfigurationError{Key: "propertiesFile", Err: err}
	}
	globals := property.NewGlobals()
	for k, v := range scenario.Globals() {
		globals.Set(k, v)
	}
	for k, v := range cfg.Globals {
		globals.Set(k, v)
	}

	o := &Orchestrator{
		scenario: scenario,
		info:     services.Scenario{ID: id, Environment: env},
		store:    property.NewStore(file, globals),
		networks: cfg.Networks,
		contexts: make(map[string]*services.Context),
	}

	bindings := cfg.Bindings
	if bindings == nil {
		if bindings, err = o.defaultBindings(cfg); err != nil {
			return nil, err
		}
	}

	o.services = config.BuildServices(scenario, o.Lookup)
	for _, svc := range o.services {
		workDir := filepath.Join(scenario.WorkDir, id, svc.Name())
		sctx := services.NewContext(svc, o.info, workDir, o.store)
		o.contexts[svc.Name()] = sctx
		if _, err := bindings.Build(sctx); err != nil {
			return nil, err
		}
	}

	logging.Info("Orchestrator", "Scenario %s initialized with %d services in %s", id, len(o.services), env)
	return o, nil
}

func (o *Orchestrator) defaultBindings(cfg Config) (*binding.Registry, error) {
	runner := cfg.Runner
	if runner == nil {
		runner = utils.ExecRunner{Timeout: o.scenario.CommandTimeout.Std()}
	}
	runtime := containerizer.NewDockerRuntime(o.scenario.ContainerRuntime, runner)

	b := &Backends{
		Runner:             runner,
		Runtime:            runtime,
		Sink:               cfg.Sink,
		KubeContext:        o.scenario.Kubernetes.Context,
		KubeNamespace:      o.scenario.Kubernetes.Namespace,
		KubePortForward:    o.scenario.Kubernetes.PortForward,
		OpenShiftBinary:    o.scenario.OpenShift.Binary,
		OpenShiftNamespace: o.scenario.OpenShift.Namespace,
	}
	if o.scenario.Network.Mode != "" {
		mode, err := network.ParseMode(o.scenario.Network.Mode)
		if err != nil {
			return nil, &services.ConfigurationError{Key: "network.mode", Err: err}
		}
		if o.networks == nil {
			o.networks = network.NewRegistry(runtime)
			o.ownsNetworks = true
		}
		b.Networks = o.networks
		b.NetworkMode = mode
	}
	return DefaultBindings(b)
}

func newRunID(name string) string {
	suffix := uuid.NewString()[:8]
	if name == "" {
		return "run-" + suffix
	}
	return resource.DNSName(name + "-" + suffix)
}

// ID returns the run identifier.
func (o *Orchestrator) ID() string { return o.info.ID }

// Store returns the property store shared by all services.
func (o *Orchestrator) Store() *property.Store { return o.store }

// Services returns the services in declaration order.
func (o *Orchestrator) Services() []*services.Service {
	return append([]*services.Service(nil), o.services...)
}

// Service returns the named service, e.g. to register hooks before Start.
func (o *Orchestrator) Service(name string) (*services.Service, bool) {
	sctx, ok := o.contexts[name]
	if !ok {
		return nil, false
	}
	return sctx.Service(), true
}

// Context returns the named service's context.
func (o *Orchestrator) Context(name string) (*services.Context, bool) {
	sctx, ok := o.contexts[name]
	return sctx, ok
}

// Lookup returns a value published by a ready service: its endpoint, host
// or port.
func (o *Orchestrator) Lookup(service, field string) (string, bool) {
	sctx, ok := o.contexts[service]
	if !ok {
		return "", false
	}
	return sctx.GetString(field)
}

// Start starts every service in declaration order and waits for each to
// become ready before moving on. On failure the services started so far
// are stopped and the first error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, svc := range o.services {
		if err := o.startService(ctx, svc); err != nil {
			logging.Error("Orchestrator", err, "Service %s failed to start, stopping scenario %s", svc.Name(), o.info.ID)
			if stopErr := o.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				logging.Debug("Orchestrator", "Teardown after failed start reported: %v", stopErr)
			}
			return err
		}
	}
	logging.Info("Orchestrator", "All %d services of scenario %s are ready", len(o.services), o.info.ID)
	return nil
}

func (o *Orchestrator) startService(ctx context.Context, svc *services.Service) error {
	svc.ResolveDeferred()

	for _, hook := range svc.PreStartHooks() {
		if err := hook(ctx, svc); err != nil {
			return &services.StartupFailure{Service: svc.Name(), Err: fmt.Errorf("pre-start hook: %w", err)}
		}
	}

	o.track(svc)

	logging.Info("Orchestrator", "Starting service %s", svc.Name())
	if err := svc.Resource().Start(ctx); err != nil {
		return err
	}
	if err := o.awaitReady(ctx, svc); err != nil {
		return err
	}
	o.publish(svc)

	for _, hook := range svc.PostStartHooks() {
		if err := hook(ctx, svc); err != nil {
			return &services.StartupFailure{Service: svc.Name(), Err: fmt.Errorf("post-start hook: %w", err)}
		}
	}
	logging.Info("Orchestrator", "Service %s is ready", svc.Name())
	return nil
}

// track records svc for teardown unless it already is.
func (o *Orchestrator) track(svc *services.Service) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.started {
		if s == svc {
			return
		}
	}
	o.started = append(o.started, svc)
}

func (o *Orchestrator) awaitReady(ctx context.Context, svc *services.Service) error {
	timeout, interval, err := resource.StartupSettings(o.contexts[svc.Name()])
	if err != nil {
		return err
	}

	logging.Debug("Orchestrator", "Waiting up to %s for %s (%s)", timeout, svc.Name(), svc.Readiness())
	err = readiness.Poll(ctx, interval, timeout, svc.IsRunning)
	if errors.Is(err, readiness.ErrTimeout) {
		return &services.ReadinessTimeout{
			Service: svc.Name(),
			Timeout: timeout,
			Probe:   svc.Readiness().String(),
			LogTail: tail(svc.Logs(), logTailLines),
		}
	}
	return err
}

// publish stores the endpoint of a ready service in its context.
func (o *Orchestrator) publish(svc *services.Service) {
	protocol := "http"
	if probe, ok := svc.Readiness().(readiness.HTTPProbe); ok && probe.Protocol != "" {
		protocol = probe.Protocol
	}

	endpoint, err := svc.Resource().Endpoint(protocol)
	if err != nil {
		logging.Debug("Orchestrator", "Service %s publishes no endpoint: %v", svc.Name(), err)
		return
	}

	sctx := o.contexts[svc.Name()]
	sctx.Put(services.KeyEndpoint, endpoint)
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		sctx.Put(services.KeyHost, u.Hostname())
		if port := u.Port(); port != "" {
			sctx.Put(services.KeyPort, port)
		}
	}
	logging.Debug("Orchestrator", "Service %s reachable at %s", svc.Name(), endpoint)
}

// Restart restarts one service and waits for it to become ready again.
// Deferred values keep what they resolved to on the first start.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	svc, ok := o.Service(name)
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}

	o.track(svc)

	logging.Info("Orchestrator", "Restarting service %s", name)
	if err := svc.Resource().Restart(ctx); err != nil {
		return err
	}
	if err := o.awaitReady(ctx, svc); err != nil {
		return err
	}
	o.publish(svc)
	return nil
}

// Stop stops every started service in reverse start order. Failures are
// logged as warnings and do not interrupt teardown; they are returned
// joined so callers can report them without replacing an earlier error.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	started := o.started
	o.started = nil
	o.mu.Unlock()

	var errs []error
	teardown := func(svc *services.Service, step string, err error) {
		failure := &services.TeardownFailure{Service: svc.Name(), Err: fmt.Errorf("%s: %w", step, err)}
		logging.Warn("Orchestrator", "%v", failure)
		errs = append(errs, failure)
	}

	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		res := svc.Resource()
		if err := res.Stop(ctx); err != nil {
			teardown(svc, "stop", err)
		}
		if !o.scenario.CleanupEnabled() {
			continue
		}
		if d, ok := res.(services.Destroyer); ok {
			if err := d.Destroy(ctx); err != nil {
				teardown(svc, "destroy", err)
			}
		}
	}

	if o.networks != nil {
		release := func(ctx context.Context) error { return o.networks.Release(ctx, o.info.ID) }
		if o.ownsNetworks {
			release = o.networks.Close
		}
		if err := release(ctx); err != nil {
			logging.Warn("Orchestrator", "Failed to remove networks of scenario %s: %v", o.info.ID, err)
			errs = append(errs, err)
		}
	}

	if len(started) > 0 {
		logging.Info("Orchestrator", "Stopped %d services of scenario %s", len(started), o.info.ID)
	}
	return errors.Join(errs...)
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
