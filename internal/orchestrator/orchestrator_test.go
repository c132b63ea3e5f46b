package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testbed/internal/binding"
	"testbed/internal/config"
	"testbed/internal/logwatch"
	"testbed/internal/network"
	"testbed/internal/resource"
	"testbed/internal/services"
)

// scriptedSource serves whatever lines the test emitted so far.
type scriptedSource struct {
	mu    sync.Mutex
	lines []string
}

func (s *scriptedSource) emit(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, lines...)
}

func (s *scriptedSource) snapshot(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...), nil
}

// fakeResource is a managed resource driven by a scripted log source.
type fakeResource struct {
	*resource.Lifecycle
	sctx    *services.Context
	source  *scriptedSource
	watcher *logwatch.Watcher
	// address is host:port, empty for services without an endpoint.
	address string

	mu         sync.Mutex
	provisions int
	releases   int
	destroys   int
	startErr   error
	stopErr    error
	destroyErr error
	onStart    func()
}

func (f *fakeResource) Provision(ctx context.Context) error {
	f.mu.Lock()
	f.provisions++
	err, hook := f.startErr, f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	f.watcher.Start(ctx)
	return nil
}

func (f *fakeResource) Release(context.Context) error {
	f.watcher.Stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return f.stopErr
}

func (f *fakeResource) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return f.destroyErr
}

func (f *fakeResource) IsRunning() bool {
	return resource.Ready(f, f.sctx.Service().Readiness())
}

func (f *fakeResource) Endpoint(protocol string) (string, error) {
	if f.address == "" {
		return "", errors.New("no endpoint")
	}
	return protocol + "://" + f.address, nil
}

func (f *fakeResource) Logs() []string { return f.watcher.Logs() }

func (f *fakeResource) LogContains(substr string) bool { return f.watcher.Contains(substr) }

func (f *fakeResource) counts() (provisions, releases, destroys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisions, f.releases, f.destroys
}

type harness struct {
	mu    sync.Mutex
	fakes map[string]*fakeResource
	order []string
	// prepare customizes a fake right after it is built.
	prepare func(f *fakeResource)
}

func (h *harness) registry(t *testing.T) *binding.Registry {
	t.Helper()
	return binding.NewRegistry(binding.Binding{
		Name:       "fake",
		AppliesFor: func(*services.Context) bool { return true },
		Build: func(sctx *services.Context) (services.ManagedResource, error) {
			opts, err := resource.WatcherOptions(sctx, nil)
			if err != nil {
				return nil, err
			}
			src := &scriptedSource{}
			f := &fakeResource{
				sctx:    sctx,
				source:  src,
				watcher: logwatch.NewWatcher(sctx.Name(), logwatch.SourceFunc(src.snapshot), opts),
			}
			f.Lifecycle = resource.NewLifecycle(sctx.Name(), f)
			name := sctx.Name()
			f.onStart = func() {
				h.mu.Lock()
				h.order = append(h.order, name)
				h.mu.Unlock()
			}
			if h.prepare != nil {
				h.prepare(f)
			}
			h.mu.Lock()
			h.fakes[name] = f
			h.mu.Unlock()
			return f, nil
		},
	})
}

func (h *harness) fake(name string) *fakeResource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fakes[name]
}

func (h *harness) started() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func testScenario(t *testing.T, defs ...config.ServiceDefinition) config.Scenario {
	t.Helper()
	s := config.GetDefaultConfig()
	s.Name = "orchestrator-test"
	s.WorkDir = t.TempDir()
	s.Startup.Timeout = config.Duration(5 * time.Second)
	s.Startup.PollInterval = config.Duration(10 * time.Millisecond)
	s.Logs.PollInterval = config.Duration(5 * time.Millisecond)
	s.Services = defs
	return s
}

func newTestOrchestrator(t *testing.T, h *harness, s config.Scenario, globals map[string]string) *Orchestrator {
	t.Helper()
	if h.fakes == nil {
		h.fakes = map[string]*fakeResource{}
	}
	o, err := New(Config{Scenario: s, ID: "run-1", Bindings: h.registry(t), Globals: globals})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o
}

func TestOrchestrator_EndToEndReadiness(t *testing.T) {
	h := &harness{}
	o := newTestOrchestrator(t, h, testScenario(t, config.ServiceDefinition{
		Name: "app", Image: "app:1", ExpectedLog: "ready",
	}), nil)

	app := h.fake("app")
	svc, ok := o.Service("app")
	require.True(t, ok)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Start(context.Background()) }()

	app.source.emit("booting")
	require.Eventually(t, func() bool {
		return len(svc.Logs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, svc.IsRunning())

	app.source.emit("ready")
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("start did not return after the ready marker appeared")
	}
	assert.True(t, svc.IsRunning())
	assert.Equal(t, []string{"booting", "ready"}, svc.Logs())

	require.NoError(t, o.Stop(context.Background()))
	assert.False(t, svc.IsRunning())
	assert.False(t, app.watcher.Watching())
	assert.Equal(t, services.StateStopped, app.State())
}

func TestOrchestrator_ReadinessSurvivesLogOverflow(t *testing.T) {
	h := &harness{prepare: func(f *fakeResource) { f.source.emit("started ready") }}
	s := testScenario(t, config.ServiceDefinition{Name: "app", Image: "app:1", ExpectedLog: "ready"})
	o := newTestOrchestrator(t, h, s, map[string]string{resource.KeyLogMaxLines: "2"})

	require.NoError(t, o.Start(context.Background()))
	svc, _ := o.Service("app")

	h.fake("app").source.emit("req1", "req2", "req3")
	require.Eventually(t, func() bool {
		logs := svc.Logs()
		return len(logs) == 2 && logs[1] == "req3"
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, svc.IsRunning())
}

func TestOrchestrator_ReadinessTimeoutBound(t *testing.T) {
	h := &harness{prepare: func(f *fakeResource) { f.source.emit("booting", "still booting") }}
	s := testScenario(t, config.ServiceDefinition{Name: "app", Image: "app:1", ExpectedLog: "ready"})
	o := newTestOrchestrator(t, h, s, map[string]string{resource.KeyStartupTimeout: "300ms"})

	begin := time.Now()
	err := o.Start(context.Background())
	elapsed := time.Since(begin)

	var timeout *services.ReadinessTimeout
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, "app", timeout.Service)
	assert.Equal(t, 300*time.Millisecond, timeout.Timeout)
	assert.Contains(t, timeout.Probe, "ready")
	assert.Equal(t, []string{"booting", "still booting"}, timeout.LogTail)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	_, releases, _ := h.fake("app").counts()
	assert.Equal(t, 1, releases, "a service that never became ready is still stopped")
}

func TestOrchestrator_StartsInDeclarationOrderAndResolvesDeferred(t *testing.T) {
	h := &harness{prepare: func(f *fakeResource) {
		if f.sctx.Name() == "db" {
			f.address = "127.0.0.1:5432"
		}
	}}
	s := testScenario(t,
		config.ServiceDefinition{Name: "db", Image: "postgres:16", Port: 5432},
		config.ServiceDefinition{Name: "cache", Image: "redis:7"},
		config.ServiceDefinition{
			Name:  "app",
			Image: "app:1",
			Properties: config.Properties{}.
				With("db.url", "postgres://${db.host}:${db.port}/app").
				With("db.endpoint", "${db.endpoint}"),
		},
	)
	o := newTestOrchestrator(t, h, s, nil)

	app, _ := o.Service("app")
	_, resolved := app.Property("db.url")
	assert.False(t, resolved, "deferred value resolved before start")

	var seenAtStart string
	app.OnPreStart(func(_ context.Context, svc *services.Service) error {
		seenAtStart, _ = svc.Property("db.url")
		return nil
	})

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, []string{"db", "cache", "app"}, h.started())
	assert.Equal(t, "postgres://127.0.0.1:5432/app", seenAtStart)

	endpoint, _ := app.Property("db.endpoint")
	assert.Equal(t, "http://127.0.0.1:5432", endpoint)

	host, ok := o.Lookup("db", services.KeyHost)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", host)
	port, _ := o.Lookup("db", services.KeyPort)
	assert.Equal(t, "5432", port)

	_, ok = o.Lookup("cache", services.KeyEndpoint)
	assert.False(t, ok, "services without an endpoint publish nothing")
}

func TestOrchestrator_StartFailureStopsStartedServices(t *testing.T) {
	h := &harness{prepare: func(f *fakeResource) {
		if f.sctx.Name() == "app" {
			f.startErr = fmt.Errorf("image pull failed")
		}
	}}
	s := testScenario(t,
		config.ServiceDefinition{Name: "db", Image: "postgres:16"},
		config.ServiceDefinition{Name: "app", Image: "app:1"},
		config.ServiceDefinition{Name: "late", Image: "late:1"},
	)
	o := newTestOrchestrator(t, h, s, nil)

	err := o.Start(context.Background())
	var failure *services.StartupFailure
	require.True(t, errors.As(err, &failure), "got %v", err)
	assert.Equal(t, "app", failure.Service)

	_, dbReleases, dbDestroys := h.fake("db").counts()
	assert.Equal(t, 1, dbReleases)
	assert.Equal(t, 1, dbDestroys)

	_, appReleases, _ := h.fake("app").counts()
	assert.Equal(t, 1, appReleases, "failed provision is released once")

	lateProvisions, _, _ := h.fake("late").counts()
	assert.Zero(t, lateProvisions)
	assert.Equal(t, []string{"db", "app"}, h.started())
}

func TestOrchestrator_TeardownContinuesAfterFailures(t *testing.T) {
	h := &harness{prepare: func(f *fakeResource) {
		if f.sctx.Name() == "db" {
			f.stopErr = errors.New("container is stuck")
		}
	}}
	s := testScenario(t,
		config.ServiceDefinition{Name: "db", Image: "postgres:16"},
		config.ServiceDefinition{Name: "app", Image: "app:1"},
	)
	o := newTestOrchestrator(t, h, s, nil)
	require.NoError(t, o.Start(context.Background()))

	err := o.Stop(context.Background())
	require.Error(t, err)
	var teardown *services.TeardownFailure
	require.True(t, errors.As(err, &teardown))
	assert.Equal(t, "db", teardown.Service)
	assert.Contains(t, err.Error(), "container is stuck")

	for _, name := range []string{"db", "app"} {
		_, releases, destroys := h.fake(name).counts()
		assert.Equal(t, 1, releases, name)
		assert.Equal(t, 1, destroys, name)
	}

	assert.NoError(t, o.Stop(context.Background()), "second stop has nothing left to do")
}

func TestOrchestrator_CleanupDisabledKeepsClusterObjects(t *testing.T) {
	h := &harness{}
	s := testScenario(t, config.ServiceDefinition{Name: "app", Image: "app:1"})
	keep := false
	s.Cleanup = &keep
	o := newTestOrchestrator(t, h, s, nil)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Stop(context.Background()))

	_, releases, destroys := h.fake("app").counts()
	assert.Equal(t, 1, releases)
	assert.Zero(t, destroys)
}

func TestOrchestrator_Restart(t *testing.T) {
	h := &harness{prepare: func(f *fakeResource) { f.source.emit("ready") }}
	s := testScenario(t, config.ServiceDefinition{Name: "app", Image: "app:1", ExpectedLog: "ready"})
	o := newTestOrchestrator(t, h, s, nil)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Restart(context.Background(), "app"))

	provisions, releases, _ := h.fake("app").counts()
	assert.Equal(t, 2, provisions)
	assert.Equal(t, 1, releases)

	svc, _ := o.Service("app")
	assert.True(t, svc.IsRunning())

	assert.Error(t, o.Restart(context.Background(), "missing"))
}

func TestOrchestrator_Hooks(t *testing.T) {
	t.Run("pre-start failure aborts before provisioning", func(t *testing.T) {
		h := &harness{}
		o := newTestOrchestrator(t, h, testScenario(t, config.ServiceDefinition{Name: "app", Image: "app:1"}), nil)
		svc, _ := o.Service("app")
		svc.OnPreStart(func(context.Context, *services.Service) error {
			return errors.New("seed data missing")
		})

		err := o.Start(context.Background())
		var failure *services.StartupFailure
		require.True(t, errors.As(err, &failure))
		assert.Contains(t, err.Error(), "seed data missing")

		provisions, _, _ := h.fake("app").counts()
		assert.Zero(t, provisions)
	})

	t.Run("post-start runs once ready", func(t *testing.T) {
		h := &harness{prepare: func(f *fakeResource) { f.source.emit("ready") }}
		o := newTestOrchestrator(t, h, testScenario(t, config.ServiceDefinition{Name: "app", Image: "app:1", ExpectedLog: "ready"}), nil)
		svc, _ := o.Service("app")

		var runningInHook bool
		svc.OnPostStart(func(_ context.Context, s *services.Service) error {
			runningInHook = s.IsRunning()
			return nil
		})

		require.NoError(t, o.Start(context.Background()))
		assert.True(t, runningInHook)
	})
}

func TestNew_RejectsInvalidScenario(t *testing.T) {
	h := &harness{fakes: map[string]*fakeResource{}}
	_, err := New(Config{Scenario: testScenario(t), Bindings: h.registry(t)})
	var cfgErr *services.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "services", cfgErr.Key)
}

func TestNew_GeneratesRunID(t *testing.T) {
	h := &harness{fakes: map[string]*fakeResource{}}
	o, err := New(Config{
		Scenario: testScenario(t, config.ServiceDefinition{Name: "app", Image: "app:1"}),
		Bindings: h.registry(t),
	})
	require.NoError(t, err)
	assert.Regexp(t, `^orchestrator-test-[0-9a-f]{8}$`, o.ID())

	sctx, ok := o.Context("app")
	require.True(t, ok)
	assert.Contains(t, sctx.WorkDir(), o.ID())
}

func TestOrchestrator_StartTwiceTracksServicesOnce(t *testing.T) {
	h := &harness{}
	o := newTestOrchestrator(t, h, testScenario(t,
		config.ServiceDefinition{Name: "db", Image: "postgres:16"},
		config.ServiceDefinition{Name: "app", Image: "app:1"},
	), nil)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Start(ctx))

	o.mu.Lock()
	assert.Len(t, o.started, 2)
	o.mu.Unlock()

	require.NoError(t, o.Stop(ctx))
	_, releases, _ := h.fake("db").counts()
	assert.Equal(t, 1, releases)
}

type recordingCreator struct {
	mu      sync.Mutex
	created []string
	removed []string
}

func (c *recordingCreator) CreateNetwork(_ context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, name)
	return "id-" + name, nil
}

func (c *recordingCreator) RemoveNetwork(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, name)
	return nil
}

func (c *recordingCreator) snapshot() (created, removed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.created...), append([]string(nil), c.removed...)
}

func TestOrchestrator_ScenariosShareNetworkRegistry(t *testing.T) {
	creator := &recordingCreator{}
	networks := network.NewRegistry(creator)
	ctx := context.Background()

	newScenario := func(id string) *Orchestrator {
		h := &harness{fakes: map[string]*fakeResource{}}
		s := testScenario(t, config.ServiceDefinition{Name: "db", Image: "postgres:16"})
		s.Network.Mode = string(network.ModeShared)
		o, err := New(Config{Scenario: s, ID: id, Bindings: h.registry(t), Networks: networks})
		require.NoError(t, err)
		return o
	}
	first, second := newScenario("run-a"), newScenario("run-b")

	shared, err := networks.Acquire(ctx, first.ID(), network.ModeShared)
	require.NoError(t, err)
	own, err := networks.Acquire(ctx, first.ID(), network.ModeNew)
	require.NoError(t, err)
	_, err = networks.Acquire(ctx, second.ID(), network.ModeShared)
	require.NoError(t, err)

	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))

	require.NoError(t, first.Stop(ctx))
	_, removed := creator.snapshot()
	assert.Equal(t, []string{own}, removed)

	again, err := networks.Acquire(ctx, second.ID(), network.ModeShared)
	require.NoError(t, err)
	assert.Equal(t, shared, again)

	require.NoError(t, second.Stop(ctx))
	created, removed := creator.snapshot()
	assert.Equal(t, []string{own}, removed)
	assert.Equal(t, []string{network.SharedName, own}, created)

	require.NoError(t, networks.Close(ctx))
	_, removed = creator.snapshot()
	assert.Equal(t, []string{own, network.SharedName}, removed)
}
