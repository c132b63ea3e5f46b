package openshift

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testbed/internal/resource"
	"testbed/internal/services"
	"testbed/internal/utils"
)

// fakeOC answers oc invocations by command prefix and records them.
type fakeOC struct {
	mu        sync.Mutex
	calls     []string
	stdin     []string
	responses map[string]utils.Result
	failures  map[string]error
}

func newFakeOC() *fakeOC {
	return &fakeOC{
		responses: map[string]utils.Result{
			"oc get route db": {Stdout: "db-tests.apps.example.com"},
		},
		failures: map[string]error{},
	}
}

func (f *fakeOC) Run(_ context.Context, c utils.Cmd) (utils.Result, error) {
	line := c.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)
	if c.Stdin != "" {
		f.stdin = append(f.stdin, c.Stdin)
	}
	for prefix, err := range f.failures {
		if strings.HasPrefix(line, prefix) {
			return utils.Result{}, err
		}
	}
	for prefix, res := range f.responses {
		if strings.HasPrefix(line, prefix) {
			return res, nil
		}
	}
	return utils.Result{}, nil
}

func (f *fakeOC) set(prefix string, res utils.Result) {
	f.mu.Lock()
	f.responses[prefix] = res
	f.mu.Unlock()
}

func (f *fakeOC) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeOC) called(prefix, substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) && strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func newDeployment(t *testing.T, oc *fakeOC, def services.Definition, props map[string]string) *Deployment {
	t.Helper()
	svc := services.New("db", def).WithProperty(resource.KeyLogPollInterval, "10ms")
	for k, v := range props {
		svc.WithProperty(k, v)
	}
	sctx := services.NewContext(svc, services.Scenario{ID: "s1", Environment: services.EnvOpenShift}, t.TempDir(), nil)
	d, err := New(sctx, Options{Runner: oc, Namespace: "tests"})
	require.NoError(t, err)
	return d
}

func TestDeployment_StartStopRestart(t *testing.T) {
	oc := newFakeOC()
	d := newDeployment(t, oc, services.Definition{Image: "postgres:16", Port: 5432}, nil)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	assert.Equal(t, 1, oc.count("oc apply -f - -n tests"))
	assert.Equal(t, 1, oc.count("oc expose svc/db -n tests"))
	assert.Equal(t, 1, oc.count("oc scale deployment/db --replicas=1 -n tests"))
	assert.Contains(t, oc.stdin[0], "image: postgres:16")

	endpoint, err := d.Endpoint("http")
	require.NoError(t, err)
	assert.Equal(t, "http://db-tests.apps.example.com", endpoint)

	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, 1, oc.count("oc scale deployment/db --replicas=0 -n tests"))

	require.NoError(t, d.Start(ctx))
	assert.Equal(t, 1, oc.count("oc apply"), "restart must not re-submit the template")
	assert.Equal(t, 2, oc.count("oc scale deployment/db --replicas=1"))
	require.NoError(t, d.Stop(ctx))
}

func TestDeployment_ReadinessFromLogs(t *testing.T) {
	g := NewWithT(t)
	oc := newFakeOC()
	d := newDeployment(t, oc, services.Definition{Image: "postgres:16", Port: 5432, ExpectedLog: "ready to accept connections"}, nil)
	ctx := context.Background()

	oc.set("oc logs deployment/db", utils.Result{Stdout: "initializing\n"})
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	g.Eventually(d.Logs, time.Second, 5*time.Millisecond).Should(Equal([]string{"initializing"}))
	assert.False(t, d.IsRunning())

	oc.set("oc logs deployment/db", utils.Result{Stdout: "initializing\nready to accept connections\n"})
	g.Eventually(d.IsRunning, time.Second, 5*time.Millisecond).Should(BeTrue())
}

func TestDeployment_ExposeAlreadyExists(t *testing.T) {
	oc := newFakeOC()
	oc.failures["oc expose"] = &utils.CommandError{Command: "oc expose", ExitCode: 1, Stderr: `Error from server (AlreadyExists): routes.route.openshift.io "db" already exists`}
	d := newDeployment(t, oc, services.Definition{Image: "postgres:16", Port: 5432}, nil)

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background()))
}

func TestDeployment_ApplyFailureCarriesOutput(t *testing.T) {
	oc := newFakeOC()
	oc.failures["oc apply"] = &utils.CommandError{Command: "oc apply -f -", ExitCode: 1, Stderr: "forbidden: quota exceeded"}
	d := newDeployment(t, oc, services.Definition{Image: "postgres:16", Port: 5432}, nil)

	err := d.Start(context.Background())
	var sf *services.StartupFailure
	require.True(t, errors.As(err, &sf))
	assert.Contains(t, sf.Output, "quota exceeded")
	assert.Equal(t, 0, oc.count("oc scale"))
}

func TestDeployment_CommandTimeoutIsStartupFailure(t *testing.T) {
	oc := newFakeOC()
	oc.failures["oc scale"] = &utils.CommandError{Command: "oc scale", TimedOut: true, Err: context.DeadlineExceeded}
	d := newDeployment(t, oc, services.Definition{Image: "postgres:16", Port: 5432}, nil)

	err := d.Start(context.Background())
	var sf *services.StartupFailure
	require.True(t, errors.As(err, &sf))
	assert.True(t, utils.IsTimeout(err))
}

func TestDeployment_StagesAndDestroys(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls.crt")
	require.NoError(t, os.WriteFile(cert, []byte("CERT"), 0o644))

	oc := newFakeOC()
	d := newDeployment(t, oc, services.Definition{Image: "app:1", Port: 8443}, map[string]string{
		"tls.cert": "secret-with-destination::/etc/tls|" + cert,
	})
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Stop(ctx))

	assert.Equal(t, 1, oc.count("oc create secret generic db-tls-cert --from-file=tls.crt="+cert))
	assert.Equal(t, 1, oc.count("oc set volume deployment/db --add --overwrite --name=db-tls-cert --type=secret --secret-name=db-tls-cert --mount-path=/etc/tls/tls.crt --sub-path=tls.crt"))
	assert.True(t, oc.called("oc set env deployment/db", "TLS_CERT=/etc/tls/tls.crt"))

	require.NoError(t, d.Destroy(ctx))
	assert.Equal(t, 1, oc.count("oc delete --ignore-not-found -f - -n tests"))
	assert.Equal(t, 1, oc.count("oc delete route db --ignore-not-found"))
	assert.Equal(t, 1, oc.count("oc delete --ignore-not-found secret/db-tls-cert"))

	require.NoError(t, d.Destroy(ctx))
	assert.Equal(t, 1, oc.count("oc delete route"))
}

func TestFindWorkload(t *testing.T) {
	w, err := findWorkload("apiVersion: v1\nkind: Service\nmetadata:\n  name: a\n---\napiVersion: apps.openshift.io/v1\nkind: DeploymentConfig\nmetadata:\n  name: api\n")
	require.NoError(t, err)
	assert.Equal(t, "deploymentconfig/api", w)

	_, err = findWorkload("apiVersion: v1\nkind: Service\nmetadata:\n  name: a\n")
	assert.Error(t, err)
}
