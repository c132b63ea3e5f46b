package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testbed/internal/readiness"
	"testbed/internal/services"
	"testbed/internal/utils"
)

type fakeDriver struct {
	provisions   int
	releases     int
	provisionErr error
	releaseErr   error
}

func (d *fakeDriver) Provision(context.Context) error {
	d.provisions++
	return d.provisionErr
}

func (d *fakeDriver) Release(context.Context) error {
	d.releases++
	return d.releaseErr
}

func TestLifecycle_StartIsIdempotent(t *testing.T) {
	d := &fakeDriver{}
	l := NewLifecycle("db", d)
	ctx := context.Background()

	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Start(ctx))

	assert.Equal(t, 1, d.provisions)
	assert.Equal(t, services.StateRunning, l.State())
}

func TestLifecycle_StopIsIdempotent(t *testing.T) {
	d := &fakeDriver{}
	l := NewLifecycle("db", d)
	ctx := context.Background()

	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 0, d.releases)
	assert.Equal(t, services.StateUninitialized, l.State())

	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 1, d.releases)
	assert.Equal(t, services.StateStopped, l.State())
}

func TestLifecycle_FailedStartReleasesAndWraps(t *testing.T) {
	cmdErr := &utils.CommandError{Command: "docker run", ExitCode: 125, Stderr: "no such image"}
	d := &fakeDriver{provisionErr: cmdErr, releaseErr: errors.New("nothing to stop")}
	l := NewLifecycle("db", d)

	err := l.Start(context.Background())
	require.Error(t, err)

	var sf *services.StartupFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, "db", sf.Service)
	assert.Contains(t, sf.Output, "no such image")
	assert.ErrorIs(t, err, cmdErr)

	assert.Equal(t, 1, d.releases)
	assert.Equal(t, services.StateStopped, l.State())
}

func TestLifecycle_ConfigurationErrorIsNotWrapped(t *testing.T) {
	cfg := &services.ConfigurationError{Service: "db", Key: "tls.cert"}
	l := NewLifecycle("db", &fakeDriver{provisionErr: cfg})

	err := l.Start(context.Background())
	assert.Same(t, cfg, err)
}

func TestLifecycle_Restart(t *testing.T) {
	d := &fakeDriver{}
	l := NewLifecycle("db", d)
	ctx := context.Background()

	require.NoError(t, l.Restart(ctx))
	assert.Equal(t, 1, d.provisions)
	assert.Equal(t, 0, d.releases)

	require.NoError(t, l.Restart(ctx))
	assert.Equal(t, 2, d.provisions)
	assert.Equal(t, 1, d.releases)
	assert.Equal(t, services.StateRunning, l.State())
}

type stubTarget struct {
	state services.State
	logs  []string
}

func (s stubTarget) State() services.State { return s.state }
func (s stubTarget) Logs() []string        { return s.logs }
func (s stubTarget) Endpoint(string) (string, error) {
	return "", errors.New("no endpoint")
}

func TestReady(t *testing.T) {
	probe := readiness.LogMarker("ready")

	assert.False(t, Ready(stubTarget{state: services.StateStarting, logs: []string{"ready"}}, probe))
	assert.False(t, Ready(stubTarget{state: services.StateRunning, logs: []string{"booting"}}, probe))
	assert.True(t, Ready(stubTarget{state: services.StateRunning, logs: []string{"booting", "ready"}}, probe))
}
