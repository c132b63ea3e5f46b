package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testbed/internal/property"
	"testbed/internal/services"
)

type recordingStager struct {
	refs []property.FileRef
}

func (r *recordingStager) Stage(_ context.Context, _ string, ref property.FileRef) (string, error) {
	r.refs = append(r.refs, ref)
	return ref.Target(DefaultMountDir), nil
}

func newContext(t *testing.T, svc *services.Service) *services.Context {
	t.Helper()
	return services.NewContext(svc, services.Scenario{ID: "s1", Environment: services.EnvLocal}, t.TempDir(), nil)
}

func TestStage_RewritesReferences(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls.crt")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o644))

	svc := services.New("api", services.Definition{}).
		WithProperty("plain", "value").
		WithProperty("cert", "secret::"+cert).
		WithProperty("conf", "resource-with-destination::/etc/app|"+cert)
	sctx := newContext(t, svc)

	keys, values := Properties(sctx)
	st := &recordingStager{}
	require.NoError(t, Stage(context.Background(), sctx, keys, values, st))

	assert.Equal(t, "value", values["plain"])
	assert.Equal(t, "/testbed/resources/tls.crt", values["cert"])
	assert.Equal(t, "/etc/app/tls.crt", values["conf"])
	require.Len(t, st.refs, 2)
	assert.Equal(t, property.RefSecret, st.refs[0].Kind)
}

func TestStage_MissingFileIsConfigurationError(t *testing.T) {
	svc := services.New("api", services.Definition{}).
		WithProperty("cert", "secret::"+filepath.Join(t.TempDir(), "nope.crt"))
	sctx := newContext(t, svc)

	keys, values := Properties(sctx)
	err := Stage(context.Background(), sctx, keys, values, &recordingStager{})

	var cfgErr *services.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "cert", cfgErr.Key)
}

func TestStage_MalformedReference(t *testing.T) {
	svc := services.New("api", services.Definition{}).
		WithProperty("conf", "resource-with-destination::/etc/app")
	sctx := newContext(t, svc)

	keys, values := Properties(sctx)
	err := Stage(context.Background(), sctx, keys, values, &recordingStager{})

	var cfgErr *services.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestEnv(t *testing.T) {
	env := Env(map[string]string{"quarkus.http.port": "8080"})
	assert.Equal(t, map[string]string{"QUARKUS_HTTP_PORT": "8080"}, env)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	dst := filepath.Join(dir, "nested", "dst.txt")
	require.NoError(t, CopyFile(src, dst, true))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWatcherOptions(t *testing.T) {
	svc := services.New("api", services.Definition{}).
		WithProperty(KeyLogEnable, "false").
		WithProperty(KeyLogMaxLines, "50")
	sctx := newContext(t, svc)

	opts, err := WatcherOptions(sctx, nil)
	require.NoError(t, err)
	assert.Nil(t, opts.Sink)
	assert.Equal(t, 50, opts.MaxLines)

	bad := newContext(t, services.New("api", services.Definition{}).WithProperty(KeyLogPollInterval, "soon"))
	_, err = WatcherOptions(bad, nil)
	assert.Error(t, err)
}
