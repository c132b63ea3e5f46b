package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"testbed/internal/resource/container"
	"testbed/internal/resource/kubernetes"
	"testbed/internal/resource/local"
	"testbed/internal/resource/openshift"
	"testbed/internal/services"
	"testbed/internal/utils"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, utils.Cmd) (utils.Result, error) {
	return utils.Result{}, nil
}

func TestDefaultBindings(t *testing.T) {
	tests := []struct {
		name        string
		env         services.Environment
		def         services.Definition
		wantBinding string
		wantType    interface{}
	}{
		{
			name:        "local image runs a container",
			env:         services.EnvLocal,
			def:         services.Definition{Image: "postgres:16"},
			wantBinding: "default",
			wantType:    &container.Container{},
		},
		{
			name:        "local command runs a process",
			env:         services.EnvLocal,
			def:         services.Definition{Command: "./app"},
			wantBinding: "default",
			wantType:    &local.Process{},
		},
		{
			name:        "kubernetes marker",
			env:         services.EnvKubernetes,
			def:         services.Definition{Image: "app:1", Port: 8080},
			wantBinding: "kubernetes",
			wantType:    &kubernetes.Deployment{},
		},
		{
			name:        "openshift marker",
			env:         services.EnvOpenShift,
			def:         services.Definition{Image: "app:1", Port: 8080},
			wantBinding: "openshift",
			wantType:    &openshift.Deployment{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, err := DefaultBindings(&Backends{
				Runner:        noopRunner{},
				KubeClient:    fake.NewSimpleClientset(),
				KubeNamespace: "it",
			})
			require.NoError(t, err)

			svc := services.New("app", tt.def)
			sctx := services.NewContext(svc, services.Scenario{ID: "run-1", Environment: tt.env}, t.TempDir(), nil)

			b, err := registry.Resolve(sctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBinding, b.Name)

			res, err := registry.Build(sctx)
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, res)
			assert.Same(t, res, svc.Resource())
		})
	}
}

func TestDefaultBindings_Names(t *testing.T) {
	registry, err := DefaultBindings(&Backends{Runner: noopRunner{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"kubernetes", "openshift", "default"}, registry.Names())
}
