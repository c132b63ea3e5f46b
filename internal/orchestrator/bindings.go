package orchestrator

import (
	"fmt"
	"sync"

	clientset "k8s.io/client-go/kubernetes"

	"testbed/internal/binding"
	"testbed/internal/containerizer"
	"testbed/internal/kube"
	"testbed/internal/logwatch"
	"testbed/internal/network"
	"testbed/internal/portforwarding"
	"testbed/internal/resource/container"
	"testbed/internal/resource/kubernetes"
	"testbed/internal/resource/local"
	"testbed/internal/resource/openshift"
	"testbed/internal/services"
	"testbed/internal/utils"
	"testbed/pkg/logging"
)

// Backends carries what the built-in bindings need to build resources.
type Backends struct {
	Runner  utils.Runner
	Runtime *containerizer.DockerRuntime
	Sink    logwatch.Sink

	Networks    *network.Registry
	NetworkMode network.Mode

	KubeContext   string
	KubeNamespace string
	// KubeClient is created from the kubeconfig on first use when nil.
	KubeClient clientset.Interface
	// KubePortForward makes cluster endpoints local tunnels. KubeForwarder
	// is created from the kubeconfig on first use when nil.
	KubePortForward bool
	KubeForwarder   portforwarding.Forwarder

	OpenShiftBinary    string
	OpenShiftNamespace string

	kubeOnce sync.Once
	kubeErr  error
}

func (b *Backends) kubernetesOptions() (kubernetes.Options, error) {
	b.kubeOnce.Do(func() {
		if b.KubeClient == nil {
			logging.Debug("Orchestrator", "Creating Kubernetes client for context %q", b.KubeContext)
			b.KubeClient, b.kubeErr = kube.NewClientset(b.KubeContext)
			if b.kubeErr != nil {
				return
			}
		}
		if b.KubeNamespace == "" {
			if b.KubeNamespace, b.kubeErr = kube.Namespace(b.KubeContext); b.kubeErr != nil {
				return
			}
		}
		if b.KubePortForward && b.KubeForwarder == nil {
			restConfig, err := kube.RESTConfig(b.KubeContext)
			if err != nil {
				b.kubeErr = err
				return
			}
			b.KubeForwarder, b.kubeErr = portforwarding.NewSPDYForwarder(restConfig)
		}
	})
	if b.kubeErr != nil {
		return kubernetes.Options{}, b.kubeErr
	}
	opts := kubernetes.Options{Client: b.KubeClient, Namespace: b.KubeNamespace, Sink: b.Sink}
	if b.KubePortForward {
		opts.Forwarder = b.KubeForwarder
	}
	return opts, nil
}

// DefaultBindings registers the Kubernetes and OpenShift variants by
// environment marker. Everything else falls back to a container when the
// service has an image and to a local process otherwise.
func DefaultBindings(b *Backends) (*binding.Registry, error) {
	if b.Runner == nil {
		b.Runner = utils.ExecRunner{}
	}
	if b.Runtime == nil {
		b.Runtime = containerizer.NewDockerRuntime("", b.Runner)
	}

	registry := binding.NewRegistry(binding.Binding{
		Name:       "default",
		AppliesFor: func(*services.Context) bool { return true },
		Build: func(sctx *services.Context) (services.ManagedResource, error) {
			if sctx.Service().Definition().Image != "" {
				return container.New(sctx, container.Options{
					Runtime:     b.Runtime,
					Runner:      b.Runner,
					Networks:    b.Networks,
					NetworkMode: b.NetworkMode,
					Sink:        b.Sink,
				})
			}
			return local.New(sctx, local.Options{Sink: b.Sink})
		},
	})

	err := registry.Register(binding.Binding{
		Name:       "kubernetes",
		AppliesFor: binding.EnvironmentIs(services.EnvKubernetes),
		Build: func(sctx *services.Context) (services.ManagedResource, error) {
			opts, err := b.kubernetesOptions()
			if err != nil {
				return nil, &services.ConfigurationError{Service: sctx.Name(), Key: "kubernetes.context", Err: err}
			}
			return kubernetes.New(sctx, opts)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register kubernetes binding: %w", err)
	}

	err = registry.Register(binding.Binding{
		Name:       "openshift",
		AppliesFor: binding.EnvironmentIs(services.EnvOpenShift),
		Build: func(sctx *services.Context) (services.ManagedResource, error) {
			return openshift.New(sctx, openshift.Options{
				Runner:    b.Runner,
				Binary:    b.OpenShiftBinary,
				Namespace: b.OpenShiftNamespace,
				Sink:      b.Sink,
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register openshift binding: %w", err)
	}
	return registry, nil
}
