package kube

import (
	"fmt"
	"time"

	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultRequestTimeout bounds every API request made by clients from
// NewClientset.
const DefaultRequestTimeout = 30 * time.Second

func clientConfig(kubeContext string) clientcmd.ClientConfig {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
}

// RESTConfig returns the REST config of kubeContext. An empty context
// uses the kubeconfig's current one.
func RESTConfig(kubeContext string) (*rest.Config, error) {
	restConfig, err := clientConfig(kubeContext).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get REST config for context %q: %w", kubeContext, err)
	}
	restConfig.Timeout = DefaultRequestTimeout
	return restConfig, nil
}

// NewClientset creates a clientset for kubeContext.
var NewClientset = func(kubeContext string) (kubernetes.Interface, error) {
	restConfig, err := RESTConfig(kubeContext)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset for context %q: %w", kubeContext, err)
	}
	return clientset, nil
}

// Namespace returns the namespace configured for kubeContext, or
// "default".
func Namespace(kubeContext string) (string, error) {
	ns, _, err := clientConfig(kubeContext).Namespace()
	if err != nil {
		return "", fmt.Errorf("failed to resolve namespace for context %q: %w", kubeContext, err)
	}
	return ns, nil
}

// CurrentContext returns the name of the active kubeconfig context.
var CurrentContext = func() (string, error) {
	config, err := clientcmd.NewDefaultPathOptions().GetStartingConfig()
	if err != nil {
		return "", fmt.Errorf("failed to get starting kubeconfig: %w", err)
	}
	if config.CurrentContext == "" {
		return "", fmt.Errorf("current kubeconfig context is not set")
	}
	return config.CurrentContext, nil
}
