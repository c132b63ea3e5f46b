package portforwarding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"testbed/pkg/logging"
)

// DefaultReadyTimeout bounds how long Forward waits for the tunnel.
const DefaultReadyTimeout = 10 * time.Second

// Forwarder opens tunnels to pods.
type Forwarder interface {
	Forward(ctx context.Context, namespace, pod string, remotePort int) (*Tunnel, error)
}

// Tunnel is an open port-forward.
type Tunnel struct {
	LocalPort int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewTunnel returns a tunnel bound to localPort. Closing it closes stop.
// done is closed by whoever serves the tunnel once it has ended.
func NewTunnel(localPort int, stop, done chan struct{}) *Tunnel {
	return &Tunnel{LocalPort: localPort, stop: stop, done: done}
}

// Address returns host:port of the local end.
func (t *Tunnel) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", t.LocalPort)
}

// Done is closed once the tunnel has ended.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Closed reports whether the tunnel has ended.
func (t *Tunnel) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close stops forwarding. It is safe to call more than once.
func (t *Tunnel) Close() {
	t.once.Do(func() { close(t.stop) })
}

// SPDYForwarder forwards through the API server's portforward subresource.
type SPDYForwarder struct {
	Config       *rest.Config
	Client       kubernetes.Interface
	ReadyTimeout time.Duration
}

// NewSPDYForwarder creates a forwarder for the cluster behind config.
func NewSPDYForwarder(config *rest.Config) (*SPDYForwarder, error) {
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}
	return &SPDYForwarder{Config: config, Client: client, ReadyTimeout: DefaultReadyTimeout}, nil
}

// Forward implements Forwarder.
func (f *SPDYForwarder) Forward(ctx context.Context, namespace, pod string, remotePort int) (*Tunnel, error) {
	reqURL := f.Client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward").
		URL()

	transport, upgrader, err := spdy.RoundTripperFor(f.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create SPDY round tripper: %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, reqURL)

	label := namespace + "/" + pod
	stop := make(chan struct{})
	ready := make(chan struct{})
	ports := []string{fmt.Sprintf("0:%d", remotePort)}
	forwarder, err := portforward.NewOnAddresses(dialer, []string{"127.0.0.1"}, ports, stop, ready,
		logWriter{label: label}, logWriter{label: label, asError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create port forwarder: %w", err)
	}

	done := make(chan struct{})
	failed := make(chan error, 1)
	go func() {
		defer close(done)
		if err := forwarder.ForwardPorts(); err != nil {
			failed <- err
		}
	}()

	timeout := f.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
	case err := <-failed:
		return nil, fmt.Errorf("port-forward to %s:%d failed: %w", label, remotePort, err)
	case <-ctx.Done():
		close(stop)
		return nil, ctx.Err()
	case <-timer.C:
		close(stop)
		return nil, fmt.Errorf("port-forward to %s:%d not ready after %s", label, remotePort, timeout)
	}

	bound, err := forwarder.GetPorts()
	if err != nil || len(bound) == 0 {
		close(stop)
		return nil, fmt.Errorf("port-forward to %s:%d has no local port: %v", label, remotePort, err)
	}
	logging.Debug("PortForward", "Forwarding 127.0.0.1:%d to %s:%d", bound[0].Local, label, remotePort)
	return NewTunnel(int(bound[0].Local), stop, done), nil
}

// ErrNoRunningPod is returned by SelectPod when nothing matches yet.
var ErrNoRunningPod = errors.New("no running pod")

// SelectPod returns the name of a running pod matching selector.
func SelectPod(ctx context.Context, client kubernetes.Interface, namespace, selector string) (string, error) {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", fmt.Errorf("list pods %q: %w", selector, err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil {
			return pod.Name, nil
		}
	}
	return "", fmt.Errorf("%w for %q in %s", ErrNoRunningPod, selector, namespace)
}

// logWriter sends forwarder output to the structured log.
type logWriter struct {
	label   string
	asError bool
}

func (w logWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	if w.asError {
		logging.Warn("PortForward", "%s: %s", w.label, msg)
	} else {
		logging.Debug("PortForward", "%s: %s", w.label, msg)
	}
	return len(p), nil
}
