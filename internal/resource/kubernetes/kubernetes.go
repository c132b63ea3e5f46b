// Package kubernetes runs a service as a Deployment in a Kubernetes
// cluster through client-go.
//
// The deployment template is rendered and applied once. Start scales the
// deployment to one replica and Stop scales it back to zero, leaving the
// objects in place so a restart only scales. Destroy deletes everything
// that was applied. The template's Service must be named after the
// service so its endpoint can be found.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientset "k8s.io/client-go/kubernetes"

	"testbed/internal/logwatch"
	"testbed/internal/portforwarding"
	"testbed/internal/property"
	"testbed/internal/resource"
	"testbed/internal/services"
	"testbed/pkg/logging"
)

const lookupTimeout = 10 * time.Second

// Options carries process-wide collaborators.
type Options struct {
	Client    clientset.Interface
	Namespace string
	Sink      logwatch.Sink
	// Forwarder, when set, makes Endpoint return a local tunnel to the
	// pod instead of a cluster address.
	Forwarder portforwarding.Forwarder
}

// Deployment is a managed cluster deployment.
type Deployment struct {
	*resource.Lifecycle

	sctx *services.Context
	opts Options

	mu        sync.Mutex
	applied   []runtime.Object
	submitted bool
	name      string
	selector  string
	address   string
	tunnel    *portforwarding.Tunnel
	watcher   *logwatch.Watcher
}

var (
	_ services.ManagedResource = (*Deployment)(nil)
	_ services.Destroyer       = (*Deployment)(nil)
)

// New builds the resource for the context's service.
func New(sctx *services.Context, opts Options) (*Deployment, error) {
	def := sctx.Service().Definition()
	if def.Image == "" && def.Template == "" {
		return nil, &services.ConfigurationError{Service: sctx.Name(), Key: "image", Err: errors.New("cluster deployment needs an image or a template")}
	}
	if opts.Client == nil {
		return nil, errors.New("kubernetes client is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = metav1.NamespaceDefault
	}
	d := &Deployment{sctx: sctx, opts: opts}
	d.Lifecycle = resource.NewLifecycle(sctx.Name(), d)
	return d, nil
}

func (d *Deployment) subsystem() string { return "Kubernetes-" + d.sctx.Name() }

// Provision implements resource.Driver.
func (d *Deployment) Provision(ctx context.Context) error {
	d.mu.Lock()
	submitted := d.submitted
	d.mu.Unlock()

	if !submitted {
		if err := d.apply(ctx); err != nil {
			return err
		}
	}

	watchOpts, err := resource.WatcherOptions(d.sctx, d.opts.Sink)
	if err != nil {
		return err
	}
	if err := d.scale(ctx, 1); err != nil {
		return err
	}

	d.mu.Lock()
	selector := d.selector
	d.mu.Unlock()
	watcher := logwatch.NewWatcher(d.sctx.Name(), logwatch.PodLogsSource{
		Client:        d.opts.Client,
		Namespace:     d.opts.Namespace,
		LabelSelector: selector,
	}, watchOpts)
	watcher.Start(context.Background())

	d.mu.Lock()
	d.watcher = watcher
	d.mu.Unlock()
	return nil
}

func (d *Deployment) apply(ctx context.Context) error {
	def := d.sctx.Service().Definition()
	name := d.sctx.Name()

	tmpl, err := resource.LoadTemplate(def.Template)
	if err != nil {
		return &services.ConfigurationError{Service: name, Key: "template", Err: err}
	}
	rendered := resource.Render(tmpl, resource.TemplateValues{
		Image:       def.Image,
		ServiceName: name,
		Port:        def.Port,
		Args:        def.Args,
	})
	objs, err := Decode(rendered)
	if err != nil {
		return &services.ConfigurationError{Service: name, Key: "template", Err: err}
	}

	var deployment *appsv1.Deployment
	for _, obj := range objs {
		if dep, ok := obj.(*appsv1.Deployment); ok {
			deployment = dep
			break
		}
	}
	if deployment == nil || len(deployment.Spec.Template.Spec.Containers) == 0 {
		return &services.ConfigurationError{Service: name, Key: "template", Err: errors.New("template has no deployment with a container")}
	}
	selector, err := metav1.LabelSelectorAsSelector(deployment.Spec.Selector)
	if err != nil {
		return &services.ConfigurationError{Service: name, Key: "template", Err: fmt.Errorf("deployment selector: %w", err)}
	}

	keys, values := resource.Properties(d.sctx)
	st := &stager{service: name, labels: map[string]string{"app": name, "testbed.scenario": resource.DNSName(d.sctx.Scenario().ID)}}
	if err := resource.Stage(ctx, d.sctx, keys, values, st); err != nil {
		return err
	}

	container := &deployment.Spec.Template.Spec.Containers[0]
	for _, k := range keys {
		container.Env = append(container.Env, corev1.EnvVar{Name: property.EnvName(k), Value: values[k]})
	}
	container.VolumeMounts = append(container.VolumeMounts, st.mounts...)
	deployment.Spec.Template.Spec.Volumes = append(deployment.Spec.Template.Spec.Volumes, st.volumes...)

	d.mu.Lock()
	d.name = deployment.Name
	d.selector = selector.String()
	d.mu.Unlock()

	for _, obj := range append(st.objects, objs...) {
		if err := d.create(ctx, obj); err != nil {
			return err
		}
		d.mu.Lock()
		d.applied = append(d.applied, obj)
		d.mu.Unlock()
	}
	d.mu.Lock()
	d.submitted = true
	d.mu.Unlock()
	logging.Info(d.subsystem(), "Applied %d objects in namespace %s", len(objs)+len(st.objects), d.opts.Namespace)
	return nil
}

// create submits obj, replacing an existing object of the same name left
// over from an earlier run.
func (d *Deployment) create(ctx context.Context, obj runtime.Object) error {
	ns := d.opts.Namespace
	client := d.opts.Client
	var err error

	switch o := obj.(type) {
	case *appsv1.Deployment:
		o.Namespace = ns
		_, err = client.AppsV1().Deployments(ns).Create(ctx, o, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			var existing *appsv1.Deployment
			if existing, err = client.AppsV1().Deployments(ns).Get(ctx, o.Name, metav1.GetOptions{}); err == nil {
				o.ResourceVersion = existing.ResourceVersion
				_, err = client.AppsV1().Deployments(ns).Update(ctx, o, metav1.UpdateOptions{})
			}
		}
	case *corev1.Service:
		o.Namespace = ns
		_, err = client.CoreV1().Services(ns).Create(ctx, o, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			var existing *corev1.Service
			if existing, err = client.CoreV1().Services(ns).Get(ctx, o.Name, metav1.GetOptions{}); err == nil {
				o.ResourceVersion = existing.ResourceVersion
				o.Spec.ClusterIP = existing.Spec.ClusterIP
				_, err = client.CoreV1().Services(ns).Update(ctx, o, metav1.UpdateOptions{})
			}
		}
	case *corev1.ConfigMap:
		o.Namespace = ns
		_, err = client.CoreV1().ConfigMaps(ns).Create(ctx, o, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			_, err = client.CoreV1().ConfigMaps(ns).Update(ctx, o, metav1.UpdateOptions{})
		}
	case *corev1.Secret:
		o.Namespace = ns
		_, err = client.CoreV1().Secrets(ns).Create(ctx, o, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			_, err = client.CoreV1().Secrets(ns).Update(ctx, o, metav1.UpdateOptions{})
		}
	default:
		return &services.ConfigurationError{Service: d.sctx.Name(), Key: "template", Err: fmt.Errorf("unsupported object kind %T", obj)}
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", describe(obj), err)
	}
	return nil
}

func (d *Deployment) scale(ctx context.Context, replicas int) error {
	d.mu.Lock()
	name := d.name
	d.mu.Unlock()
	if name == "" {
		return nil
	}

	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	_, err := d.opts.Client.AppsV1().Deployments(d.opts.Namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("scale deployment %s to %d: %w", name, replicas, err)
	}
	logging.Debug(d.subsystem(), "Scaled deployment %s to %d", name, replicas)
	return nil
}

// Release implements resource.Driver. The deployment is scaled to zero
// but kept.
func (d *Deployment) Release(ctx context.Context) error {
	d.mu.Lock()
	watcher, tunnel := d.watcher, d.tunnel
	d.tunnel = nil
	d.mu.Unlock()
	if tunnel != nil {
		tunnel.Close()
	}
	if watcher != nil {
		watcher.Poll(ctx)
		watcher.Stop()
	}
	return d.scale(ctx, 0)
}

// Destroy implements services.Destroyer.
func (d *Deployment) Destroy(ctx context.Context) error {
	d.mu.Lock()
	applied := d.applied
	d.applied, d.submitted, d.name, d.address = nil, false, "", ""
	d.mu.Unlock()

	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		if err := d.delete(ctx, applied[i]); err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("delete %s: %w", describe(applied[i]), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Deployment) delete(ctx context.Context, obj runtime.Object) error {
	ns := d.opts.Namespace
	client := d.opts.Client
	policy := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &policy}

	switch o := obj.(type) {
	case *appsv1.Deployment:
		return client.AppsV1().Deployments(ns).Delete(ctx, o.Name, opts)
	case *corev1.Service:
		return client.CoreV1().Services(ns).Delete(ctx, o.Name, opts)
	case *corev1.ConfigMap:
		return client.CoreV1().ConfigMaps(ns).Delete(ctx, o.Name, opts)
	case *corev1.Secret:
		return client.CoreV1().Secrets(ns).Delete(ctx, o.Name, opts)
	}
	return nil
}

// IsRunning implements services.ManagedResource. Readiness comes from the
// application's own output, never from pod phase.
func (d *Deployment) IsRunning() bool {
	return resource.Ready(d, d.sctx.Service().Readiness())
}

// Endpoint implements services.ManagedResource. With a forwarder the
// address is a local tunnel to a running pod. Otherwise a LoadBalancer
// ingress is preferred over the in-cluster DNS name.
func (d *Deployment) Endpoint(protocol string) (string, error) {
	if d.opts.Forwarder != nil {
		addr, err := d.tunnelAddress()
		if err != nil {
			return "", err
		}
		return protocol + "://" + addr, nil
	}

	d.mu.Lock()
	addr := d.address
	d.mu.Unlock()

	if addr == "" {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		var final bool
		var err error
		if addr, final, err = d.lookupAddress(ctx); err != nil {
			return "", err
		}
		if final {
			d.mu.Lock()
			d.address = addr
			d.mu.Unlock()
		}
	}
	return protocol + "://" + addr, nil
}

// tunnelAddress returns the local end of the pod tunnel, opening it on
// first use and again after it dropped.
func (d *Deployment) tunnelAddress() (string, error) {
	d.mu.Lock()
	tunnel, selector := d.tunnel, d.selector
	d.mu.Unlock()
	if tunnel != nil && !tunnel.Closed() {
		return tunnel.Address(), nil
	}
	if selector == "" {
		return "", fmt.Errorf("service %s is not deployed", d.sctx.Name())
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	pod, err := portforwarding.SelectPod(ctx, d.opts.Client, d.opts.Namespace, selector)
	if err != nil {
		return "", err
	}
	tunnel, err = d.opts.Forwarder.Forward(ctx, d.opts.Namespace, pod, d.sctx.Service().Definition().Port)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tunnel != nil && !d.tunnel.Closed() {
		tunnel.Close()
		return d.tunnel.Address(), nil
	}
	logging.Debug(d.subsystem(), "Forwarding %s to pod %s", tunnel.Address(), pod)
	d.tunnel = tunnel
	return tunnel.Address(), nil
}

// lookupAddress reports host:port of the service. final is false while a
// LoadBalancer has no ingress yet.
func (d *Deployment) lookupAddress(ctx context.Context) (string, bool, error) {
	name := d.sctx.Name()
	svc, err := d.opts.Client.CoreV1().Services(d.opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", false, fmt.Errorf("get service %s: %w", name, err)
	}

	port := int32(d.sctx.Service().Definition().Port)
	if len(svc.Spec.Ports) > 0 {
		port = svc.Spec.Ports[0].Port
	}
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		host := ing.IP
		if host == "" {
			host = ing.Hostname
		}
		if host != "" {
			return fmt.Sprintf("%s:%d", host, port), true, nil
		}
	}

	internal := fmt.Sprintf("%s.%s.svc.cluster.local:%d", svc.Name, d.opts.Namespace, port)
	return internal, svc.Spec.Type != corev1.ServiceTypeLoadBalancer, nil
}

// Logs implements services.ManagedResource.
func (d *Deployment) Logs() []string {
	d.mu.Lock()
	w := d.watcher
	d.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Logs()
}

// LogContains implements readiness.LogSearcher.
func (d *Deployment) LogContains(substr string) bool {
	d.mu.Lock()
	w := d.watcher
	d.mu.Unlock()
	return w != nil && w.Contains(substr)
}

func describe(obj runtime.Object) string {
	switch o := obj.(type) {
	case *appsv1.Deployment:
		return "deployment/" + o.Name
	case *corev1.Service:
		return "service/" + o.Name
	case *corev1.ConfigMap:
		return "configmap/" + o.Name
	case *corev1.Secret:
		return "secret/" + o.Name
	}
	return fmt.Sprintf("%T", obj)
}
