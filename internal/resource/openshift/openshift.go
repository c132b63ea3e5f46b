// Package openshift runs a service in an OpenShift cluster by driving the
// oc command line client.
//
// Like the kubernetes backend, the template is applied once and Start and
// Stop only scale. The service is exposed through a Route whose host
// becomes the endpoint.
package openshift

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	"testbed/internal/logwatch"
	"testbed/internal/property"
	"testbed/internal/resource"
	"testbed/internal/services"
	"testbed/internal/utils"
	"testbed/pkg/logging"
)

// DefaultBinary is the client used when Options.Binary is empty.
const DefaultBinary = "oc"

// Options carries process-wide collaborators.
type Options struct {
	Runner    utils.Runner
	Binary    string
	Namespace string
	Sink      logwatch.Sink
}

// Deployment is a managed OpenShift deployment.
type Deployment struct {
	*resource.Lifecycle

	sctx *services.Context
	opts Options

	mu        sync.Mutex
	manifest  string
	workload  string // e.g. "deployment/db"
	staged    []string
	submitted bool
	host      string
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
	if opts.Runner == nil {
		return nil, errors.New("command runner is required")
	}
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	d := &Deployment{sctx: sctx, opts: opts}
	d.Lifecycle = resource.NewLifecycle(sctx.Name(), d)
	return d, nil
}

func (d *Deployment) subsystem() string { return "OpenShift-" + d.sctx.Name() }

func (d *Deployment) command(args ...string) utils.Cmd {
	if d.opts.Namespace != "" {
		args = append(args, "-n", d.opts.Namespace)
	}
	return utils.Command(d.opts.Binary, args...)
}

func (d *Deployment) oc(ctx context.Context, args ...string) (utils.Result, error) {
	c := d.command(args...)
	logging.Debug(d.subsystem(), "%s", c)
	return d.opts.Runner.Run(ctx, c)
}

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
	workload := d.workload
	d.mu.Unlock()
	watcher := logwatch.NewWatcher(d.sctx.Name(), logwatch.CommandSource{
		Runner:  d.opts.Runner,
		Command: d.command("logs", workload).WithMergedOutput(),
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
	manifest := resource.Render(tmpl, resource.TemplateValues{
		Image:       def.Image,
		ServiceName: name,
		Port:        def.Port,
		Args:        def.Args,
	})
	workload, err := findWorkload(manifest)
	if err != nil {
		return &services.ConfigurationError{Service: name, Key: "template", Err: err}
	}

	d.mu.Lock()
	d.manifest = manifest
	d.mu.Unlock()

	if _, err := d.opts.Runner.Run(ctx, d.command("apply", "-f", "-").WithStdin(manifest)); err != nil {
		return err
	}
	d.mu.Lock()
	d.workload = workload
	d.mu.Unlock()

	keys, values := resource.Properties(d.sctx)
	st := &stager{d: d, workload: workload}
	if err := resource.Stage(ctx, d.sctx, keys, values, st); err != nil {
		return err
	}
	if len(keys) > 0 {
		args := []string{"set", "env", workload}
		for _, k := range keys {
			args = append(args, property.EnvName(k)+"="+values[k])
		}
		if _, err := d.oc(ctx, args...); err != nil {
			return err
		}
	}

	if _, err := d.oc(ctx, "expose", "svc/"+name); err != nil && !alreadyExists(err) {
		return err
	}
	res, err := d.oc(ctx, "get", "route", name, "-o", "jsonpath={.spec.host}")
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.host = strings.TrimSpace(res.Stdout)
	d.submitted = true
	d.mu.Unlock()
	logging.Info(d.subsystem(), "Applied %s, route host %s", workload, d.host)
	return nil
}

func (d *Deployment) scale(ctx context.Context, replicas int) error {
	d.mu.Lock()
	workload := d.workload
	d.mu.Unlock()
	if workload == "" {
		return nil
	}
	_, err := d.oc(ctx, "scale", workload, fmt.Sprintf("--replicas=%d", replicas))
	return err
}

// Release implements resource.Driver. The workload is scaled to zero but
// kept.
func (d *Deployment) Release(ctx context.Context) error {
	d.mu.Lock()
	watcher := d.watcher
	d.mu.Unlock()
	if watcher != nil {
		watcher.Poll(ctx)
		watcher.Stop()
	}
	return d.scale(ctx, 0)
}

// Destroy implements services.Destroyer.
func (d *Deployment) Destroy(ctx context.Context) error {
	d.mu.Lock()
	manifest, staged := d.manifest, d.staged
	d.manifest, d.workload, d.staged, d.submitted, d.host = "", "", nil, false, ""
	d.mu.Unlock()

	if manifest == "" {
		return nil
	}

	var errs []error
	if _, err := d.opts.Runner.Run(ctx, d.command("delete", "--ignore-not-found", "-f", "-").WithStdin(manifest)); err != nil {
		errs = append(errs, err)
	}
	if _, err := d.oc(ctx, "delete", "route", d.sctx.Name(), "--ignore-not-found"); err != nil {
		errs = append(errs, err)
	}
	if len(staged) > 0 {
		args := append([]string{"delete", "--ignore-not-found"}, staged...)
		if _, err := d.oc(ctx, args...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsRunning implements services.ManagedResource.
func (d *Deployment) IsRunning() bool {
	return resource.Ready(d, d.sctx.Service().Readiness())
}

// Endpoint implements services.ManagedResource. Routes listen on the
// default port of the protocol.
func (d *Deployment) Endpoint(protocol string) (string, error) {
	d.mu.Lock()
	host := d.host
	d.mu.Unlock()
	if host == "" {
		return "", fmt.Errorf("service %s has no route", d.sctx.Name())
	}
	return protocol + "://" + host, nil
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

// findWorkload returns "<kind>/<name>" of the first Deployment or
// DeploymentConfig in manifest.
func findWorkload(manifest string) (string, error) {
	docs, err := resource.SplitManifest(manifest)
	if err != nil {
		return "", err
	}
	for i, doc := range docs {
		var u unstructured.Unstructured
		if err := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(doc), 4096).Decode(&u.Object); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("decode manifest document %d: %w", i, err)
		}
		switch u.GetKind() {
		case "Deployment", "DeploymentConfig":
			return strings.ToLower(u.GetKind()) + "/" + u.GetName(), nil
		}
	}
	return "", errors.New("template has no Deployment or DeploymentConfig")
}

func alreadyExists(err error) bool {
	var cmdErr *utils.CommandError
	return errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "AlreadyExists")
}

// stager creates a ConfigMap or Secret per referenced file and mounts it.
type stager struct {
	d        *Deployment
	workload string
}

func (s *stager) Stage(ctx context.Context, key string, ref property.FileRef) (string, error) {
	name := resource.DNSName(s.d.sctx.Name() + "-" + key)
	file := ref.FileName()
	target := ref.Target(resource.DefaultMountDir)

	kind, createArgs, volumeArgs := "configmap", []string{"create", "configmap", name}, []string{"--type=configmap", "--configmap-name=" + name}
	if ref.Kind == property.RefSecret {
		kind, createArgs, volumeArgs = "secret", []string{"create", "secret", "generic", name}, []string{"--type=secret", "--secret-name=" + name}
	}

	if _, err := s.d.oc(ctx, "delete", kind, name, "--ignore-not-found"); err != nil {
		return "", err
	}
	if _, err := s.d.oc(ctx, append(createArgs, "--from-file="+file+"="+ref.Path)...); err != nil {
		return "", err
	}
	s.d.mu.Lock()
	s.d.staged = append(s.d.staged, kind+"/"+name)
	s.d.mu.Unlock()

	args := append([]string{"set", "volume", s.workload, "--add", "--overwrite", "--name=" + name}, volumeArgs...)
	args = append(args, "--mount-path="+target, "--sub-path="+file, "--read-only=true")
	if _, err := s.d.oc(ctx, args...); err != nil {
		return "", err
	}
	return target, nil
}
