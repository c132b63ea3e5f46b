// Package container runs a service as a local container through the
// docker compatible CLI.
package container

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"testbed/internal/containerizer"
	"testbed/internal/logwatch"
	"testbed/internal/network"
	"testbed/internal/property"
	"testbed/internal/resource"
	"testbed/internal/services"
	"testbed/internal/utils"
	"testbed/pkg/logging"
)

// Runtime is the subset of *containerizer.DockerRuntime used here.
type Runtime interface {
	PullImage(ctx context.Context, image string) error
	StartContainer(ctx context.Context, cfg containerizer.ContainerConfig) (string, error)
	GetContainerPort(ctx context.Context, containerID, containerPort string) (string, error)
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, image string) error
	LogsCommand(containerID string) utils.Cmd
}

// Options carries process-wide collaborators.
type Options struct {
	Runtime     Runtime
	Runner      utils.Runner
	Networks    *network.Registry
	NetworkMode network.Mode
	Sink        logwatch.Sink
}

// Container is a managed local container.
type Container struct {
	*resource.Lifecycle

	sctx *services.Context
	opts Options

	mu       sync.Mutex
	id       string
	hostPort string
	watcher  *logwatch.Watcher
}

var _ services.ManagedResource = (*Container)(nil)

// New builds the resource for the context's service.
func New(sctx *services.Context, opts Options) (*Container, error) {
	if sctx.Service().Definition().Image == "" {
		return nil, &services.ConfigurationError{Service: sctx.Name(), Key: "image", Err: errors.New("container needs an image")}
	}
	if opts.Runtime == nil || opts.Runner == nil {
		return nil, errors.New("container runtime and runner are required")
	}
	c := &Container{sctx: sctx, opts: opts}
	c.Lifecycle = resource.NewLifecycle(sctx.Name(), c)
	return c, nil
}

func (c *Container) subsystem() string { return "Container-" + c.sctx.Name() }

// Provision implements resource.Driver.
func (c *Container) Provision(ctx context.Context) error {
	def := c.sctx.Service().Definition()

	keys, values := resource.Properties(c.sctx)
	st := &stager{}
	if err := resource.Stage(ctx, c.sctx, keys, values, st); err != nil {
		return err
	}
	watchOpts, err := resource.WatcherOptions(c.sctx, c.opts.Sink)
	if err != nil {
		return err
	}

	if err := c.opts.Runtime.PullImage(ctx, def.Image); err != nil {
		return err
	}

	cfg := containerizer.ContainerConfig{
		Name:    containerName(c.sctx.Name()),
		Image:   def.Image,
		Env:     resource.Env(values),
		Volumes: st.volumes,
		Args:    def.Args,
		Labels: map[string]string{
			"testbed.scenario": c.sctx.Scenario().ID,
			"testbed.service":  c.sctx.Name(),
		},
	}
	if def.Port > 0 {
		cfg.Ports = []string{strconv.Itoa(def.Port)}
	}
	if c.opts.Networks != nil && c.opts.NetworkMode != "" {
		name, err := c.opts.Networks.Acquire(ctx, c.sctx.Scenario().ID, c.opts.NetworkMode)
		if err != nil {
			return err
		}
		cfg.Network = name
	}

	id, err := c.opts.Runtime.StartContainer(ctx, cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	logging.Info(c.subsystem(), "Started container %s from %s", shortID(id), def.Image)

	if def.Port > 0 {
		hostPort, err := c.opts.Runtime.GetContainerPort(ctx, id, strconv.Itoa(def.Port))
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.hostPort = hostPort
		c.mu.Unlock()
	}

	watcher := logwatch.NewWatcher(c.sctx.Name(), logwatch.CommandSource{
		Runner:  c.opts.Runner,
		Command: c.opts.Runtime.LogsCommand(id),
	}, watchOpts)
	watcher.Start(context.Background())

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()
	return nil
}

// Release implements resource.Driver.
func (c *Container) Release(ctx context.Context) error {
	c.mu.Lock()
	id, watcher := c.id, c.watcher
	c.id, c.hostPort = "", ""
	c.mu.Unlock()

	var errs []error
	if watcher != nil {
		watcher.Poll(ctx)
		watcher.Stop()
	}
	if id != "" {
		if err := c.opts.Runtime.StopContainer(ctx, id); err != nil {
			errs = append(errs, err)
		}
		if err := c.opts.Runtime.RemoveContainer(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	def := c.sctx.Service().Definition()
	deleteImage, err := c.sctx.Bool(resource.KeyDeleteImageOnStop, def.DeleteImageOnStop)
	if err != nil {
		errs = append(errs, err)
	} else if deleteImage && id != "" {
		if err := c.opts.Runtime.RemoveImage(ctx, def.Image); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsRunning implements services.ManagedResource.
func (c *Container) IsRunning() bool {
	return resource.Ready(c, c.sctx.Service().Readiness())
}

// Endpoint implements services.ManagedResource.
func (c *Container) Endpoint(protocol string) (string, error) {
	c.mu.Lock()
	hostPort := c.hostPort
	c.mu.Unlock()
	if hostPort == "" {
		return "", fmt.Errorf("service %s has no published port", c.sctx.Name())
	}
	return fmt.Sprintf("%s://localhost:%s", protocol, hostPort), nil
}

// Logs implements services.ManagedResource.
func (c *Container) Logs() []string {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Logs()
}

// LogContains implements readiness.LogSearcher.
func (c *Container) LogContains(substr string) bool {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	return w != nil && w.Contains(substr)
}

// ContainerID returns the running container's ID.
func (c *Container) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// stager bind mounts referenced files read-only.
type stager struct {
	volumes []string
}

func (s *stager) Stage(_ context.Context, _ string, ref property.FileRef) (string, error) {
	host, err := filepath.Abs(ref.Path)
	if err != nil {
		return "", err
	}
	target := ref.Target(resource.DefaultMountDir)
	s.volumes = append(s.volumes, host+":"+target+":ro")
	return target, nil
}

func containerName(service string) string {
	return "testbed-" + service + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
