// Package containerizer drives a Docker compatible container CLI.
package containerizer

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"testbed/internal/utils"
	"testbed/pkg/logging"
)

// ContainerConfig describes a container to start.
type ContainerConfig struct {
	Name       string
	Image      string
	Env        map[string]string
	Ports      []string // "host:container", or just "container" for an ephemeral host port
	Volumes    []string // "host:container[:ro]"
	Entrypoint []string
	Args       []string
	User       string
	Network    string
	Labels     map[string]string
}

// Validate checks the fields docker needs.
func (c ContainerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("container name is required")
	}
	if c.Image == "" {
		return fmt.Errorf("container image is required")
	}
	for _, p := range c.Ports {
		if _, _, err := ParsePortMapping(p); err != nil {
			return err
		}
	}
	return nil
}

// DockerRuntime implements container operations on top of the docker
// (or podman) binary.
type DockerRuntime struct {
	Binary string
	Runner utils.Runner
}

// NewDockerRuntime returns a runtime for binary. An empty binary means
// "docker".
func NewDockerRuntime(binary string, runner utils.Runner) *DockerRuntime {
	if binary == "" {
		binary = "docker"
	}
	if runner == nil {
		runner = utils.ExecRunner{}
	}
	return &DockerRuntime{Binary: binary, Runner: runner}
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (utils.Result, error) {
	c := utils.Command(d.binary(), args...)
	logging.Debug("Containerizer", "%s", c)
	return d.Runner.Run(ctx, c)
}

func (d *DockerRuntime) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// LogsCommand returns the command that prints a container's log. The
// engine replays stdout and stderr on separate streams, so they are merged
// to keep lines in the order the container wrote them.
func (d *DockerRuntime) LogsCommand(containerID string) utils.Cmd {
	return utils.Command(d.binary(), "logs", containerID).WithMergedOutput()
}

// PullImage pulls image unless it is already present locally.
func (d *DockerRuntime) PullImage(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "image", "inspect", image); err == nil {
		return nil
	}
	logging.Info("Containerizer", "Pulling image %s", image)
	if _, err := d.run(ctx, "pull", image); err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	return nil
}

// StartContainer runs the container detached and returns its ID.
func (d *DockerRuntime) StartContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	res, err := d.run(ctx, startArgs(cfg)...)
	if err != nil {
		return "", fmt.Errorf("start container %s: %w", cfg.Name, err)
	}
	id := strings.TrimSpace(res.Stdout)
	if id == "" {
		return "", fmt.Errorf("start container %s: no container id returned", cfg.Name)
	}
	return id, nil
}

func startArgs(cfg ContainerConfig) []string {
	args := []string{"run", "-d", "--name", cfg.Name}
	if cfg.Network != "" {
		args = append(args, "--network", cfg.Network, "--network-alias", cfg.Name)
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	for _, k := range sortedKeys(cfg.Labels) {
		args = append(args, "--label", k+"="+cfg.Labels[k])
	}
	for _, k := range sortedKeys(cfg.Env) {
		args = append(args, "-e", k+"="+cfg.Env[k])
	}
	for _, p := range cfg.Ports {
		if !strings.Contains(p, ":") {
			p = "127.0.0.1::" + p
		}
		args = append(args, "-p", p)
	}
	for _, v := range cfg.Volumes {
		args = append(args, "-v", expandPath(v))
	}
	if len(cfg.Entrypoint) > 0 {
		args = append(args, "--entrypoint", cfg.Entrypoint[0])
	}
	args = append(args, cfg.Image)
	if len(cfg.Entrypoint) > 1 {
		args = append(args, cfg.Entrypoint[1:]...)
	}
	return append(args, cfg.Args...)
}

// GetContainerPort returns the host port bound to containerPort.
func (d *DockerRuntime) GetContainerPort(ctx context.Context, containerID, containerPort string) (string, error) {
	res, err := d.run(ctx, "port", containerID, containerPort)
	if err != nil {
		return "", fmt.Errorf("get port %s of container %s: %w", containerPort, containerID, err)
	}
	return parsePortOutput(res.Stdout)
}

func parsePortOutput(out string) (string, error) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, port, err := net.SplitHostPort(line); err == nil && port != "" {
			return port, nil
		}
	}
	return "", fmt.Errorf("no port mapping in %q", out)
}

// IsContainerRunning reports whether the container is up.
func (d *DockerRuntime) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	res, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "true", nil
}

// StopContainer stops the container.
func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	if _, err := d.run(ctx, "stop", containerID); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force removes the container and its anonymous volumes.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if _, err := d.run(ctx, "rm", "-f", "-v", containerID); err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// RemoveImage deletes image from the local store.
func (d *DockerRuntime) RemoveImage(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "rmi", "-f", image); err != nil {
		return fmt.Errorf("remove image %s: %w", image, err)
	}
	return nil
}

// CreateNetwork creates a bridge network and returns its ID.
func (d *DockerRuntime) CreateNetwork(ctx context.Context, name string) (string, error) {
	res, err := d.run(ctx, "network", "create", name)
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RemoveNetwork deletes the network.
func (d *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "network", "rm", name); err != nil {
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	return nil
}

// Logs returns the container's full log.
func (d *DockerRuntime) Logs(ctx context.Context, containerID string) (string, error) {
	res, err := d.Runner.Run(ctx, d.LogsCommand(containerID))
	if err != nil {
		return "", err
	}
	return res.Combined(), nil
}

// ParsePortMapping splits "host:container" into its parts. A bare
// container port yields an empty host port.
func ParsePortMapping(mapping string) (host, container string, err error) {
	parts := strings.Split(mapping, ":")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", fmt.Errorf("empty port mapping")
		}
		return "", parts[0], nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid port mapping %q", mapping)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("invalid port mapping %q", mapping)
	}
}

// expandPath resolves a leading ~ in the host part of a volume spec.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
