// Package local runs a service as a local OS process.
//
// The process writes its combined output to out.log in the service's
// working directory, which the log watcher tails. Referenced files are
// copied into the working directory.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"testbed/internal/logwatch"
	"testbed/internal/property"
	"testbed/internal/resource"
	"testbed/internal/services"
	"testbed/pkg/logging"
)

// LogFile is the name of the output file in the working directory.
const LogFile = "out.log"

// DefaultStopTimeout is how long Stop waits after SIGTERM before killing.
const DefaultStopTimeout = 10 * time.Second

// Options carries process-wide collaborators.
type Options struct {
	Sink        logwatch.Sink
	StopTimeout time.Duration
}

// Process is a managed local OS process.
type Process struct {
	*resource.Lifecycle

	sctx *services.Context
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{}
	watcher *logwatch.Watcher
}

// New builds the resource for the context's service.
func New(sctx *services.Context, opts Options) (*Process, error) {
	if sctx.Service().Definition().Command == "" {
		return nil, &services.ConfigurationError{Service: sctx.Name(), Key: "command", Err: fmt.Errorf("local process needs a command")}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	p := &Process{sctx: sctx, opts: opts}
	p.Lifecycle = resource.NewLifecycle(sctx.Name(), p)
	return p, nil
}

var _ services.ManagedResource = (*Process)(nil)

func (p *Process) subsystem() string { return "Process-" + p.sctx.Name() }

// Provision implements resource.Driver.
func (p *Process) Provision(ctx context.Context) error {
	def := p.sctx.Service().Definition()
	workDir := p.sctx.WorkDir()
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir %s: %w", workDir, err)
	}

	keys, values := resource.Properties(p.sctx)
	if err := resource.Stage(ctx, p.sctx, keys, values, stager{dir: workDir}); err != nil {
		return err
	}

	watchOpts, err := resource.WatcherOptions(p.sctx, p.opts.Sink)
	if err != nil {
		return err
	}

	logPath := filepath.Join(workDir, LogFile)
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create log file %s: %w", logPath, err)
	}

	// The process must outlive ctx, which only bounds this call.
	cmd := exec.Command(def.Command, def.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), environ(values, def.Port)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start %s: %w", def.Command, err)
	}
	logging.Info(p.subsystem(), "Started %s (pid %d)", def.Command, cmd.Process.Pid)

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		logging.Debug(p.subsystem(), "process exited: %v", err)
		close(exited)
	}()

	watcher := logwatch.NewWatcher(p.sctx.Name(), logwatch.FileSource{Path: logPath}, watchOpts)
	watcher.Start(context.Background())

	p.mu.Lock()
	p.cmd, p.logFile, p.exited, p.watcher = cmd, logFile, exited, watcher
	p.mu.Unlock()
	return nil
}

// Release implements resource.Driver. The watcher is stopped but the
// collected lines stay readable.
func (p *Process) Release(context.Context) error {
	p.mu.Lock()
	cmd, logFile, exited, watcher := p.cmd, p.logFile, p.exited, p.watcher
	p.cmd, p.logFile = nil, nil
	p.mu.Unlock()

	if cmd != nil {
		select {
		case <-exited:
		default:
			terminate(cmd)
			select {
			case <-exited:
			case <-time.After(p.opts.StopTimeout):
				logging.Warn(p.subsystem(), "process did not exit after %s, killing it", p.opts.StopTimeout)
				kill(cmd)
				<-exited
			}
		}
	}
	if watcher != nil {
		watcher.Stop()
		watcher.Poll(context.Background())
	}
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// IsRunning implements services.ManagedResource. A process that exited on
// its own is never running.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited != nil {
		select {
		case <-exited:
			return false
		default:
		}
	}
	return resource.Ready(p, p.sctx.Service().Readiness())
}

// Endpoint implements services.ManagedResource.
func (p *Process) Endpoint(protocol string) (string, error) {
	port := p.sctx.Service().Definition().Port
	if port == 0 {
		return "", fmt.Errorf("service %s declares no port", p.sctx.Name())
	}
	return fmt.Sprintf("%s://localhost:%d", protocol, port), nil
}

// Logs implements services.ManagedResource.
func (p *Process) Logs() []string {
	p.mu.Lock()
	w := p.watcher
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Logs()
}

// LogContains implements readiness.LogSearcher.
func (p *Process) LogContains(substr string) bool {
	p.mu.Lock()
	w := p.watcher
	p.mu.Unlock()
	return w != nil && w.Contains(substr)
}

func environ(values map[string]string, port int) []string {
	env := resource.Env(values)
	if port > 0 {
		if _, ok := env["PORT"]; !ok {
			env["PORT"] = fmt.Sprint(port)
		}
	}
	out := make([]string, 0, len(env))
	for _, k := range property.SortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// stager copies referenced files below the working directory.
type stager struct {
	dir string
}

func (s stager) Stage(_ context.Context, _ string, ref property.FileRef) (string, error) {
	target := filepath.Join(s.dir, filepath.FromSlash(ref.Target("resources")))
	if err := resource.CopyFile(ref.Path, target, ref.Kind == property.RefSecret); err != nil {
		return "", err
	}
	return target, nil
}
