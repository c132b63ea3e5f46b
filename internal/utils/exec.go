package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Cmd describes an external command invocation.
type Cmd struct {
	Name  string
	Args  []string
	Stdin string
	Env   []string
	Dir   string
	// MergeOutput captures stderr into Stdout in the order it was written.
	MergeOutput bool
}

// Command builds a Cmd for name and args.
func Command(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// WithStdin returns a copy of c that feeds input on stdin.
func (c Cmd) WithStdin(input string) Cmd {
	c.Stdin = input
	return c
}

// WithMergedOutput returns a copy of c whose stdout and stderr share one
// stream.
func (c Cmd) WithMergedOutput() Cmd {
	c.MergeOutput = true
	return c
}

// String renders the command line for logs and errors.
func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
	}
}

// CommandError reports a command that exited non-zero, could not be
// started, or was killed by its timeout. The captured output is kept so
// callers never need a re-run to diagnose.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	if e.TimedOut {
		fmt.Fprintf(&b, "command %q timed out", e.Command)
	} else {
		fmt.Fprintf(&b, "command %q failed", e.Command)
		if e.ExitCode != 0 {
			fmt.Fprintf(&b, " with exit code %d", e.ExitCode)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Stderr); out != "" {
		fmt.Fprintf(&b, ". Stderr: %s", out)
	} else if out := strings.TrimSpace(e.Stdout); out != "" {
		fmt.Fprintf(&b, ". Stdout: %s", out)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Err }

// Output returns everything the command printed.
func (e *CommandError) Output() string {
	return Result{Stdout: e.Stdout, Stderr: e.Stderr}.Combined()
}

// IsTimeout reports whether err is a CommandError caused by a timeout.
func IsTimeout(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && cmdErr.TimedOut
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, c Cmd) (Result, error)
}

// ExecRunner runs commands with os/exec. A zero Timeout means none.
type ExecRunner struct {
	Timeout time.Duration
}

// Run executes c and waits for it. A non-zero exit is returned as a
// *CommandError carrying the captured output.
func (r ExecRunner) Run(ctx context.Context, c Cmd) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if c.MergeOutput {
		cmd.Stderr = &stdoutBuf
	}

	runErr := cmd.Run()
	res := Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr == nil {
		return res, nil
	}

	return res, &CommandError{
		Command:  c.String(),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:      runErr,
	}
}
