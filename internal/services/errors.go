package services

import (
	"fmt"
	"strings"
	"time"
)

// ConfigurationError reports a missing or malformed property or resource
// reference, detected before start.
type ConfigurationError struct {
	Service string
	Key     string
	Err     error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Service != "" {
		fmt.Fprintf(&b, " in service %s", e.Service)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " (key %s)", e.Key)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StartupFailure reports that provisioning failed. Output carries whatever
// the external control surface printed.
type StartupFailure struct {
	Service string
	Output  string
	Err     error
}

func (e *StartupFailure) Error() string {
	msg := fmt.Sprintf("service %s failed to start: %v", e.Service, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" && !strings.Contains(msg, out) {
		msg += "\n" + out
	}
	return msg
}

func (e *StartupFailure) Unwrap() error { return e.Err }

// ReadinessTimeout reports that a resource never became ready within the
// bound. LogTail holds the last captured lines.
type ReadinessTimeout struct {
	Service string
	Timeout time.Duration
	Probe   string
	LogTail []string
}

func (e *ReadinessTimeout) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "service %s not ready after %s", e.Service, e.Timeout)
	if e.Probe != "" {
		fmt.Fprintf(&b, " (waiting for %s)", e.Probe)
	}
	if len(e.LogTail) > 0 {
		b.WriteString("\nlast log lines:\n")
		b.WriteString(strings.Join(e.LogTail, "\n"))
	} else {
		b.WriteString("\nno log output captured")
	}
	return b.String()
}

// TeardownFailure reports a failed stop or cleanup. It is logged and never
// masks an earlier failure.
type TeardownFailure struct {
	Service string
	Err     error
}

func (e *TeardownFailure) Error() string {
	return fmt.Sprintf("service %s failed to stop: %v", e.Service, e.Err)
}

func (e *TeardownFailure) Unwrap() error { return e.Err }
