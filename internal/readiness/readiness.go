// Package readiness holds the predicates that decide when a managed
// resource is usable, and the bounded poll loop that waits for them.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Reference defaults for the readiness wait.
const (
	DefaultPollInterval = 4 * time.Second
	DefaultTimeout      = 5 * time.Minute
)

// ErrTimeout is returned by Poll when the condition never held within the
// timeout.
var ErrTimeout = errors.New("readiness timeout")

// Target is what a probe looks at.
type Target interface {
	Logs() []string
	Endpoint(protocol string) (string, error)
}

// LogSearcher is implemented by targets that answer marker queries from
// the full history of their log, not only the lines still buffered.
type LogSearcher interface {
	LogContains(substr string) bool
}

// Probe decides readiness. Ready must not block for longer than a single
// short check.
type Probe interface {
	Ready(t Target) bool
	String() string
}

// LogMarker is ready once any captured line contains the marker. An empty
// marker is ready immediately.
type LogMarker string

func (m LogMarker) Ready(t Target) bool {
	if m == "" {
		return true
	}
	if s, ok := t.(LogSearcher); ok {
		return s.LogContains(string(m))
	}
	for _, line := range t.Logs() {
		if strings.Contains(line, string(m)) {
			return true
		}
	}
	return false
}

func (m LogMarker) String() string {
	return fmt.Sprintf("log contains %q", string(m))
}

// HTTPProbe is ready when a request to Path on the target's endpoint returns
// a 2xx, 3xx or 4xx status and, if set, the body contains ExpectBody.
type HTTPProbe struct {
	Protocol   string
	Path       string
	ExpectBody string
	Client     *http.Client
}

const httpProbeTimeout = 2 * time.Second

func (p HTTPProbe) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{
		Timeout: httpProbeTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (p HTTPProbe) Ready(t Target) bool {
	protocol := p.Protocol
	if protocol == "" {
		protocol = "http"
	}
	base, err := t.Endpoint(protocol)
	if err != nil || base == "" {
		return false
	}
	url := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p.Path, "/")

	resp, err := p.client().Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 500 {
		return false
	}
	if p.ExpectBody == "" {
		return true
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false
	}
	return strings.Contains(string(body), p.ExpectBody)
}

func (p HTTPProbe) String() string {
	if p.ExpectBody != "" {
		return fmt.Sprintf("GET %s returns a non-5xx status with body containing %q", p.Path, p.ExpectBody)
	}
	return fmt.Sprintf("GET %s returns a non-5xx status", p.Path)
}

// Poll checks cond immediately and then every interval until it holds or
// timeout elapses. It sleeps between checks. A cancelled parent context
// returns the context error; running out of time returns ErrTimeout.
func Poll(ctx context.Context, interval, timeout time.Duration, cond func() bool) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(context.Context) (bool, error) {
		return cond(), nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if wait.Interrupted(err) {
		return ErrTimeout
	}
	return err
}
