package logwatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"testbed/internal/color"
	"testbed/pkg/logging"
)

// DefaultPollInterval is used when a Watcher has no interval set.
const DefaultPollInterval = 4 * time.Second

// Sink receives each new line as it is collected.
type Sink interface {
	Write(service, line string)
}

// Watcher polls a Source into a Buffer while it is watching.
type Watcher struct {
	name     string
	source   Source
	buffer   *Buffer
	interval time.Duration
	sink     Sink

	mu     sync.Mutex
	seen   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Options tunes a Watcher. Zero values select the defaults.
type Options struct {
	PollInterval time.Duration
	MaxLines     int
	Sink         Sink
	// Markers stay matched after eviction, see Buffer.Track.
	Markers []string
}

// NewWatcher creates a watcher for the named resource.
func NewWatcher(name string, source Source, opts Options) *Watcher {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	buffer := NewBuffer(opts.MaxLines)
	buffer.Track(opts.Markers...)
	return &Watcher{
		name:     name,
		source:   source,
		buffer:   buffer,
		interval: interval,
		sink:     opts.Sink,
	}
}

// Start clears the buffer and begins polling in the background. Calling
// Start on a running watcher restarts it.
func (w *Watcher) Start(ctx context.Context) {
	w.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer.Reset()
	w.seen = 0
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx, w.done)
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Stop ends polling and waits for the background goroutine. The buffer
// keeps its lines.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Watching reports whether the background poller is active.
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Poll fetches once and appends unseen lines. Fetch errors are logged and
// retried on the next tick.
func (w *Watcher) Poll(ctx context.Context) {
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()

	lines, total, err := w.source.Fetch(ctx, seen)
	if err != nil {
		if ctx.Err() == nil {
			logging.Debug("LogWatch", "fetch logs of %s: %v", w.name, err)
		}
		return
	}

	w.mu.Lock()
	if w.seen != seen {
		w.mu.Unlock()
		return
	}
	w.seen = total
	w.mu.Unlock()

	w.buffer.Append(lines...)
	if w.sink != nil {
		for _, l := range lines {
			w.sink.Write(w.name, l)
		}
	}
}

// Logs returns the collected lines.
func (w *Watcher) Logs() []string { return w.buffer.Lines() }

// Contains reports whether a collected line contains substr.
func (w *Watcher) Contains(substr string) bool { return w.buffer.Contains(substr) }

// Buffer exposes the underlying buffer.
func (w *Watcher) Buffer() *Buffer { return w.buffer }

// ConsoleSink prints lines prefixed with a colored service tag.
type ConsoleSink struct {
	mu    sync.Mutex
	w     io.Writer
	width int
}

// NewConsoleSink writes to w, padding tags to width cells.
func NewConsoleSink(w io.Writer, width int) *ConsoleSink {
	return &ConsoleSink{w: w, width: width}
}

// Write implements Sink.
func (s *ConsoleSink) Write(service, line string) {
	tag := color.Tag(service, s.width)
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s %s\n", tag, line)
}
