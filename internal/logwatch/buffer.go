package logwatch

import (
	"strings"
	"sync"
)

// DefaultMaxLines bounds a Buffer created with a non-positive limit.
const DefaultMaxLines = 10000

// Buffer is an append-only, bounded list of log lines. Once MaxLines is
// reached the oldest line is evicted for each new one. Tracked markers are
// matched as lines arrive, so Contains keeps reporting them after the line
// that carried them was evicted.
type Buffer struct {
	mu      sync.RWMutex
	lines   []string
	max     int
	markers map[string]bool
}

// NewBuffer returns an empty buffer holding at most maxLines lines.
func NewBuffer(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Buffer{max: maxLines}
}

// Track registers markers to latch until the next Reset. Lines already
// buffered are checked too.
func (b *Buffer) Track(markers ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range markers {
		if m == "" {
			continue
		}
		if b.markers == nil {
			b.markers = make(map[string]bool)
		}
		if b.markers[m] {
			continue
		}
		b.markers[m] = containsAny(b.lines, m)
	}
}

// Append adds lines in order.
func (b *Buffer) Append(lines ...string) {
	if len(lines) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for m, seen := range b.markers {
		if !seen {
			b.markers[m] = containsAny(lines, m)
		}
	}

	b.lines = append(b.lines, lines...)
	if over := len(b.lines) - b.max; over > 0 {
		trimmed := make([]string, b.max)
		copy(trimmed, b.lines[over:])
		b.lines = trimmed
	}
}

// Lines returns a copy of the buffered lines.
func (b *Buffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Contains reports whether any buffered line contains substr. For a
// tracked marker it reports whether any line since the last Reset did.
func (b *Buffer) Contains(substr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if seen, ok := b.markers[substr]; ok {
		return seen
	}
	return containsAny(b.lines, substr)
}

func containsAny(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// Tail returns up to the last n lines.
func (b *Buffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || len(b.lines) == 0 {
		return nil
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// Reset drops every buffered line and unlatches tracked markers.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.lines = nil
	for m := range b.markers {
		b.markers[m] = false
	}
	b.mu.Unlock()
}
