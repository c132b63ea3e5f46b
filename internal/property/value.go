package property

import (
	"sort"
	"sync"
)

// Value is either a literal string or a deferred supplier.
type Value struct {
	literal  string
	supplier func() string
}

// Literal wraps a plain string value.
func Literal(s string) Value {
	return Value{literal: s}
}

// Deferred wraps a supplier evaluated once, right before the owning
// service starts.
func Deferred(fn func() string) Value {
	return Value{supplier: fn}
}

// IsDeferred reports whether the value is produced by a supplier.
func (v Value) IsDeferred() bool {
	return v.supplier != nil
}

type entry struct {
	value    Value
	resolved string
	done     bool
}

// Map is an ordered key to Value map. Keys keep the position of their
// first declaration.
type Map struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]*entry
}

// NewMap returns an empty property map.
func NewMap() *Map {
	return &Map{values: make(map[string]*entry)}
}

// Set stores a value under key. Setting an existing key replaces the value
// but keeps its declaration position.
func (m *Map) Set(key string, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	e := &entry{value: v}
	if !v.IsDeferred() {
		e.resolved = v.literal
		e.done = true
	}
	m.values[key] = e
}

// Get returns the value for key. Deferred values that have not been
// resolved yet are reported as missing.
func (m *Map) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.values[key]
	if !ok || !e.done {
		return "", false
	}
	return e.resolved, true
}

// Raw returns the stored Value for key without resolving it.
func (m *Map) Raw(key string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.values[key]
	if !ok {
		return Value{}, false
	}
	return e.value, true
}

// ResolveDeferred evaluates every pending deferred value in declaration
// order. Values already resolved are not evaluated again.
func (m *Map) ResolveDeferred() {
	m.mu.RLock()
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	m.mu.RUnlock()

	for _, key := range keys {
		m.mu.RLock()
		e := m.values[key]
		pending := e != nil && !e.done
		m.mu.RUnlock()
		if !pending {
			continue
		}

		// Suppliers may read other properties, so run them unlocked.
		v := e.value.supplier()

		m.mu.Lock()
		if cur := m.values[key]; cur == e {
			e.resolved = v
			e.done = true
		}
		m.mu.Unlock()
	}
}

// Keys returns the keys in declaration order.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys
}

// Resolved returns a snapshot of every value currently visible to Get.
func (m *Map) Resolved() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.values))
	for k, e := range m.values {
		if e.done {
			out[k] = e.resolved
		}
	}
	return out
}

// SortedKeys returns the keys of a resolved snapshot in lexical order.
func SortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
