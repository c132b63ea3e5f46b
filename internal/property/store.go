package property

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/magiconair/properties"
)

// Owner is the service side of a lookup: its name scopes the file tier and
// its own properties form the third tier.
type Owner interface {
	Name() string
	Property(key string) (string, bool)
}

// Globals holds process-wide properties. Lookups fall back to environment
// variables, first by exact key, then by its upper-cased form with dots and
// dashes turned into underscores.
type Globals struct {
	mu        sync.RWMutex
	values    map[string]string
	lookupEnv func(string) (string, bool)
}

// NewGlobals returns a global tier backed by the process environment.
func NewGlobals() *Globals {
	return &Globals{
		values:    make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// Set stores a process-wide property.
func (g *Globals) Set(key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[key] = value
}

// Lookup resolves key against the globals and then the environment.
func (g *Globals) Lookup(key string) (string, bool) {
	g.mu.RLock()
	v, ok := g.values[key]
	lookupEnv := g.lookupEnv
	g.mu.RUnlock()
	if ok {
		return v, true
	}
	if lookupEnv == nil {
		return "", false
	}
	if v, ok := lookupEnv(key); ok {
		return v, true
	}
	return lookupEnv(EnvName(key))
}

// EnvName converts a property key to its environment variable form.
func EnvName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Store resolves properties across all tiers.
type Store struct {
	mu        sync.RWMutex
	overrides map[string]map[string]string
	file      *properties.Properties
	globals   *Globals
}

// NewStore creates a store. Both file and globals may be nil.
func NewStore(file *properties.Properties, globals *Globals) *Store {
	if globals == nil {
		globals = NewGlobals()
	}
	return &Store{
		overrides: make(map[string]map[string]string),
		file:      file,
		globals:   globals,
	}
}

// Override sets a per-test value for a service. An empty service name
// applies to lookups without an owner.
func (s *Store) Override(service, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides[service] == nil {
		s.overrides[service] = make(map[string]string)
	}
	s.overrides[service][key] = value
}

// ClearOverrides drops every per-test override.
func (s *Store) ClearOverrides() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = make(map[string]map[string]string)
}

// Globals returns the process-wide tier.
func (s *Store) Globals() *Globals {
	return s.globals
}

// Lookup walks the tiers in order and reports the first match.
func (s *Store) Lookup(owner Owner, key string) (string, bool) {
	name := ""
	if owner != nil {
		name = owner.Name()
	}

	s.mu.RLock()
	if v, ok := s.overrides[name][key]; ok {
		s.mu.RUnlock()
		return v, true
	}
	file := s.file
	s.mu.RUnlock()

	if file != nil && name != "" {
		if v, ok := file.Get(name + "." + key); ok {
			return v, true
		}
	}

	if owner != nil {
		if v, ok := owner.Property(key); ok {
			return v, true
		}
	}

	return s.globals.Lookup(key)
}

// Get returns the resolved value or def.
func (s *Store) Get(owner Owner, key, def string) string {
	if v, ok := s.Lookup(owner, key); ok {
		return v
	}
	return def
}

// Duration parses the resolved value as a Go duration. Plain integers are
// read as seconds.
func (s *Store) Duration(owner Owner, key string, def time.Duration) (time.Duration, error) {
	v, ok := s.Lookup(owner, key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("property %s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

// Bool parses the resolved value as a boolean.
func (s *Store) Bool(owner Owner, key string, def bool) (bool, error) {
	v, ok := s.Lookup(owner, key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("property %s: invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

// Int parses the resolved value as an integer.
func (s *Store) Int(owner Owner, key string, def int) (int, error) {
	v, ok := s.Lookup(owner, key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("property %s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

// LoadFile reads a .properties file. A missing file yields an empty set.
// Expansion of ${...} is disabled because such references belong to the
// deferred service references handled elsewhere.
func LoadFile(path string) (*properties.Properties, error) {
	if path == "" {
		return properties.NewProperties(), nil
	}
	loader := &properties.Loader{
		Encoding:         properties.UTF8,
		DisableExpansion: true,
		IgnoreMissing:    true,
	}
	p, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load properties file %s: %w", path, err)
	}
	return p, nil
}
