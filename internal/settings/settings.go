// Package settings implements the runtime setting store behind the
// daemon's config interface. Settings are typed values addressed by
// slash-separated keys ("/devmoded/display/brightness"); each key has
// a built-in default and may be overridden at runtime or from a YAML
// overlay file on disk.
package settings

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Value is a setting value. Supported types are bool, int64, float64,
// string and homogeneous slices of those.
type Value any

type entry struct {
	def Value
	cur Value
}

// Store holds settings and their defaults. It is safe for concurrent
// use, though in practice all mutation happens on the daemon loop.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	subs    []func(key string, val Value)
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: map[string]*entry{}}
}

// Define registers a key with its default value. Defining a key that
// already exists replaces the default but keeps the current value.
func (s *Store) Define(key string, def Value) error {
	def, err := normalize(def)
	if err != nil {
		return fmt.Errorf("define %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.def = def
		return nil
	}
	s.entries[key] = &entry{def: def, cur: def}
	return nil
}

// Get returns the current value of key.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.cur, true
}

// Set updates key to v. The value must match the type of the key's
// default. Subscribers are notified only when the value changes.
func (s *Store) Set(key string, v Value) error {
	v, err := normalize(v)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set %s: unknown setting", key)
	}
	if !sameType(e.def, v) {
		s.mu.Unlock()
		return fmt.Errorf("set %s: type mismatch: have %T, want %T", key, v, e.def)
	}
	if equal(e.cur, v) {
		s.mu.Unlock()
		return nil
	}
	e.cur = v
	subs := append([]func(string, Value){}, s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(key, v)
	}
	return nil
}

// Reset restores all keys at or under prefix to their defaults and
// returns the keys that actually changed, sorted.
func (s *Store) Reset(prefix string) []string {
	s.mu.Lock()
	var changed []string
	var vals []Value
	for key, e := range s.entries {
		if !underPrefix(key, prefix) || equal(e.cur, e.def) {
			continue
		}
		e.cur = e.def
		changed = append(changed, key)
		vals = append(vals, e.def)
	}
	subs := append([]func(string, Value){}, s.subs...)
	s.mu.Unlock()

	for i, key := range changed {
		for _, fn := range subs {
			fn(key, vals[i])
		}
	}
	sort.Strings(changed)
	return changed
}

// All returns the current values of every key at or under prefix.
func (s *Store) All(prefix string) map[string]Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]Value{}
	for key, e := range s.entries {
		if underPrefix(key, prefix) {
			out[key] = e.cur
		}
	}
	return out
}

// Notify registers a change callback. Callbacks run synchronously in
// the goroutine that performed the change.
func (s *Store) Notify(fn func(key string, val Value)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// underPrefix reports whether key lies at or below prefix. The empty
// prefix and "/" match everything.
func underPrefix(key, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

// normalize coerces v into the canonical Value types. YAML and D-Bus
// decoders produce a wider set of numeric types than the store keeps.
func normalize(v any) (Value, error) {
	switch x := v.(type) {
	case bool, int64, float64, string:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case []bool, []int64, []float64, []string:
		return x, nil
	case []any:
		return normalizeSlice(x)
	case nil:
		return nil, fmt.Errorf("nil value")
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func normalizeSlice(xs []any) (Value, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("cannot infer element type of empty list")
	}
	first, err := normalize(xs[0])
	if err != nil {
		return nil, err
	}
	switch first.(type) {
	case bool:
		out := make([]bool, len(xs))
		for i, x := range xs {
			v, err := normalize(x)
			if err != nil {
				return nil, err
			}
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("mixed list element %T", x)
			}
			out[i] = b
		}
		return out, nil
	case int64:
		out := make([]int64, len(xs))
		for i, x := range xs {
			v, err := normalize(x)
			if err != nil {
				return nil, err
			}
			n, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("mixed list element %T", x)
			}
			out[i] = n
		}
		return out, nil
	case float64:
		out := make([]float64, len(xs))
		for i, x := range xs {
			v, err := normalize(x)
			if err != nil {
				return nil, err
			}
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("mixed list element %T", x)
			}
			out[i] = f
		}
		return out, nil
	case string:
		out := make([]string, len(xs))
		for i, x := range xs {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("mixed list element %T", x)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported list element type %T", first)
	}
}

func sameType(a, b Value) bool {
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func equal(a, b Value) bool {
	switch x := a.(type) {
	case []bool:
		y, ok := b.([]bool)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	case []int64:
		y, ok := b.([]int64)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	case []float64:
		y, ok := b.([]float64)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	case []string:
		y, ok := b.([]string)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// logChange is a ready-made Notify callback for debug logging.
func logChange(key string, val Value) {
	slog.Debug("setting changed", "key", key, "value", val)
}

// EnableChangeLogging wires debug logging of every change.
func (s *Store) EnableChangeLogging() {
	s.Notify(logChange)
}
