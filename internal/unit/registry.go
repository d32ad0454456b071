package unit

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	ErrUnknownKind   = errors.New("unit: unknown kind")
	ErrDuplicateKind = errors.New("unit: kind already registered")
)

// Params carries what a factory needs to build hooks for one unit.
type Params struct {
	Name     string
	Interval time.Duration
	Values   map[string]string
	Logger   *slog.Logger
}

// String returns Values[key] or def.
func (p Params) String(key, def string) string {
	if v, ok := p.Values[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses Values[key], returning def when the key is absent.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p.Values[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Duration parses Values[key] with time.ParseDuration.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p.Values[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return d, nil
}

// Factory builds the hooks for a unit kind.
type Factory func(p Params) (Hooks, error)

// Registry maps kind names to factories. Worker processes resolve their kind
// through it, so it has to be populated the same way in every binary.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("unit: invalid registration for kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.factories[kind] = f
	return nil
}

// New builds hooks of the given kind.
func (r *Registry) New(kind string, p Params) (Hooks, error) {
	r.mu.RLock()
	f := r.factories[kind]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	h, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("unit: build %s (%s): %w", p.Name, kind, err)
	}
	return h, nil
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
