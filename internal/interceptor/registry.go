package interceptor

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/core"
)

// Params are the string settings of a configured interceptor.
type Params map[string]string

// String returns the value of key or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value of key or def.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Float returns the float value of key or def.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return f, nil
}

// Duration returns the duration value of key or def.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return d, nil
}

// Spec describes one configured interceptor.
type Spec struct {
	// Type selects the factory.
	Type string
	// Name identifies the instance in logs; it defaults to Type.
	Name   string
	Params Params
}

// Factory creates an interceptor from its configured name and params.
type Factory func(name string, params Params) (core.Interceptor, error)

// Registry maps interceptor types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TypeThrottle, newThrottle)
	r.Register(TypeSetHeader, newSetHeader)
	r.Register(TypeStatic, newStatic)
	r.Register(TypeLog, newLog)
	return r
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build creates the interceptor described by spec.
func (r *Registry) Build(spec Spec) (core.Interceptor, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, spec.Type)
	}

	name := spec.Name
	if name == "" {
		name = spec.Type
	}
	ic, err := f(name, spec.Params)
	if err != nil {
		return nil, fmt.Errorf("interceptor %s: %w", name, err)
	}
	return ic, nil
}

// BuildAll creates the interceptors described by specs, in order.
func (r *Registry) BuildAll(specs []Spec) ([]core.Interceptor, error) {
	out := make([]core.Interceptor, 0, len(specs))
	for _, s := range specs {
		ic, err := r.Build(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	return out, nil
}
