// Package component holds the typed factory registries used to select pluggable
// implementations (audit stores, notification publishers) from configuration.
package component

import (
	"fmt"
	"slices"
	"sync"

	"go.yaml.in/yaml/v2"
)

// Registry maps implementation types to factories of type T.
type Registry[T any] struct {
	name      string
	mu        sync.RWMutex
	factories map[string]T
}

// NewRegistry initializes a typed factory registry. name is used in error messages.
func NewRegistry[T any](name string) *Registry[T] {
	return &Registry[T]{name: name, factories: make(map[string]T)}
}

// Register stores a factory while enforcing uniqueness.
func (r *Registry[T]) Register(kind string, factory T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" {
		return fmt.Errorf("%s factory type cannot be empty", r.name)
	}
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%s factory for '%s' is already registered", r.name, kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister is Register for init() blocks; it panics on error.
func (r *Registry[T]) MustRegister(kind string, factory T) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for kind, or an error naming the known types.
func (r *Registry[T]) Lookup(kind string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	if !ok {
		return f, fmt.Errorf("unknown %s type '%s' (known: %v)", r.name, kind, r.typesLocked())
	}
	return f, nil
}

// Types lists the registered types in order.
func (r *Registry[T]) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typesLocked()
}

func (r *Registry[T]) typesLocked() []string {
	types := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		types = append(types, kind)
	}
	slices.Sort(types)
	return types
}

// DecodeSettings marshals the untyped settings map into the provided
// struct pointer using YAML for convenience.
func DecodeSettings(settings map[string]any, target any) error {
	if settings == nil {
		return nil
	}
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, target)
}
