// Package registry implements the identity-keyed component stores used
// across the orchestration runtime. A Registry maps identities to component
// values (typically factories or specs, never live instances) with explicit
// collision semantics: re-registering the same component is a no-op,
// registering a different component at a taken identity fails unless the
// caller opts into replacement.
//
// Registries are populated single-threaded during startup discovery and are
// effectively immutable afterwards. Freeze marks the end of discovery;
// subsequent writes fail. Reads are safe for unbounded concurrency.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

type (
	// Registry is an identity-keyed store of components of type T.
	Registry[T any] struct {
		name   string
		logger telemetry.Logger
		same   func(a, b T) bool

		mu      sync.RWMutex
		entries map[identity.Identity]T
		frozen  bool
	}

	// Option configures a Registry.
	Option[T any] func(*Registry[T])

	// DuplicateError reports an attempt to register a different component at
	// an identity that is already taken, without opting into replacement.
	DuplicateError struct {
		Registry string
		ID       identity.Identity
	}

	// NotFoundError reports a Require miss.
	NotFoundError struct {
		Registry string
		ID       identity.Identity
	}

	// FrozenError reports a write attempted after Freeze.
	FrozenError struct {
		Registry string
	}
)

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("registry %s: identity %s is already registered to a different component (pass replace to overwrite)", e.Registry, e.ID)
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry %s: no component registered for identity %s", e.Registry, e.ID)
}

// Error implements the error interface.
func (e *FrozenError) Error() string {
	return fmt.Sprintf("registry %s: registration after freeze", e.Registry)
}

// WithLogger sets the logger used for replacement warnings. Defaults to a
// noop logger.
func WithLogger[T any](logger telemetry.Logger) Option[T] {
	return func(r *Registry[T]) { r.logger = logger }
}

// WithSameFunc overrides how the registry decides whether two components are
// the same for idempotent re-registration. The default compares function and
// pointer values by address and falls back to reflect.DeepEqual for
// everything else.
func WithSameFunc[T any](same func(a, b T) bool) Option[T] {
	return func(r *Registry[T]) { r.same = same }
}

// New constructs an empty registry. The name appears in error messages and
// logs and should describe the component kind ("codecs", "schemas", ...).
func New[T any](name string, opts ...Option[T]) *Registry[T] {
	r := &Registry[T]{
		name:    name,
		logger:  telemetry.NewNoopLogger(),
		same:    sameComponent[T],
		entries: make(map[identity.Identity]T),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the registry name.
func (r *Registry[T]) Name() string { return r.name }

// Register binds a component to an identity. Registering the same component
// at the same identity again is a no-op. Registering a different component
// at a taken identity returns a DuplicateError unless replace is true, in
// which case the prior component is overwritten and a warning is logged.
// Registration fails with a FrozenError once Freeze has been called.
func (r *Registry[T]) Register(ctx context.Context, id identity.Identity, component T, replace bool) error {
	if id.IsZero() {
		return fmt.Errorf("registry %s: cannot register the zero identity", r.name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return &FrozenError{Registry: r.name}
	}
	if prior, ok := r.entries[id]; ok {
		if r.same(prior, component) {
			return nil
		}
		if !replace {
			return &DuplicateError{Registry: r.name, ID: id}
		}
		r.logger.Warn(ctx, "replacing registered component", "registry", r.name, "identity", id.String())
	}
	r.entries[id] = component
	return nil
}

// Lookup returns the component registered at id, reporting whether one was
// found.
func (r *Registry[T]) Lookup(id identity.Identity) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok
}

// Require returns the component registered at id or a NotFoundError.
func (r *Registry[T]) Require(id identity.Identity) (T, error) {
	v, ok := r.Lookup(id)
	if !ok {
		var zero T
		return zero, &NotFoundError{Registry: r.name, ID: id}
	}
	return v, nil
}

// All returns a copy of the registered components keyed by identity.
func (r *Registry[T]) All() map[identity.Identity]T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[identity.Identity]T, len(r.entries))
	for id, v := range r.entries {
		out[id] = v
	}
	return out
}

// Identities returns the registered identities sorted by string form. Used
// by introspection surfaces such as component reports.
func (r *Registry[T]) Identities() []identity.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]identity.Identity, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Len returns the number of registered components.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Freeze marks discovery as complete. Further Register calls fail. Freeze
// is idempotent.
func (r *Registry[T]) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Clear wipes the store and lifts a freeze. Test-only operation.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[identity.Identity]T)
	r.frozen = false
}

// sameComponent reports whether two registered components are the same.
// Functions and pointers compare by address so that registering the same
// constructor twice is idempotent; other values fall back to deep equality.
func sameComponent[T any](a, b T) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Chan, reflect.Map, reflect.Slice, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Invalid:
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
