// Package persist routes decoded provider responses to domain persistence
// handlers. Handlers are registered per (namespace, schema identity); the
// "core" namespace acts as the shared fallback. A response with no matching
// handler is logged and skipped rather than treated as an error.
package persist

import (
	"context"
	"fmt"
	"sync"

	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

// FallbackNamespace is consulted when no handler matches the caller's
// namespace.
const FallbackNamespace = "core"

type (
	// Handler maps a decoded response to domain records. Implementations
	// own their transaction boundary: the response row and every derived
	// record must commit atomically.
	Handler interface {
		// Persist stores the response and returns the created domain object.
		Persist(ctx context.Context, resp *provider.Response) (any, error)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, resp *provider.Response) (any, error)

	// Router dispatches responses to handlers by (namespace, schema
	// identity) with a ("core", schema identity) fallback.
	Router struct {
		mu       sync.RWMutex
		handlers map[routeKey]Handler
		logger   telemetry.Logger
	}

	routeKey struct {
		namespace string
		schema    identity.Identity
	}
)

// Persist implements Handler.
func (f HandlerFunc) Persist(ctx context.Context, resp *provider.Response) (any, error) {
	return f(ctx, resp)
}

// NewRouter constructs an empty persistence router.
func NewRouter(logger telemetry.Logger) *Router {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Router{handlers: make(map[routeKey]Handler), logger: logger}
}

// Register binds a handler to (namespace, schemaID). Registering a second
// handler for the same key fails.
func (r *Router) Register(namespace string, schemaID identity.Identity, h Handler) error {
	if h == nil {
		return fmt.Errorf("persist: handler is required")
	}
	key := routeKey{namespace: identity.Normalize(namespace), schema: schemaID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[key]; dup {
		return fmt.Errorf("persist: handler already registered for %s/%s", key.namespace, schemaID)
	}
	r.handlers[key] = h
	return nil
}

// Route returns the handler for (namespace, schemaID): exact match first,
// then the "core" namespace fallback, else nil.
func (r *Router) Route(namespace string, schemaID identity.Identity) Handler {
	ns := identity.Normalize(namespace)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[routeKey{namespace: ns, schema: schemaID}]; ok {
		return h
	}
	if h, ok := r.handlers[routeKey{namespace: FallbackNamespace, schema: schemaID}]; ok {
		return h
	}
	return nil
}

// Persist routes the response by the schema identity attached to its
// originating request and invokes the matching handler. A response without
// a requested schema, or with no matching handler, is logged and returns
// (nil, nil).
func (r *Router) Persist(ctx context.Context, namespace string, resp *provider.Response) (any, error) {
	if resp == nil || resp.Request == nil || resp.Request.ResponseSchema == nil {
		r.logger.Debug(ctx, "no schema on response, skipping persistence", "namespace", namespace)
		return nil, nil
	}
	schemaID := resp.Request.ResponseSchema.SchemaIdentity()
	h := r.Route(namespace, schemaID)
	if h == nil {
		r.logger.Info(ctx, "no persistence handler matched", "namespace", namespace, "schema", schemaID.String())
		return nil, nil
	}
	return h.Persist(ctx, resp)
}
