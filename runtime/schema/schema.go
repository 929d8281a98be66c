// Package schema defines the response-schema contracts used by codecs: a
// Schema describes the structured output a caller wants back from a
// provider, and Adapters transform its JSON Schema into whatever shape a
// target provider can express. Adapters are ordered and pure; strict-mode
// compliance checking reports structured violations with paths and
// actionable suggestions.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/simcore-ai/orchestra/runtime/identity"
)

type (
	// Schema describes a structured response type. Implementations are
	// registered by identity and provide both the JSON Schema sent to the
	// provider and a constructor for decoded instances.
	Schema interface {
		// SchemaIdentity returns the identity the schema is registered under.
		SchemaIdentity() identity.Identity
		// JSONSchema returns the JSON Schema document for the type. Callers
		// must treat the returned map as read-only.
		JSONSchema() map[string]any
		// New returns a pointer to a fresh zero instance for decoding.
		New() any
	}

	// Adapter transforms a JSON Schema into a provider-compatible shape.
	// Adapt must be pure: the input document is never mutated and a new
	// document is returned.
	Adapter interface {
		// AdaptName identifies the adapter in errors and diagnostics.
		AdaptName() string
		// Order determines the position in the adapter chain; lower runs first.
		Order() int
		// Adapt returns the transformed schema document.
		Adapt(doc map[string]any) (map[string]any, error)
	}

	// AdapterError wraps a failure from a specific adapter in the chain.
	AdapterError struct {
		// Adapter is the AdaptName of the failing adapter.
		Adapter string
		// Err is the underlying failure.
		Err error
	}

	// Violation is a single strict-mode compliance failure.
	Violation struct {
		// Path locates the offending node, JSON-pointer style ("/properties/foo").
		Path string
		// Rule identifies the violated rule ("root_type", "required_mismatch", ...).
		Rule string
		// Message is the human-readable description.
		Message string
		// Suggestion tells the schema author how to fix the violation.
		Suggestion string
	}

	// ViolationError aggregates strict-mode violations into a readable report.
	ViolationError struct {
		// SchemaName labels the schema under validation.
		SchemaName string
		// Violations holds every collected failure, in walk order.
		Violations []Violation
	}
)

// Error implements the error interface.
func (e *AdapterError) Error() string {
	return fmt.Sprintf("schema adapter %s: %v", e.Adapter, e.Err)
}

// Unwrap returns the underlying adapter failure.
func (e *AdapterError) Unwrap() error { return e.Err }

// Error implements the error interface, rendering one violation per line.
func (e *ViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema %q failed strict-mode validation (%d violations):", e.SchemaName, len(e.Violations))
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "\n  %s [%s]: %s", v.Path, v.Rule, v.Message)
		if v.Suggestion != "" {
			fmt.Fprintf(&b, " (%s)", v.Suggestion)
		}
	}
	return b.String()
}

// ApplyAdapters runs the adapters over doc in ascending (Order, AdaptName)
// order and returns the final document. The input document is never
// mutated. A failing adapter aborts the chain with an AdapterError naming
// it.
func ApplyAdapters(doc map[string]any, adapters []Adapter) (map[string]any, error) {
	sorted := make([]Adapter, len(adapters))
	copy(sorted, adapters)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order() != sorted[j].Order() {
			return sorted[i].Order() < sorted[j].Order()
		}
		return sorted[i].AdaptName() < sorted[j].AdaptName()
	})
	current := Clone(doc)
	for _, a := range sorted {
		next, err := a.Adapt(current)
		if err != nil {
			return nil, &AdapterError{Adapter: a.AdaptName(), Err: err}
		}
		current = next
	}
	return current, nil
}

// Clone deep-copies a JSON Schema document so adapters can build modified
// copies without touching their input. Values must be JSON-shaped (maps,
// slices, and scalars).
func Clone(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
