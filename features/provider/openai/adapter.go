package openai

import (
	"sort"

	"github.com/simcore-ai/orchestra/runtime/schema"
)

type (
	// FormatAdapter wraps an adapted JSON Schema in the OpenAI structured
	// outputs envelope. Adapt is pure: the input document is referenced, not
	// copied, and never mutated, so the envelope's "schema" entry is
	// structurally identical to the input.
	FormatAdapter struct {
		// Strict requests strict-mode enforcement provider-side. Defaults
		// should leave this true; structured outputs without strict mode are
		// best-effort only.
		Strict bool
	}

	// StrictModeAdapter rewrites a JSON Schema into the shape OpenAI strict
	// mode requires: every object node declares properties, requires all of
	// them, and forbids additional properties. The transform is pure and
	// ordered ahead of validation.
	StrictModeAdapter struct{}
)

// Adapt builds the response-format envelope around the schema document.
func (a FormatAdapter) Adapt(name string, doc map[string]any) map[string]any {
	return map[string]any{
		"format": map[string]any{
			"type":   "json_schema",
			"name":   name,
			"schema": doc,
			"strict": a.Strict,
		},
	}
}

// AdaptName implements schema.Adapter.
func (StrictModeAdapter) AdaptName() string { return "openai_strict_mode" }

// Order implements schema.Adapter. Strict-mode shaping runs early so later
// adapters and the validator see the final object layout.
func (StrictModeAdapter) Order() int { return 10 }

// Adapt returns a deep copy of doc with strict-mode object rules applied
// recursively.
func (StrictModeAdapter) Adapt(doc map[string]any) (map[string]any, error) {
	out := schema.Clone(doc)
	strictify(out)
	return out, nil
}

// strictify enforces strict-mode object rules in place on an owned copy.
func strictify(node map[string]any) {
	if node == nil {
		return
	}
	if t, _ := node["type"].(string); t == "object" {
		props, _ := node["properties"].(map[string]any)
		if props == nil {
			props = map[string]any{}
			node["properties"] = props
		}
		required := make([]any, 0, len(props))
		for key := range props {
			required = append(required, key)
		}
		sortAnyStrings(required)
		node["required"] = required
		node["additionalProperties"] = false
	}
	for _, key := range []string{"properties", "$defs", "definitions"} {
		if children, ok := node[key].(map[string]any); ok {
			for _, child := range children {
				if m, ok := child.(map[string]any); ok {
					strictify(m)
				}
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		strictify(items)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if branches, ok := node[key].([]any); ok {
			for _, branch := range branches {
				if m, ok := branch.(map[string]any); ok {
					strictify(m)
				}
			}
		}
	}
}

func sortAnyStrings(vals []any) {
	sort.Slice(vals, func(i, j int) bool {
		a, _ := vals[i].(string)
		b, _ := vals[j].(string)
		return a < b
	})
}
