package openai

import (
	"fmt"
	"sort"

	"github.com/simcore-ai/orchestra/runtime/schema"
)

// Strict-mode rule identifiers reported in violations.
const (
	RuleRootType         = "root_type"
	RuleRootUnion        = "root_union"
	RuleMissingProps     = "missing_properties"
	RuleRequiredMismatch = "required_mismatch"
	RuleAdditionalProps  = "additional_properties"
	RuleArrayItems       = "array_items"
)

// ValidateSchema walks the schema document and enforces OpenAI strict-mode
// rules. With strict=true the collected violations raise as a
// schema.ViolationError; with strict=false the return value reports
// compliance and the error is always nil.
//
// The rules: the root must be type "object" and must not be a root-level
// anyOf/oneOf union; every object node declares properties (possibly
// empty), requires exactly its full property-key set, and sets
// additionalProperties to false; every array node declares items. Nested
// unions are allowed and their branches are walked.
func ValidateSchema(doc map[string]any, name string, strict bool) (bool, error) {
	var violations []schema.Violation
	if t, _ := doc["type"].(string); t != "object" {
		violations = append(violations, schema.Violation{
			Path:       "/",
			Rule:       RuleRootType,
			Message:    fmt.Sprintf("root schema must be type 'object', got %q", t),
			Suggestion: "wrap the payload in an object with named properties",
		})
	}
	for _, key := range []string{"anyOf", "oneOf"} {
		if _, ok := doc[key]; ok {
			violations = append(violations, schema.Violation{
				Path:       "/" + key,
				Rule:       RuleRootUnion,
				Message:    fmt.Sprintf("root schema must not use %q", key),
				Suggestion: "lift the union into a property or flatten the variants",
			})
		}
	}
	violations = append(violations, walkNode(doc, "")...)

	if len(violations) == 0 {
		return true, nil
	}
	if strict {
		return false, &schema.ViolationError{SchemaName: name, Violations: violations}
	}
	return false, nil
}

// walkNode collects object and array rule violations below path, recursing
// into properties, items, $defs/definitions, and non-root union branches.
func walkNode(node map[string]any, path string) []schema.Violation {
	var out []schema.Violation

	if t, _ := node["type"].(string); t == "object" {
		props, ok := node["properties"].(map[string]any)
		if !ok {
			out = append(out, schema.Violation{
				Path:       path + "/properties",
				Rule:       RuleMissingProps,
				Message:    "object node must declare properties",
				Suggestion: "add a properties map, empty if the object has no fields",
			})
		} else {
			if !requiredMatchesProps(node["required"], props) {
				out = append(out, schema.Violation{
					Path:       path + "/required",
					Rule:       RuleRequiredMismatch,
					Message:    "required must list every property key",
					Suggestion: "set required to the full property-key set; model optionality with nullable types",
				})
			}
			for _, key := range sortedKeys(props) {
				if child, ok := props[key].(map[string]any); ok {
					out = append(out, walkNode(child, path+"/properties/"+key)...)
				}
			}
		}
		if ap, ok := node["additionalProperties"].(bool); !ok || ap {
			out = append(out, schema.Violation{
				Path:       path + "/additionalProperties",
				Rule:       RuleAdditionalProps,
				Message:    "additionalProperties must be explicitly false",
				Suggestion: `add "additionalProperties": false to the object node`,
			})
		}
	}

	if t, _ := node["type"].(string); t == "array" {
		items, ok := node["items"].(map[string]any)
		if !ok {
			out = append(out, schema.Violation{
				Path:       path + "/items",
				Rule:       RuleArrayItems,
				Message:    "array node must declare items",
				Suggestion: "add an items schema describing the element type",
			})
		} else {
			out = append(out, walkNode(items, path+"/items")...)
		}
	}

	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := node[key].(map[string]any); ok {
			for _, defName := range sortedKeys(defs) {
				if child, ok := defs[defName].(map[string]any); ok {
					out = append(out, walkNode(child, path+"/"+key+"/"+defName)...)
				}
			}
		}
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if branches, ok := node[key].([]any); ok {
			for i, branch := range branches {
				if child, ok := branch.(map[string]any); ok {
					out = append(out, walkNode(child, fmt.Sprintf("%s/%s/%d", path, key, i))...)
				}
			}
		}
	}
	return out
}

// requiredMatchesProps reports whether required is exactly the property-key
// set. Objects with no properties may omit required entirely.
func requiredMatchesProps(required any, props map[string]any) bool {
	var list []any
	switch v := required.(type) {
	case []any:
		list = v
	case []string:
		list = make([]any, len(v))
		for i, s := range v {
			list[i] = s
		}
	default:
		return len(props) == 0
	}
	if len(list) != len(props) {
		return false
	}
	for _, entry := range list {
		key, ok := entry.(string)
		if !ok {
			return false
		}
		if _, exists := props[key]; !exists {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
