package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type renameAdapter struct {
	name  string
	order int
	fn    func(doc map[string]any) (map[string]any, error)
}

func (a renameAdapter) AdaptName() string { return a.name }
func (a renameAdapter) Order() int        { return a.order }
func (a renameAdapter) Adapt(doc map[string]any) (map[string]any, error) {
	return a.fn(doc)
}

func appendMarker(marker string) func(doc map[string]any) (map[string]any, error) {
	return func(doc map[string]any) (map[string]any, error) {
		out := Clone(doc)
		trail, _ := out["trail"].(string)
		out["trail"] = trail + marker
		return out, nil
	}
}

func TestApplyAdaptersRunsInOrder(t *testing.T) {
	doc := map[string]any{"type": "object"}
	out, err := ApplyAdapters(doc, []Adapter{
		renameAdapter{name: "second", order: 10, fn: appendMarker("b")},
		renameAdapter{name: "first", order: 1, fn: appendMarker("a")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ab", out["trail"])
}

func TestApplyAdaptersBreaksOrderTiesByName(t *testing.T) {
	out, err := ApplyAdapters(map[string]any{}, []Adapter{
		renameAdapter{name: "zeta", order: 5, fn: appendMarker("z")},
		renameAdapter{name: "alpha", order: 5, fn: appendMarker("a")},
	})
	require.NoError(t, err)
	assert.Equal(t, "az", out["trail"])
}

func TestApplyAdaptersDoesNotMutateInput(t *testing.T) {
	doc := map[string]any{
		"type":       "object",
		"properties": map[string]any{"title": map[string]any{"type": "string"}},
	}
	_, err := ApplyAdapters(doc, []Adapter{
		renameAdapter{name: "marker", order: 1, fn: appendMarker("x")},
	})
	require.NoError(t, err)
	assert.NotContains(t, doc, "trail")
}

func TestApplyAdaptersNamesFailingAdapter(t *testing.T) {
	boom := errors.New("unsupported keyword")
	_, err := ApplyAdapters(map[string]any{}, []Adapter{
		renameAdapter{name: "strict", order: 1, fn: func(map[string]any) (map[string]any, error) {
			return nil, boom
		}},
	})
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "strict", aerr.Adapter)
	assert.ErrorIs(t, err, boom)
}

func TestCloneIsDeep(t *testing.T) {
	doc := map[string]any{
		"properties": map[string]any{"tags": []any{"a", "b"}},
	}
	cp := Clone(doc)
	cp["properties"].(map[string]any)["tags"].([]any)[0] = "mutated"

	assert.Equal(t, "a", doc["properties"].(map[string]any)["tags"].([]any)[0])
	assert.Nil(t, Clone(nil))
}

func TestViolationErrorRendersEachViolation(t *testing.T) {
	err := &ViolationError{
		SchemaName: "Results",
		Violations: []Violation{
			{Path: "/", Rule: "root_type", Message: "root must be an object", Suggestion: "wrap the array in an object"},
			{Path: "/properties/title", Rule: "required_mismatch", Message: "property not listed in required"},
		},
	}
	msg := err.Error()
	assert.Contains(t, msg, `"Results"`)
	assert.Contains(t, msg, "2 violations")
	assert.Contains(t, msg, "/properties/title [required_mismatch]")
	assert.Contains(t, msg, "(wrap the array in an object)")
}
