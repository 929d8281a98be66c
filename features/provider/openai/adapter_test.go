package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/provider"
)

type simpleSchema struct{}

func (simpleSchema) SchemaIdentity() identity.Identity {
	return identity.MustParse("chatlab.results.simple")
}

func (simpleSchema) JSONSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"foo": map[string]any{"type": "string"},
		},
	}
}

func (simpleSchema) New() any { return &map[string]any{} }

func TestFormatAdapterPreservesSchema(t *testing.T) {
	doc := map[string]any{
		"type":       "object",
		"properties": map[string]any{"foo": map[string]any{"type": "string"}},
	}
	out := FormatAdapter{Strict: true}.Adapt("simple", doc)

	format, ok := out["format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
	assert.Equal(t, "simple", format["name"])
	assert.Equal(t, true, format["strict"])
	assert.Equal(t, doc, format["schema"])

	// Input must not be mutated.
	assert.Equal(t, map[string]any{
		"type":       "object",
		"properties": map[string]any{"foo": map[string]any{"type": "string"}},
	}, doc)
}

func TestStrictModeAdapterFillsObjectRules(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"b": map[string]any{"type": "string"},
			"a": map[string]any{
				"type":       "object",
				"properties": map[string]any{"x": map[string]any{"type": "integer"}},
			},
		},
	}
	out, err := StrictModeAdapter{}.Adapt(doc)
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b"}, out["required"])
	assert.Equal(t, false, out["additionalProperties"])

	inner := out["properties"].(map[string]any)["a"].(map[string]any)
	assert.Equal(t, []any{"x"}, inner["required"])
	assert.Equal(t, false, inner["additionalProperties"])

	// Purity: original doc untouched.
	_, hasRequired := doc["required"]
	assert.False(t, hasRequired)

	ok, err := ValidateSchema(out, "doc", true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCodecRoundTrip(t *testing.T) {
	cdc := NewCodec(identity.MustParse("openai.codec.simple"), true)
	req := &provider.Request{Model: "gpt-4o", ResponseSchema: simpleSchema{}}

	require.NoError(t, cdc.Encode(context.Background(), req))

	format := req.ResponseFormat["format"].(map[string]any)
	props := format["schema"].(map[string]any)["properties"].(map[string]any)
	assert.Contains(t, props, "foo")

	resp := &provider.Response{
		Request:      req,
		ProviderMeta: map[string]any{codec.StructuredMetaKey: map[string]any{"foo": "bar"}},
	}
	out, err := cdc.Decode(context.Background(), resp)
	require.NoError(t, err)
	instance, ok := out.(*map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bar", (*instance)["foo"])
}

func TestCodecEncodeRejectsNonStrictSchema(t *testing.T) {
	cdc := NewCodec(identity.MustParse("openai.codec.simple"), true)
	req := &provider.Request{
		Model:              "gpt-4o",
		ResponseSchemaJSON: map[string]any{"type": "string"},
	}
	err := cdc.Encode(context.Background(), req)
	require.Error(t, err)
	assert.True(t, codec.IsKind(err, codec.KindSchema))
	assert.Contains(t, err.Error(), "must be type 'object'")
}

func TestCodecEncodeNoSchemaIsNoop(t *testing.T) {
	cdc := NewCodec(identity.MustParse("openai.codec.simple"), true)
	req := &provider.Request{Model: "gpt-4o"}
	require.NoError(t, cdc.Encode(context.Background(), req))
	assert.Nil(t, req.ResponseFormat)
	assert.Nil(t, req.ResponseSchemaJSON)
}
