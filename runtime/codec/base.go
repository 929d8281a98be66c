package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/schema"
)

// StructuredMetaKey is the ProviderMeta key under which backends place
// provider-native structured output. Decode prefers this over the
// stringified-JSON text fallback.
const StructuredMetaKey = "structured"

// Base carries the generic encode/decode flow shared by provider codecs.
// Provider packages embed Base and configure the adapter chain and format
// envelope; the decode path (candidate extraction, validation,
// instantiation) is provider-independent.
type Base struct {
	// Identity is the identity the codec is registered under.
	Identity identity.Identity

	// Adapters is the ordered schema adapter chain applied at encode time.
	Adapters []schema.Adapter

	// Format builds the provider-specific response-format envelope from the
	// adapted schema document. Nil leaves Request.ResponseFormat unset
	// (text-fallback providers).
	Format func(name string, doc map[string]any) map[string]any
}

// CodecIdentity returns the identity the codec is registered under.
func (b *Base) CodecIdentity() identity.Identity { return b.Identity }

// Encode resolves the base schema from the request (ResponseSchema
// preferred, ResponseSchemaJSON as the raw fallback), applies the adapter
// chain, stores the adapted document back on ResponseSchemaJSON for
// diagnostics, and builds the provider envelope into ResponseFormat. A
// request carrying neither schema form is a no-op.
func (b *Base) Encode(_ context.Context, req *provider.Request) error {
	doc, name, err := b.baseSchema(req)
	if err != nil {
		return &Error{Kind: KindSchema, Codec: b.Identity.String(), Err: err}
	}
	if doc == nil {
		return nil
	}
	adapted, err := schema.ApplyAdapters(doc, b.Adapters)
	if err != nil {
		return &Error{Kind: KindSchema, Codec: b.Identity.String(), Err: err}
	}
	req.ResponseSchemaJSON = adapted
	if b.Format != nil {
		req.ResponseFormat = b.Format(name, adapted)
	}
	return nil
}

// Decode extracts the best structured-output candidate from the response
// (provider-native structured payload preferred, stringified JSON found in
// output text as the fallback) and validates it into an instance of the
// requested schema. Without a requested schema the raw candidate document
// is returned unchanged. Validation failures and unexpected decode
// failures both surface as decode-kind errors, never silently.
func (b *Base) Decode(_ context.Context, resp *provider.Response) (any, error) {
	candidate := extractCandidate(resp)
	req := resp.Request
	if req == nil || req.ResponseSchema == nil {
		return candidate, nil
	}
	if candidate == nil {
		return nil, &Error{
			Kind:  KindDecode,
			Codec: b.Identity.String(),
			Err:   fmt.Errorf("no structured output found in response for schema %s", req.ResponseSchema.SchemaIdentity()),
		}
	}
	instance, err := b.instantiate(req, candidate)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Codec: b.Identity.String(), Err: err}
	}
	return instance, nil
}

// baseSchema resolves the schema document and name to encode, or (nil, "")
// when the request asks for no structured output.
func (b *Base) baseSchema(req *provider.Request) (map[string]any, string, error) {
	if req.ResponseSchema != nil {
		doc := req.ResponseSchema.JSONSchema()
		if doc == nil {
			return nil, "", fmt.Errorf("schema %s produced a nil JSON schema", req.ResponseSchema.SchemaIdentity())
		}
		return doc, req.ResponseSchema.SchemaIdentity().Name(), nil
	}
	if req.ResponseSchemaJSON != nil {
		return req.ResponseSchemaJSON, b.Identity.Name(), nil
	}
	return nil, "", nil
}

// instantiate validates the candidate against the adapted schema and
// unmarshals it into a fresh schema instance.
func (b *Base) instantiate(req *provider.Request, candidate map[string]any) (any, error) {
	if doc := req.ResponseSchemaJSON; doc != nil {
		if err := validateCandidate(doc, candidate); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("marshal structured candidate: %w", err)
	}
	instance := req.ResponseSchema.New()
	if err := json.Unmarshal(raw, instance); err != nil {
		return nil, fmt.Errorf("unmarshal into %s: %w", req.ResponseSchema.SchemaIdentity(), err)
	}
	return instance, nil
}

// validateCandidate checks the candidate document against the JSON Schema.
func validateCandidate(doc map[string]any, candidate map[string]any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", normalizeSchemaDoc(doc)); err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	compiled, err := compiler.Compile("response.json")
	if err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	if err := compiled.Validate(normalizeCandidate(candidate)); err != nil {
		return fmt.Errorf("structured output does not match schema: %w", err)
	}
	return nil
}

// normalizeSchemaDoc round-trips the document through JSON so the compiler
// sees canonical types (float64 numbers, map[string]any objects) regardless
// of how the schema was assembled in Go.
func normalizeSchemaDoc(doc map[string]any) any {
	raw, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	normalized, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return doc
	}
	return normalized
}

// normalizeCandidate applies the same canonicalization to the instance.
func normalizeCandidate(candidate map[string]any) any {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return candidate
	}
	normalized, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return candidate
	}
	return normalized
}

// extractCandidate returns the best structured-output candidate:
// provider-native structured payload first, then the first output text part
// that parses as a JSON object.
func extractCandidate(resp *provider.Response) map[string]any {
	if resp.ProviderMeta != nil {
		if structured, ok := resp.ProviderMeta[StructuredMetaKey].(map[string]any); ok {
			return structured
		}
	}
	for _, msg := range resp.Output {
		text := strings.TrimSpace(msg.Text())
		if text == "" || !strings.HasPrefix(text, "{") {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(text), &doc); err == nil {
			return doc
		}
	}
	return nil
}
