package openai

import (
	"context"

	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/schema"
)

// Codec is the OpenAI structured-outputs codec: strict-mode schema shaping
// on encode, json_schema envelope formatting, and strict-mode validation
// before the request leaves the process.
type Codec struct {
	codec.Base
	strict bool
}

// NewCodec constructs the codec registered under the given identity.
// Additional adapters run after strict-mode shaping in (Order, AdaptName)
// order.
func NewCodec(id identity.Identity, strict bool, adapters ...schema.Adapter) *Codec {
	format := FormatAdapter{Strict: strict}
	chain := append([]schema.Adapter{StrictModeAdapter{}}, adapters...)
	return &Codec{
		Base: codec.Base{
			Identity: id,
			Adapters: chain,
			Format:   format.Adapt,
		},
		strict: strict,
	}
}

// NewCodecFactory returns a registry factory for the codec.
func NewCodecFactory(id identity.Identity, strict bool, adapters ...schema.Adapter) codec.Factory {
	return func() codec.Codec { return NewCodec(id, strict, adapters...) }
}

// Encode runs the generic encode flow, then lints the adapted schema
// against OpenAI strict-mode rules so malformed schemas fail before any
// tokens are spent.
func (c *Codec) Encode(ctx context.Context, req *provider.Request) error {
	if err := c.Base.Encode(ctx, req); err != nil {
		return err
	}
	if req.ResponseSchemaJSON == nil {
		return nil
	}
	name := c.Identity.Name()
	if req.ResponseSchema != nil {
		name = req.ResponseSchema.SchemaIdentity().Name()
	}
	if _, err := ValidateSchema(req.ResponseSchemaJSON, name, c.strict); err != nil {
		return &codec.Error{Kind: codec.KindSchema, Codec: c.Identity.String(), Err: err}
	}
	return nil
}
