package anthropic

import (
	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/schema"
)

// NewCodec constructs the Claude text-fallback codec. With no native
// structured-output envelope, Format stays nil: the adapted schema lands on
// ResponseSchemaJSON for prompt contracts and diagnostics, and Decode
// extracts the first JSON object from the assistant text.
func NewCodec(id identity.Identity, adapters ...schema.Adapter) *codec.Base {
	return &codec.Base{
		Identity: id,
		Adapters: adapters,
	}
}

// NewCodecFactory returns a registry factory for the codec.
func NewCodecFactory(id identity.Identity, adapters ...schema.Adapter) codec.Factory {
	return func() codec.Codec { return NewCodec(id, adapters...) }
}
