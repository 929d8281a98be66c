package bedrock

import (
	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/schema"
)

// NewCodec constructs the Bedrock text-fallback codec. Converse has no
// structured-output envelope here, so Format stays nil and Decode extracts
// the first JSON object from the assistant text.
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
