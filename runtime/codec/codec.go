// Package codec implements the request/response translation strategy
// between the provider-agnostic contract and a specific provider's
// structured-output encoding. On the encode side a codec attaches the
// provider-specific response format derived from the requested schema; on
// the decode side it extracts and validates the structured payload into a
// schema instance.
//
// Codecs are registered per (provider, result type) identity. The Base type
// carries the full generic encode/decode flow; provider packages embed it
// and supply their adapters and format envelope.
package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/registry"
)

// Kind distinguishes the two codec failure classes.
type Kind string

const (
	// KindSchema marks encode-side failures: bad schema input or a failing
	// adapter.
	KindSchema Kind = "schema"
	// KindDecode marks decode-side failures: validation errors or unexpected
	// failures while extracting structured data.
	KindDecode Kind = "decode"
)

type (
	// Codec translates between the normalized request/response types and a
	// provider's structured-output representation.
	Codec interface {
		// CodecIdentity returns the identity the codec is registered under.
		CodecIdentity() identity.Identity

		// Encode mutates the request in place: it resolves the requested
		// schema, runs the adapter chain, and attaches the provider-specific
		// response format. A request without a schema is left untouched.
		Encode(ctx context.Context, req *provider.Request) error

		// Decode extracts the structured payload from the response and
		// validates it into an instance of the requested schema. Without a
		// requested schema the raw candidate document is returned unchanged.
		Decode(ctx context.Context, resp *provider.Response) (any, error)
	}

	// Factory constructs a codec instance. Registries store factories, not
	// instances.
	Factory func() Codec

	// Registry is the identity-keyed store of codec factories.
	Registry = registry.Registry[Factory]

	// Error is a codec failure tagged with its kind.
	Error struct {
		// Kind is KindSchema or KindDecode.
		Kind Kind
		// Codec is the identity string of the failing codec.
		Codec string
		// Err is the underlying failure.
		Err error
	}
)

// NewRegistry constructs an empty codec registry.
func NewRegistry(opts ...registry.Option[Factory]) *Registry {
	return registry.New[Factory]("codecs", opts...)
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("codec %s: %s error: %v", e.Codec, e.Kind, e.Err)
}

// Unwrap returns the underlying failure.
func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err's chain contains a codec Error of the given
// kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
