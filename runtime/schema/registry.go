package schema

import "github.com/simcore-ai/orchestra/runtime/registry"

// Registry is the identity-keyed store of schemas.
type Registry = registry.Registry[Schema]

// NewRegistry constructs an empty schema registry.
func NewRegistry(opts ...registry.Option[Schema]) *Registry {
	return registry.New[Schema]("schemas", opts...)
}
