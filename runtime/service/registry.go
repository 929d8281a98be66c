package service

import (
	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/registry"
)

type (
	// Factory constructs a service against an assembled app. Registries
	// store factories so discovery never instantiates services eagerly.
	Factory func(a *app.App) (*Service, error)

	// Registry is the identity-keyed store of service factories.
	Registry = registry.Registry[Factory]
)

// NewRegistry constructs an empty service registry.
func NewRegistry(opts ...registry.Option[Factory]) *Registry {
	return registry.New[Factory]("services", opts...)
}
