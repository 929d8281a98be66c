// Package app assembles the orchestration runtime: provider clients, the
// component registries, the event emitter, the persistence router, and
// telemetry. An App is built once at startup, after discovery, and is
// read-only afterwards so it can be shared across goroutines without
// locking.
//
// Apps run in one of two client modes. In single mode exactly one provider
// client is configured and every call uses it, regardless of per-call or
// per-service preferences. In multi mode calls resolve a client through the
// standard precedence chain: per-call override, then the service default,
// then the app default.
package app

import (
	"fmt"
	"sort"

	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/hooks"
	"github.com/simcore-ai/orchestra/runtime/persist"
	"github.com/simcore-ai/orchestra/runtime/prompt"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/schema"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

// Mode selects how the app resolves provider clients.
type Mode string

const (
	// ModeSingle pins every call to the app's only client.
	ModeSingle Mode = "single"
	// ModeMulti resolves clients per call through the precedence chain.
	ModeMulti Mode = "multi"
)

// Client resolution branches, recorded on calls for diagnostics.
const (
	// BranchSingle marks resolution through the single-mode pinned client.
	BranchSingle = "single"
	// BranchOverride marks resolution through a per-call override.
	BranchOverride = "override"
	// BranchServiceDefault marks resolution through the service default.
	BranchServiceDefault = "service_default"
	// BranchAppDefault marks resolution through the app default.
	BranchAppDefault = "app_default"
	// BranchNone marks the absence of any resolvable client.
	BranchNone = "none"
)

type (
	// Options configures a new App. Clients is required; everything else has
	// a usable default.
	Options struct {
		// Mode selects single or multi client resolution. Defaults to
		// ModeMulti; single mode requires exactly one client.
		Mode Mode
		// Clients maps client names to provider clients.
		Clients map[string]provider.Client
		// DefaultClient names the client used when neither the call nor the
		// service expresses a preference. Multi mode only.
		DefaultClient string
		// DefaultRunner names the dispatch runner used when a call does not
		// pick one. Defaults to "local".
		DefaultRunner string
		// Codecs is the codec factory registry. Defaults to an empty registry.
		Codecs *codec.Registry
		// Schemas is the schema registry. Defaults to an empty registry.
		Schemas *schema.Registry
		// Sections is the prompt section registry. Defaults to an empty
		// registry.
		Sections *prompt.Registry
		// Emitter publishes lifecycle events. Defaults to a noop emitter.
		Emitter hooks.Emitter
		// Persist routes decoded responses to persistence handlers. Defaults
		// to an empty router.
		Persist *persist.Router
		// Logger, Metrics, and Tracer provide telemetry. Default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// App is the assembled runtime shared by services, runners, and the CLI.
	App struct {
		mode          Mode
		clients       map[string]provider.Client
		defaultClient string
		defaultRunner string
		codecs        *codec.Registry
		schemas       *schema.Registry
		sections      *prompt.Registry
		emitter       hooks.Emitter
		persist       *persist.Router
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
	}

	// NoClientError reports that client resolution exhausted the precedence
	// chain without finding a usable client.
	NoClientError struct {
		// Override is the per-call override that was requested, if any.
		Override string
		// ServiceDefault is the service's preferred client, if any.
		ServiceDefault string
	}
)

// Error implements the error interface.
func (e *NoClientError) Error() string {
	return fmt.Sprintf("app: no provider client resolved (override=%q, service default=%q, no app default)", e.Override, e.ServiceDefault)
}

// New validates the options and assembles an App.
func New(opts Options) (*App, error) {
	if opts.Mode == "" {
		opts.Mode = ModeMulti
	}
	if opts.Mode != ModeSingle && opts.Mode != ModeMulti {
		return nil, fmt.Errorf("app: unknown mode %q", opts.Mode)
	}
	if opts.Mode == ModeSingle && len(opts.Clients) != 1 {
		return nil, fmt.Errorf("app: single mode requires exactly one client, got %d", len(opts.Clients))
	}
	if opts.DefaultClient != "" {
		if _, ok := opts.Clients[opts.DefaultClient]; !ok {
			return nil, fmt.Errorf("app: default client %q is not configured", opts.DefaultClient)
		}
	}
	if opts.DefaultRunner == "" {
		opts.DefaultRunner = "local"
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.NewRegistry()
	}
	if opts.Schemas == nil {
		opts.Schemas = schema.NewRegistry()
	}
	if opts.Sections == nil {
		opts.Sections = prompt.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Emitter == nil {
		opts.Emitter = hooks.NewNoopEmitter()
	}
	if opts.Persist == nil {
		opts.Persist = persist.NewRouter(opts.Logger)
	}
	clients := make(map[string]provider.Client, len(opts.Clients))
	for name, c := range opts.Clients {
		if c == nil {
			return nil, fmt.Errorf("app: client %q is nil", name)
		}
		clients[name] = c
	}
	return &App{
		mode:          opts.Mode,
		clients:       clients,
		defaultClient: opts.DefaultClient,
		defaultRunner: opts.DefaultRunner,
		codecs:        opts.Codecs,
		schemas:       opts.Schemas,
		sections:      opts.Sections,
		emitter:       opts.Emitter,
		persist:       opts.Persist,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}, nil
}

// Mode returns the client resolution mode.
func (a *App) Mode() Mode { return a.mode }

// DefaultRunner returns the name of the runner used when a call does not
// pick one.
func (a *App) DefaultRunner() string { return a.defaultRunner }

// DefaultClient returns the name of the app-default client, or "" when none
// is configured. In single mode it returns the name of the only client.
func (a *App) DefaultClient() string {
	if a.mode == ModeSingle {
		for name := range a.clients {
			return name
		}
	}
	return a.defaultClient
}

// Codecs returns the codec factory registry.
func (a *App) Codecs() *codec.Registry { return a.codecs }

// Schemas returns the schema registry.
func (a *App) Schemas() *schema.Registry { return a.schemas }

// Sections returns the prompt section registry.
func (a *App) Sections() *prompt.Registry { return a.sections }

// Emitter returns the lifecycle event emitter.
func (a *App) Emitter() hooks.Emitter { return a.emitter }

// Persist returns the persistence router.
func (a *App) Persist() *persist.Router { return a.persist }

// Logger returns the app logger.
func (a *App) Logger() telemetry.Logger { return a.logger }

// Metrics returns the app metrics sink.
func (a *App) Metrics() telemetry.Metrics { return a.metrics }

// Tracer returns the app tracer.
func (a *App) Tracer() telemetry.Tracer { return a.tracer }

// Client returns the named provider client.
func (a *App) Client(name string) (provider.Client, bool) {
	c, ok := a.clients[name]
	return c, ok
}

// ClientNames returns the configured client names, sorted.
func (a *App) ClientNames() []string {
	names := make([]string, 0, len(a.clients))
	for name := range a.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveClient picks the provider client for a call and reports which
// branch of the precedence chain produced it.
//
// In single mode the pinned client always wins; overrides and defaults are
// ignored. In multi mode the per-call override is tried first, then the
// service default, then the app default. A named client that is not
// configured fails resolution outright rather than falling through, so a
// typo never silently lands on a different provider. When the chain is
// exhausted the result depends on required: a NoClientError when the call
// needs a client, or (nil, BranchNone, nil) when it does not.
func (a *App) ResolveClient(override, serviceDefault string, required bool) (provider.Client, string, error) {
	if a.mode == ModeSingle {
		for _, c := range a.clients {
			return c, BranchSingle, nil
		}
	}
	if override != "" {
		c, ok := a.clients[override]
		if !ok {
			return nil, "", fmt.Errorf("app: override client %q is not configured", override)
		}
		return c, BranchOverride, nil
	}
	if serviceDefault != "" {
		c, ok := a.clients[serviceDefault]
		if !ok {
			return nil, "", fmt.Errorf("app: service default client %q is not configured", serviceDefault)
		}
		return c, BranchServiceDefault, nil
	}
	if a.defaultClient != "" {
		return a.clients[a.defaultClient], BranchAppDefault, nil
	}
	if required {
		return nil, "", &NoClientError{Override: override, ServiceDefault: serviceDefault}
	}
	return nil, BranchNone, nil
}
