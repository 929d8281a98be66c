// Package service ties the runtime together: a Service owns the prompt
// plan, response schema, codec, and provider preference for one logical LLM
// operation, and turns caller payloads into driven calls.
//
// Component resolution follows a fixed precedence at every seam: an
// explicit per-call option wins over the service-level field, which wins
// over a registry lookup, which falls through to none. The branch taken is
// recorded on the call so operators can see where each component came from.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/prompt"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/schema"
)

// Resolution branch labels recorded in call context under the
// "schema.branch", "codec.branch", and "prompt.branch" keys.
const (
	BranchOption   = "option"
	BranchService  = "service"
	BranchRegistry = "registry"
	BranchNone     = "none"
)

type (
	// Options configures a Service.
	Options struct {
		// Identity names the service. Required.
		Identity identity.Identity
		// App is the assembled runtime the service resolves against. Required.
		App *app.App
		// Model is the default model identifier sent to the provider.
		Model string
		// Client names the service's preferred provider client.
		Client string
		// Runner names the service's preferred dispatch runner; empty falls
		// back to the app default.
		Runner string
		// Instruction is the base instruction text, rendered before all
		// sections.
		Instruction string
		// Sections are the service-owned prompt sections.
		Sections []prompt.Section
		// Schema is the service-level response schema.
		Schema schema.Schema
		// SchemaID looks the schema up in the app registry when Schema is
		// nil. Defaults to the service identity.
		SchemaID identity.Identity
		// Codec is the service-level codec instance.
		Codec codec.Codec
		// MaxOutputTokens caps the provider response size; zero means
		// provider default.
		MaxOutputTokens int
		// Timeout bounds each provider call; zero means no deadline.
		Timeout time.Duration
	}

	// Service is one configured LLM operation.
	Service struct {
		id          identity.Identity
		app         *app.App
		model       string
		client      string
		runner      string
		instruction string
		sections    []prompt.Section
		schema      schema.Schema
		schemaID    identity.Identity
		codec       codec.Codec
		maxTokens   int
		timeout     time.Duration
	}

	// CallOption overrides service configuration for a single call.
	CallOption func(*callConfig)

	callConfig struct {
		client   string
		model    string
		runner   string
		schema   schema.Schema
		codec    codec.Codec
		sections []prompt.Section
		vars     map[string]any
	}
)

// WithClient overrides the provider client for this call.
func WithClient(name string) CallOption {
	return func(c *callConfig) { c.client = name }
}

// WithModel overrides the model for this call.
func WithModel(model string) CallOption {
	return func(c *callConfig) { c.model = model }
}

// WithRunner overrides the dispatch runner for this call.
func WithRunner(name string) CallOption {
	return func(c *callConfig) { c.runner = name }
}

// WithSchema overrides the response schema for this call.
func WithSchema(s schema.Schema) CallOption {
	return func(c *callConfig) { c.schema = s }
}

// WithCodec overrides the codec for this call.
func WithCodec(cd codec.Codec) CallOption {
	return func(c *callConfig) { c.codec = cd }
}

// WithSections overrides the prompt sections for this call.
func WithSections(sections ...prompt.Section) CallOption {
	return func(c *callConfig) { c.sections = sections }
}

// WithVars supplies template variables for prompt rendering.
func WithVars(vars map[string]any) CallOption {
	return func(c *callConfig) { c.vars = vars }
}

// New validates the options and constructs a Service.
func New(opts Options) (*Service, error) {
	if opts.Identity.IsZero() {
		return nil, fmt.Errorf("service: identity is required")
	}
	if opts.App == nil {
		return nil, fmt.Errorf("service: app is required")
	}
	schemaID := opts.SchemaID
	if schemaID.IsZero() {
		schemaID = opts.Identity
	}
	return &Service{
		id:          opts.Identity,
		app:         opts.App,
		model:       opts.Model,
		client:      opts.Client,
		runner:      opts.Runner,
		instruction: opts.Instruction,
		sections:    opts.Sections,
		schema:      opts.Schema,
		schemaID:    schemaID,
		codec:       opts.Codec,
		maxTokens:   opts.MaxOutputTokens,
		timeout:     opts.Timeout,
	}, nil
}

// Identity returns the service identity.
func (s *Service) Identity() identity.Identity { return s.id }

// Using returns a copy of the service bound to the named runner.
func (s *Service) Using(runner string) *Service {
	clone := *s
	clone.runner = runner
	return &clone
}

// Do runs the call to completion on the resolved runner and returns the
// terminal call. Execution failures land in Call.Error, not in the returned
// error; the error reports dispatch-layer problems only.
func (s *Service) Do(ctx context.Context, payload map[string]any, opts ...CallOption) (*dispatch.Call, error) {
	cfg := s.config(opts)
	r, err := s.resolveRunner(cfg)
	if err != nil {
		return nil, err
	}
	return r.Start(ctx, s.job(payload, cfg))
}

// Dispatch hands the call to the resolved runner's queue and returns
// immediately. Inline runners complete the call before returning.
func (s *Service) Dispatch(ctx context.Context, payload map[string]any, opts ...CallOption) (*dispatch.Call, error) {
	cfg := s.config(opts)
	r, err := s.resolveRunner(cfg)
	if err != nil {
		return nil, err
	}
	return r.Enqueue(ctx, s.job(payload, cfg))
}

// Status reports the state of a previously dispatched call.
func (s *Service) Status(ctx context.Context, runnerName, callID string) (*dispatch.Call, error) {
	if runnerName == "" {
		runnerName = s.runnerName(nil)
	}
	r, err := dispatch.LookupRunner(runnerName)
	if err != nil {
		return nil, err
	}
	return r.Status(ctx, callID)
}

// Stream prepares the call and opens a provider stream. The returned
// streamer forwards chunks and publishes stream events; the returned call
// stays running until the stream is drained.
func (s *Service) Stream(ctx context.Context, payload map[string]any, opts ...CallOption) (*dispatch.Call, provider.Streamer, error) {
	cfg := s.config(opts)
	call := dispatch.NewCall(s.id.String(), payload)
	call.Dispatch.Runner = "stream"

	client, err := s.resolveClient(cfg, call)
	if err != nil {
		return nil, nil, err
	}
	req, _, err := s.prepare(ctx, cfg, call)
	if err != nil {
		return nil, nil, err
	}
	s.emitLogged(ctx, "request event", func() error {
		return s.app.Emitter().EmitRequest(ctx, s.id.String(), call.ID, req)
	})
	stream, err := client.Stream(ctx, req)
	if err != nil {
		call.Fail(err.Error())
		return call, nil, err
	}
	call.Status = dispatch.StatusRunning
	call.StartedAt = time.Now().UTC()
	return call, &emittingStreamer{
		inner: stream,
		svc:   s,
		call:  call,
	}, nil
}

// Prepare builds the provider request for one call: it resolves the schema,
// renders the prompt plan, attaches request limits, resolves the codec, and
// runs the encode side. The resolution branches are recorded on the call.
func (s *Service) Prepare(ctx context.Context, call *dispatch.Call, opts ...CallOption) (*provider.Request, codec.Codec, error) {
	return s.prepare(ctx, s.config(opts), call)
}

func (s *Service) prepare(ctx context.Context, cfg *callConfig, call *dispatch.Call) (*provider.Request, codec.Codec, error) {
	respSchema, branch := s.resolveSchema(cfg)
	call.Context["schema.branch"] = branch

	p, branch, err := s.buildPrompt(ctx, cfg, call)
	if err != nil {
		return nil, nil, err
	}
	call.Context["prompt.branch"] = branch

	model := cfg.model
	if model == "" {
		model = s.model
	}
	req := &provider.Request{
		Model:           model,
		ResponseSchema:  respSchema,
		MaxOutputTokens: s.maxTokens,
		Timeout:         s.timeout,
		Metadata: map[string]string{
			"service": s.id.String(),
			"call":    call.ID,
		},
	}
	if p.Instruction != "" {
		req.Input = append(req.Input, provider.NewTextMessage(provider.RoleSystem, p.Instruction))
	}
	if p.Message != "" {
		req.Input = append(req.Input, provider.NewTextMessage(provider.RoleUser, p.Message))
	}
	if len(req.Input) == 0 {
		return nil, nil, fmt.Errorf("service %s: prompt rendered empty", s.id)
	}

	cdc, branch := s.resolveCodec(cfg, respSchema)
	call.Context["codec.branch"] = branch
	if cdc != nil {
		if err := cdc.Encode(ctx, req); err != nil {
			return nil, nil, err
		}
	}
	return req, cdc, nil
}

// Execute sends the prepared request and decodes the response. Lifecycle
// events are published around the provider call; emitter failures are
// logged, never fatal.
func (s *Service) Execute(ctx context.Context, client provider.Client, cdc codec.Codec, req *provider.Request, call *dispatch.Call) (any, error) {
	ident := s.id.String()
	s.emitLogged(ctx, "request event", func() error {
		return s.app.Emitter().EmitRequest(ctx, ident, call.ID, req)
	})

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	resp, err := client.Call(callCtx, req)
	if err != nil {
		err = s.mapTimeout(callCtx, err, req, call)
		s.emitLogged(ctx, "failure event", func() error {
			return s.app.Emitter().EmitFailure(ctx, ident, call.ID, err)
		})
		return nil, err
	}
	resp.Request = req

	var result any
	if cdc != nil {
		result, err = cdc.Decode(ctx, resp)
		if err != nil {
			s.emitLogged(ctx, "failure event", func() error {
				return s.app.Emitter().EmitFailure(ctx, ident, call.ID, err)
			})
			return nil, err
		}
		resp.StructuredData = result
	} else {
		result = resp.OutputText()
	}

	s.emitLogged(ctx, "response event", func() error {
		return s.app.Emitter().EmitResponse(ctx, ident, call.ID, resp)
	})

	if _, err := s.app.Persist().Persist(ctx, s.namespace(), resp); err != nil {
		return nil, fmt.Errorf("service %s: persist response: %w", s.id, err)
	}
	return result, nil
}

// mapTimeout converts a deadline expiry on the request-level timeout into a
// provider TimeoutError. SDK errors that wrap context.DeadlineExceeded map
// too; errors raised while the call context is still live pass through.
func (s *Service) mapTimeout(callCtx context.Context, err error, req *provider.Request, call *dispatch.Call) error {
	if req.Timeout <= 0 || provider.IsTimeout(err) {
		return err
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	name := call.Client
	if name == "" {
		name = s.client
	}
	if name == "" {
		name = "provider"
	}
	return &provider.TimeoutError{Provider: name, After: req.Timeout, Cause: err}
}

// Exec returns the execution closure for this service. Queue workers use
// it to drive calls reconstructed from a broker envelope.
func (s *Service) Exec(opts ...CallOption) dispatch.Exec {
	return s.exec(s.config(opts))
}

// config applies the call options over a fresh per-call config.
func (s *Service) config(opts []CallOption) *callConfig {
	cfg := &callConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// job packages the service execution for a runner.
func (s *Service) job(payload map[string]any, cfg *callConfig) dispatch.Job {
	return dispatch.Job{
		Service: s.id.String(),
		Payload: payload,
		App:     s.app,
		Exec:    s.exec(cfg),
	}
}

// exec returns the per-call execution closure driven by runners.
func (s *Service) exec(cfg *callConfig) dispatch.Exec {
	return func(ctx context.Context, call *dispatch.Call) (any, error) {
		client, err := s.resolveClient(cfg, call)
		if err != nil {
			return nil, err
		}
		req, cdc, err := s.prepare(ctx, cfg, call)
		if err != nil {
			return nil, err
		}
		return s.Execute(ctx, client, cdc, req, call)
	}
}

// resolveClient picks the provider client through the app's precedence
// chain and records the branch and client name on the call.
func (s *Service) resolveClient(cfg *callConfig, call *dispatch.Call) (provider.Client, error) {
	client, branch, err := s.app.ResolveClient(cfg.client, s.client, true)
	if err != nil {
		return nil, err
	}
	call.Context["client.branch"] = branch
	switch branch {
	case app.BranchSingle, app.BranchAppDefault:
		call.Client = s.app.DefaultClient()
	case app.BranchOverride:
		call.Client = cfg.client
	case app.BranchServiceDefault:
		call.Client = s.client
	}
	return client, nil
}

// resolveSchema walks option, service field, registry, none.
func (s *Service) resolveSchema(cfg *callConfig) (schema.Schema, string) {
	if cfg.schema != nil {
		return cfg.schema, BranchOption
	}
	if s.schema != nil {
		return s.schema, BranchService
	}
	if sc, ok := s.app.Schemas().Lookup(s.schemaID); ok {
		return sc, BranchRegistry
	}
	return nil, BranchNone
}

// resolveCodec walks option, service field, registry, none. Registry lookup
// is keyed by (client, "codec", schema name) with a (client, "codec",
// "default") fallback.
func (s *Service) resolveCodec(cfg *callConfig, respSchema schema.Schema) (codec.Codec, string) {
	if cfg.codec != nil {
		return cfg.codec, BranchOption
	}
	if s.codec != nil {
		return s.codec, BranchService
	}
	clientName := cfg.client
	if clientName == "" {
		clientName = s.client
	}
	if clientName == "" {
		clientName = s.app.DefaultClient()
	}
	if clientName != "" {
		if respSchema != nil {
			id := identity.New(clientName, "codec", respSchema.SchemaIdentity().Name())
			if factory, ok := s.app.Codecs().Lookup(id); ok {
				return factory(), BranchRegistry
			}
		}
		id := identity.New(clientName, "codec", "default")
		if factory, ok := s.app.Codecs().Lookup(id); ok {
			return factory(), BranchRegistry
		}
	}
	return nil, BranchNone
}

// buildPrompt assembles the prompt plan and renders it. The base
// instruction always contributes first; the section set comes from the
// call options, the service, or the registry, in that order.
func (s *Service) buildPrompt(ctx context.Context, cfg *callConfig, call *dispatch.Call) (*prompt.Prompt, string, error) {
	var (
		sections []prompt.Section
		branch   string
	)
	switch {
	case len(cfg.sections) > 0:
		sections, branch = cfg.sections, BranchOption
	case len(s.sections) > 0:
		sections, branch = s.sections, BranchService
	default:
		if sec, ok := s.app.Sections().Lookup(s.id); ok {
			sections, branch = []prompt.Section{sec}, BranchRegistry
		} else {
			branch = BranchNone
		}
	}

	all := make([]prompt.Section, 0, len(sections)+1)
	if s.instruction != "" {
		all = append(all, prompt.Static{
			SectionLabel:  "instruction",
			SectionWeight: -1 << 16,
			Instruction:   s.instruction,
		})
	}
	all = append(all, sections...)

	vars := make(map[string]any, len(cfg.vars)+len(call.Input)+1)
	for k, v := range call.Input {
		vars[k] = v
	}
	for k, v := range cfg.vars {
		vars[k] = v
	}
	vars["call"] = map[string]any{"id": call.ID, "service": call.Service}

	p, err := prompt.BuildFrom(ctx, vars, all...)
	if err != nil {
		return nil, branch, err
	}
	return p, branch, nil
}

func (s *Service) resolveRunner(cfg *callConfig) (dispatch.Runner, error) {
	return dispatch.LookupRunner(s.runnerName(cfg))
}

func (s *Service) runnerName(cfg *callConfig) string {
	if cfg != nil && cfg.runner != "" {
		return cfg.runner
	}
	if s.runner != "" {
		return s.runner
	}
	return s.app.DefaultRunner()
}

// namespace returns the routing namespace for persistence: the domain part
// when the identity is qualified, the namespace part otherwise.
func (s *Service) namespace() string {
	if d := s.id.Domain(); d != "" {
		return d
	}
	return s.id.Namespace()
}

func (s *Service) emitLogged(ctx context.Context, what string, emit func() error) {
	if err := emit(); err != nil {
		s.app.Logger().Warn(ctx, "event emission failed", "service", s.id.String(), "event", what, "err", err)
	}
}
