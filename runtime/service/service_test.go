package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/hooks"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/persist"
	"github.com/simcore-ai/orchestra/runtime/prompt"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/schema"
)

type fakeClient struct {
	lastReq *provider.Request
	text    string
	err     error
}

func (c *fakeClient) Call(_ context.Context, req *provider.Request) (*provider.Response, error) {
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	return &provider.Response{
		Request: req,
		Output:  []*provider.Message{provider.NewTextMessage(provider.RoleAssistant, c.text)},
	}, nil
}

func (c *fakeClient) Stream(context.Context, *provider.Request) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

type fakeSchema struct{ id identity.Identity }

func (s fakeSchema) SchemaIdentity() identity.Identity { return s.id }

func (s fakeSchema) JSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"ok": map[string]any{"type": "boolean"}},
		"required":             []any{"ok"},
		"additionalProperties": false,
	}
}

func (s fakeSchema) New() any { return &map[string]any{} }

type fakeCodec struct {
	id        identity.Identity
	encoded   bool
	decodeOut any
	decodeErr error
}

func (c *fakeCodec) CodecIdentity() identity.Identity { return c.id }

func (c *fakeCodec) Encode(_ context.Context, req *provider.Request) error {
	c.encoded = true
	req.ResponseFormat = map[string]any{"type": "json"}
	return nil
}

func (c *fakeCodec) Decode(context.Context, *provider.Response) (any, error) {
	return c.decodeOut, c.decodeErr
}

func newTestApp(t *testing.T, opts app.Options) *app.App {
	t.Helper()
	a, err := app.New(opts)
	require.NoError(t, err)
	return a
}

func registerLocalRunner(t *testing.T) {
	t.Helper()
	dispatch.ResetRunners()
	t.Cleanup(dispatch.ResetRunners)
	require.NoError(t, dispatch.RegisterRunner("local", dispatch.NewLocalRunner()))
}

func newTestService(t *testing.T, a *app.App, opts Options) *Service {
	t.Helper()
	if opts.Identity.IsZero() {
		opts.Identity = identity.MustParse("chatlab.results.generate")
	}
	opts.App = a
	svc, err := New(opts)
	require.NoError(t, err)
	return svc
}

func TestDoSucceedsEndToEnd(t *testing.T) {
	registerLocalRunner(t)
	client := &fakeClient{text: `{"ok": true}`}
	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": client},
		DefaultClient: "openai",
	})
	cdc := &fakeCodec{id: identity.MustParse("openai.codec.result"), decodeOut: map[string]any{"ok": true}}
	svc := newTestService(t, a, Options{
		Model:       "gpt-4o",
		Instruction: "You summarize topics.",
		Sections: []prompt.Section{
			prompt.Template{SectionLabel: "topic", SectionWeight: 10, MessageTmpl: "Summarize {{.topic}}."},
		},
		Schema: fakeSchema{id: identity.MustParse("chatlab.results.summary")},
		Codec:  cdc,
	})

	call, err := svc.Do(context.Background(), map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, call.Status)
	assert.Equal(t, map[string]any{"ok": true}, call.Result)
	assert.Empty(t, call.Error)
	assert.Equal(t, "openai", call.Client)
	assert.True(t, cdc.encoded)

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "gpt-4o", client.lastReq.Model)
	require.Len(t, client.lastReq.Input, 2)
	assert.Equal(t, "You summarize topics.", client.lastReq.Input[0].Text())
	assert.Equal(t, "Summarize go.", client.lastReq.Input[1].Text())

	assert.Equal(t, BranchService, call.Context["schema.branch"])
	assert.Equal(t, BranchService, call.Context["codec.branch"])
	assert.Equal(t, BranchService, call.Context["prompt.branch"])
	assert.Equal(t, app.BranchAppDefault, call.Context["client.branch"])
}

func TestDoFailureLandsInCallError(t *testing.T) {
	registerLocalRunner(t)
	client := &fakeClient{err: errors.New("boom")}
	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": client},
		DefaultClient: "openai",
	})
	svc := newTestService(t, a, Options{Model: "gpt-4o", Instruction: "hi"})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, call.Status)
	assert.Contains(t, call.Error, "boom")
	assert.Nil(t, call.Result)
}

type blockingClient struct{}

func (blockingClient) Call(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingClient) Stream(context.Context, *provider.Request) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

func TestRequestTimeoutSurfacesAsTimeoutError(t *testing.T) {
	registerLocalRunner(t)
	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": blockingClient{}},
		DefaultClient: "openai",
	})
	svc := newTestService(t, a, Options{
		Model:       "gpt-4o",
		Instruction: "hi",
		Timeout:     20 * time.Millisecond,
	})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, call.Status)
	assert.Contains(t, call.Error, "timed out")
	assert.Contains(t, call.Error, "openai")

	req, cdc, perr := svc.Prepare(context.Background(), dispatch.NewCall(svc.Identity().String(), nil))
	require.NoError(t, perr)
	_, execErr := svc.Execute(context.Background(), blockingClient{}, cdc, req, call)
	require.Error(t, execErr)
	assert.True(t, provider.IsTimeout(execErr))
	assert.ErrorIs(t, execErr, context.DeadlineExceeded)
}

func TestErrorBeforeDeadlineIsNotATimeout(t *testing.T) {
	registerLocalRunner(t)
	client := &fakeClient{err: errors.New("boom")}
	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": client},
		DefaultClient: "openai",
	})
	svc := newTestService(t, a, Options{Model: "gpt-4o", Instruction: "hi", Timeout: time.Minute})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, call.Status)
	assert.Contains(t, call.Error, "boom")
	assert.NotContains(t, call.Error, "timed out")
}

func TestSingleModeIgnoresClientOverride(t *testing.T) {
	registerLocalRunner(t)
	only := &fakeClient{text: "hello"}
	a := newTestApp(t, app.Options{
		Mode:    app.ModeSingle,
		Clients: map[string]provider.Client{"openai": only},
	})
	svc := newTestService(t, a, Options{Model: "gpt-4o", Instruction: "hi", Client: "anthropic"})

	call, err := svc.Do(context.Background(), nil, WithClient("bedrock"))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, call.Status)
	assert.Equal(t, app.BranchSingle, call.Context["client.branch"])
	assert.Equal(t, "openai", call.Client)
	assert.NotNil(t, only.lastReq)
}

func TestSchemaResolutionPrecedence(t *testing.T) {
	registerLocalRunner(t)
	client := &fakeClient{text: "ok"}
	registered := fakeSchema{id: identity.MustParse("chatlab.results.generate")}

	schemas := schema.NewRegistry()
	require.NoError(t, schemas.Register(context.Background(), registered.SchemaIdentity(), registered, false))
	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": client},
		DefaultClient: "openai",
		Schemas:       schemas,
	})

	svc := newTestService(t, a, Options{Model: "gpt-4o", Instruction: "hi"})
	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, BranchRegistry, call.Context["schema.branch"])
	require.NotNil(t, client.lastReq.ResponseSchema)
	assert.Equal(t, registered.SchemaIdentity(), client.lastReq.ResponseSchema.SchemaIdentity())

	override := fakeSchema{id: identity.MustParse("chatlab.results.other")}
	call, err = svc.Do(context.Background(), nil, WithSchema(override))
	require.NoError(t, err)
	assert.Equal(t, BranchOption, call.Context["schema.branch"])
	assert.Equal(t, override.SchemaIdentity(), client.lastReq.ResponseSchema.SchemaIdentity())
}

func TestCodecRegistryResolution(t *testing.T) {
	registerLocalRunner(t)
	client := &fakeClient{text: `{"ok": true}`}
	codecs := codec.NewRegistry()
	cdc := &fakeCodec{id: identity.MustParse("openai.codec.default"), decodeOut: "decoded"}
	require.NoError(t, codecs.Register(context.Background(), cdc.CodecIdentity(), func() codec.Codec { return cdc }, false))

	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": client},
		DefaultClient: "openai",
		Codecs:        codecs,
	})
	svc := newTestService(t, a, Options{Model: "gpt-4o", Instruction: "hi"})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, BranchRegistry, call.Context["codec.branch"])
	assert.Equal(t, "decoded", call.Result)
}

func TestNoCodecReturnsOutputText(t *testing.T) {
	registerLocalRunner(t)
	client := &fakeClient{text: "plain answer"}
	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": client},
		DefaultClient: "openai",
	})
	svc := newTestService(t, a, Options{Model: "gpt-4o", Instruction: "hi"})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, BranchNone, call.Context["codec.branch"])
	assert.Equal(t, "plain answer", call.Result)
}

func TestNoClientFailsTheCall(t *testing.T) {
	registerLocalRunner(t)
	a := newTestApp(t, app.Options{
		Clients: map[string]provider.Client{"openai": &fakeClient{}},
	})
	svc := newTestService(t, a, Options{Model: "gpt-4o", Instruction: "hi"})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, call.Status)
	assert.Contains(t, call.Error, "no provider client resolved")
}

func TestDoEmitsLifecycleEvents(t *testing.T) {
	registerLocalRunner(t)
	bus := hooks.NewBus()
	var types []hooks.EventType
	_, err := bus.Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		types = append(types, evt.Type())
		return nil
	}))
	require.NoError(t, err)

	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": &fakeClient{text: "ok"}},
		DefaultClient: "openai",
		Emitter:       hooks.NewBusEmitter(bus, nil),
	})
	svc := newTestService(t, a, Options{Model: "gpt-4o", Instruction: "hi"})

	_, err = svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []hooks.EventType{hooks.RequestSent, hooks.ResponseReceived}, types)
}

func TestDoPersistsThroughRouter(t *testing.T) {
	registerLocalRunner(t)
	router := persist.NewRouter(nil)
	var persisted bool
	schemaID := identity.MustParse("chatlab.results.summary")
	require.NoError(t, router.Register("core", schemaID, persist.HandlerFunc(func(_ context.Context, resp *provider.Response) (any, error) {
		persisted = true
		return "record", nil
	})))

	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": &fakeClient{text: `{"ok": true}`}},
		DefaultClient: "openai",
		Persist:       router,
	})
	svc := newTestService(t, a, Options{
		Model:       "gpt-4o",
		Instruction: "hi",
		Schema:      fakeSchema{id: schemaID},
		Codec:       &fakeCodec{id: identity.MustParse("openai.codec.summary"), decodeOut: map[string]any{"ok": true}},
	})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, call.Status)
	assert.True(t, persisted)
}

func TestPersistErrorFailsTheCall(t *testing.T) {
	registerLocalRunner(t)
	router := persist.NewRouter(nil)
	schemaID := identity.MustParse("chatlab.results.summary")
	require.NoError(t, router.Register("core", schemaID, persist.HandlerFunc(func(context.Context, *provider.Response) (any, error) {
		return nil, errors.New("tx rollback")
	})))

	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": &fakeClient{text: `{"ok": true}`}},
		DefaultClient: "openai",
		Persist:       router,
	})
	svc := newTestService(t, a, Options{
		Model:       "gpt-4o",
		Instruction: "hi",
		Schema:      fakeSchema{id: schemaID},
		Codec:       &fakeCodec{id: identity.MustParse("openai.codec.summary"), decodeOut: map[string]any{"ok": true}},
	})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, call.Status)
	assert.Contains(t, call.Error, "tx rollback")
}

func TestUsingBindsRunnerWithoutMutating(t *testing.T) {
	a := newTestApp(t, app.Options{
		Clients: map[string]provider.Client{"openai": &fakeClient{}},
	})
	svc := newTestService(t, a, Options{Model: "gpt-4o"})
	bound := svc.Using("background")
	assert.Equal(t, "background", bound.runnerName(nil))
	assert.Equal(t, "local", svc.runnerName(nil))
}

func TestPromptVarsIncludeCallInfo(t *testing.T) {
	registerLocalRunner(t)
	client := &fakeClient{text: "ok"}
	a := newTestApp(t, app.Options{
		Clients:       map[string]provider.Client{"openai": client},
		DefaultClient: "openai",
	})
	svc := newTestService(t, a, Options{
		Model: "gpt-4o",
		Sections: []prompt.Section{
			prompt.Template{SectionLabel: "body", SectionWeight: 0, MessageTmpl: "call {{.call.id}} for {{.call.service}}"},
		},
	})

	call, err := svc.Do(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, call.Status)
	assert.Contains(t, client.lastReq.Input[0].Text(), call.ID)
	assert.Contains(t, client.lastReq.Input[0].Text(), "chatlab.results.generate")
}
