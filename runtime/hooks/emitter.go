package hooks

import (
	"context"

	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

type (
	// Emitter is the facade services use to publish lifecycle events. Every
	// method takes the service identity string and the event payload;
	// implementations decide how (and whether) to deliver. Emission is
	// best-effort: services log emitter failures and continue.
	Emitter interface {
		// EmitRequest publishes a RequestSent event.
		EmitRequest(ctx context.Context, ident, callID string, req *provider.Request) error
		// EmitResponse publishes a ResponseReceived event.
		EmitResponse(ctx context.Context, ident, callID string, resp *provider.Response) error
		// EmitFailure publishes a CallFailed event.
		EmitFailure(ctx context.Context, ident, callID string, callErr error) error
		// EmitStreamChunk publishes a StreamChunk event.
		EmitStreamChunk(ctx context.Context, ident, callID string, chunk provider.Chunk) error
		// EmitStreamComplete publishes a StreamComplete event.
		EmitStreamComplete(ctx context.Context, ident, callID string) error
	}

	// NoopEmitter discards all events. It is the default emitter.
	NoopEmitter struct{}

	// BusEmitter publishes events onto a Bus.
	BusEmitter struct {
		bus    Bus
		logger telemetry.Logger
	}
)

// NewNoopEmitter constructs an Emitter that discards all events.
func NewNoopEmitter() Emitter {
	return NoopEmitter{}
}

// NewBusEmitter constructs an Emitter that publishes onto the given bus.
func NewBusEmitter(bus Bus, logger telemetry.Logger) *BusEmitter {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &BusEmitter{bus: bus, logger: logger}
}

// EmitRequest discards the event.
func (NoopEmitter) EmitRequest(context.Context, string, string, *provider.Request) error {
	return nil
}

// EmitResponse discards the event.
func (NoopEmitter) EmitResponse(context.Context, string, string, *provider.Response) error {
	return nil
}

// EmitFailure discards the event.
func (NoopEmitter) EmitFailure(context.Context, string, string, error) error { return nil }

// EmitStreamChunk discards the event.
func (NoopEmitter) EmitStreamChunk(context.Context, string, string, provider.Chunk) error {
	return nil
}

// EmitStreamComplete discards the event.
func (NoopEmitter) EmitStreamComplete(context.Context, string, string) error { return nil }

// EmitRequest publishes a RequestSent event onto the bus.
func (e *BusEmitter) EmitRequest(ctx context.Context, ident, callID string, req *provider.Request) error {
	return e.bus.Publish(ctx, &RequestSentEvent{EventBase: NewEventBase(ident, callID), Request: req})
}

// EmitResponse publishes a ResponseReceived event onto the bus.
func (e *BusEmitter) EmitResponse(ctx context.Context, ident, callID string, resp *provider.Response) error {
	return e.bus.Publish(ctx, &ResponseReceivedEvent{EventBase: NewEventBase(ident, callID), Response: resp})
}

// EmitFailure publishes a CallFailed event onto the bus.
func (e *BusEmitter) EmitFailure(ctx context.Context, ident, callID string, callErr error) error {
	msg := ""
	if callErr != nil {
		msg = callErr.Error()
	}
	return e.bus.Publish(ctx, &CallFailedEvent{EventBase: NewEventBase(ident, callID), Error: msg})
}

// EmitStreamChunk publishes a StreamChunk event onto the bus.
func (e *BusEmitter) EmitStreamChunk(ctx context.Context, ident, callID string, chunk provider.Chunk) error {
	return e.bus.Publish(ctx, &StreamChunkEvent{EventBase: NewEventBase(ident, callID), Chunk: chunk})
}

// EmitStreamComplete publishes a StreamComplete event onto the bus.
func (e *BusEmitter) EmitStreamComplete(ctx context.Context, ident, callID string) error {
	return e.bus.Publish(ctx, &StreamCompleteEvent{EventBase: NewEventBase(ident, callID)})
}
