package hooks

import (
	"time"

	"github.com/simcore-ai/orchestra/runtime/provider"
)

// EventType identifies the lifecycle phase an event belongs to.
type EventType string

// Lifecycle event types published by services and runners.
const (
	// RequestSent fires immediately before a provider call.
	RequestSent EventType = "request_sent"
	// ResponseReceived fires after a provider response decodes.
	ResponseReceived EventType = "response_received"
	// CallFailed fires when a service call reaches the failed state.
	CallFailed EventType = "call_failed"
	// StreamChunk fires for each incremental streaming chunk.
	StreamChunk EventType = "stream_chunk"
	// StreamComplete fires when a stream finishes.
	StreamComplete EventType = "stream_complete"
)

type (
	// Event is the interface all lifecycle events implement. Subscribers
	// use type switches for event-specific fields and the accessors for
	// correlation.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// ServiceIdentity returns the identity string of the service that
		// produced the event.
		ServiceIdentity() string
		// CallID returns the service-call identifier the event belongs to.
		CallID() string
		// Timestamp returns the event creation time in Unix milliseconds.
		Timestamp() int64
	}

	// EventBase carries the fields shared by all events.
	EventBase struct {
		// Service is the identity string of the producing service.
		Service string
		// Call is the service-call identifier.
		Call string
		// At is the creation time in Unix milliseconds.
		At int64
	}

	// RequestSentEvent is published before the provider call.
	RequestSentEvent struct {
		EventBase
		// Request is the outbound normalized request.
		Request *provider.Request
	}

	// ResponseReceivedEvent is published after a successful decode.
	ResponseReceivedEvent struct {
		EventBase
		// Response is the decoded normalized response.
		Response *provider.Response
	}

	// CallFailedEvent is published when a call fails.
	CallFailedEvent struct {
		EventBase
		// Error is the failure message recorded on the call.
		Error string
	}

	// StreamChunkEvent is published for each streaming chunk.
	StreamChunkEvent struct {
		EventBase
		// Chunk is the incremental provider output.
		Chunk provider.Chunk
	}

	// StreamCompleteEvent is published when a stream finishes.
	StreamCompleteEvent struct {
		EventBase
	}
)

// NewEventBase builds the shared event fields stamped with the current time.
func NewEventBase(service, callID string) EventBase {
	return EventBase{Service: service, Call: callID, At: time.Now().UnixMilli()}
}

// ServiceIdentity implements Event.
func (b EventBase) ServiceIdentity() string { return b.Service }

// CallID implements Event.
func (b EventBase) CallID() string { return b.Call }

// Timestamp implements Event.
func (b EventBase) Timestamp() int64 { return b.At }

// Type implements Event.
func (*RequestSentEvent) Type() EventType { return RequestSent }

// Type implements Event.
func (*ResponseReceivedEvent) Type() EventType { return ResponseReceived }

// Type implements Event.
func (*CallFailedEvent) Type() EventType { return CallFailed }

// Type implements Event.
func (*StreamChunkEvent) Type() EventType { return StreamChunk }

// Type implements Event.
func (*StreamCompleteEvent) Type() EventType { return StreamComplete }
