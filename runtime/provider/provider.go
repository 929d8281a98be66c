// Package provider defines the provider-agnostic request/response contract
// between the orchestration runtime and LLM backends. It abstracts over
// vendor SDKs (OpenAI, Anthropic, Bedrock) so services and codecs never
// couple to wire formats: backends translate these normalized types into
// provider-specific calls.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/simcore-ai/orchestra/runtime/schema"
)

// Role tags a message with its conversational origin.
type Role string

// Well-known message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type (
	// Client is the contract backends implement. Implementations wrap vendor
	// SDKs, must be safe for concurrent use, and are resolved per call by
	// the application's client-resolution policy.
	Client interface {
		// Call sends the request and blocks until the provider responds. The
		// request's Timeout, when positive, bounds the wait; an exceeded
		// timeout surfaces as a TimeoutError. A timeout abandons the wait but
		// does not retract a request already sent to the provider.
		Call(ctx context.Context, req *Request) (*Response, error)

		// Stream sends the request and returns a Streamer yielding incremental
		// chunks. Backends without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental provider output. Successive Recv calls
	// return chunks until io.EOF. Callers must Close the streamer.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases stream resources.
		Close() error
		// Metadata returns provider-defined stream metadata (request IDs,
		// rate-limit details). Contents are optional and provider-specific.
		Metadata() map[string]any
	}

	// Request is the provider-agnostic outbound message. It is built once
	// per service invocation and mutated in place by codec encoding.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// backend's configured default.
		Model string

		// Input is the ordered sequence of role-tagged content items.
		Input []*Message

		// Tools lists tool definitions exposed to the model, if any.
		Tools []*ToolDefinition

		// ToolChoice constrains how the model may use tools ("auto", "none",
		// or a specific tool name). Empty means provider default.
		ToolChoice string

		// PreviousResponseID continues a multi-turn exchange from a prior
		// provider response, for backends that support server-side threading.
		PreviousResponseID string

		// ResponseSchema is the schema the caller wants back, when structured
		// output is requested. Preferred over ResponseSchemaJSON.
		ResponseSchema schema.Schema

		// ResponseSchemaJSON is the raw JSON Schema document. Codec encoding
		// overwrites it with the adapter-processed document for diagnostics.
		ResponseSchemaJSON map[string]any

		// ResponseFormat is the provider-specific response-format envelope
		// produced by codec encoding. Backends pass it through verbatim.
		ResponseFormat map[string]any

		// Metadata carries free-form key/value pairs for tracing and use-case
		// tagging.
		Metadata map[string]string

		// MaxOutputTokens caps completion length. Zero means provider default.
		MaxOutputTokens int

		// Timeout bounds the provider call. Zero means no request-level bound.
		Timeout time.Duration
	}

	// Response is the provider-agnostic inbound result. The Request
	// back-reference is owned by the producing call and read-only to
	// consumers.
	Response struct {
		// Request references the originating request.
		Request *Request

		// Output is the ordered sequence of role-tagged output messages.
		Output []*Message

		// Usage reports token counters when the provider supplies them.
		Usage TokenUsage

		// ProviderMeta holds raw provider payload fragments. Backends that
		// return native structured output place the decoded document under
		// the "structured" key.
		ProviderMeta map[string]any

		// StructuredData holds the validated schema instance after decode.
		StructuredData any

		// CorrelationID is the provider-assigned response identifier.
		CorrelationID string

		// RequestCorrelationID echoes the provider-side request identifier.
		RequestCorrelationID string
	}

	// Message is a role-tagged content item made of typed parts.
	Message struct {
		// Role tags the message origin.
		Role Role
		// Parts holds the typed content parts in order.
		Parts []Part
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema for the tool's arguments.
		InputSchema map[string]any
	}

	// TokenUsage records token counters reported by the provider. All fields
	// are zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt.
		InputTokens int
		// OutputTokens counts tokens produced by the completion.
		OutputTokens int
		// TotalTokens is the provider-reported aggregate; prefer it over
		// summing when available.
		TotalTokens int
	}

	// Chunk is a streaming event. Type indicates which field is populated.
	Chunk struct {
		// Type is one of ChunkTypeText, ChunkTypeUsage, ChunkTypeStop.
		Type string
		// Message carries the assistant delta when Type == "text".
		Message *Message
		// UsageDelta reports incremental usage when Type == "usage".
		UsageDelta *TokenUsage
		// StopReason explains termination when Type == "stop".
		StopReason string
	}
)

// Chunk type constants for streaming events.
const (
	ChunkTypeText  = "text"
	ChunkTypeUsage = "usage"
	ChunkTypeStop  = "stop"
)

// Part is the marker interface for message content parts. The closed set of
// implementations covers text, tool calls/results, and binary attachments.
type Part interface{ isPart() }

type (
	// TextPart is plain text content.
	TextPart struct {
		// Text is the content.
		Text string
	}

	// ToolCallPart is a tool invocation requested by the model.
	ToolCallPart struct {
		// ID correlates the call with its result.
		ID string
		// Name identifies the tool.
		Name string
		// Args holds the JSON-encoded arguments.
		Args json.RawMessage
	}

	// ToolResultPart carries a tool execution result back to the model.
	ToolResultPart struct {
		// ID matches the originating ToolCallPart.
		ID string
		// Result is the JSON-shaped result value.
		Result any
	}

	// ImagePart is an inline image attachment.
	ImagePart struct {
		// MIME is the content type ("image/png").
		MIME string
		// Data is the raw image payload; empty when URL is set.
		Data []byte
		// URL references a hosted image; empty when Data is set.
		URL string
	}

	// AudioPart is an inline audio attachment.
	AudioPart struct {
		// MIME is the content type ("audio/wav").
		MIME string
		// Data is the raw audio payload.
		Data []byte
	}

	// FilePart is an opaque file attachment.
	FilePart struct {
		// Name is the file name presented to the provider.
		Name string
		// MIME is the content type.
		MIME string
		// Data is the raw file payload.
		Data []byte
	}
)

func (TextPart) isPart()       {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}
func (ImagePart) isPart()      {}
func (AudioPart) isPart()      {}
func (FilePart) isPart()       {}

// NewTextMessage builds a message holding a single text part.
func NewTextMessage(role Role, text string) *Message {
	return &Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the text parts of a message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// OutputText concatenates the text parts of every output message, separated
// by newlines. Convenience for callers that only care about plain text.
func (r *Response) OutputText() string {
	texts := make([]string, 0, len(r.Output))
	for _, m := range r.Output {
		if t := m.Text(); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n")
}

// ErrStreamingUnsupported indicates the backend does not implement streaming
// for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("provider: streaming not supported")
