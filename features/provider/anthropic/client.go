// Package anthropic provides a provider.Client backed by the Anthropic
// Claude Messages API, including SSE streaming translation. Claude has no
// native structured-output envelope, so the package ships a text-fallback
// codec: the schema travels in the prompt contract and the decode side
// parses the assistant's JSON text.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/simcore-ai/orchestra/runtime/provider"
)

// ProviderName identifies this backend in errors and call records.
const ProviderName = "anthropic"

// DefaultMaxTokens caps completions when neither the request nor the
// options specify a limit; the Messages API requires a positive value.
const DefaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when a request
		// does not name one. Required.
		DefaultModel string
		// MaxTokens is the default completion cap when a request does not
		// set MaxOutputTokens. Defaults to DefaultMaxTokens.
		MaxTokens int
	}

	// Client implements provider.Client on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
	}
)

// New builds an Anthropic-backed provider client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	return &Client{msg: msg, model: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Call issues a non-streaming Messages.New request and translates the
// response into the normalized structures.
func (c *Client) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classifyError("messages.new", err)
	}
	return translateResponse(req, msg)
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// provider.Chunks.
func (c *Client) Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyError("messages.new stream", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) encodeRequest(req *provider.Request) (*sdk.MessageNewParams, error) {
	if len(req.Input) == 0 {
		return nil, errors.New("anthropic: input messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	msgs, system, err := encodeMessages(req.Input)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	return params, nil
}

// encodeMessages splits system messages into the Messages API system blocks
// and maps user/assistant text into the conversation.
func encodeMessages(msgs []*provider.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == provider.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			if v, ok := part.(provider.TextPart); ok && v.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(v.Text))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case provider.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case provider.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func translateResponse(req *provider.Request, msg *sdk.Message) (*provider.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &provider.Response{
		Request:       req,
		CorrelationID: msg.ID,
		ProviderMeta: map[string]any{
			"model":       string(msg.Model),
			"stop_reason": string(msg.StopReason),
		},
	}
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		resp.Output = append(resp.Output, provider.NewTextMessage(provider.RoleAssistant, block.Text))
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = provider.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	return resp, nil
}

// classifyError maps Anthropic SDK failures onto the shared provider error
// taxonomy.
func classifyError(operation string, err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return provider.NewError(ProviderName, operation, 0, provider.ErrorKindUnknown, "", err.Error(), "", false, err)
	}
	kind := provider.ErrorKindUnknown
	retryable := false
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		kind = provider.ErrorKindAuth
	case apiErr.StatusCode == http.StatusTooManyRequests:
		kind = provider.ErrorKindRateLimited
		retryable = true
	case apiErr.StatusCode >= 500:
		kind = provider.ErrorKindUnavailable
		retryable = true
	case apiErr.StatusCode >= 400:
		kind = provider.ErrorKindInvalidRequest
	}
	requestID := ""
	if apiErr.Response != nil {
		requestID = apiErr.Response.Header.Get("Request-Id")
	}
	return provider.NewError(ProviderName, operation, apiErr.StatusCode, kind, "", apiErr.Error(), requestID, retryable, err)
}
