// Package openai provides a provider.Client backed by the OpenAI Chat
// Completions API, together with the strict-mode schema tooling OpenAI
// structured outputs require: a format adapter that wraps a JSON Schema in
// the json_schema response-format envelope, a strict-mode validator, and a
// codec wired from both.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/provider"
)

// ProviderName identifies this backend in errors and call records.
const ProviderName = "openai"

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter. It is satisfied by *openai.Client so callers can pass either a
	// real client or a mock in tests.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
			*openai.ChatCompletionStream, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client is the underlying chat client. Required.
		Client ChatClient
		// DefaultModel is used when a request does not name a model. Required.
		DefaultModel string
	}

	// Client implements provider.Client via the OpenAI Chat Completions API.
	Client struct {
		chat  ChatClient
		model string
	}
)

// New builds an OpenAI-backed provider client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Call issues a non-streaming chat completion and translates the response
// into the normalized structures. When the request carried a json_schema
// response format, the assistant content is parsed and exposed under
// ProviderMeta["structured"] for the decode side.
func (c *Client) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, *request)
	if err != nil {
		return nil, classifyError("chat.completions", err)
	}
	return translateResponse(req, response), nil
}

// Stream issues a streaming chat completion and adapts the SSE stream to
// the provider.Streamer interface.
func (c *Client) Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	stream, err := c.chat.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, classifyError("chat.completions.stream", err)
	}
	return &chatStreamer{stream: stream}, nil
}

func (c *Client) encodeRequest(req *provider.Request) (*openai.ChatCompletionRequest, error) {
	if len(req.Input) == 0 {
		return nil, errors.New("openai: input messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Input))
	for _, m := range req.Input {
		if m == nil {
			continue
		}
		// Join only text parts; tool results travel through dedicated fields.
		if text := m.Text(); text != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: text})
		}
	}
	if len(messages) == 0 {
		return nil, errors.New("openai: input carries no text content")
	}
	request := &openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: req.MaxOutputTokens,
	}
	format, err := encodeResponseFormat(req.ResponseFormat)
	if err != nil {
		return nil, err
	}
	request.ResponseFormat = format
	return request, nil
}

// encodeResponseFormat maps the codec-produced envelope into the go-openai
// response-format parameter.
func encodeResponseFormat(envelope map[string]any) (*openai.ChatCompletionResponseFormat, error) {
	if envelope == nil {
		return nil, nil
	}
	format, ok := envelope["format"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("openai: response format envelope is missing %q", "format")
	}
	name, _ := format["name"].(string)
	if name == "" {
		return nil, errors.New("openai: response format is missing a schema name")
	}
	doc, ok := format["schema"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("openai: response format %q carries no schema", name)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal response schema %q: %w", name, err)
	}
	strict, _ := format["strict"].(bool)
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   name,
			Schema: json.RawMessage(raw),
			Strict: strict,
		},
	}, nil
}

func translateResponse(req *provider.Request, resp openai.ChatCompletionResponse) *provider.Response {
	out := &provider.Response{
		Request:       req,
		CorrelationID: resp.ID,
		Usage: provider.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		ProviderMeta: map[string]any{"model": resp.Model},
	}
	structured := req.ResponseFormat != nil
	for _, choice := range resp.Choices {
		content := choice.Message.Content
		if content == "" {
			continue
		}
		out.Output = append(out.Output, provider.NewTextMessage(provider.RoleAssistant, content))
		if structured {
			var doc map[string]any
			if err := json.Unmarshal([]byte(content), &doc); err == nil {
				out.ProviderMeta[codec.StructuredMetaKey] = doc
				structured = false
			}
		}
	}
	if len(resp.Choices) > 0 {
		out.ProviderMeta["finish_reason"] = string(resp.Choices[0].FinishReason)
	}
	return out
}

// classifyError maps go-openai failures onto the shared provider error
// taxonomy.
func classifyError(operation string, err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return provider.NewError(ProviderName, operation, 0, provider.ErrorKindUnknown, "", err.Error(), "", false, err)
	}
	kind := provider.ErrorKindUnknown
	retryable := false
	switch {
	case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
		kind = provider.ErrorKindAuth
	case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
		kind = provider.ErrorKindRateLimited
		retryable = true
	case apiErr.HTTPStatusCode >= 500:
		kind = provider.ErrorKindUnavailable
		retryable = true
	case apiErr.HTTPStatusCode >= 400:
		kind = provider.ErrorKindInvalidRequest
	}
	code := ""
	if apiErr.Code != nil {
		code = fmt.Sprintf("%v", apiErr.Code)
	}
	return provider.NewError(ProviderName, operation, apiErr.HTTPStatusCode, kind, code, apiErr.Message, "", retryable, err)
}
