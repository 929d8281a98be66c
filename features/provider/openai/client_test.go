package openai

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcore-ai/orchestra/runtime/codec"
	"github.com/simcore-ai/orchestra/runtime/provider"
)

type fakeChat struct {
	lastReq openai.ChatCompletionRequest
	resp    openai.ChatCompletionResponse
	err     error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeChat) CreateChatCompletionStream(context.Context, openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	return nil, f.err
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeChat{}})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeChat{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
}

func TestCallTranslatesRequestAndResponse(t *testing.T) {
	chat := &fakeChat{
		resp: openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o-2024-08-06",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello"},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
	}
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), &provider.Request{
		Input: []*provider.Message{
			provider.NewTextMessage(provider.RoleSystem, "be brief"),
			provider.NewTextMessage(provider.RoleUser, "hi"),
		},
		MaxOutputTokens: 64,
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", chat.lastReq.Model)
	require.Len(t, chat.lastReq.Messages, 2)
	assert.Equal(t, "system", chat.lastReq.Messages[0].Role)
	assert.Equal(t, "be brief", chat.lastReq.Messages[0].Content)
	assert.Equal(t, 64, chat.lastReq.MaxTokens)

	assert.Equal(t, "chatcmpl-1", resp.CorrelationID)
	assert.Equal(t, "hello", resp.OutputText())
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.ProviderMeta["finish_reason"])
}

func TestCallParsesStructuredContent(t *testing.T) {
	chat := &fakeChat{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: `{"foo": "bar"}`},
			}},
		},
	}
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	req := &provider.Request{
		Input: []*provider.Message{provider.NewTextMessage(provider.RoleUser, "go")},
		ResponseFormat: map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   "simple",
				"schema": map[string]any{"type": "object", "properties": map[string]any{}},
				"strict": true,
			},
		},
	}
	resp, err := c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "bar"}, resp.ProviderMeta[codec.StructuredMetaKey])

	require.NotNil(t, chat.lastReq.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, chat.lastReq.ResponseFormat.Type)
	assert.Equal(t, "simple", chat.lastReq.ResponseFormat.JSONSchema.Name)
	assert.True(t, chat.lastReq.ResponseFormat.JSONSchema.Strict)
}

func TestCallClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		status int
		kind   provider.ErrorKind
	}{
		{401, provider.ErrorKindAuth},
		{429, provider.ErrorKindRateLimited},
		{400, provider.ErrorKindInvalidRequest},
		{503, provider.ErrorKindUnavailable},
	}
	for _, tc := range cases {
		chat := &fakeChat{err: &openai.APIError{HTTPStatusCode: tc.status, Message: "nope"}}
		c, err := New(Options{Client: chat, DefaultModel: "gpt-4o"})
		require.NoError(t, err)

		_, err = c.Call(context.Background(), &provider.Request{
			Input: []*provider.Message{provider.NewTextMessage(provider.RoleUser, "hi")},
		})
		require.Error(t, err)
		pe, ok := provider.AsError(err)
		require.True(t, ok, "status %d", tc.status)
		assert.Equal(t, tc.kind, pe.Kind(), "status %d", tc.status)
		assert.Equal(t, tc.status, pe.HTTPStatus())
	}
}

func TestCallRequiresInput(t *testing.T) {
	c, err := New(Options{Client: &fakeChat{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), &provider.Request{})
	require.Error(t, err)
}
