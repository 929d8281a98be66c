// Package bedrock provides a provider.Client backed by the AWS Bedrock
// Converse API. Smithy error metadata drives the shared error
// classification so throttling and auth failures surface with the same
// kinds as the other backends.
package bedrock

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/simcore-ai/orchestra/runtime/provider"
)

// ProviderName identifies this backend in errors and call records.
const ProviderName = "bedrock"

type (
	// ConverseClient captures the subset of the Bedrock runtime client used
	// by the adapter. It matches *bedrockruntime.Client so callers can pass
	// either a real client or a mock in tests.
	ConverseClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when a request
		// does not name one. Required.
		DefaultModel string
		// MaxTokens is the default completion cap when a request does not
		// set MaxOutputTokens.
		MaxTokens int
	}

	// Client implements provider.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime ConverseClient
		model   string
		maxTok  int
	}
)

// New builds a Bedrock-backed provider client.
func New(runtime ConverseClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{runtime: runtime, model: opts.DefaultModel, maxTok: opts.MaxTokens}, nil
}

// Call issues a Converse request and translates the response into the
// normalized structures.
func (c *Client) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	input, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyError("converse", err)
	}
	return translateResponse(req, output), nil
}

// Stream is not supported by this adapter; callers fall back to Call.
func (c *Client) Stream(context.Context, *provider.Request) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

func (c *Client) encodeRequest(req *provider.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Input) == 0 {
		return nil, errors.New("bedrock: input messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, system, err := encodeMessages(req.Input)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)), //nolint:gosec // AWS SDK requires int32
		}
	}
	return input, nil
}

func encodeMessages(msgs []*provider.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == provider.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			}
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			if v, ok := part.(provider.TextPart); ok && v.Text != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case provider.RoleUser:
			role = brtypes.ConversationRoleUser
		case provider.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, errors.New("bedrock: unsupported message role " + string(m.Role))
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func translateResponse(req *provider.Request, output *bedrockruntime.ConverseOutput) *provider.Response {
	resp := &provider.Response{
		Request: req,
		ProviderMeta: map[string]any{
			"stop_reason": string(output.StopReason),
		},
	}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok && text.Value != "" {
				resp.Output = append(resp.Output, provider.NewTextMessage(provider.RoleAssistant, text.Value))
			}
		}
	}
	if u := output.Usage; u != nil {
		resp.Usage = provider.TokenUsage{
			InputTokens:  int(aws.ToInt32(u.InputTokens)),
			OutputTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
		}
	}
	return resp
}

// classifyError maps smithy error metadata onto the shared provider error
// taxonomy. Throttling codes count as rate limiting even without an HTTP
// status.
func classifyError(operation string, err error) error {
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	kind := provider.ErrorKindUnknown
	retryable := false
	switch {
	case code == "ThrottlingException" || code == "TooManyRequestsException" || status == http.StatusTooManyRequests:
		kind = provider.ErrorKindRateLimited
		retryable = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = provider.ErrorKindAuth
	case status == http.StatusBadRequest:
		kind = provider.ErrorKindInvalidRequest
	case status >= http.StatusInternalServerError:
		kind = provider.ErrorKindUnavailable
		retryable = true
	}
	if msg == "" {
		msg = err.Error()
	}
	return provider.NewError(ProviderName, operation, status, kind, code, msg, "", retryable, err)
}
