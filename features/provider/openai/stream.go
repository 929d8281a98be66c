package openai

import (
	"errors"
	"io"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/simcore-ai/orchestra/runtime/provider"
)

// chatStreamer adapts an OpenAI chat completion stream to the
// provider.Streamer interface.
type chatStreamer struct {
	stream *openai.ChatCompletionStream

	mu       sync.Mutex
	metadata map[string]any
}

// Recv returns the next normalized chunk. The final finish_reason delta is
// surfaced as a stop chunk before io.EOF.
func (s *chatStreamer) Recv() (provider.Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return provider.Chunk{}, io.EOF
		}
		if err != nil {
			return provider.Chunk{}, classifyError("chat.completions.stream", err)
		}
		s.record(resp)
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			return provider.Chunk{Type: provider.ChunkTypeStop, StopReason: string(choice.FinishReason)}, nil
		}
		if choice.Delta.Content == "" {
			continue
		}
		return provider.Chunk{
			Type:    provider.ChunkTypeText,
			Message: provider.NewTextMessage(provider.RoleAssistant, choice.Delta.Content),
		}, nil
	}
}

// Close releases the underlying SSE stream.
func (s *chatStreamer) Close() error {
	return s.stream.Close()
}

// Metadata returns stream metadata captured so far.
func (s *chatStreamer) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *chatStreamer) record(resp openai.ChatCompletionStreamResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	if resp.ID != "" {
		s.metadata["response_id"] = resp.ID
	}
	if resp.Model != "" {
		s.metadata["model"] = resp.Model
	}
}
