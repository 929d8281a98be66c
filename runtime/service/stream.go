package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/provider"
)

// emittingStreamer wraps a provider stream and publishes chunk events as
// the caller drains it. The wrapped call transitions to its terminal state
// when the stream ends.
type emittingStreamer struct {
	inner provider.Streamer
	svc   *Service
	call  *dispatch.Call

	once sync.Once
}

// Recv forwards the next chunk and publishes the matching stream event.
func (s *emittingStreamer) Recv() (provider.Chunk, error) {
	chunk, err := s.inner.Recv()
	ctx := context.Background()
	ident := s.svc.id.String()
	switch {
	case errors.Is(err, io.EOF):
		s.finish(func() {
			s.call.Status = dispatch.StatusSucceeded
			s.call.FinishedAt = time.Now().UTC()
			s.svc.emitLogged(ctx, "stream complete event", func() error {
				return s.svc.app.Emitter().EmitStreamComplete(ctx, ident, s.call.ID)
			})
		})
		return chunk, err
	case err != nil:
		s.finish(func() {
			s.call.Fail(err.Error())
			s.call.FinishedAt = time.Now().UTC()
			s.svc.emitLogged(ctx, "failure event", func() error {
				return s.svc.app.Emitter().EmitFailure(ctx, ident, s.call.ID, err)
			})
		})
		return chunk, err
	default:
		s.svc.emitLogged(ctx, "stream chunk event", func() error {
			return s.svc.app.Emitter().EmitStreamChunk(ctx, ident, s.call.ID, chunk)
		})
		return chunk, nil
	}
}

// Close releases the underlying stream.
func (s *emittingStreamer) Close() error { return s.inner.Close() }

// Metadata forwards the underlying stream metadata.
func (s *emittingStreamer) Metadata() map[string]any { return s.inner.Metadata() }

func (s *emittingStreamer) finish(f func()) { s.once.Do(f) }
