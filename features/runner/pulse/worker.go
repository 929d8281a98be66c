package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/service"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

type (
	// WorkerOptions configures a queue worker.
	WorkerOptions struct {
		// Client is the Pulse stream client. Required.
		Client Client
		// App is the assembled runtime restored into each call context.
		// Required.
		App *app.App
		// Services resolves envelope service identities to factories.
		// Required.
		Services *service.Registry
		// StreamName overrides the call stream name. Defaults to
		// DefaultStream.
		StreamName string
		// SinkName identifies the consumer group. Defaults to
		// "orchestra_worker". Workers sharing a sink name split the stream.
		SinkName string
		// Store persists terminal call records. Optional.
		Store CallStore
		// Logger receives worker diagnostics. Optional.
		Logger telemetry.Logger
	}

	// Worker consumes the call stream and drives each envelope to a
	// terminal call.
	Worker struct {
		client   Client
		app      *app.App
		services *service.Registry
		stream   string
		sink     string
		store    CallStore
		logger   telemetry.Logger
	}
)

// NewWorker validates the options and constructs a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.App == nil {
		return nil, errors.New("app is required")
	}
	if opts.Services == nil {
		return nil, errors.New("service registry is required")
	}
	stream := opts.StreamName
	if stream == "" {
		stream = DefaultStream
	}
	sink := opts.SinkName
	if sink == "" {
		sink = "orchestra_worker"
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Worker{
		client:   opts.Client,
		app:      opts.App,
		services: opts.Services,
		stream:   stream,
		sink:     sink,
		store:    opts.Store,
		logger:   logger,
	}, nil
}

// Run consumes the call stream until ctx is canceled. Envelopes that fail
// to decode or resolve are logged and acknowledged so they do not wedge
// the consumer group; execution failures land on the call record.
func (w *Worker) Run(ctx context.Context) error {
	stream, err := w.client.Stream(w.stream)
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, w.sink)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())

	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := w.handle(ctx, evt.Payload); err != nil {
				w.logger.Error(ctx, "envelope processing failed", "event", evt.ID, "err", err)
			}
			if err := sink.Ack(ctx, evt); err != nil {
				return fmt.Errorf("pulse ack: %w", err)
			}
		}
	}
}

// handle rebuilds the call from its envelope and drives it.
func (w *Worker) handle(ctx context.Context, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	id, err := identity.Parse(env.Service)
	if err != nil {
		return fmt.Errorf("envelope service: %w", err)
	}
	factory, ok := w.services.Lookup(id)
	if !ok {
		return fmt.Errorf("unknown service %s", env.Service)
	}
	svc, err := factory(w.app)
	if err != nil {
		return fmt.Errorf("build service %s: %w", env.Service, err)
	}

	call := dispatch.NewCall(env.Service, env.Payload)
	call.ID = env.CallID
	call.Status = dispatch.StatusQueued
	call.Dispatch.Runner = RunnerName
	call.Dispatch.Queue = w.stream
	if !env.EnqueuedAt.IsZero() {
		call.CreatedAt = env.EnqueuedAt
	}

	ctx = app.Into(ctx, w.app)
	if err := dispatch.Drive(ctx, call, svc.Exec()); err != nil {
		return err
	}
	if call.Status == dispatch.StatusFailed {
		w.logger.Warn(ctx, "queued call failed", "call", call.ID, "service", call.Service, "err", call.Error)
	}
	if w.store != nil {
		if err := w.store.Save(ctx, call); err != nil {
			return fmt.Errorf("save call %s: %w", call.ID, err)
		}
	}
	return nil
}
