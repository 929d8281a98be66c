package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

const (
	// RunnerName is the registration name of the queue runner.
	RunnerName = "pulse"

	// DefaultStream is the Pulse stream carrying enqueued calls.
	DefaultStream = "orchestra:calls"

	// eventJob is the stream event name used for call envelopes.
	eventJob = "service_call"
)

type (
	// envelope is the wire form of an enqueued call.
	envelope struct {
		CallID     string         `json:"call_id"`
		Service    string         `json:"service"`
		Payload    map[string]any `json:"payload,omitempty"`
		EnqueuedAt time.Time      `json:"enqueued_at"`
	}

	// CallStore persists call records so Status can answer across
	// processes. Satisfied by the mongo call store.
	CallStore interface {
		Save(ctx context.Context, call *dispatch.Call) error
		Load(ctx context.Context, id string) (*dispatch.Call, error)
	}

	// RunnerOptions configures the queue runner.
	RunnerOptions struct {
		// Client is the Pulse stream client. Required.
		Client Client
		// StreamName overrides the call stream name. Defaults to
		// DefaultStream.
		StreamName string
		// Store persists call records. Optional; without it Status is
		// unsupported.
		Store CallStore
		// Logger receives runner diagnostics. Optional.
		Logger telemetry.Logger
	}

	// Runner implements dispatch.Runner on a Pulse stream. Start executes
	// inline; Enqueue publishes an envelope for a Worker to pick up.
	Runner struct {
		stream Stream
		name   string
		store  CallStore
		logger telemetry.Logger
	}
)

// NewRunner constructs the queue runner and opens its call stream.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStream
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runner{stream: stream, name: name, store: opts.Store, logger: logger}, nil
}

// Start executes the job inline and returns the terminal call. The call
// record is saved when a store is configured.
func (r *Runner) Start(ctx context.Context, job dispatch.Job) (*dispatch.Call, error) {
	call := dispatch.NewCall(job.Service, job.Payload)
	call.Dispatch.Runner = RunnerName
	if job.App != nil {
		ctx = app.Into(ctx, job.App)
	}
	if err := dispatch.Drive(ctx, call, job.Exec); err != nil {
		return nil, err
	}
	r.save(ctx, call)
	return call, nil
}

// Enqueue publishes the job envelope on the call stream and returns the
// queued call. A Worker subscribed to the same stream executes it. The
// queued record is saved before the publish so a fast worker's terminal
// save can never be overwritten by a stale queued snapshot.
func (r *Runner) Enqueue(ctx context.Context, job dispatch.Job) (*dispatch.Call, error) {
	call := dispatch.NewCall(job.Service, job.Payload)
	call.Status = dispatch.StatusQueued
	call.Dispatch.Runner = RunnerName
	call.Dispatch.Queue = r.name

	data, err := json.Marshal(envelope{
		CallID:     call.ID,
		Service:    call.Service,
		Payload:    call.Input,
		EnqueuedAt: call.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("pulse: marshal envelope: %w", err)
	}
	r.save(ctx, call)
	eventID, err := r.stream.Add(ctx, eventJob, data)
	if err != nil {
		call.Fail(fmt.Sprintf("pulse: publish envelope: %v", err))
		call.FinishedAt = time.Now().UTC()
		r.save(ctx, call)
		return nil, err
	}
	call.Dispatch.TaskID = eventID
	return call, nil
}

// Stream is not supported by the queue runner.
func (r *Runner) Stream(context.Context, dispatch.Job) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

// Status loads the call record from the configured store.
func (r *Runner) Status(ctx context.Context, callID string) (*dispatch.Call, error) {
	if r.store == nil {
		return nil, dispatch.ErrStatusUnsupported
	}
	return r.store.Load(ctx, callID)
}

func (r *Runner) save(ctx context.Context, call *dispatch.Call) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, call); err != nil {
		r.logger.Warn(ctx, "call record save failed", "call", call.ID, "err", err)
	}
}
