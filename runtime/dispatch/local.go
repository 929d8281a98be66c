package dispatch

import (
	"context"
	"sync"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

type (
	// LocalRunner executes calls inline in the caller's goroutine. Enqueue
	// degenerates to Start: there is no queue, so the call is complete by
	// the time Enqueue returns.
	LocalRunner struct{}

	// BackgroundRunner executes calls on a fresh goroutine per call and
	// tracks them in memory so Status works. The execution context is
	// detached from the caller's: cancellation of the submitting request
	// must not kill the call.
	BackgroundRunner struct {
		logger telemetry.Logger

		mu    sync.RWMutex
		calls map[string]*Call
	}
)

// NewLocalRunner constructs the inline runner.
func NewLocalRunner() *LocalRunner { return &LocalRunner{} }

// Start runs the call to completion in the caller's goroutine.
func (r *LocalRunner) Start(ctx context.Context, job Job) (*Call, error) {
	call := NewCall(job.Service, job.Payload)
	call.Dispatch.Runner = "local"
	if job.App != nil {
		ctx = app.Into(ctx, job.App)
	}
	if err := Drive(ctx, call, job.Exec); err != nil {
		return nil, err
	}
	return call, nil
}

// Enqueue runs the call inline; the returned call is already terminal.
func (r *LocalRunner) Enqueue(ctx context.Context, job Job) (*Call, error) {
	return r.Start(ctx, job)
}

// Stream is unsupported; services stream through the provider client
// directly.
func (r *LocalRunner) Stream(context.Context, Job) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

// Status is unsupported: the local runner keeps no record of past calls.
func (r *LocalRunner) Status(context.Context, string) (*Call, error) {
	return nil, ErrStatusUnsupported
}

// NewBackgroundRunner constructs the goroutine-backed runner.
func NewBackgroundRunner(logger telemetry.Logger) *BackgroundRunner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &BackgroundRunner{logger: logger, calls: make(map[string]*Call)}
}

// Start runs the call to completion in the caller's goroutine and records
// it for Status.
func (r *BackgroundRunner) Start(ctx context.Context, job Job) (*Call, error) {
	call := NewCall(job.Service, job.Payload)
	call.Dispatch.Runner = "background"
	r.track(call)
	if job.App != nil {
		ctx = app.Into(ctx, job.App)
	}
	if err := Drive(ctx, call, job.Exec); err != nil {
		return nil, err
	}
	r.track(call)
	return call, nil
}

// Enqueue schedules the call on a new goroutine and returns the queued
// call immediately. The goroutine runs on a background context carrying the
// job's app, so the submitting request's cancellation does not interrupt
// the call.
func (r *BackgroundRunner) Enqueue(_ context.Context, job Job) (*Call, error) {
	call := NewCall(job.Service, job.Payload)
	call.Status = StatusQueued
	call.Dispatch.Runner = "background"
	r.track(call)

	go func() {
		ctx := context.Background()
		if job.App != nil {
			ctx = app.Into(ctx, job.App)
		}
		if err := Drive(ctx, call, job.Exec); err != nil {
			r.logger.Error(ctx, "background call could not be driven", "call", call.ID, "err", err)
			return
		}
		r.track(call)
		if call.Status == StatusFailed {
			r.logger.Error(ctx, "background call failed", "call", call.ID, "service", call.Service, "cause", call.Error)
		}
	}()

	snapshot := *call
	return &snapshot, nil
}

// Stream is unsupported; services stream through the provider client
// directly.
func (r *BackgroundRunner) Stream(context.Context, Job) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

// Status returns the tracked call by ID.
func (r *BackgroundRunner) Status(_ context.Context, callID string) (*Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	call, ok := r.calls[callID]
	if !ok {
		return nil, ErrStatusUnsupported
	}
	snapshot := *call
	return &snapshot, nil
}

// track stores an immutable snapshot so Status never observes a call while
// the driving goroutine is still mutating it.
func (r *BackgroundRunner) track(call *Call) {
	snapshot := *call
	r.mu.Lock()
	r.calls[call.ID] = &snapshot
	r.mu.Unlock()
}
