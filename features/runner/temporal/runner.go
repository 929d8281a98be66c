// Package temporal provides a dispatch runner backed by Temporal durable
// execution. Enqueued calls start a workflow that runs a single activity;
// the activity rebuilds the call from its job record and drives it against
// the worker's service registry.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"

	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

const (
	// RunnerName is the registration name of the runner.
	RunnerName = "temporal"

	// DefaultTaskQueue is the task queue used when none is configured.
	DefaultTaskQueue = "orchestra-calls"

	// WorkflowName is the registered name of the service-call workflow.
	WorkflowName = "orchestra.service_call"

	// ActivityName is the registered name of the call-execution activity.
	ActivityName = "orchestra.execute_call"
)

type (
	// CallJob is the serialized form of a dispatched call. It crosses the
	// workflow and activity boundary, so it must stay JSON-friendly.
	CallJob struct {
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

	// WorkflowClient is the subset of client.Client the runner needs.
	WorkflowClient interface {
		ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
	}

	// Options configures the Temporal runner. Either Client or
	// ClientOptions must be provided.
	Options struct {
		// Client is a pre-configured Temporal client.
		Client WorkflowClient
		// ClientOptions describe how to build a lazy client when Client is
		// nil. OTEL interceptors are installed per Instrumentation.
		ClientOptions *client.Options
		// TaskQueue names the task queue calls are dispatched to. Defaults
		// to DefaultTaskQueue.
		TaskQueue string
		// Instrumentation toggles OTEL tracing and metrics.
		Instrumentation InstrumentationOptions
		// Store persists call records. Optional; without it Status is
		// unsupported.
		Store CallStore
		// Logger receives runner diagnostics. Optional.
		Logger telemetry.Logger
	}

	// InstrumentationOptions configures OTEL wiring for the Temporal client
	// and workers. Tracing and metrics are enabled by default.
	InstrumentationOptions struct {
		DisableTracing bool
		DisableMetrics bool
		TracerOptions  temporalotel.TracerOptions
		MetricsOptions temporalotel.MetricsHandlerOptions
	}

	// Runner implements dispatch.Runner on Temporal workflows.
	Runner struct {
		client      WorkflowClient
		closeClient bool
		queue       string
		store       CallStore
		logger      telemetry.Logger
	}
)

// NewRunner constructs the Temporal runner, creating a lazy client when
// one is not supplied.
func NewRunner(opts Options) (*Runner, error) {
	queue := opts.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal: client or client options are required")
		}
		inst, err := configureInstrumentation(opts.Instrumentation)
		if err != nil {
			return nil, err
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		c, err := client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal: create client: %w", err)
		}
		cli = c
		closeClient = true
	}

	return &Runner{
		client:      cli,
		closeClient: closeClient,
		queue:       queue,
		store:       opts.Store,
		logger:      logger,
	}, nil
}

// Close releases the Temporal client when the runner created it.
func (r *Runner) Close() {
	if !r.closeClient {
		return
	}
	if c, ok := r.client.(client.Client); ok {
		c.Close()
	}
}

// Start dispatches the call as a workflow and blocks until the workflow
// returns the terminal call.
func (r *Runner) Start(ctx context.Context, job dispatch.Job) (*dispatch.Call, error) {
	call, run, err := r.execute(ctx, job)
	if err != nil {
		return nil, err
	}
	var result dispatch.Call
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("temporal: workflow %s: %w", run.GetID(), err)
	}
	result.Dispatch = call.Dispatch
	r.save(ctx, &result)
	return &result, nil
}

// Enqueue dispatches the call as a workflow and returns the queued call
// without waiting for completion.
func (r *Runner) Enqueue(ctx context.Context, job dispatch.Job) (*dispatch.Call, error) {
	call, _, err := r.execute(ctx, job)
	if err != nil {
		return nil, err
	}
	return call, nil
}

// Stream is not supported by the Temporal runner.
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

// execute saves the queued record and then starts the workflow. The save
// happens before the start so a fast worker's terminal save can never be
// overwritten by a stale queued snapshot; a failed start is compensated by
// marking the record failed.
func (r *Runner) execute(ctx context.Context, job dispatch.Job) (*dispatch.Call, client.WorkflowRun, error) {
	call := dispatch.NewCall(job.Service, job.Payload)
	call.Status = dispatch.StatusQueued
	call.Dispatch.Runner = RunnerName
	call.Dispatch.Queue = r.queue
	r.save(ctx, call)

	run, err := r.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "call-" + call.ID,
		TaskQueue: r.queue,
	}, WorkflowName, CallJob{
		CallID:     call.ID,
		Service:    call.Service,
		Payload:    call.Input,
		EnqueuedAt: call.CreatedAt,
	})
	if err != nil {
		call.Fail(fmt.Sprintf("temporal: execute workflow: %v", err))
		call.FinishedAt = time.Now().UTC()
		r.save(ctx, call)
		return nil, nil, fmt.Errorf("temporal: execute workflow: %w", err)
	}
	call.Dispatch.TaskID = run.GetID() + "/" + run.GetRunID()
	return call, run, nil
}

func (r *Runner) save(ctx context.Context, call *dispatch.Call) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, call); err != nil {
		r.logger.Warn(ctx, "call record save failed", "call", call.ID, "err", err)
	}
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}
