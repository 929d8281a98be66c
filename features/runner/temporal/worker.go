package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/service"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

type (
	// WorkerOptions configures a Temporal worker hosting the service-call
	// workflow and activity.
	WorkerOptions struct {
		// Client is the Temporal client the worker polls with. Required.
		Client client.Client
		// App is the assembled runtime restored into each activity context.
		// Required.
		App *app.App
		// Services resolves job service identities to factories. Required.
		Services *service.Registry
		// TaskQueue names the polled task queue. Defaults to
		// DefaultTaskQueue.
		TaskQueue string
		// ActivityTimeout bounds a single call execution. Defaults to ten
		// minutes.
		ActivityTimeout time.Duration
		// Store persists terminal call records. Optional.
		Store CallStore
		// Options are forwarded to worker.New.
		Options worker.Options
		// Instrumentation toggles OTEL wiring on the worker.
		Instrumentation InstrumentationOptions
		// Logger receives worker diagnostics. Optional.
		Logger telemetry.Logger
	}

	// Worker hosts the service-call workflow and its execution activity.
	Worker struct {
		worker worker.Worker
		queue  string
		logger telemetry.Logger
	}

	activities struct {
		app      *app.App
		services *service.Registry
		store    CallStore
		logger   telemetry.Logger
	}
)

// NewWorker builds a worker and registers the service-call workflow and
// activity on its task queue.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("temporal client is required")
	}
	if opts.App == nil {
		return nil, errors.New("app is required")
	}
	if opts.Services == nil {
		return nil, errors.New("service registry is required")
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	timeout := opts.ActivityTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}
	workerOpts := opts.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	w := worker.New(opts.Client, queue, workerOpts)
	w.RegisterWorkflowWithOptions(serviceCallWorkflow(timeout), workflow.RegisterOptions{Name: WorkflowName})

	acts := &activities{
		app:      opts.App,
		services: opts.Services,
		store:    opts.Store,
		logger:   logger,
	}
	w.RegisterActivityWithOptions(acts.ExecuteCall, activity.RegisterOptions{Name: ActivityName})

	return &Worker{worker: w, queue: queue, logger: logger}, nil
}

// Run polls the task queue until the process is interrupted.
func (w *Worker) Run() error {
	return w.worker.Run(worker.InterruptCh())
}

// Start launches the worker on a background goroutine.
func (w *Worker) Start() {
	go func() {
		if err := w.worker.Run(worker.InterruptCh()); err != nil {
			w.logger.Error(context.Background(), "temporal worker exited", "queue", w.queue, "err", err)
		}
	}()
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.worker.Stop()
}

// serviceCallWorkflow runs one call through the execution activity. The
// call's own failure handling lives in the activity; the workflow retries
// only infrastructure-level activity failures.
func serviceCallWorkflow(timeout time.Duration) func(workflow.Context, CallJob) (*dispatch.Call, error) {
	return func(ctx workflow.Context, job CallJob) (*dispatch.Call, error) {
		ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: timeout,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval: time.Second,
				MaximumAttempts: 3,
			},
		})
		var call dispatch.Call
		if err := workflow.ExecuteActivity(ctx, ActivityName, job).Get(ctx, &call); err != nil {
			return nil, err
		}
		return &call, nil
	}
}

// ExecuteCall rebuilds the call from its job record and drives it.
// Provider failures land on the returned call; only unresolvable jobs
// (unknown service, malformed identity) fail the activity itself.
func (a *activities) ExecuteCall(ctx context.Context, job CallJob) (*dispatch.Call, error) {
	id, err := identity.Parse(job.Service)
	if err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}
	factory, ok := a.services.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("unknown service %s", job.Service)
	}
	svc, err := factory(a.app)
	if err != nil {
		return nil, fmt.Errorf("build service %s: %w", job.Service, err)
	}

	call := dispatch.NewCall(job.Service, job.Payload)
	call.ID = job.CallID
	call.Status = dispatch.StatusQueued
	call.Dispatch.Runner = RunnerName
	if !job.EnqueuedAt.IsZero() {
		call.CreatedAt = job.EnqueuedAt
	}

	ctx = app.Into(ctx, a.app)
	if err := dispatch.Drive(ctx, call, svc.Exec()); err != nil {
		return nil, err
	}
	if call.Status == dispatch.StatusFailed {
		a.logger.Warn(ctx, "dispatched call failed", "call", call.ID, "service", call.Service, "err", call.Error)
	}
	if a.store != nil {
		if err := a.store.Save(ctx, call); err != nil {
			return nil, fmt.Errorf("save call %s: %w", call.ID, err)
		}
	}
	return call, nil
}
