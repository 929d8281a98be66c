package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/provider"
)

type (
	// Job is everything a runner needs to execute one service call: the
	// service name, the caller payload, the execution function, and the app
	// the execution resolves against. Queue-backed runners serialize the
	// service and payload and re-resolve Exec and App on the worker side.
	Job struct {
		// Service is the identity string of the service to invoke.
		Service string
		// Payload is the caller-supplied input.
		Payload map[string]any
		// Exec performs the call. Local runners invoke it directly.
		Exec Exec
		// App is restored onto the execution context before Exec runs.
		App *app.App
	}

	// Runner executes service calls on a particular backend.
	//
	// Start runs the call to completion and returns the terminal call.
	// Enqueue hands the call to the backend and returns immediately; the
	// returned call is queued (or already terminal for inline backends).
	// Stream starts the call and exposes incremental output; runners without
	// a streaming path return provider.ErrStreamingUnsupported. Status
	// reports the current state of a previously enqueued call; only runners
	// that track executions support it.
	Runner interface {
		Start(ctx context.Context, job Job) (*Call, error)
		Enqueue(ctx context.Context, job Job) (*Call, error)
		Stream(ctx context.Context, job Job) (provider.Streamer, error)
		Status(ctx context.Context, callID string) (*Call, error)
	}
)

// ErrStatusUnsupported is returned by runners that do not track enqueued
// executions.
var ErrStatusUnsupported = fmt.Errorf("dispatch: runner does not track call status")

var (
	runnersMu sync.RWMutex
	runners   = make(map[string]Runner)
)

// RegisterRunner makes a runner available under the given name. Registering
// a second runner under a taken name fails.
func RegisterRunner(name string, r Runner) error {
	if name == "" || r == nil {
		return fmt.Errorf("dispatch: runner name and implementation are required")
	}
	runnersMu.Lock()
	defer runnersMu.Unlock()
	if _, dup := runners[name]; dup {
		return fmt.Errorf("dispatch: runner %q is already registered", name)
	}
	runners[name] = r
	return nil
}

// LookupRunner returns the named runner.
func LookupRunner(name string) (Runner, error) {
	runnersMu.RLock()
	defer runnersMu.RUnlock()
	r, ok := runners[name]
	if !ok {
		return nil, fmt.Errorf("dispatch: no runner registered under %q", name)
	}
	return r, nil
}

// RunnerNames returns the registered runner names, sorted.
func RunnerNames() []string {
	runnersMu.RLock()
	defer runnersMu.RUnlock()
	names := make([]string, 0, len(runners))
	for name := range runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetRunners wipes the runner table. Test-only operation.
func ResetRunners() {
	runnersMu.Lock()
	defer runnersMu.Unlock()
	runners = make(map[string]Runner)
}
