// Package dispatch owns the service-call lifecycle and the runner
// abstraction that executes calls. A Call is the durable record of one
// service invocation: its input, its resolution context, its result or
// failure, and its status transitions. Runners decide where the execution
// happens: inline in the caller, on a background goroutine, on a redis
// queue, or on a temporal workflow.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a service call.
type Status string

// Call lifecycle states. Calls move pending to running to a terminal state;
// queued calls pass through queued between pending and running. Succeeded
// and failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type (
	// Call is the record of one service invocation.
	Call struct {
		// ID uniquely identifies the call.
		ID string `json:"id"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// Service is the identity string of the invoked service.
		Service string `json:"service"`
		// Input is the caller-supplied payload.
		Input map[string]any `json:"input,omitempty"`
		// Context records resolution decisions made while preparing the call:
		// which branch produced the schema, codec, prompt, and client.
		Context map[string]any `json:"context,omitempty"`
		// Result holds the decoded output of a succeeded call.
		Result any `json:"result,omitempty"`
		// Error holds the failure message of a failed call.
		Error string `json:"error,omitempty"`
		// Client names the provider client the call resolved to.
		Client string `json:"client,omitempty"`
		// Dispatch records how the call was routed to its runner.
		Dispatch DispatchInfo `json:"dispatch"`

		// CreatedAt, StartedAt, and FinishedAt stamp the lifecycle
		// transitions. StartedAt and FinishedAt are zero until the call
		// reaches the corresponding state.
		CreatedAt  time.Time `json:"created_at"`
		StartedAt  time.Time `json:"started_at,omitempty"`
		FinishedAt time.Time `json:"finished_at,omitempty"`
	}

	// DispatchInfo records the routing of a call.
	DispatchInfo struct {
		// Runner names the runner that executed the call.
		Runner string `json:"runner,omitempty"`
		// Queue names the queue or task queue, for queue-backed runners.
		Queue string `json:"queue,omitempty"`
		// TaskID is the backend's own identifier for the execution: a stream
		// event ID or a workflow run ID.
		TaskID string `json:"task_id,omitempty"`
	}

	// Exec performs the actual work of a call. It receives the call after it
	// transitions to running; the returned value becomes the call result.
	Exec func(ctx context.Context, call *Call) (any, error)
)

// NewCall constructs a pending call for the named service.
func NewCall(service string, input map[string]any) *Call {
	return &Call{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Service:   service,
		Input:     input,
		Context:   make(map[string]any),
		CreatedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the call reached a terminal state.
func (c *Call) Terminal() bool {
	return c.Status == StatusSucceeded || c.Status == StatusFailed
}

// Fail moves the call to failed with the given message.
func (c *Call) Fail(msg string) {
	c.Status = StatusFailed
	c.Error = msg
}

// Drive executes a call through its lifecycle: running, then succeeded or
// failed. A panic inside exec is recovered into a failed call rather than
// unwinding into the runner. Driving a call that is already terminal is an
// error; the call is left untouched.
func Drive(ctx context.Context, call *Call, exec Exec) error {
	if call.Terminal() {
		return fmt.Errorf("dispatch: call %s is already %s", call.ID, call.Status)
	}
	call.Status = StatusRunning
	call.StartedAt = time.Now().UTC()
	defer func() {
		call.FinishedAt = time.Now().UTC()
		if r := recover(); r != nil {
			call.Fail(fmt.Sprintf("panic: %v", r))
		}
	}()
	result, err := exec(ctx, call)
	if err != nil {
		call.Fail(err.Error())
		return nil
	}
	call.Status = StatusSucceeded
	call.Result = result
	return nil
}
