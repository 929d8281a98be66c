package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/provider"
)

type noopClient struct{}

func (noopClient) Call(context.Context, *provider.Request) (*provider.Response, error) {
	return &provider.Response{}, nil
}

func (noopClient) Stream(context.Context, *provider.Request) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

func testApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.New(app.Options{Clients: map[string]provider.Client{"openai": noopClient{}}})
	require.NoError(t, err)
	return a
}

func TestLocalRunnerStartRunsInline(t *testing.T) {
	r := NewLocalRunner()
	call, err := r.Start(context.Background(), Job{
		Service: "chatlab.results.generate",
		Payload: map[string]any{"topic": "go"},
		Exec: func(_ context.Context, c *Call) (any, error) {
			return c.Input["topic"], nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, call.Status)
	assert.Equal(t, "go", call.Result)
	assert.Equal(t, "local", call.Dispatch.Runner)
}

func TestLocalRunnerEnqueueIsSynchronous(t *testing.T) {
	r := NewLocalRunner()
	call, err := r.Enqueue(context.Background(), Job{
		Service: "chatlab.results.generate",
		Exec: func(context.Context, *Call) (any, error) {
			return nil, errors.New("boom")
		},
	})
	require.NoError(t, err)
	assert.True(t, call.Terminal())
	assert.Equal(t, StatusFailed, call.Status)
	assert.Contains(t, call.Error, "boom")

	_, err = r.Status(context.Background(), call.ID)
	require.ErrorIs(t, err, ErrStatusUnsupported)
}

func TestBackgroundRunnerEnqueueRunsDetached(t *testing.T) {
	r := NewBackgroundRunner(nil)
	a := testApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	call, err := r.Enqueue(ctx, Job{
		Service: "chatlab.results.generate",
		App:     a,
		Exec: func(execCtx context.Context, _ *Call) (any, error) {
			defer close(done)
			got, ok := app.FromContext(execCtx)
			assert.True(t, ok)
			assert.Same(t, a, got)
			assert.NoError(t, execCtx.Err())
			return "done", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, call.Status)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background execution never ran")
	}

	require.Eventually(t, func() bool {
		got, err := r.Status(context.Background(), call.ID)
		return err == nil && got.Status == StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackgroundRunnerStatusUnknownCall(t *testing.T) {
	r := NewBackgroundRunner(nil)
	_, err := r.Status(context.Background(), "nope")
	require.ErrorIs(t, err, ErrStatusUnsupported)
}

func TestRunnerTable(t *testing.T) {
	ResetRunners()
	t.Cleanup(ResetRunners)

	local := NewLocalRunner()
	require.NoError(t, RegisterRunner("local", local))
	require.Error(t, RegisterRunner("local", NewLocalRunner()))
	require.Error(t, RegisterRunner("", local))

	got, err := LookupRunner("local")
	require.NoError(t, err)
	assert.Same(t, Runner(local), got)

	_, err = LookupRunner("temporal")
	require.Error(t, err)

	require.NoError(t, RegisterRunner("background", NewBackgroundRunner(nil)))
	assert.Equal(t, []string{"background", "local"}, RunnerNames())
}
