package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriveSuccess(t *testing.T) {
	call := NewCall("chatlab.results.generate", map[string]any{"topic": "go"})
	err := Drive(context.Background(), call, func(_ context.Context, c *Call) (any, error) {
		assert.Equal(t, StatusRunning, c.Status)
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, call.Status)
	assert.Equal(t, map[string]any{"ok": true}, call.Result)
	assert.Empty(t, call.Error)
	assert.False(t, call.StartedAt.IsZero())
	assert.False(t, call.FinishedAt.IsZero())
}

func TestDriveFailure(t *testing.T) {
	call := NewCall("chatlab.results.generate", nil)
	err := Drive(context.Background(), call, func(context.Context, *Call) (any, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, call.Status)
	assert.Contains(t, call.Error, "boom")
	assert.Nil(t, call.Result)
	assert.False(t, call.FinishedAt.IsZero())
}

func TestDriveRecoversPanics(t *testing.T) {
	call := NewCall("chatlab.results.generate", nil)
	err := Drive(context.Background(), call, func(context.Context, *Call) (any, error) {
		panic("exploded")
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, call.Status)
	assert.Contains(t, call.Error, "exploded")
}

func TestDriveRejectsTerminalCalls(t *testing.T) {
	call := NewCall("chatlab.results.generate", nil)
	call.Status = StatusSucceeded
	call.Result = "kept"
	err := Drive(context.Background(), call, func(context.Context, *Call) (any, error) {
		t.Fatal("exec must not run on a terminal call")
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, StatusSucceeded, call.Status)
	assert.Equal(t, "kept", call.Result)
}

func TestNewCallDefaults(t *testing.T) {
	before := time.Now().UTC()
	call := NewCall("chatlab.results.generate", map[string]any{"k": "v"})
	assert.NotEmpty(t, call.ID)
	assert.Equal(t, StatusPending, call.Status)
	assert.False(t, call.Terminal())
	assert.NotNil(t, call.Context)
	assert.False(t, call.CreatedAt.Before(before.Add(-time.Second)))

	other := NewCall("chatlab.results.generate", nil)
	assert.NotEqual(t, call.ID, other.ID)
}
