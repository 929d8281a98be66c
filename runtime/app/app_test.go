package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcore-ai/orchestra/runtime/provider"
)

type stubClient struct{ name string }

func (c *stubClient) Call(context.Context, *provider.Request) (*provider.Response, error) {
	return &provider.Response{}, nil
}

func (c *stubClient) Stream(context.Context, *provider.Request) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

func TestNewSingleModeRequiresExactlyOneClient(t *testing.T) {
	_, err := New(Options{Mode: ModeSingle})
	require.Error(t, err)

	_, err = New(Options{Mode: ModeSingle, Clients: map[string]provider.Client{
		"openai":    &stubClient{name: "openai"},
		"anthropic": &stubClient{name: "anthropic"},
	}})
	require.Error(t, err)

	a, err := New(Options{Mode: ModeSingle, Clients: map[string]provider.Client{
		"openai": &stubClient{name: "openai"},
	}})
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, a.Mode())
}

func TestResolveClientSingleModeIgnoresOverrides(t *testing.T) {
	only := &stubClient{name: "openai"}
	a, err := New(Options{Mode: ModeSingle, Clients: map[string]provider.Client{"openai": only}})
	require.NoError(t, err)

	c, branch, err := a.ResolveClient("anthropic", "bedrock", true)
	require.NoError(t, err)
	assert.Same(t, only, c)
	assert.Equal(t, BranchSingle, branch)
}

func TestResolveClientPrecedence(t *testing.T) {
	openai := &stubClient{name: "openai"}
	anthropic := &stubClient{name: "anthropic"}
	bedrock := &stubClient{name: "bedrock"}
	a, err := New(Options{
		Clients: map[string]provider.Client{
			"openai": openai, "anthropic": anthropic, "bedrock": bedrock,
		},
		DefaultClient: "openai",
	})
	require.NoError(t, err)

	c, branch, err := a.ResolveClient("anthropic", "bedrock", true)
	require.NoError(t, err)
	assert.Same(t, anthropic, c)
	assert.Equal(t, BranchOverride, branch)

	c, branch, err = a.ResolveClient("", "bedrock", true)
	require.NoError(t, err)
	assert.Same(t, bedrock, c)
	assert.Equal(t, BranchServiceDefault, branch)

	c, branch, err = a.ResolveClient("", "", true)
	require.NoError(t, err)
	assert.Same(t, openai, c)
	assert.Equal(t, BranchAppDefault, branch)
}

func TestResolveClientUnknownNameFails(t *testing.T) {
	a, err := New(Options{Clients: map[string]provider.Client{"openai": &stubClient{}}})
	require.NoError(t, err)

	_, _, err = a.ResolveClient("gemini", "", true)
	require.Error(t, err)

	_, _, err = a.ResolveClient("", "gemini", true)
	require.Error(t, err)
}

func TestResolveClientExhaustedChain(t *testing.T) {
	a, err := New(Options{Clients: map[string]provider.Client{"openai": &stubClient{}}})
	require.NoError(t, err)

	_, _, err = a.ResolveClient("", "", true)
	var nce *NoClientError
	require.ErrorAs(t, err, &nce)

	c, branch, err := a.ResolveClient("", "", false)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, BranchNone, branch)
}

func TestNewRejectsUnknownDefaultClient(t *testing.T) {
	_, err := New(Options{
		Clients:       map[string]provider.Client{"openai": &stubClient{}},
		DefaultClient: "gemini",
	})
	require.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	a, err := New(Options{Clients: map[string]provider.Client{"openai": &stubClient{}}})
	require.NoError(t, err)

	ctx := Into(context.Background(), a)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
	assert.Panics(t, func() { MustFromContext(context.Background()) })
}
