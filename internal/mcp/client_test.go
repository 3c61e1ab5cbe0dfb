package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/sentry/internal/breaker"
)

// fakeTransport is an in-memory rpcTransport for exercising client.go's
// per-call protocol without a real subprocess or socket.
type fakeTransport struct {
	calls    int32
	response func(method string, params any) (*Response, error)
	closed   bool
}

func (f *fakeTransport) call(ctx context.Context, method string, params any) (*Response, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.response(method, params)
}
func (f *fakeTransport) close() { f.closed = true }

func newTestClient(t *testing.T, ft *fakeTransport) *Client {
	t.Helper()
	reg := breaker.NewRegistry(nil)
	b := reg.Get("mcp:test", breaker.MCPConfig())
	c := NewClient(ServerDescriptor{Name: "test", Transport: TransportStdio}, b, nil, nil)
	c.transport = ft
	c.initialized = true
	return c
}

func okToolsListResponse() (*Response, error) {
	result := json.RawMessage(`{"tools":[{"name":"greet","description":"say hi","inputSchema":{"type":"object"}}]}`)
	return &Response{JSONRPC: "2.0", ID: 1, Result: result}, nil
}

func okToolsCallResponse(text string) (*Response, error) {
	result, _ := json.Marshal(toolsCallResult{Content: []wireContentBlock{{Type: "text", Text: text}}})
	return &Response{JSONRPC: "2.0", ID: 1, Result: result}, nil
}

func TestClient_CallTool_Success(t *testing.T) {
	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		require.Equal(t, "tools/call", method)
		return okToolsCallResponse("hi")
	}}
	c := newTestClient(t, ft)

	result, err := c.CallTool(context.Background(), "greet", map[string]any{})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.Equal(t, breaker.StateClosed, c.breaker.Snapshot().State)
}

func TestClient_CallTool_PermanentRPCErrorTripsBreakerImmediately(t *testing.T) {
	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		return &Response{JSONRPC: "2.0", ID: 1, Error: &RPCError{Code: -32000, Message: "boom"}}, nil
	}}
	c := newTestClient(t, ft)
	c.breaker = breaker.NewRegistry(nil).Get("mcp:test", breaker.Config{FailureThreshold: 1, Cooldown: 1})

	_, err := c.CallTool(context.Background(), "greet", nil)
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, c.breaker.Snapshot().State, "a permanent RPC error must be recorded immediately, no retry")
	assert.Equal(t, int32(1), ft.calls, "permanent errors are not retried before being recorded to the breaker")
}

func TestClient_CallTool_OpenBreakerFailsFastWithoutCallingTransport(t *testing.T) {
	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		t.Fatal("transport must not be called while breaker is open")
		return nil, nil
	}}
	c := newTestClient(t, ft)
	c.breaker = breaker.NewRegistry(nil).Get("mcp:test", breaker.Config{FailureThreshold: 1, Cooldown: 1})
	c.breaker.Mark(errors.New("pre-tripped"))
	require.Equal(t, breaker.StateOpen, c.breaker.Snapshot().State)

	_, err := c.CallTool(context.Background(), "greet", nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), ft.calls)
}

func TestClient_ListTools_CachesUntilTTLExpires(t *testing.T) {
	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		require.Equal(t, "tools/list", method)
		return okToolsListResponse()
	}}
	c := newTestClient(t, ft)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "greet", tools[0].Name)

	_, err = c.ListTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), ft.calls, "the second call within the TTL must be served from cache")
}

func TestClient_ListTools_DiscoveryFailureWithoutCacheSurfacesError(t *testing.T) {
	first := true
	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		if first {
			first = false
			return okToolsListResponse()
		}
		return nil, errors.New("discovery down")
	}}
	c := newTestClient(t, ft)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	// Force a cache miss by evicting manually, then simulate a failing refresh.
	c.toolCache.Remove(c.desc.Name)
	tools, err = c.ListTools(context.Background())
	require.Error(t, err, "no cache means the failure surfaces directly")
	assert.Nil(t, tools)
}

func TestClient_Probe_BypassesBreakerGateButRecordsOutcome(t *testing.T) {
	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		return okToolsListResponse()
	}}
	c := newTestClient(t, ft)
	c.breaker = breaker.NewRegistry(nil).Get("mcp:test", breaker.Config{FailureThreshold: 1, Cooldown: 1})
	c.breaker.Mark(errors.New("pre-tripped"))
	require.Equal(t, breaker.StateOpen, c.breaker.Snapshot().State)

	err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), ft.calls, "Probe must call the transport even while the breaker is open")
}
