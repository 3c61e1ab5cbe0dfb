package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/sentry/internal/breaker"
)

func newTestRegistry() *Registry {
	return NewRegistry(breaker.NewRegistry(nil), nil, nil, "")
}

func TestRegistry_AddServer_RejectsInvalidName(t *testing.T) {
	r := newTestRegistry()
	r.AddServer(context.Background(), ServerDescriptor{Name: "bad name!", Enabled: true, Transport: TransportStdio})
	assert.Empty(t, r.ListServers())
}

func TestRegistry_AddServer_SkipsDisabledServer(t *testing.T) {
	r := newTestRegistry()
	r.AddServer(context.Background(), ServerDescriptor{Name: "disabled-one", Enabled: false})
	assert.Empty(t, r.ListServers())
}

func TestRegistry_AddServer_RegistersEvenWhenTransportStartFails(t *testing.T) {
	r := newTestRegistry()
	r.AddServer(context.Background(), ServerDescriptor{Name: "broken", Enabled: true, Transport: Transport("not-a-real-transport")})

	c, ok := r.GetClient("broken")
	require.True(t, ok, "a server that fails to start is still registered, just left uninitialized")
	assert.False(t, c.IsInitialized())
}

func TestRegistry_RemoveServer_StopsAndForgets(t *testing.T) {
	r := newTestRegistry()
	r.AddServer(context.Background(), ServerDescriptor{Name: "broken", Enabled: true, Transport: Transport("not-a-real-transport")})
	require.Contains(t, r.ListServers(), "broken")

	r.RemoveServer("broken")
	assert.NotContains(t, r.ListServers(), "broken")
	_, ok := r.GetClient("broken")
	assert.False(t, ok)
}

func TestRegistry_GetDescriptor_ReturnsLastRegistered(t *testing.T) {
	r := newTestRegistry()
	d := ServerDescriptor{Name: "svc", Enabled: true, Transport: Transport("not-a-real-transport"), Command: "echo"}
	r.AddServer(context.Background(), d)

	got, ok := r.GetDescriptor("svc")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Command)
}

func TestRegistry_RestartServer_UnknownNameIsNoop(t *testing.T) {
	r := newTestRegistry()
	assert.NoError(t, r.RestartServer(context.Background(), "ghost"))
}

func TestRegistry_RestartServer_ReAddsLastDescriptor(t *testing.T) {
	r := newTestRegistry()
	d := ServerDescriptor{Name: "svc", Enabled: true, Transport: Transport("not-a-real-transport")}
	r.AddServer(context.Background(), d)

	require.NoError(t, r.RestartServer(context.Background(), "svc"))
	_, ok := r.GetClient("svc")
	assert.True(t, ok, "restart re-adds the server under its last known descriptor")
}

func TestRegistry_ListTools_OnlyAggregatesInitializedClients(t *testing.T) {
	r := newTestRegistry()

	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		return okToolsListResponse()
	}}
	ready := newTestClient(t, ft)

	notReady := NewClient(ServerDescriptor{Name: "notready", Transport: TransportStdio}, r.breakers.Get("mcp:notready", breaker.MCPConfig()), nil, nil)

	r.mu.Lock()
	r.clients["test"] = ready
	r.clients["notready"] = notReady
	r.mu.Unlock()

	adapters := r.ListTools(context.Background())
	require.Len(t, adapters, 1, "an uninitialized client contributes no tools")
	assert.Equal(t, "mcp__test__greet", adapters[0].Definition().Name)
}

func TestRegistry_Shutdown_StopsEveryClient(t *testing.T) {
	r := newTestRegistry()
	ft := &fakeTransport{}
	c := newTestClient(t, ft)

	r.mu.Lock()
	r.clients["test"] = c
	r.mu.Unlock()

	r.Shutdown()
	assert.True(t, ft.closed)
}
