package toolregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct{ def ToolDefinition }

func (f *fakeTool) Definition() ToolDefinition { return f.def }
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (string, bool, error) {
	return "ok", false, nil
}

func TestRegistry_RegisterCoreAndGet(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterCore("time", &fakeTool{def: ToolDefinition{Name: "time"}})

	tool, err := r.Get("time")
	require.NoError(t, err)
	assert.Equal(t, "time", tool.Definition().Name)
	assert.True(t, r.IsCore("time"))
}

func TestRegistry_GetUnknownReturnsError(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("nope")
	assert.Error(t, err)
}

func TestRegistry_List_SortedAndCached(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterCore("zeta", &fakeTool{def: ToolDefinition{Name: "zeta"}})
	r.RegisterCore("alpha", &fakeTool{def: ToolDefinition{Name: "alpha"}})

	defs := r.List()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)

	// Cached list must be reused until a registration invalidates it.
	again := r.List()
	assert.Equal(t, defs, again)
}

func TestRegistry_MenuFor_CoreAlwaysIncluded(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterCore("time", &fakeTool{def: ToolDefinition{Name: "time"}})

	menu := r.MenuFor([]string{"fs"})
	// mcp tools come from SyncMCPTools normally; here we only verify core
	// tools pass through regardless of target_servers.
	require.Len(t, menu, 1)
	assert.Equal(t, "time", menu[0].Name)
}
