package toolregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sable-systems/sentry/internal/breaker"
	"github.com/sable-systems/sentry/internal/mcp"
)

// coreToolNames are always present, exempt from breakers and from the
// classifier's menu-curation skip list (§4.6).
var coreToolNames = map[string]bool{
	"filesystem":   true,
	"memory_query": true,
	"time":         true,
}

// mcpToolWrapper adapts an *mcp.ToolAdapter to the Tool interface,
// translating mcp.ToolDefinition into this package's ToolDefinition shape.
type mcpToolWrapper struct {
	adapter *mcp.ToolAdapter
}

func (w *mcpToolWrapper) Definition() ToolDefinition {
	d := w.adapter.Definition()
	return ToolDefinition{
		MCPServer:   d.MCPServer,
		Name:        d.Name,
		Description: d.Description,
		Category:    d.Category,
		Parameters:  parameterSchemaToJSONSchema(d.Parameters),
	}
}

// parameterSchemaToJSONSchema converts mcp.ParameterSchema into the plain
// JSON-schema object shape agent.ToolSchema.Parameters expects.
func parameterSchemaToJSONSchema(p mcp.ParameterSchema) map[string]any {
	props := make(map[string]any, len(p.Properties))
	for name, prop := range p.Properties {
		entry := map[string]any{"type": prop.Type}
		if len(prop.Enum) > 0 {
			entry["enum"] = prop.Enum
		}
		props[name] = entry
	}
	schema := map[string]any{"type": p.Type, "properties": props}
	if len(p.Required) > 0 {
		schema["required"] = p.Required
	}
	return schema
}

func (w *mcpToolWrapper) Execute(ctx context.Context, args map[string]any) (string, bool, error) {
	return w.adapter.Execute(ctx, args)
}

// Registry aggregates core tools and MCP-discovered tools behind a single
// addressable menu, with a cached, sorted definition list invalidated on
// any registration change. Grounded on the teacher's
// internal/app/toolregistry/registry.go three-tier map shape
// (static/dynamic/mcp), narrowed here to core vs. mcp since this system
// has no first-party static tool catalog of its own.
type Registry struct {
	mu   sync.RWMutex
	core map[string]Tool
	mcp  map[string]Tool

	cachedDefs []ToolDefinition
	defsDirty  bool

	breakers *breaker.Registry
}

func NewRegistry(breakers *breaker.Registry) *Registry {
	return &Registry{
		core:      make(map[string]Tool),
		mcp:       make(map[string]Tool),
		defsDirty: true,
		breakers:  breakers,
	}
}

// RegisterCore adds a fixed core tool (filesystem, memory_query, time).
// Core tools bypass per-target breakers entirely.
func (r *Registry) RegisterCore(name string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core[name] = tool
	r.defsDirty = true
}

// SyncMCPTools replaces the full set of MCP-discovered tool adapters;
// called after every registry.ListTools refresh so a server that goes
// away (config reload, breaker trip) stops appearing in the menu.
func (r *Registry) SyncMCPTools(adapters []*mcp.ToolAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcp = make(map[string]Tool, len(adapters))
	for _, a := range adapters {
		def := a.Definition()
		r.mcp[def.Name] = &mcpToolWrapper{adapter: a}
	}
	r.defsDirty = true
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.core[name]; ok {
		return t, nil
	}
	if t, ok := r.mcp[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

func (r *Registry) IsCore(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.core[name]
	return ok
}

// List returns every registered tool definition, core and mcp together,
// sorted by name; cached with double-checked locking per the teacher's
// List().
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	if !r.defsDirty && r.cachedDefs != nil {
		defs := r.cachedDefs
		r.mu.RUnlock()
		return defs
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.defsDirty && r.cachedDefs != nil {
		return r.cachedDefs
	}
	defs := make([]ToolDefinition, 0, len(r.core)+len(r.mcp))
	for _, t := range r.core {
		defs = append(defs, t.Definition())
	}
	for _, t := range r.mcp {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	r.cachedDefs = defs
	r.defsDirty = false
	return defs
}

// MenuFor filters the full tool list down to core tools plus MCP tools
// whose server is in targetServers, implementing §4.6's semantic menu
// curation: the classifier decides which MCP servers are relevant, and
// everything else is left out of the model's tool schema for this turn.
func (r *Registry) MenuFor(targetServers []string) []ToolDefinition {
	allowed := make(map[string]bool, len(targetServers))
	for _, s := range targetServers {
		allowed[s] = true
	}
	all := r.List()
	menu := make([]ToolDefinition, 0, len(all))
	for _, d := range all {
		if d.MCPServer == "" || allowed[d.MCPServer] {
			menu = append(menu, d)
		}
	}
	return menu
}
