package router

import (
	"context"
	"fmt"

	"github.com/sable-systems/sentry/internal/toolregistry"
)

// registryExecutor adapts toolregistry.Registry's Get-then-Execute shape
// onto the single-method agent.ToolExecutor surface the agent loop
// drives. Exported as NewToolExecutor for the process wiring that
// constructs agent.Loop against the same *toolregistry.Registry the
// router dispatches against.
type registryExecutor struct {
	registry *toolregistry.Registry
}

// NewToolExecutor builds the agent.ToolExecutor adapter over a tool
// registry, used when wiring agent.Loop at process startup.
func NewToolExecutor(r *toolregistry.Registry) *registryExecutor {
	return &registryExecutor{registry: r}
}

func (e *registryExecutor) Execute(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	tool, err := e.registry.Get(name)
	if err != nil {
		return "", true, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}
