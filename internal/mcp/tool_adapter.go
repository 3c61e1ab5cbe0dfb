package mcp

import (
	"context"
	"fmt"
	"strings"
)

// ToolAdapter wraps one discovered MCP tool as a callable, addressable
// tool for the toolregistry/agent components. Grounded on the behavioral
// contract reverse-engineered from the teacher's
// internal/infra/mcp/tool_adapter_test.go (the production tool_adapter.go
// itself was not present in the retrieval pack).
type ToolAdapter struct {
	serverName string
	client     *Client
	schema     ToolSchema
}

func NewToolAdapter(serverName string, client *Client, schema ToolSchema) *ToolAdapter {
	return &ToolAdapter{serverName: serverName, client: client, schema: schema}
}

// Definition produces the externally addressable tool shape: the name is
// prefixed mcp__<server>__<tool>, the description [MCP:<server>] <desc>.
func (a *ToolAdapter) Definition() ToolDefinition {
	return ToolDefinition{
		MCPServer:   a.serverName,
		Name:        fmt.Sprintf("mcp__%s__%s", a.serverName, a.schema.Name),
		Description: fmt.Sprintf("[MCP:%s] %s", a.serverName, a.schema.Description),
		Parameters:  toParameterSchema(a.schema.InputSchema),
		Category:    "mcp_tools",
	}
}

// Metadata describes the adapter for registry bookkeeping: fixed category
// "mcp_tools", tags always include "mcp" and the owning server name.
func (a *ToolAdapter) Metadata() map[string]any {
	return map[string]any{
		"category": "mcp_tools",
		"tags":     []string{"mcp", a.serverName},
		"server":   a.serverName,
		"tool":     a.schema.Name,
	}
}

// ValidateArguments checks args against the tool's required parameter
// list before a call is attempted, avoiding a round trip for an obviously
// incomplete call.
func (a *ToolAdapter) ValidateArguments(args map[string]any) error {
	required, _ := a.schema.InputSchema["required"].([]any)
	var missing []string
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; !present {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Execute validates arguments, calls the tool, and flattens the result
// into a single string per formatContent's joining rules.
func (a *ToolAdapter) Execute(ctx context.Context, args map[string]any) (string, bool, error) {
	if err := a.ValidateArguments(args); err != nil {
		return "", true, err
	}
	result, err := a.client.CallTool(ctx, a.schema.Name, args)
	if err != nil {
		return "", true, err
	}
	return formatContent(result.Content), result.IsError, nil
}

// formatContent joins content blocks: text blocks verbatim separated by
// newlines, image/resource blocks rendered as a bracketed placeholder
// carrying their mime type so a text-only model sees something sensible.
func formatContent(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[image: %s]", b.MimeType))
		case "resource":
			parts = append(parts, fmt.Sprintf("[resource: %s]", b.MimeType))
		default:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func toParameterSchema(raw map[string]any) ParameterSchema {
	ps := ParameterSchema{Type: "object", Properties: map[string]ParameterProperty{}}
	if raw == nil {
		return ps
	}
	if t, ok := raw["type"].(string); ok {
		ps.Type = t
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		for name, v := range props {
			propMap, ok := v.(map[string]any)
			if !ok {
				continue
			}
			pp := ParameterProperty{}
			if t, ok := propMap["type"].(string); ok {
				pp.Type = t
			}
			if enum, ok := propMap["enum"].([]any); ok {
				pp.Enum = enum
			}
			ps.Properties[name] = pp
		}
	}
	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				ps.Required = append(ps.Required, s)
			}
		}
	}
	return ps
}
