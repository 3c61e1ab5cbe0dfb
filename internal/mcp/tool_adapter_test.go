package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolAdapter_Definition_PrefixesNameAndDescription(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	a := NewToolAdapter("fs", c, ToolSchema{Name: "read_file", Description: "reads a file"})

	def := a.Definition()
	assert.Equal(t, "mcp__fs__read_file", def.Name)
	assert.Equal(t, "[MCP:fs] reads a file", def.Description)
	assert.Equal(t, "fs", def.MCPServer)
	assert.Equal(t, "mcp_tools", def.Category)
}

func TestToolAdapter_Metadata_IncludesServerTag(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	a := NewToolAdapter("fs", c, ToolSchema{Name: "read_file"})

	meta := a.Metadata()
	assert.Equal(t, "mcp_tools", meta["category"])
	assert.Equal(t, []string{"mcp", "fs"}, meta["tags"])
	assert.Equal(t, "fs", meta["server"])
}

func TestToolAdapter_ValidateArguments_MissingRequiredIsRejected(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	a := NewToolAdapter("fs", c, ToolSchema{
		Name: "read_file",
		InputSchema: map[string]any{
			"required": []any{"path"},
		},
	})

	err := a.ValidateArguments(map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}

func TestToolAdapter_ValidateArguments_AllRequiredPresentPasses(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	a := NewToolAdapter("fs", c, ToolSchema{
		Name:        "read_file",
		InputSchema: map[string]any{"required": []any{"path"}},
	})

	assert.NoError(t, a.ValidateArguments(map[string]any{"path": "/tmp/x"}))
}

func TestToolAdapter_Execute_MissingArgumentsFailsWithoutCallingTransport(t *testing.T) {
	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		t.Fatal("transport must not be called when required arguments are missing")
		return nil, nil
	}}
	c := newTestClient(t, ft)
	a := NewToolAdapter("fs", c, ToolSchema{
		Name:        "read_file",
		InputSchema: map[string]any{"required": []any{"path"}},
	})

	_, isErr, err := a.Execute(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, isErr)
}

func TestToolAdapter_Execute_FlattensTextAndImageBlocks(t *testing.T) {
	ft := &fakeTransport{response: func(method string, params any) (*Response, error) {
		result, _ := json.Marshal(toolsCallResult{Content: []wireContentBlock{
			{Type: "text", Text: "line one"},
			{Type: "image", MimeType: "image/png"},
		}})
		return &Response{JSONRPC: "2.0", ID: 1, Result: result}, nil
	}}
	c := newTestClient(t, ft)
	a := NewToolAdapter("fs", c, ToolSchema{Name: "read_file"})

	text, isErr, err := a.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.False(t, isErr)
	assert.Equal(t, "line one\n[image: image/png]", text)
}

func TestToParameterSchema_NilInputSchemaYieldsEmptyObject(t *testing.T) {
	ps := toParameterSchema(nil)
	assert.Equal(t, "object", ps.Type)
	assert.Empty(t, ps.Properties)
	assert.Empty(t, ps.Required)
}

func TestToParameterSchema_ParsesPropertiesAndRequired(t *testing.T) {
	ps := toParameterSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	})
	require.Contains(t, ps.Properties, "path")
	assert.Equal(t, "string", ps.Properties["path"].Type)
	assert.Equal(t, []string{"path"}, ps.Required)
}
