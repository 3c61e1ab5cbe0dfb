// Package mcp implements the MCP connection manager (C6): persistent
// stdio/http/ws/sse/unix transports to Model Context Protocol servers,
// JSON-RPC framing, tool discovery with caching, and the per-call
// protocol (breaker check, concurrency permit, timeout, size cap, retry).
//
// Grounded on the teacher's internal/infra/mcp/{config,registry}.go for
// server config and lifecycle management, and on the behavioral contract
// reverse-engineered from internal/infra/mcp/tool_adapter_test.go (the
// teacher's tool_adapter.go itself was not present in the retrieval pack,
// only its test). Wire envelope shapes are grounded on mark3labs/mcp-go's
// JSON-RPC types (carried into this project's go.mod from the
// Jint8888-Pocket-Omega pack entry).
package mcp

import (
	"regexp"
	"time"
)

// Transport identifies one of the five supported MCP transports.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
	TransportWS    Transport = "ws"
	TransportUnix  Transport = "unix"
)

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidServerName checks §3's "Names match [A-Za-z0-9_.-]+".
func ValidServerName(name string) bool {
	return serverNamePattern.MatchString(name)
}

// ServerDescriptor is §3's "MCP server descriptor".
type ServerDescriptor struct {
	Name      string
	Transport Transport
	Enabled   bool

	// stdio
	Command string
	Args    []string
	Env     map[string]string

	// http/sse/ws
	URL         string
	QueryParams map[string]string
	Token       string

	// unix
	UDSPath  string
	HTTPPath string

	CallTimeout time.Duration // 0 => DefaultCallTimeout

	// MaxConcurrency narrows the per-server concurrency permit (§4.5 step
	// 2). 0 means unbounded, the default; only set when explicitly
	// configured for a server.
	MaxConcurrency int64
}

const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultToolTTL          = 5 * time.Minute
	DefaultOutputCapBytes   = 50 * 1024 * 1024
	DefaultSpawnConcurrency = 5
	RecoveryProbeInterval   = 60 * time.Second
)

// ToolSchema is the discovered shape of one tool (the "input_schema"
// portion of §3's Tool definition, prior to being wrapped for the agent).
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolDefinition is §3's "Tool definition", addressable externally as
// mcp__<server>__<tool>.
type ToolDefinition struct {
	MCPServer   string
	Name        string // already prefixed mcp__<server>__<tool>
	Description string // already prefixed [MCP:<server>] <description>
	Parameters  ParameterSchema
	Category    string
}

// ParameterSchema is the JSON-schema-shaped subset the agent loop needs
// when presenting a tool to a model.
type ParameterSchema struct {
	Type       string
	Properties map[string]ParameterProperty
	Required   []string
}

type ParameterProperty struct {
	Type string
	Enum []any
}

// ContentBlock is one block of a tools/call result.
type ContentBlock struct {
	Type     string // text|image|resource
	Text     string
	MimeType string
	Data     string
}

// ToolCallResult is the raw MCP tools/call response.
type ToolCallResult struct {
	Content []ContentBlock
	IsError bool
}

// RuntimeState is §3's "MCP runtime state", derived and lazily created.
type RuntimeState struct {
	ServerName        string
	ToolList          []ToolSchema
	LastToolDiscovery time.Time
	Initialized       bool
	PID               int
	LastHealthAt      time.Time
}
