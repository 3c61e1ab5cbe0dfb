// Package agent implements the tool-calling loop (C8): drives a chosen
// model through repeated tool_calls/tool-message turns against the menu
// C7 curated, subject to step/time/size caps, with offline model-id
// rewriting and cooperative cancellation.
//
// Grounded on the teacher's internal/agent/{engine.go,core.go,
// tool_executor.go} for the think/act/observe loop shape and
// kaptinlin/jsonrepair tool-argument recovery; the bounded-parallel tool
// dispatch and hard wall-time/byte caps have no direct teacher
// equivalent (the teacher's loop is single-model, single-session,
// uncapped) and are built fresh per §4.7, using golang.org/x/sync's
// errgroup (carried into this project's go.mod from the wider pack) for
// the parallel fan-out the teacher does not need.
package agent

import "time"

// Message is one OpenAI-shaped chat turn; tool calls and tool results
// round-trip through this same shape, matching the wire types in
// internal/provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema is what gets sent to the model alongside messages.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

const (
	DefaultMaxSteps       = 20
	DefaultMaxWallTime    = 120 * time.Second
	DefaultMaxOutputBytes = 50 * 1024 * 1024
	DefaultParallelCalls  = 4
)

// Caps are the §4.7 hard limits; zero fields fall back to defaults.
type Caps struct {
	MaxSteps       int
	MaxWallTime    time.Duration
	MaxOutputBytes int64
	ParallelCalls  int
}

func (c Caps) withDefaults() Caps {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxWallTime <= 0 {
		c.MaxWallTime = DefaultMaxWallTime
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.ParallelCalls <= 0 {
		c.ParallelCalls = DefaultParallelCalls
	}
	return c
}

// Result is the loop's outcome: either a clean final answer or a
// structured cap-exceeded error carrying the best partial draft (§4.7.4).
type Result struct {
	Answer       string
	Steps        int
	ToolCalls    int
	TokensUsed   int
	CapExceeded  string // "" | "max_steps" | "max_wall_time" | "max_output_bytes" | "model_error"
	PartialDraft string
}

// StreamEvent is emitted during the loop for a streaming caller: token
// deltas and tool-call heartbeats so the HTTP connection doesn't idle
// while a tool executes.
type StreamEvent struct {
	Type     string // "token" | "tool_heartbeat"
	Content  string
	ToolName string
}

type StreamFunc func(StreamEvent)
