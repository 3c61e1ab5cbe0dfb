// Package toolregistry implements the tool registry and intent classifier
// ("Maître d'") (C7): tool discovery aggregation, core-tool exemptions,
// sovereign-trigger fast-path matching, the classifier's JSON decision
// contract, and the learning-loop recall store.
//
// Grounded on the teacher's internal/app/toolregistry/registry.go for the
// static/dynamic/mcp three-tier registry shape and double-checked
// definition caching; the classifier and learning loop have no direct
// teacher equivalent (the teacher's agent selects tools by static
// toolset, not per-request classification) and are built fresh against
// this system's decision contract, using kaptinlin/jsonrepair — carried
// into this project's go.mod from the wider retrieval pack — to recover
// malformed classifier JSON before falling back to sovereign triggers.
package toolregistry

import (
	"context"
	"time"
)

// Tool is the minimal surface a registered tool exposes to the registry
// and agent loop; core tools satisfy it directly, and MCP tools through
// mcpToolWrapper around an *mcp.ToolAdapter.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args map[string]any) (string, bool, error)
}

// ToolDefinition mirrors mcp.ToolDefinition's shape so core tools and MCP
// tools present a uniform menu to the classifier and agent loop.
type ToolDefinition struct {
	MCPServer   string
	Name        string
	Description string
	Category    string
	Parameters  map[string]any // JSON-schema object, ready for agent.ToolSchema.Parameters
}

// MatchKind is a sovereign trigger's matching strategy.
type MatchKind string

const (
	MatchExact          MatchKind = "exact"
	MatchPrefix         MatchKind = "prefix"
	MatchContainsPhrase MatchKind = "contains_phrase"
)

// ActionKind is what a sovereign trigger or classifier system_action does.
type ActionKind string

const (
	ActionToolCall     ActionKind = "tool_call"
	ActionUIControl    ActionKind = "ui_control"
	ActionMenu         ActionKind = "menu"
	ActionSystemPrompt ActionKind = "system_prompt"
)

// SovereignTrigger is §3's "Sovereign trigger": a pattern that
// deterministically routes a message to an action, skipping the
// classifier model call entirely.
type SovereignTrigger struct {
	Pattern       string
	MatchKind     MatchKind
	ActionKind    ActionKind
	ActionPayload map[string]any
}

// Decision is the classifier's JSON output contract (§4.6).
type Decision struct {
	TargetServers []string `json:"target_servers"`
	AdviceTopics  []string `json:"advice_topics"`
	SystemAction  string   `json:"system_action,omitempty"` // "help"|"restart"|""
}

// conservativeDecision is returned when both the classifier and sovereign
// triggers fail to produce a usable decision (§4.6 "Classifier
// reliability"): never let a malformed output crash the agent loop.
func conservativeDecision() Decision {
	return Decision{TargetServers: []string{}, AdviceTopics: []string{}}
}

// LearningEntry is one (query_hash, winning_server, timestamp) recall
// record from the learning-loop store.
type LearningEntry struct {
	QueryHash     string    `json:"query_hash"`
	QueryText     string    `json:"query_text"`
	WinningServer string    `json:"winning_server"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	maxLearningEntries   = 10000
	learningTrimRetained = 0.20 // retain newest 20% on overflow trim
	recallScoreThreshold = 0.6
	defaultContextK      = 3
)
