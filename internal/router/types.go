// Package router implements the front gateway dispatcher (C10): request
// id/auth/parse, model-prefix dispatch to the agent plane or a provider
// proxy, a global concurrency gate wrapping every branch, a TTL-cached
// /v1/models aggregation, async accept-and-poll mode, and the admin
// surface.
//
// Re-hosted on gin-gonic/gin: the teacher's own internal/delivery/server
// imports gin in go.mod but never mounts it (its HTTP surface is a plain
// net/http.ServeMux — see router.go in the retrieval pack), so this
// package is the first to actually wire the dependency, following the
// teacher's route-group / middleware-chain idiom from
// internal/delivery/server/http/router.go and router_deps.go.
package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sable-systems/sentry/internal/agent"
	"github.com/sable-systems/sentry/internal/breaker"
	"github.com/sable-systems/sentry/internal/configstore"
	"github.com/sable-systems/sentry/internal/logging"
	"github.com/sable-systems/sentry/internal/mcp"
	"github.com/sable-systems/sentry/internal/observability"
	"github.com/sable-systems/sentry/internal/provider"
	"github.com/sable-systems/sentry/internal/toolregistry"
)

// Config tunes the dispatcher. Zero MaxConcurrency means unlimited, per
// §4.9 step 5.
type Config struct {
	Environment       string
	AllowedOrigins    []string
	AuthToken         string
	MaxConcurrency    int
	ModelCacheTTL     time.Duration
	NonStreamTimeout  time.Duration
	FallbackModel     string
	AgentPrefix       string // default "agent"
	NativeLocalPrefix string // default "native-local"
	RAGPrefix         string // default "rag"
	DefaultModelAlias map[string]string
}

func (c Config) withDefaults() Config {
	if c.ModelCacheTTL <= 0 {
		c.ModelCacheTTL = 600 * time.Second
	}
	if c.NonStreamTimeout <= 0 {
		c.NonStreamTimeout = 120 * time.Second
	}
	if c.AgentPrefix == "" {
		c.AgentPrefix = "agent"
	}
	if c.NativeLocalPrefix == "" {
		c.NativeLocalPrefix = "native-local"
	}
	if c.RAGPrefix == "" {
		c.RAGPrefix = "rag"
	}
	return c
}

// ProviderEntry binds one registered provider adapter under its dispatch
// name (the prefix recognized at §4.9 step 4).
type ProviderEntry struct {
	Name    string
	Adapter provider.Adapter
	Breaker *breaker.Breaker
}

// Deps wires every component the router dispatches into.
type Deps struct {
	Config       *configstore.Store
	Breakers     *breaker.Registry
	Tracker      *observability.Tracker
	Tools        *toolregistry.Registry
	Classifier   *toolregistry.Classifier
	MCPRegistry  *mcp.Registry
	AgentLoop    *agent.Loop
	NativeLocal  ProviderEntry
	Providers    map[string]ProviderEntry // keyed by dispatch prefix, e.g. "openai", "anthropic", "perplexity"
	RAGProxy     RAGForwarder
	Scheduler    Toucher
	Offline      agent.OfflineState       // nil means "assume online"
	DailyCap     DailyCapChecker          // nil means AlwaysUnderCap
	Degraded     func() map[string]string // boot-time degrade flags, surfaced by /health
	PromGatherer prometheus.Gatherer      // optional; enables Prometheus exposition on the metrics endpoint
	Logger       logging.Logger
}

// DailyCapChecker is the optional budget pre-check at the dispatch gate:
// if projected cost plus today's spend exceeds the daily cap, the request
// is rejected with resource_exhausted. The default AlwaysUnderCap is used
// until a pricing table is configured.
type DailyCapChecker interface {
	UnderCap(model string) bool
}

// AlwaysUnderCap is the no-op DailyCapChecker default.
type AlwaysUnderCap struct{}

func (AlwaysUnderCap) UnderCap(string) bool { return true }

// RAGForwarder proxies rag:* chat requests to the out-of-scope external
// RAG service (§4.9 step 6).
type RAGForwarder interface {
	Forward(requestID string, req ChatRequest) (ChatResponse, error)
}

// Toucher receives a signal on every user-facing chat request, letting
// the C11 scheduler derive Tempo from real traffic instead of its own
// ticking.
type Toucher interface {
	Touch()
}

// ChatMessage is the OpenAI-compatible wire message shape.
type ChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []agent.ToolCall `json:"tool_calls,omitempty"`
}

// ChatRequest is POST /v1/chat/completions' decoded body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
}

// ChatChoice/ChatUsage/ChatResponse mirror the OpenAI non-streaming
// response envelope.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage,omitempty"`
}

// AsyncAcceptResponse is §4.9 step 8's immediate accept body.
type AsyncAcceptResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Status string `json:"status"`
}

func toAgentMessages(msgs []ChatMessage) []agent.Message {
	out := make([]agent.Message, len(msgs))
	for i, m := range msgs {
		out[i] = agent.Message{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID, ToolCalls: m.ToolCalls}
	}
	return out
}

func toAgentOverrides(req ChatRequest) provider.ParamOverrides {
	return provider.ParamOverrides{Temperature: req.Temperature, MaxTokens: req.MaxTokens, TopP: req.TopP}
}

func toAgentToolSchemas(defs []toolregistry.ToolDefinition) []agent.ToolSchema {
	out := make([]agent.ToolSchema, len(defs))
	for i, d := range defs {
		out[i] = agent.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}
