// Package provider implements the two provider adapter variants (C9):
// native_local, which translates between the OpenAI chat schema and a
// local engine's chat/generate endpoints, and openai_compat, a thin
// authenticated HTTP proxy. Both satisfy agent.ChatModel and expose
// ListModels for the router's /v1/models aggregation.
//
// Grounded on the teacher's internal/llm package contract (recovered
// from its _test.go files, since the production client sources were not
// retrieved) and, concretely, on Jint8888-Pocket-Omega's
// internal/llm/openai/client.go for the sashabaranov/go-openai wiring and
// streaming accumulation pattern. Neither adapter retries a failed call.
package provider

import (
	"context"
	"fmt"

	"github.com/sable-systems/sentry/internal/agent"
)

// Kind classifies an adapter error per §4.8.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindNotFound  Kind = "not_found"
	KindUpstream  Kind = "upstream"
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
)

// AdapterError is a classified provider failure, always carrying the
// provider name so the router/observability layer can attribute it.
type AdapterError struct {
	Provider string
	Kind     Kind
	Message  string
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func newAdapterError(provider string, kind Kind, message string, err error) *AdapterError {
	return &AdapterError{Provider: provider, Kind: kind, Message: message, Err: err}
}

// ModelInfo is one entry returned by ListModels.
type ModelInfo struct {
	ID      string
	Object  string
	OwnedBy string
}

// Adapter is the uniform interface both provider variants implement.
// Bind produces an agent.ChatModel pinned to one model id and its
// per-model parameter overrides, since a single adapter instance serves
// every model a provider exposes.
type Adapter interface {
	Name() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Bind(model string, overrides ParamOverrides) agent.ChatModel
}

// ParamOverrides are per-model parameter overrides loaded from config
// (§4.8 "Handles per-model parameter overrides from config").
type ParamOverrides struct {
	Temperature *float32
	MaxTokens   int
	TopP        *float32
}

// EmbeddingsForwarder is implemented by adapters that can transparently
// proxy an embeddings request (currently only NativeLocal; the OpenAI
// adapter has no embeddings path wired into this gateway's scope).
type EmbeddingsForwarder interface {
	Embeddings(ctx context.Context, body map[string]any) (map[string]any, error)
}
