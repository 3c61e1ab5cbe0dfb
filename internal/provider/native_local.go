package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sable-systems/sentry/internal/agent"
	"github.com/sable-systems/sentry/internal/breaker"
	"github.com/sable-systems/sentry/internal/httpclient"
	"github.com/sable-systems/sentry/internal/logging"
)

// NativeLocalConfig points at a local engine's chat/generate endpoints
// and its well-known model-listing endpoint (§4.8).
type NativeLocalConfig struct {
	Name       string
	BaseURL    string // e.g. http://127.0.0.1:8088
	ChatPath   string // default /v1/engine/chat
	ModelsPath string // default /v1/engine/models
	Overrides  map[string]ParamOverrides
}

func (c NativeLocalConfig) withDefaults() NativeLocalConfig {
	if c.ChatPath == "" {
		c.ChatPath = "/v1/engine/chat"
	}
	if c.ModelsPath == "" {
		c.ModelsPath = "/v1/engine/models"
	}
	return c
}

// nativeRequest/nativeResponse are the local engine's own wire shapes:
// non-streaming is JSON in, JSON out; streaming is SSE in (client sends a
// normal POST, server responds with `data: <json>\n\n` frames), NDJSON
// out internally normalized here to the same StreamEvent the OpenAI
// adapter emits.
type nativeRequest struct {
	Model       string             `json:"model"`
	Messages    []agent.Message    `json:"messages"`
	Tools       []agent.ToolSchema `json:"tools,omitempty"`
	Stream      bool               `json:"stream"`
	Temperature *float32           `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
}

type nativeResponse struct {
	Message    agent.Message `json:"message"`
	TokensUsed int           `json:"tokens_used"`
}

type nativeStreamFrame struct {
	Delta      string           `json:"delta"`
	ToolCalls  []agent.ToolCall `json:"tool_calls,omitempty"`
	Done       bool             `json:"done"`
	TokensUsed int              `json:"tokens_used"`
}

// NativeLocal translates between the OpenAI chat schema and a local
// engine's chat/generate APIs. No direct teacher equivalent (the
// teacher's local-model path is an in-process engine call, not an HTTP
// adapter) — built fresh from §4.8's wire description, following the
// same breaker/classify shape as OpenAICompat for consistency.
type NativeLocal struct {
	cfg     NativeLocalConfig
	client  *http.Client
	breaker *breaker.Breaker
	logger  logging.Logger
}

func NewNativeLocal(cfg NativeLocalConfig, httpClient *http.Client, b *breaker.Breaker, logger logging.Logger) *NativeLocal {
	if httpClient == nil {
		httpClient = httpclient.New(httpclient.DefaultPoolConfig())
	}
	return &NativeLocal{cfg: cfg.withDefaults(), client: httpClient, breaker: b, logger: logging.OrNop(logger).With("provider." + cfg.Name)}
}

func (p *NativeLocal) Name() string { return p.cfg.Name }

func (p *NativeLocal) Bind(model string, overrides ParamOverrides) agent.ChatModel {
	return &boundNativeLocal{adapter: p, model: model, overrides: overrides}
}

func (p *NativeLocal) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+p.cfg.ModelsPath, nil)
	if err != nil {
		return nil, newAdapterError(p.cfg.Name, KindNetwork, "build request", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, newAdapterError(p.cfg.Name, KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(p.cfg.Name, resp.StatusCode)
	}

	var out struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, newAdapterError(p.cfg.Name, KindUpstream, "decode models response", err)
	}
	return out.Models, nil
}

// Embeddings forwards a request body verbatim to the local engine's
// embeddings endpoint, satisfying EmbeddingsForwarder for the router's
// transparent-proxy handler (§6).
func (p *NativeLocal) Embeddings(ctx context.Context, body map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, newAdapterError(p.cfg.Name, KindUpstream, "marshal embeddings request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/engine/embeddings", bytes.NewReader(raw))
	if err != nil {
		return nil, newAdapterError(p.cfg.Name, KindNetwork, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, newAdapterError(p.cfg.Name, KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(p.cfg.Name, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, newAdapterError(p.cfg.Name, KindUpstream, "decode embeddings response", err)
	}
	return out, nil
}

type boundNativeLocal struct {
	adapter   *NativeLocal
	model     string
	overrides ParamOverrides
}

func (b *boundNativeLocal) Chat(ctx context.Context, messages []agent.Message, tools []agent.ToolSchema, stream agent.StreamFunc) (agent.Message, int, error) {
	p := b.adapter
	if p.breaker != nil && !p.breaker.Allow() {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindUpstream, "circuit open", nil)
	}

	req := nativeRequest{Model: b.model, Messages: messages, Tools: tools, Stream: stream != nil}
	if b.overrides.Temperature != nil {
		req.Temperature = b.overrides.Temperature
	}
	if b.overrides.TopP != nil {
		req.TopP = b.overrides.TopP
	}
	req.MaxTokens = b.overrides.MaxTokens

	var (
		result agent.Message
		tokens int
		err    error
	)
	if req.Stream {
		result, tokens, err = p.chatStream(ctx, req, stream)
	} else {
		result, tokens, err = p.chatOnce(ctx, req)
	}
	if p.breaker != nil {
		p.breaker.Mark(err)
	}
	return result, tokens, err
}

func (p *NativeLocal) chatOnce(ctx context.Context, nreq nativeRequest) (agent.Message, int, error) {
	body, err := json.Marshal(nreq)
	if err != nil {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindUpstream, "marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+p.cfg.ChatPath, bytes.NewReader(body))
	if err != nil {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindNetwork, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return agent.Message{}, 0, classifyHTTPStatus(p.cfg.Name, resp.StatusCode)
	}

	var nresp nativeResponse
	if err := json.NewDecoder(resp.Body).Decode(&nresp); err != nil {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindUpstream, "decode response", err)
	}
	return nresp.Message, nresp.TokensUsed, nil
}

// chatStream issues the request over a normal POST (the server answers
// with SSE `data: <json>\n\n` frames per §4.8's "streaming SSE in" wire
// description), decoding each frame as a nativeStreamFrame and emitting
// a StreamEvent per content delta.
func (p *NativeLocal) chatStream(ctx context.Context, nreq nativeRequest, onChunk agent.StreamFunc) (agent.Message, int, error) {
	body, err := json.Marshal(nreq)
	if err != nil {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindUpstream, "marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+p.cfg.ChatPath, bytes.NewReader(body))
	if err != nil {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindNetwork, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return agent.Message{}, 0, classifyHTTPStatus(p.cfg.Name, resp.StatusCode)
	}

	var sb strings.Builder
	var toolCalls []agent.ToolCall
	tokens := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var frame nativeStreamFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		if frame.Delta != "" {
			sb.WriteString(frame.Delta)
			if onChunk != nil {
				onChunk(agent.StreamEvent{Type: "token", Content: frame.Delta})
			}
		}
		toolCalls = append(toolCalls, frame.ToolCalls...)
		if frame.TokensUsed > 0 {
			tokens = frame.TokensUsed
		}
		if frame.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		if sb.Len() == 0 {
			return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindNetwork, "stream read error", err)
		}
	}

	return agent.Message{Role: "assistant", Content: sb.String(), ToolCalls: toolCalls}, tokens, nil
}

func classifyHTTPStatus(provider string, status int) *AdapterError {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return newAdapterError(provider, KindAuth, fmt.Sprintf("http %d", status), nil)
	case http.StatusTooManyRequests:
		return newAdapterError(provider, KindRateLimit, fmt.Sprintf("http %d", status), nil)
	case http.StatusNotFound:
		return newAdapterError(provider, KindNotFound, fmt.Sprintf("http %d", status), nil)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return newAdapterError(provider, KindTimeout, fmt.Sprintf("http %d", status), nil)
	default:
		return newAdapterError(provider, KindUpstream, fmt.Sprintf("http %d", status), nil)
	}
}
