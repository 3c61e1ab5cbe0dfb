package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sable-systems/sentry/internal/agent"
	gwerrors "github.com/sable-systems/sentry/internal/errors"
	"github.com/sable-systems/sentry/internal/observability"
	"github.com/sable-systems/sentry/internal/toolregistry"
)

// ChatDelta is one chat.completion.chunk's incremental content, per §6
// "stream is selected by stream: true".
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatCompletionChunk mirrors the OpenAI streaming response envelope.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
}

// sseEmitter serializes §6's chat.completion.chunk frames onto one
// request's ResponseWriter. Tool-call heartbeats and the model's own
// token deltas can both arrive from background goroutines, so every
// write is mutex-guarded to keep SSE frames from interleaving.
type sseEmitter struct {
	c       *gin.Context
	mu      sync.Mutex
	id      string
	model   string
	started bool
}

func newSSEEmitter(c *gin.Context, id, model string) *sseEmitter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(200)
	c.Writer.Flush()
	return &sseEmitter{c: c, id: id, model: model}
}

func (e *sseEmitter) writeDelta(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delta := ChatDelta{Content: content}
	if !e.started {
		delta.Role = "assistant"
		e.started = true
	}
	e.writeChunkLocked(delta, nil)
}

func (e *sseEmitter) writeFinish(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeChunkLocked(ChatDelta{}, &reason)
}

func (e *sseEmitter) writeChunkLocked(delta ChatDelta, finish *string) {
	chunk := ChatCompletionChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   e.model,
		Choices: []ChatChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(e.c.Writer, "data: %s\n\n", data)
	e.c.Writer.Flush()
}

// writeHeartbeat emits an SSE comment line: invisible to an EventSource
// listener but enough to keep the connection from idling out while a
// tool call is in flight, per §4.7 "Streaming".
func (e *sseEmitter) writeHeartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprint(e.c.Writer, ": heartbeat\n\n")
	e.c.Writer.Flush()
}

func (e *sseEmitter) writeDone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprint(e.c.Writer, "data: [DONE]\n\n")
	e.c.Writer.Flush()
}

// dispatchStream implements §4.7/§6 streaming: the agent loop's or
// provider's token deltas are forwarded to the client as they arrive and
// tool-call steps emit heartbeat comments instead of leaving the
// connection idle. Unlike dispatchSync, the HTTP status is already
// committed by the time any upstream error can surface, so a failure is
// folded into the stream as an assistant-visible message rather than an
// HTTP error status.
func (d *Dispatcher) dispatchStream(c *gin.Context, rid string, parsed parsedModel, req ChatRequest) {
	rec := requestRecord(c)
	tracker := d.deps.Tracker
	emitter := newSSEEmitter(c, rid, req.Model)

	emit := func(ev agent.StreamEvent) {
		switch ev.Type {
		case "token":
			emitter.writeDelta(ev.Content)
		case "tool_heartbeat":
			emitter.writeHeartbeat()
		}
	}

	finish, gerr := d.dispatchStreamed(c.Request.Context(), rec, rid, parsed, req, emit)
	if gerr != nil {
		if tracker != nil {
			tracker.RecordError(rec, string(gerr.Kind), gerr.Message)
		}
		emitter.writeDelta(fmt.Sprintf("error: %s", gerr.Message))
		finish = "error"
	}
	if finish == "" {
		finish = "stop"
	}
	emitter.writeFinish(finish)
	emitter.writeDone()
	if tracker != nil {
		tracker.Transition(rec, observability.StageResponseSent)
	}
}

// dispatchStreamed is dispatchSync's streaming counterpart: same prefix
// routing, but each branch drives its model call with emit wired in
// instead of collecting one final response.
func (d *Dispatcher) dispatchStreamed(ctx context.Context, rec *observability.RequestRecord, rid string, parsed parsedModel, req ChatRequest, emit agent.StreamFunc) (string, *gwerrors.GatewayError) {
	switch {
	case parsed.Prefix == d.cfg.AgentPrefix:
		return d.streamAgent(ctx, rec, rid, parsed, req, emit)
	case parsed.Prefix == d.cfg.NativeLocalPrefix:
		return d.streamProvider(ctx, rec, rid, d.deps.NativeLocal, parsed, req, emit)
	case parsed.Prefix == d.cfg.RAGPrefix:
		return d.streamRAG(rid, req, emit)
	default:
		if entry, ok := d.deps.Providers[parsed.Prefix]; ok {
			return d.streamProvider(ctx, rec, rid, entry, parsed, req, emit)
		}
		return "", validationError(rid, "no route for model prefix: "+parsed.Prefix)
	}
}

func (d *Dispatcher) streamAgent(ctx context.Context, rec *observability.RequestRecord, rid string, parsed parsedModel, req ChatRequest, emit agent.StreamFunc) (string, *gwerrors.GatewayError) {
	if d.deps.AgentLoop == nil {
		return "", &gwerrors.GatewayError{Kind: gwerrors.KindInternal, Message: "agent plane not wired", RequestID: rid}
	}
	messages := toAgentMessages(req.Messages)

	history := make([]toolregistry.Message, len(req.Messages))
	for i, m := range req.Messages {
		history[i] = toolregistry.Message{Role: m.Role, Content: m.Content}
	}
	menu := d.deps.Tools.List()
	if d.deps.Classifier != nil {
		decision := d.deps.Classifier.Classify(ctx, history)
		menu = d.deps.Tools.MenuFor(decision.TargetServers)
	}

	if d.deps.Tracker != nil {
		d.deps.Tracker.Transition(rec, observability.StageUpstreamCallStart)
	}
	result := d.deps.AgentLoop.RunStream(ctx, parsed.Rest, messages, toAgentToolSchemas(menu), emit)
	if d.deps.Tracker != nil {
		d.deps.Tracker.Transition(rec, observability.StageUpstreamCallEnd)
	}
	if result.CapExceeded == "model_error" {
		return "", &gwerrors.GatewayError{Kind: gwerrors.KindUpstreamUnavailable, Message: "agent model call failed", RequestID: rid}
	}
	return finishReason(result), nil
}

func (d *Dispatcher) streamProvider(ctx context.Context, rec *observability.RequestRecord, rid string, entry ProviderEntry, parsed parsedModel, req ChatRequest, emit agent.StreamFunc) (string, *gwerrors.GatewayError) {
	if entry.Adapter == nil {
		return "", validationError(rid, "no adapter registered for prefix: "+parsed.Prefix)
	}
	if entry.Breaker != nil && !entry.Breaker.Allow() {
		return "", rateLimitedError(rid, fmt.Sprintf("provider %s circuit open", entry.Name))
	}

	if d.deps.Tracker != nil {
		d.deps.Tracker.Transition(rec, observability.StageUpstreamCallStart)
	}
	model := entry.Adapter.Bind(parsed.Rest, toAgentOverrides(req))
	_, _, err := model.Chat(ctx, toAgentMessages(req.Messages), nil, emit)
	if entry.Breaker != nil {
		entry.Breaker.Mark(err)
	}
	if d.deps.Tracker != nil {
		d.deps.Tracker.Transition(rec, observability.StageUpstreamCallEnd)
	}
	if err != nil {
		return "", classifyAdapterErr(rid, entry.Name, err)
	}
	return "stop", nil
}

// streamRAG has no incremental content to stream (the RAG proxy is out
// of scope per §1); it forwards the whole response as a single delta so
// a streaming client still sees a well-formed chunk sequence.
func (d *Dispatcher) streamRAG(rid string, req ChatRequest, emit agent.StreamFunc) (string, *gwerrors.GatewayError) {
	resp, ge := d.dispatchRAG(rid, req)
	if ge != nil {
		return "", ge
	}
	if len(resp.Choices) > 0 {
		emit(agent.StreamEvent{Type: "token", Content: resp.Choices[0].Message.Content})
	}
	return "stop", nil
}
