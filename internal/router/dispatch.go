package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sable-systems/sentry/internal/agent"
	"github.com/sable-systems/sentry/internal/async"
	gwerrors "github.com/sable-systems/sentry/internal/errors"
	"github.com/sable-systems/sentry/internal/observability"
	"github.com/sable-systems/sentry/internal/provider"
	"github.com/sable-systems/sentry/internal/toolregistry"
)

// Dispatcher implements §4.9's per-request pipeline. One Dispatcher is
// shared across all requests; per-request state lives entirely on the
// gin.Context and local variables.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	gate   *gate
	models *modelsCache
	async  *asyncStore
}

func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	cfg = cfg.withDefaults()
	g := newGate(cfg.MaxConcurrency)
	d := &Dispatcher{
		cfg:   cfg,
		deps:  deps,
		gate:  g,
		async: newAsyncStore(),
	}
	d.models = newModelsCache(cfg.ModelCacheTTL, g, deps.Tracker, d.providerAdapters)
	return d
}

func (d *Dispatcher) providerAdapters() map[string]provider.Adapter {
	out := make(map[string]provider.Adapter, len(d.deps.Providers)+1)
	for name, entry := range d.deps.Providers {
		out[name] = entry.Adapter
	}
	if d.deps.NativeLocal.Adapter != nil {
		out[d.cfg.NativeLocalPrefix] = d.deps.NativeLocal.Adapter
	}
	return out
}

// HandleChatCompletions implements POST /v1/chat/completions.
func (d *Dispatcher) HandleChatCompletions(c *gin.Context) {
	rid := requestID(c)
	rec := requestRecord(c)
	tracker := d.deps.Tracker

	if d.deps.Scheduler != nil {
		d.deps.Scheduler.Touch()
	}
	if tracker != nil {
		// Auth ran in the route group's middleware; reaching here means it passed.
		tracker.Transition(rec, observability.StageAuthChecked)
		if tier := c.GetHeader("X-Quality-Tier"); tier != "" {
			tracker.SetMetadata(rec, "quality_tier", tier)
		}
	}

	var req ChatRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeGatewayError(c, validationError(rid, "invalid request body: "+err.Error()))
		return
	}
	if tracker != nil {
		tracker.Transition(rec, observability.StageParsed)
	}

	resolved := resolveAlias(req.Model, d.cfg.DefaultModelAlias)
	parsed, err := parseModelID(resolved)
	if err != nil {
		writeGatewayError(c, validationError(rid, err.Error()))
		return
	}
	req.Model = parsed.Raw

	if rewritten, ok := d.applyOfflineRewrite(parsed); ok {
		parsed = rewritten
		req.Model = parsed.Raw
		if tracker != nil {
			tracker.SetMetadata(rec, "offline_rewrite", true)
		}
	}

	if !d.underDailyCap(parsed.Raw) {
		writeGatewayError(c, &gwerrors.GatewayError{Kind: gwerrors.KindResourceExhausted, Message: "projected cost exceeds the daily cap", RequestID: rid})
		return
	}

	if tracker != nil {
		tracker.Transition(rec, observability.StageRoutingDecided)
	}

	release, err := d.gate.acquire(c.Request.Context())
	if err != nil {
		writeGatewayError(c, &gwerrors.GatewayError{Kind: gwerrors.KindCancelled, Message: "cancelled waiting for concurrency slot", RequestID: rid})
		return
	}
	defer release()

	if req.Stream {
		d.dispatchStream(c, rid, parsed, req)
		return
	}

	if d.runtimeAsyncMode() {
		d.dispatchAsync(c, rid, parsed, req)
		return
	}

	resp, ge := d.dispatchSync(c.Request.Context(), rec, rid, parsed, req)
	if ge != nil {
		if tracker != nil {
			tracker.RecordError(rec, string(ge.Kind), ge.Message)
		}
		writeGatewayError(c, ge)
		return
	}
	if tracker != nil {
		tracker.Transition(rec, observability.StageResponseSent)
	}
	c.JSON(200, resp)
}

// applyOfflineRewrite implements S4's offline fallback at the router
// level: a request bound for a remote provider while the internet probe
// reports offline is transparently rewritten to the configured local
// fallback model. Agent and native-local dispatch are unaffected (the
// agent loop applies its own offline policy per tool).
func (d *Dispatcher) applyOfflineRewrite(parsed parsedModel) (parsedModel, bool) {
	if d.deps.Offline == nil || d.deps.Offline.InternetAvailable() {
		return parsed, false
	}
	if _, remote := d.deps.Providers[parsed.Prefix]; !remote {
		return parsed, false
	}
	if d.cfg.FallbackModel == "" {
		return parsed, false
	}
	rewritten, err := parseModelID(d.cfg.FallbackModel)
	if err != nil {
		return parsed, false
	}
	return rewritten, true
}

func (d *Dispatcher) underDailyCap(model string) bool {
	if d.deps.DailyCap == nil {
		return true
	}
	return d.deps.DailyCap.UnderCap(model)
}

func (d *Dispatcher) runtimeAsyncMode() bool {
	if d.deps.Config == nil {
		return false
	}
	v, ok := d.deps.Config.Get("runtime.mode")
	if !ok {
		return false
	}
	s, _ := v.(string)
	return s == "async"
}

func (d *Dispatcher) dispatchAsync(c *gin.Context, rid string, parsed parsedModel, req ChatRequest) {
	job := d.async.create()
	c.JSON(202, AsyncAcceptResponse{ID: job.ID, Object: "chat.completion.async", Status: string(asyncAccepted)})

	async.Go(d.deps.Logger, "router.async_dispatch", func() {
		// The handler's gate slot is released when the 202 returns, so the
		// spawned work re-acquires its own: the global bound holds across
		// async dispatch too, not just the accept path.
		release, err := d.gate.acquire(context.Background())
		if err != nil {
			d.async.fail(job.ID, err.Error())
			return
		}
		defer release()

		// The accepting request's record completed with the 202; the
		// in-flight work gets its own record under the job id so it stays
		// visible to active-requests and stuck-request scans while running.
		var bgRec *observability.RequestRecord
		if d.deps.Tracker != nil {
			bgRec = d.deps.Tracker.Begin(job.ID, "ASYNC", "/v1/chat/completions", rid)
		}

		d.async.setRunning(job.ID)
		resp, ge := d.dispatchSync(context.Background(), bgRec, rid, parsed, req)
		if ge != nil {
			if d.deps.Tracker != nil {
				d.deps.Tracker.RecordError(bgRec, string(ge.Kind), ge.Message)
			}
			d.async.fail(job.ID, ge.Message)
			return
		}
		if d.deps.Tracker != nil {
			d.deps.Tracker.Transition(bgRec, observability.StageCompleted)
		}
		d.async.complete(job.ID, resp)
	})
}

// HandleAsyncStatus implements GET /v1/chat/completions/async/{id}.
func (d *Dispatcher) HandleAsyncStatus(c *gin.Context) {
	job, ok := d.async.get(c.Param("id"))
	if !ok {
		writeGatewayError(c, notFoundError(requestID(c), "unknown async job"))
		return
	}
	c.JSON(200, job)
}

// dispatchSync implements §4.9 step 6-7: branch on the parsed prefix,
// then run the target under its own provider-level breaker.
func (d *Dispatcher) dispatchSync(ctx context.Context, rec *observability.RequestRecord, rid string, parsed parsedModel, req ChatRequest) (ChatResponse, *gwerrors.GatewayError) {
	switch {
	case parsed.Prefix == d.cfg.AgentPrefix:
		return d.dispatchAgent(ctx, rec, rid, parsed, req)
	case parsed.Prefix == d.cfg.NativeLocalPrefix:
		return d.dispatchProvider(ctx, rec, rid, d.deps.NativeLocal, parsed, req)
	case parsed.Prefix == d.cfg.RAGPrefix:
		return d.dispatchRAG(rid, req)
	default:
		if entry, ok := d.deps.Providers[parsed.Prefix]; ok {
			return d.dispatchProvider(ctx, rec, rid, entry, parsed, req)
		}
		return ChatResponse{}, validationError(rid, "no route for model prefix: "+parsed.Prefix)
	}
}

func (d *Dispatcher) dispatchAgent(ctx context.Context, rec *observability.RequestRecord, rid string, parsed parsedModel, req ChatRequest) (ChatResponse, *gwerrors.GatewayError) {
	if d.deps.AgentLoop == nil {
		return ChatResponse{}, &gwerrors.GatewayError{Kind: gwerrors.KindInternal, Message: "agent plane not wired", RequestID: rid}
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
	result := d.deps.AgentLoop.Run(ctx, parsed.Rest, messages, toAgentToolSchemas(menu))
	if d.deps.Tracker != nil {
		d.deps.Tracker.Transition(rec, observability.StageUpstreamCallEnd)
		d.deps.Tracker.Transition(rec, observability.StageProcessing)
	}
	if result.CapExceeded == "model_error" {
		return ChatResponse{}, &gwerrors.GatewayError{Kind: gwerrors.KindUpstreamUnavailable, Message: "agent model call failed", RequestID: rid}
	}
	return ChatResponse{
		ID:      rid,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []ChatChoice{{Index: 0, Message: ChatMessage{Role: "assistant", Content: result.Answer}, FinishReason: finishReason(result)}},
		Usage:   ChatUsage{TotalTokens: result.TokensUsed},
	}, nil
}

func finishReason(r agent.Result) string {
	if r.CapExceeded != "" {
		return r.CapExceeded
	}
	return "stop"
}

func (d *Dispatcher) dispatchProvider(ctx context.Context, rec *observability.RequestRecord, rid string, entry ProviderEntry, parsed parsedModel, req ChatRequest) (ChatResponse, *gwerrors.GatewayError) {
	if entry.Adapter == nil {
		return ChatResponse{}, validationError(rid, "no adapter registered for prefix: "+parsed.Prefix)
	}
	if entry.Breaker != nil && !entry.Breaker.Allow() {
		return ChatResponse{}, rateLimitedError(rid, fmt.Sprintf("provider %s circuit open", entry.Name))
	}

	if d.deps.Tracker != nil {
		d.deps.Tracker.Transition(rec, observability.StageUpstreamCallStart)
	}
	model := entry.Adapter.Bind(parsed.Rest, toAgentOverrides(req))
	assistant, tokens, err := model.Chat(ctx, toAgentMessages(req.Messages), nil, nil)
	if entry.Breaker != nil {
		entry.Breaker.Mark(err)
	}
	if d.deps.Tracker != nil {
		d.deps.Tracker.Transition(rec, observability.StageUpstreamCallEnd)
		d.deps.Tracker.Transition(rec, observability.StageProcessing)
	}
	if err != nil {
		return ChatResponse{}, classifyAdapterErr(rid, entry.Name, err)
	}
	return ChatResponse{
		ID:      rid,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []ChatChoice{{Index: 0, Message: ChatMessage{Role: assistant.Role, Content: assistant.Content}, FinishReason: "stop"}},
		Usage:   ChatUsage{TotalTokens: tokens},
	}, nil
}

// embeddingsForward proxies POST /v1/embeddings to the native-local
// engine. The Adapter interface itself has no Embeddings method since
// only the native-local variant supports it; the type assertion keeps
// that asymmetry out of the shared Adapter contract.
func (d *Dispatcher) embeddingsForward(ctx context.Context, body map[string]any) (map[string]any, error) {
	fwd, ok := d.deps.NativeLocal.Adapter.(provider.EmbeddingsForwarder)
	if !ok {
		return nil, fmt.Errorf("native local adapter does not support embeddings")
	}
	return fwd.Embeddings(ctx, body)
}

func (d *Dispatcher) dispatchRAG(rid string, req ChatRequest) (ChatResponse, *gwerrors.GatewayError) {
	if d.deps.RAGProxy == nil {
		return ChatResponse{}, &gwerrors.GatewayError{Kind: gwerrors.KindDegraded, Message: "rag proxy not configured", RequestID: rid}
	}
	resp, err := d.deps.RAGProxy.Forward(rid, req)
	if err != nil {
		return ChatResponse{}, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, err, "rag forward failed")
	}
	return resp, nil
}

func classifyAdapterErr(rid, providerName string, err error) *gwerrors.GatewayError {
	var ae *provider.AdapterError
	if as, ok := err.(*provider.AdapterError); ok {
		ae = as
	}
	if ae == nil {
		return &gwerrors.GatewayError{Kind: gwerrors.KindUpstreamUnavailable, Message: err.Error(), RequestID: rid, Provider: providerName}
	}
	kind := gwerrors.KindUpstreamUnavailable
	switch ae.Kind {
	case provider.KindAuth:
		kind = gwerrors.KindAuth
	case provider.KindRateLimit:
		kind = gwerrors.KindRateLimited
	case provider.KindNotFound:
		kind = gwerrors.KindNotFound
	case provider.KindTimeout:
		kind = gwerrors.KindTimeout
	case provider.KindNetwork:
		kind = gwerrors.KindUpstreamUnavailable
	case provider.KindUpstream:
		kind = gwerrors.KindUpstreamProtocol
	}
	return &gwerrors.GatewayError{Kind: kind, Message: ae.Message, RequestID: rid, Provider: providerName}
}
