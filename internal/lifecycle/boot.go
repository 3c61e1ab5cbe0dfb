package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sable-systems/sentry/internal/agent"
	"github.com/sable-systems/sentry/internal/breaker"
	"github.com/sable-systems/sentry/internal/clockid"
	"github.com/sable-systems/sentry/internal/configstore"
	gwerrors "github.com/sable-systems/sentry/internal/errors"
	"github.com/sable-systems/sentry/internal/httpclient"
	"github.com/sable-systems/sentry/internal/logging"
	"github.com/sable-systems/sentry/internal/mcp"
	"github.com/sable-systems/sentry/internal/observability"
	"github.com/sable-systems/sentry/internal/provider"
	"github.com/sable-systems/sentry/internal/router"
	"github.com/sable-systems/sentry/internal/scheduler"
	"github.com/sable-systems/sentry/internal/store"
	"github.com/sable-systems/sentry/internal/toolregistry"
)

// ConfigFileRef is one disk snapshot tracked for reconciliation (§4.1).
type ConfigFileRef struct {
	Path   string
	Secret bool
}

// ProviderSettings describes one remote OpenAI-compatible provider to
// register under its dispatch prefix.
type ProviderSettings struct {
	Prefix         string
	BaseURL        string
	AuthToken      string
	DefaultHeaders map[string]string
	Overrides      map[string]provider.ParamOverrides
}

// Settings is everything boot-time wiring needs, gathered by the cobra
// command layer from flags, env, and the tracked config files before
// Boot runs. It deliberately has no YAML tags of its own: config file
// parsing happens once, in cmd/gateway, and its result is handed here as
// plain Go values.
type Settings struct {
	DataDir        string
	ListenAddr     string
	Environment    string
	AuthToken      string
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	NativeLocal       provider.NativeLocalConfig
	Providers         map[string]ProviderSettings
	MCPServers        []mcp.ServerDescriptor
	MCPSpawnLimit     int64 // 0 keeps the default stdio spawn concurrency
	ConfigFiles       []ConfigFileRef
	DefaultModelAlias map[string]string
	FallbackModel     string // e.g. "native-local:default"
	ClassifierModel   string // model id driving the Maître d'; FallbackModel when empty
	Triggers          []toolregistry.SovereignTrigger
	MaxConcurrency    int
	ModelCacheTTL     time.Duration
	HTTPTimeout       time.Duration // outbound request timeout; 0 keeps the pool default
	InternetProbeURL  string

	Exporter     observability.Exporter // optional; nil uses the tracker's no-op exporter
	PromGatherer prometheus.Gatherer    // optional; enables Prometheus exposition on the admin metrics endpoint
}

// Runtime is the fully booted process: every C1-C12 component plus the
// assembled HTTP engine, ready for ListenAndServe and, later, Shutdown.
type Runtime struct {
	Settings   Settings
	Config     *configstore.Store
	Durable    *store.Store
	Breakers   *breaker.Registry
	Tracker    *observability.Tracker
	MCP        *mcp.Registry
	Tools      *toolregistry.Registry
	Scheduler  *scheduler.Scheduler
	AgentLoop  *agent.Loop
	Classifier *toolregistry.Classifier
	Engine     *gin.Engine
	Degraded   *DegradedReasons

	providers   map[string]router.ProviderEntry
	nativeLocal router.ProviderEntry

	logger  logging.Logger
	httpSrv *http.Server
}

// Boot runs the 8-phase sequence and returns a Runtime ready to serve, or
// an error if a required phase failed. Phases 2-7 never abort boot; only
// phase 0 (settings validation), phase 1 (state init) and phase 8
// (ingress assembly) are required. The HTTP listener is bound later, by
// ListenAndServe.
func Boot(ctx context.Context, settings Settings, logger logging.Logger) (*Runtime, error) {
	logger = logging.OrNop(logger).With("lifecycle.boot")
	rt := &Runtime{Settings: settings, Degraded: NewDegradedReasons(), logger: logger}

	phases := []Phase{
		{Index: 0, Name: "runtime_validation", Required: true, Run: func() error { return rt.phaseValidate() }},
		{Index: 1, Name: "state_init", Required: true, Run: func() error { return rt.phaseStateInit() }},
		{Index: 2, Name: "persistent_store", Required: false, Run: func() error { return rt.phasePersistentStore(ctx) }},
		{Index: 3, Name: "config_reconciliation", Required: false, Run: func() error { return rt.phaseConfigReconcile() }},
		{Index: 4, Name: "provider_registry", Required: false, Run: func() error { return rt.phaseProviders() }},
		{Index: 5, Name: "mcp_discovery", Required: false, Run: func() error { return rt.phaseMCP(ctx) }},
		{Index: 6, Name: "scheduler_start", Required: false, Run: func() error { return rt.phaseScheduler(ctx) }},
		{Index: 7, Name: "health_probes", Required: false, Run: func() error { return rt.phaseHealthProbes(ctx) }},
		{Index: 8, Name: "open_ingress", Required: true, Run: func() error { return rt.phaseIngress() }},
	}

	if err := RunPhases(phases, rt.Degraded, logger); err != nil {
		return nil, err
	}
	if !rt.Degraded.IsEmpty() {
		logger.Warn("boot completed degraded: %v", rt.Degraded.Map())
	}
	return rt, nil
}

// phaseValidate is phase 0: reject an unstartable configuration outright
// rather than limping through the remaining phases.
func (rt *Runtime) phaseValidate() error {
	s := rt.Settings
	if s.DataDir == "" {
		return fmt.Errorf("data dir not set")
	}
	if s.ListenAddr == "" {
		return fmt.Errorf("listen addr not set")
	}
	if s.NativeLocal.BaseURL == "" && len(s.Providers) == 0 {
		return fmt.Errorf("no model backend configured: need native-local or at least one provider")
	}
	return nil
}

// phaseStateInit is phase 1: the in-memory components with no external
// dependency, built first so later phases can record failures into them.
func (rt *Runtime) phaseStateInit() error {
	rt.Tracker = observability.New(clockid.System, rt.logger.With("observability"), rt.Settings.Exporter)
	rt.Breakers = breaker.NewRegistry(rt.logger.With("breaker"))
	rt.Breakers.SetStateChangeHook(func(key string, from, to breaker.State, reason string) {
		rt.Tracker.RecordBreakerTransition(key, from.String(), to.String(), reason)
	})
	rt.Tools = toolregistry.NewRegistry(rt.Breakers)
	return nil
}

// phasePersistentStore is phase 2: connect the durable store with
// exponential backoff; on repeated failure the config store falls back
// to ram+disk-snapshot only (configstore.Store tolerates a nil durable
// handle throughout its authority chain).
func (rt *Runtime) phasePersistentStore(ctx context.Context) error {
	cfg := gwerrors.RetryConfig{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, JitterFactor: 0.25}
	durable, err := gwerrors.RetryWithResult(ctx, cfg, func(ctx context.Context) (*store.Store, error) {
		return store.New(rt.Settings.DataDir, nil)
	})
	if err != nil {
		rt.logger.Warn("persistent store unavailable after retries, degrading to memory: %v", err)
		rt.Config = configstore.New(nil, rt.logger.With("configstore"))
		return err
	}
	rt.Durable = durable
	rt.Config = configstore.New(durable, rt.logger.With("configstore"))
	return nil
}

// phaseConfigReconcile is phase 3: track the configured disk snapshots
// and run one reconciliation pass before anything downstream reads
// config values.
func (rt *Runtime) phaseConfigReconcile() error {
	for _, f := range rt.Settings.ConfigFiles {
		rt.Config.TrackFile(f.Path, f.Secret)
	}
	if errs := rt.Config.SyncAll(); len(errs) > 0 {
		return fmt.Errorf("%d config file(s) failed reconciliation: %v", len(errs), errs[0])
	}
	return nil
}

// phaseProviders is phase 4: bind every configured provider adapter
// (native-local plus each remote OpenAI-compatible provider) behind its
// own breaker, and build the multi-provider model resolver the agent
// loop uses.
func (rt *Runtime) phaseProviders() error {
	poolCfg := httpclient.DefaultPoolConfig()
	if rt.Settings.HTTPTimeout > 0 {
		poolCfg.RequestTimeout = rt.Settings.HTTPTimeout
	}
	client := httpclient.New(poolCfg)

	providers := make(map[string]router.ProviderEntry, len(rt.Settings.Providers))
	for prefix, ps := range rt.Settings.Providers {
		b := rt.Breakers.Get("provider:"+prefix, breaker.ProviderConfig())
		adapter := provider.NewOpenAICompat(provider.OpenAICompatConfig{
			Name:           prefix,
			BaseURL:        ps.BaseURL,
			AuthToken:      ps.AuthToken,
			DefaultHeaders: ps.DefaultHeaders,
			Overrides:      ps.Overrides,
		}, client, b, rt.logger.With("provider."+prefix))
		providers[prefix] = router.ProviderEntry{Name: prefix, Adapter: adapter, Breaker: b}
	}
	rt.providers = providers

	if rt.Settings.NativeLocal.BaseURL != "" {
		b := rt.Breakers.Get("provider:native-local", breaker.ProviderConfig())
		rt.nativeLocal = router.ProviderEntry{
			Name:    "native-local",
			Adapter: provider.NewNativeLocal(rt.Settings.NativeLocal, client, b, rt.logger.With("provider.native-local")),
			Breaker: b,
		}
	}
	if rt.nativeLocal.Adapter == nil && len(providers) == 0 {
		return fmt.Errorf("no provider adapters bound")
	}
	return nil
}

// phaseMCP is phase 5: register every configured MCP server descriptor
// and run one initial connect/tool-list pass. No stdio process is
// eagerly warmed beyond what Initialize's first connect requires; the
// recovery-probe ticker that used to live here now runs under the
// scheduler (phase 6), registered as RunHealthPass.
func (rt *Runtime) phaseMCP(ctx context.Context) error {
	if len(rt.Settings.MCPServers) == 0 {
		return nil
	}
	rt.MCP = mcp.NewRegistry(rt.Breakers, rt.Tracker, rt.logger.With("mcp"), rt.Settings.DataDir)
	rt.MCP.SetSpawnLimit(rt.Settings.MCPSpawnLimit)
	rt.MCP.Initialize(ctx, rt.Settings.MCPServers)
	adapters := rt.MCP.ListTools(ctx)
	rt.Tools.SyncMCPTools(adapters)
	return nil
}

// phaseScheduler is phase 6: start the tempo-gated tick loop with the
// built-in periodic tasks, then build the agent loop whose tool executor
// and model resolver depend on what phases 4-5 just wired.
func (rt *Runtime) phaseScheduler(ctx context.Context) error {
	sched := scheduler.New(scheduler.Config{}, rt.Breakers, rt.Tracker, rt.logger.With("scheduler"))

	providerBreakers := make(map[string]*breaker.Breaker, len(rt.providers)+1)
	for prefix, entry := range rt.providers {
		providerBreakers[prefix] = entry.Breaker
	}
	if rt.nativeLocal.Adapter != nil {
		providerBreakers["native-local"] = rt.nativeLocal.Breaker
	}
	sched.RegisterBuiltins(scheduler.BuiltinConfig{
		NativeLocal:      rt.nativeLocal.Adapter,
		Providers:        providerBreakers,
		MCPRegistry:      rt.MCP,
		ToolRegistry:     rt.Tools,
		InternetProbeURL: rt.Settings.InternetProbeURL,
	})
	rt.Scheduler = sched
	sched.Start(ctx)

	rt.AgentLoop = &agent.Loop{
		Resolver:      rt.resolveAgentModel,
		Tools:         router.NewToolExecutor(rt.Tools),
		Offline:       rt.Scheduler,
		FallbackModel: rt.Settings.FallbackModel,
	}
	rt.Classifier = rt.buildClassifier()
	return nil
}

// buildClassifier assembles the Maître d': sovereign triggers from
// config, the JSON-file recall store under the data dir, and a
// small-context model bound through the same resolver the agent loop
// uses. A resolution failure leaves the classifier model nil — the
// classifier then falls back to triggers and the conservative default,
// never blocking dispatch.
func (rt *Runtime) buildClassifier() *toolregistry.Classifier {
	triggers := toolregistry.NewTriggerMatcher(rt.Settings.Triggers)
	learning := toolregistry.NewLearningStore(
		filepath.Join(rt.Settings.DataDir, "feedback.json"),
		rt.logger.With("learning"),
	)

	modelID := rt.Settings.ClassifierModel
	if modelID == "" {
		modelID = rt.Settings.FallbackModel
	}
	var classifierModel toolregistry.ClassifierModel
	if chat, err := rt.resolveAgentModel(modelID); err == nil {
		classifierModel = &classifierChat{model: chat}
	} else {
		rt.logger.Warn("classifier model %s unavailable, running trigger-only: %v", modelID, err)
	}
	return toolregistry.NewClassifier(classifierModel, triggers, learning, rt.logger.With("classifier"))
}

// classifierChat adapts a provider-bound ChatModel onto the classifier's
// two-prompt call shape.
type classifierChat struct {
	model agent.ChatModel
}

func (c *classifierChat) Classify(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msg, _, err := c.model.Chat(ctx, []agent.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}, nil, nil)
	return msg.Content, err
}

// resolveAgentModel binds agent:* dispatch to a concrete provider model.
// The effective model id carries the same "<prefix>:<rest>" shape the
// router's own dispatch uses; a bare id with no recognized prefix falls
// back to native-local so a plain model name still resolves.
func (rt *Runtime) resolveAgentModel(modelID string) (agent.ChatModel, error) {
	prefix, rest, ok := strings.Cut(modelID, ":")
	if !ok {
		prefix, rest = "native-local", modelID
	}
	if prefix == "native-local" {
		if rt.nativeLocal.Adapter == nil {
			return nil, fmt.Errorf("native-local model requested but not configured")
		}
		return rt.nativeLocal.Adapter.Bind(rest, provider.ParamOverrides{}), nil
	}
	if entry, ok := rt.providers[prefix]; ok {
		return entry.Adapter.Bind(rest, provider.ParamOverrides{}), nil
	}
	return nil, fmt.Errorf("no provider registered for model prefix: %s", prefix)
}

// phaseHealthProbes is phase 7: one synchronous pass so /health and
// /admin/observability/component-health have real data the instant
// ingress opens, instead of waiting for the first scheduler tick.
func (rt *Runtime) phaseHealthProbes(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if rt.nativeLocal.Adapter != nil {
		status := observability.HealthHealthy
		meta := map[string]any{}
		if _, err := rt.nativeLocal.Adapter.ListModels(probeCtx); err != nil {
			status = observability.HealthDegraded
			meta["error"] = err.Error()
		}
		rt.Tracker.SetComponentHealth(observability.ComponentHealth{
			ComponentType: "provider", ComponentID: "native_local", Status: status, LastCheckAt: time.Now(), Metadata: meta,
		})
	}
	if rt.MCP != nil {
		if err := rt.MCP.RunHealthPass(probeCtx); err != nil {
			return err
		}
	}
	return nil
}

// phaseIngress is phase 8: assemble the router and the http.Server. It
// does not bind the listener; ListenAndServe does, and a bind failure
// surfaces from there.
func (rt *Runtime) phaseIngress() error {
	deps := router.Deps{
		Config:       rt.Config,
		Breakers:     rt.Breakers,
		Tracker:      rt.Tracker,
		Tools:        rt.Tools,
		Classifier:   rt.Classifier,
		MCPRegistry:  rt.MCP,
		AgentLoop:    rt.AgentLoop,
		NativeLocal:  rt.nativeLocal,
		Providers:    rt.providers,
		DailyCap:     router.AlwaysUnderCap{},
		Degraded:     rt.Degraded.Map,
		PromGatherer: rt.Settings.PromGatherer,
		Logger:       rt.logger.With("router"),
	}
	if rt.Scheduler != nil {
		// Assigned conditionally so a failed phase 6 leaves true nil
		// interfaces, not a typed-nil *Scheduler the router would call.
		deps.Scheduler = rt.Scheduler
		deps.Offline = rt.Scheduler
	}
	cfg := router.Config{
		Environment:       rt.Settings.Environment,
		AllowedOrigins:    rt.Settings.AllowedOrigins,
		AuthToken:         rt.Settings.AuthToken,
		MaxConcurrency:    rt.Settings.MaxConcurrency,
		ModelCacheTTL:     rt.Settings.ModelCacheTTL,
		FallbackModel:     rt.Settings.FallbackModel,
		DefaultModelAlias: rt.Settings.DefaultModelAlias,
	}
	rt.Engine = router.New(cfg, deps)
	rt.httpSrv = &http.Server{Addr: rt.Settings.ListenAddr, Handler: rt.Engine}
	return nil
}

// ListenAndServe blocks serving HTTP until the listener errs or Shutdown
// closes it; http.ErrServerClosed is swallowed since that is the normal
// Shutdown-triggered return.
func (rt *Runtime) ListenAndServe() error {
	if err := rt.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains every subsystem in reverse boot order: ingress first
// (stop accepting new work), then the scheduler, then MCP server
// transports.
func (rt *Runtime) Shutdown(ctx context.Context, timeout time.Duration) []error {
	var errs []error
	shutCtx, cancel := context.WithTimeout(ctx, timeout)
	if err := rt.httpSrv.Shutdown(shutCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	cancel()

	var drainables []Drainable
	if rt.Scheduler != nil {
		drainables = append(drainables, rt.Scheduler)
	}
	errs = append(errs, DrainAll(ctx, timeout, drainables...)...)

	if rt.MCP != nil {
		rt.MCP.Shutdown()
	}
	return errs
}
