package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/sable-systems/sentry/internal/provider"
)

// New builds the gin.Engine implementing §6's external interface: the
// OpenAI-compatible chat/models/embeddings surface, health, and the admin
// routes, wrapped in the teacher's middleware-chain idiom (CORS, logging,
// then per-route auth) from internal/delivery/server/http/router.go.
func New(cfg Config, deps Deps) *gin.Engine {
	cfg = cfg.withDefaults()
	dispatcher := NewDispatcher(cfg, deps)
	admin := NewAdminHandlers(dispatcher)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware(cfg))
	engine.Use(requestIDMiddleware())
	engine.Use(loggingMiddleware(deps.Logger))
	engine.Use(trackerMiddleware(deps.Tracker))

	engine.GET("/health", dispatcher.HandleHealth)

	v1 := engine.Group("/v1")
	v1.Use(authMiddleware(cfg.AuthToken))
	v1.POST("/chat/completions", dispatcher.HandleChatCompletions)
	v1.GET("/chat/completions/async/:id", dispatcher.HandleAsyncStatus)
	v1.GET("/models", dispatcher.HandleListModels)
	v1.POST("/embeddings", dispatcher.HandleEmbeddings)

	adminGroup := engine.Group("/admin")
	adminGroup.Use(authMiddleware(cfg.AuthToken))
	adminGroup.POST("/config/reload", admin.ReloadConfig)
	adminGroup.POST("/providers/reload", admin.ReloadProviders)
	adminGroup.POST("/caches/clear", admin.ClearCaches)
	adminGroup.POST("/mcp/:name/toggle", admin.ToggleMCPAccess)
	adminGroup.GET("/model/active", admin.GetActiveModel)
	adminGroup.PUT("/model/active", admin.SetActiveModel)
	adminGroup.POST("/subservices/:name/restart", admin.RestartSubservice)

	obs := adminGroup.Group("/observability")
	obs.GET("/metrics", admin.Metrics)
	obs.GET("/active-requests", admin.ActiveRequests)
	obs.GET("/stuck-requests", admin.StuckRequests)
	obs.GET("/performance", admin.Performance)
	obs.GET("/component-health", admin.ComponentHealth)
	obs.GET("/export", admin.Export)

	return engine
}

func corsMiddleware(cfg Config) gin.HandlerFunc {
	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", requestIDHeader, "X-Quality-Tier")
	corsCfg.MaxAge = 12 * time.Hour
	return cors.New(corsCfg)
}

// HandleListModels implements GET /v1/models.
func (d *Dispatcher) HandleListModels(c *gin.Context) {
	models, err := d.models.ListModels(c.Request.Context())
	if err != nil {
		writeGatewayError(c, internalError(requestID(c), err.Error()))
		return
	}
	c.JSON(200, gin.H{"object": "list", "data": toModelsWire(models)})
}

func toModelsWire(models []provider.ModelInfo) []gin.H {
	out := make([]gin.H, len(models))
	for i, m := range models {
		out[i] = gin.H{"id": m.ID, "object": m.Object, "owned_by": m.OwnedBy}
	}
	return out
}

// HandleEmbeddings implements POST /v1/embeddings: a transparent proxy to
// the native-local engine per §6.
func (d *Dispatcher) HandleEmbeddings(c *gin.Context) {
	if d.deps.NativeLocal.Adapter == nil {
		writeGatewayError(c, internalError(requestID(c), "native local engine not wired"))
		return
	}
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		writeGatewayError(c, validationError(requestID(c), "invalid request body: "+err.Error()))
		return
	}
	// The native-local adapter's Adapter interface only exposes chat-shaped
	// Bind/Chat and ListModels; embeddings forward through the same base
	// URL via a dedicated forwarder so this handler doesn't need its own
	// HTTP plumbing duplicated from internal/provider.
	resp, err := d.embeddingsForward(c.Request.Context(), body)
	if err != nil {
		writeGatewayError(c, internalError(requestID(c), err.Error()))
		return
	}
	c.JSON(200, resp)
}
