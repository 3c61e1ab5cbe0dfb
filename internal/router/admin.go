package router

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultStuckOverallTimeout/defaultStuckStageTimeout are the §4.4 "age >
// overall_timeout" / "stage inactivity" thresholds used when the caller
// does not narrow them via ?timeout_seconds.
const (
	defaultStuckOverallTimeout = 2 * time.Minute
	defaultStuckStageTimeout   = 30 * time.Second
)

// AdminHandlers implements §6's admin surface: config/provider reload,
// cache clearing, MCP access toggle, active-model get/set, subservice
// restart, and the observability read endpoints grounded on C4's export
// shapes.
type AdminHandlers struct {
	d *Dispatcher
}

func NewAdminHandlers(d *Dispatcher) *AdminHandlers {
	return &AdminHandlers{d: d}
}

func (h *AdminHandlers) ReloadConfig(c *gin.Context) {
	if h.d.deps.Config == nil {
		writeGatewayError(c, internalError(requestID(c), "config store not wired"))
		return
	}
	changed, errs := h.d.deps.Config.SyncAllReport()
	if changed == nil {
		changed = []string{}
	}
	c.JSON(200, gin.H{"reloaded": true, "changed_keys": changed, "errors": errsToStrings(errs)})
}

func (h *AdminHandlers) ReloadProviders(c *gin.Context) {
	h.d.models.Invalidate()
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	models, _ := h.d.models.ListModels(ctx)
	c.JSON(200, gin.H{"reloaded": true, "model_count": len(models)})
}

func (h *AdminHandlers) ClearCaches(c *gin.Context) {
	h.d.models.Invalidate()
	c.JSON(200, gin.H{"cleared": true})
}

// ToggleMCPAccess enables or disables one MCP server without a full
// config reload, per §6 "toggle MCP access".
func (h *AdminHandlers) ToggleMCPAccess(c *gin.Context) {
	name := c.Param("name")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeGatewayError(c, validationError(requestID(c), "invalid body: "+err.Error()))
		return
	}
	if h.d.deps.MCPRegistry == nil {
		writeGatewayError(c, internalError(requestID(c), "mcp registry not wired"))
		return
	}
	if body.Enabled {
		if desc, ok := h.d.deps.MCPRegistry.GetDescriptor(name); ok {
			desc.Enabled = true
			h.d.deps.MCPRegistry.AddServer(c.Request.Context(), desc)
		} else {
			writeGatewayError(c, notFoundError(requestID(c), "unknown mcp server: "+name))
			return
		}
	} else {
		h.d.deps.MCPRegistry.RemoveServer(name)
	}
	c.JSON(200, gin.H{"name": name, "enabled": body.Enabled})
}

// GetActiveModel/SetActiveModel manage the "runtime.active_model" config
// key other components may read as the default when no model is given.
func (h *AdminHandlers) GetActiveModel(c *gin.Context) {
	if h.d.deps.Config == nil {
		c.JSON(200, gin.H{"active_model": ""})
		return
	}
	v, _ := h.d.deps.Config.Get("runtime.active_model")
	model, _ := v.(string)
	c.JSON(200, gin.H{"active_model": model})
}

func (h *AdminHandlers) SetActiveModel(c *gin.Context) {
	var body struct {
		Model string `json:"model"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeGatewayError(c, validationError(requestID(c), "invalid body: "+err.Error()))
		return
	}
	if h.d.deps.Config != nil {
		_ = h.d.deps.Config.Set("runtime.active_model", body.Model)
	}
	c.JSON(200, gin.H{"active_model": body.Model})
}

// RestartSubservice restarts one named MCP server, the narrowest
// "subservice" this gateway directly owns the lifecycle of.
func (h *AdminHandlers) RestartSubservice(c *gin.Context) {
	name := c.Param("name")
	if h.d.deps.MCPRegistry == nil {
		writeGatewayError(c, internalError(requestID(c), "mcp registry not wired"))
		return
	}
	if err := h.d.deps.MCPRegistry.RestartServer(c.Request.Context(), name); err != nil {
		writeGatewayError(c, internalError(requestID(c), err.Error()))
		return
	}
	c.JSON(200, gin.H{"restarted": name})
}

// Metrics serves the aggregated JSON shape by default, or the Prometheus
// exposition format when ?format=prometheus and a gatherer is wired.
func (h *AdminHandlers) Metrics(c *gin.Context) {
	if c.Query("format") == "prometheus" && h.d.deps.PromGatherer != nil {
		promhttp.HandlerFor(h.d.deps.PromGatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
		return
	}
	component := c.Query("component")
	c.JSON(200, h.d.deps.Tracker.Aggregate(component))
}

func (h *AdminHandlers) ActiveRequests(c *gin.Context) {
	c.JSON(200, h.d.deps.Tracker.ActiveRequests())
}

// StuckRequests implements GET /admin/observability/stuck-requests. §6
// documents a ?timeout_seconds query parameter (S5 issues it after a 2s
// hang expecting a sub-2-minute default to still catch it); when present
// it overrides both the overall-age and per-stage-inactivity thresholds.
func (h *AdminHandlers) StuckRequests(c *gin.Context) {
	overall, stage := defaultStuckOverallTimeout, defaultStuckStageTimeout
	if raw := c.Query("timeout_seconds"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			d := time.Duration(secs * float64(time.Second))
			overall, stage = d, d
		}
	}
	c.JSON(200, h.d.deps.Tracker.StuckRequests(overall, stage))
}

func (h *AdminHandlers) Performance(c *gin.Context) {
	c.JSON(200, h.d.deps.Tracker.Aggregate(""))
}

func (h *AdminHandlers) ComponentHealth(c *gin.Context) {
	c.JSON(200, h.d.deps.Tracker.ComponentHealthSnapshot())
}

func (h *AdminHandlers) Export(c *gin.Context) {
	c.JSON(200, h.d.deps.Tracker.Export())
}

func errsToStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}
