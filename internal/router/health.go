package router

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus is the §6 GET /health response shape.
type HealthStatus struct {
	Status     string                `json:"status"` // healthy|degraded|unhealthy
	Components []HealthComponentView `json:"components"`
}

type HealthComponentView struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// HandleHealth implements §6: healthy requires a reachable local engine
// AND a reachable agent plane; the absence of remote providers does not
// force degraded.
func (d *Dispatcher) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	components := make([]HealthComponentView, 0, 2+len(d.deps.Providers))
	localOK := d.deps.NativeLocal.Adapter != nil
	if localOK {
		if _, err := d.deps.NativeLocal.Adapter.ListModels(ctx); err != nil {
			localOK = false
		}
	}
	components = append(components, HealthComponentView{Name: "native_local", Status: boolStatus(localOK)})

	agentOK := d.deps.AgentLoop != nil
	components = append(components, HealthComponentView{Name: "agent", Status: boolStatus(agentOK)})

	for name, entry := range d.deps.Providers {
		ok := entry.Breaker == nil || entry.Breaker.Snapshot().State.String() != "open"
		components = append(components, HealthComponentView{Name: name, Status: boolStatus(ok)})
	}

	status := "healthy"
	if d.deps.Degraded != nil && len(d.deps.Degraded()) > 0 {
		status = "degraded"
	}
	if !localOK || !agentOK {
		status = "unhealthy"
	}
	c.JSON(200, HealthStatus{Status: status, Components: components})
}

func boolStatus(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}
