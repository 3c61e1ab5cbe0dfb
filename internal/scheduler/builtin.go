package scheduler

import (
	"context"
	"net/http"
	"time"

	"github.com/sable-systems/sentry/internal/breaker"
	"github.com/sable-systems/sentry/internal/mcp"
	"github.com/sable-systems/sentry/internal/observability"
	"github.com/sable-systems/sentry/internal/provider"
	"github.com/sable-systems/sentry/internal/toolregistry"
)

// BuiltinConfig wires the concrete components the §4.10 minimum task set
// needs. A nil component skips registering the task that needs it, so a
// partially wired process (e.g. no MCP servers configured) degrades
// gracefully; a nil HTTPClient or empty InternetProbeURL takes its default,
// and the internet probe is always registered.
type BuiltinConfig struct {
	NativeLocal      provider.Adapter
	Providers        map[string]*breaker.Breaker // name -> provider breaker, for health probe reporting
	MCPRegistry      *mcp.Registry
	ToolRegistry     *toolregistry.Registry
	InternetProbeURL string // external fast endpoint; defaults to a well-known low-latency URL
	HTTPClient       *http.Client
}

const defaultInternetProbeURL = "https://clients3.google.com/generate_204"

// RegisterBuiltins wires the minimum built-in task set from §4.10: health
// probe (60s), internet probe (5min, 2s timeout), MCP breaker recovery
// probe (60s), tool-discovery refresh (12h). Completed-request GC runs
// continuously via C4's bounded ring buffers and needs no explicit task.
func (s *Scheduler) RegisterBuiltins(cfg BuiltinConfig) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.InternetProbeURL == "" {
		cfg.InternetProbeURL = defaultInternetProbeURL
	}

	if cfg.NativeLocal != nil || len(cfg.Providers) > 0 {
		s.Register(Task{
			Name:             "health_probe",
			Interval:         60 * time.Second,
			Priority:         10,
			ExpectedDuration: 5 * time.Second,
			Fn:               s.healthProbeTask(cfg),
		})
	}

	s.Register(Task{
		Name:             "internet_probe",
		Interval:         5 * time.Minute,
		Priority:         5,
		ExpectedDuration: 2 * time.Second,
		Fn:               s.internetProbeTask(cfg),
	})

	if cfg.MCPRegistry != nil {
		s.Register(Task{
			Name:             "mcp_recovery_probe",
			Interval:         mcp.RecoveryProbeInterval,
			Priority:         10,
			ExpectedDuration: mcp.DefaultCallTimeout,
			Fn: func(ctx context.Context) error {
				return cfg.MCPRegistry.RunHealthPass(ctx)
			},
		})
	}

	if cfg.MCPRegistry != nil && cfg.ToolRegistry != nil {
		s.Register(Task{
			Name:             "tool_discovery_refresh",
			Interval:         12 * time.Hour,
			IdleOnly:         true,
			Priority:         1,
			ExpectedDuration: 30 * time.Second,
			Fn: func(ctx context.Context) error {
				adapters := cfg.MCPRegistry.ListTools(ctx)
				cfg.ToolRegistry.SyncMCPTools(adapters)
				return nil
			},
		})
	}
}

func (s *Scheduler) healthProbeTask(cfg BuiltinConfig) TaskFunc {
	return func(ctx context.Context) error {
		if cfg.NativeLocal != nil {
			start := time.Now()
			_, err := cfg.NativeLocal.ListModels(ctx)
			status := observability.HealthHealthy
			if err != nil {
				status = observability.HealthUnhealthy
			}
			if s.tracker != nil {
				s.tracker.SetComponentHealth(observability.ComponentHealth{
					ComponentType:  "provider",
					ComponentID:    cfg.NativeLocal.Name(),
					Status:         status,
					LastCheckAt:    time.Now(),
					ResponseTimeMS: float64(time.Since(start).Milliseconds()),
				})
			}
		}
		for name, b := range cfg.Providers {
			status := observability.HealthHealthy
			if b != nil && b.Snapshot().State.String() == "open" {
				status = observability.HealthDegraded
			}
			if s.tracker != nil {
				s.tracker.SetComponentHealth(observability.ComponentHealth{
					ComponentType: "provider",
					ComponentID:   name,
					Status:        status,
					LastCheckAt:   time.Now(),
				})
			}
		}
		return nil
	}
}

func (s *Scheduler) internetProbeTask(cfg BuiltinConfig) TaskFunc {
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, cfg.InternetProbeURL, nil)
		if err != nil {
			s.setInternetAvailable(false)
			return err
		}
		resp, err := cfg.HTTPClient.Do(req)
		if err != nil {
			s.setInternetAvailable(false)
			return nil // a failed probe degrades state, not the task itself
		}
		defer resp.Body.Close()
		s.setInternetAvailable(resp.StatusCode < 500)
		return nil
	}
}
