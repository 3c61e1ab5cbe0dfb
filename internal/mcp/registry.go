package mcp

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sable-systems/sentry/internal/breaker"
	"github.com/sable-systems/sentry/internal/httpclient"
	"github.com/sable-systems/sentry/internal/logging"
	"github.com/sable-systems/sentry/internal/observability"
)

// Registry is the C6 manager: it owns every configured server's Client
// and the shared spawn-concurrency semaphore for stdio servers, and
// restart-on-death. The recovery-test probe loop lives in C11's
// scheduler, not here — see RunHealthPass. Grounded on the teacher's
// internal/infra/mcp/registry.go for the add/remove/list surface and
// restart-on-death policy, adapted from a single-transport model to the
// five transports this system supports.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	descs    map[string]ServerDescriptor
	breakers *breaker.Registry
	logger   logging.Logger
	tracker  *observability.Tracker

	httpClient *http.Client
	spawnSem   *semaphore.Weighted
	logDir     string
}

func NewRegistry(breakers *breaker.Registry, tracker *observability.Tracker, logger logging.Logger, logDir string) *Registry {
	return &Registry{
		clients:    make(map[string]*Client),
		descs:      make(map[string]ServerDescriptor),
		breakers:   breakers,
		logger:     logging.OrNop(logger).With("mcp.registry"),
		tracker:    tracker,
		httpClient: httpclient.New(httpclient.DefaultPoolConfig()),
		spawnSem:   semaphore.NewWeighted(DefaultSpawnConcurrency),
		logDir:     logDir,
	}
}

// SetSpawnLimit narrows the global stdio spawn semaphore (§4.5 "global
// spawn semaphore", default 5) when the operator configures a different
// bound. Call before Initialize.
func (r *Registry) SetSpawnLimit(n int64) {
	if n > 0 {
		r.spawnSem = semaphore.NewWeighted(n)
	}
}

// Initialize starts every enabled descriptor's client. A server that
// fails to start is logged and left uninitialized rather than aborting
// the others, per §4.5's best-effort discovery policy. The recovery-test
// probe loop is not started here: C11's scheduler owns all periodic
// ticking and drives RunHealthPass on its own "mcp_recovery_probe" task.
func (r *Registry) Initialize(ctx context.Context, descriptors []ServerDescriptor) {
	for _, d := range descriptors {
		r.AddServer(ctx, d)
	}
}

// AddServer registers (or replaces) one server descriptor and attempts to
// start it. Safe to call after Initialize for config-driven add/remove.
func (r *Registry) AddServer(ctx context.Context, d ServerDescriptor) {
	if !ValidServerName(d.Name) {
		r.logger.Warn("rejecting mcp server with invalid name %q", d.Name)
		return
	}
	if !d.Enabled {
		return
	}

	b := r.breakers.Get("mcp:"+d.Name, breaker.MCPConfig())
	c := NewClient(d, b, r.logger, r.tracker)

	r.mu.Lock()
	if old, ok := r.clients[d.Name]; ok {
		old.Stop()
	}
	r.clients[d.Name] = c
	r.descs[d.Name] = d
	r.mu.Unlock()

	if err := c.Start(ctx, r.spawnSem, r.logDir, r.httpClient); err != nil {
		r.logger.Warn("mcp server %s failed to start: %v", d.Name, err)
		return
	}
	if _, err := c.ListTools(ctx); err != nil {
		r.logger.Warn("mcp server %s initial tool discovery failed: %v", d.Name, err)
	}
}

// RemoveServer stops and forgets one server.
func (r *Registry) RemoveServer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		c.Stop()
		delete(r.clients, name)
		delete(r.descs, name)
	}
}

// RestartServer stops and re-starts one server against its last known
// descriptor.
func (r *Registry) RestartServer(ctx context.Context, name string) error {
	r.mu.RLock()
	d, ok := r.descs[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	r.RemoveServer(name)
	r.AddServer(ctx, d)
	return nil
}

func (r *Registry) GetClient(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// GetDescriptor returns the last descriptor registered for name, letting
// the admin surface flip Enabled and call AddServer again without the
// caller reconstructing the whole descriptor.
func (r *Registry) GetDescriptor(name string) (ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	return d, ok
}

func (r *Registry) ListServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// ListTools aggregates every server's discovered tools as adapters, ready
// for the toolregistry to wrap with sovereign-trigger and classifier
// metadata.
func (r *Registry) ListTools(ctx context.Context) []*ToolAdapter {
	r.mu.RLock()
	clients := make(map[string]*Client, len(r.clients))
	for name, c := range r.clients {
		clients[name] = c
	}
	r.mu.RUnlock()

	var adapters []*ToolAdapter
	for name, c := range clients {
		if !c.IsInitialized() {
			continue
		}
		tools, err := c.ListTools(ctx)
		if err != nil {
			r.logger.Warn("mcp server %s: list tools failed: %v", name, err)
			continue
		}
		for _, t := range tools {
			adapters = append(adapters, NewToolAdapter(name, c, t))
		}
	}
	return adapters
}

// RunHealthPass runs the recovery-test probe against every registered
// server and restarts any stdio server whose process has died. This is
// the only path that advances a tripped breaker back toward closed for
// MCP servers (§4.5 "Recovery test"); invoked by the scheduler's
// "mcp_recovery_probe" task on RecoveryProbeInterval.
func (r *Registry) RunHealthPass(ctx context.Context) error {
	r.mu.RLock()
	clients := make(map[string]*Client, len(r.clients))
	descs := make(map[string]ServerDescriptor, len(r.descs))
	for name, c := range r.clients {
		clients[name] = c
		descs[name] = r.descs[name]
	}
	r.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	for name, c := range clients {
		d := descs[name]
		if d.Transport == TransportStdio {
			if p, ok := c.transport.(*stdioTransport); ok && !p.proc.isAlive() {
				r.logger.Warn("mcp server %s process died, restarting", name)
				if err := r.RestartServer(ctx, name); err != nil {
					r.logger.Warn("mcp server %s restart failed: %v", name, err)
				}
				continue
			}
		}
		if err := c.Probe(callCtx); err != nil {
			r.logger.Debug("mcp server %s recovery probe: %v", name, err)
		}
	}
	return nil
}

// Shutdown stops every client's transport.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Stop()
	}
}
