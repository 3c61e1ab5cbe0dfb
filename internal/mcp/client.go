package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/sable-systems/sentry/internal/breaker"
	gwerrors "github.com/sable-systems/sentry/internal/errors"
	"github.com/sable-systems/sentry/internal/logging"
	"github.com/sable-systems/sentry/internal/observability"
)

// Client owns one MCP server's transport, cached tool list, and
// per-server concurrency permit (unbounded unless ServerDescriptor.
// MaxConcurrency narrows it). It implements the per-call protocol from
// §4.5: breaker check, semaphore, tools/call with timeout, size cap,
// breaker record, and retry-before-breaker for transient failures.
type Client struct {
	desc    ServerDescriptor
	breaker *breaker.Breaker
	logger  logging.Logger
	tracker *observability.Tracker

	transport rpcTransport
	permit    *semaphore.Weighted

	mu          sync.RWMutex
	initialized bool
	toolCache   *lru.Cache[string, cachedTools]
}

type cachedTools struct {
	tools     []ToolSchema
	fetchedAt time.Time
}

func NewClient(desc ServerDescriptor, b *breaker.Breaker, logger logging.Logger, tracker *observability.Tracker) *Client {
	cache, _ := lru.New[string, cachedTools](8)
	permitSize := int64(1 << 20) // unbounded by default, per §4.5
	if desc.MaxConcurrency > 0 {
		permitSize = desc.MaxConcurrency
	}
	return &Client{
		desc:      desc,
		breaker:   b,
		logger:    logging.OrNop(logger).With(desc.Name),
		tracker:   tracker,
		permit:    semaphore.NewWeighted(permitSize),
		toolCache: cache,
	}
}

// breakerKey is the `mcp:<server>` key from §3.
func (c *Client) breakerKey() string { return "mcp:" + c.desc.Name }

// Start establishes the transport and runs `initialize`. For stdio this is
// the spawn-once policy's first use; for the other transports it is
// effectively a readiness probe.
func (c *Client) Start(ctx context.Context, spawnSem *semaphore.Weighted, logDir string, httpClient *http.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	var t rpcTransport
	var err error
	switch c.desc.Transport {
	case TransportStdio:
		if err := spawnSem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer spawnSem.Release(1)
		var proc *stdioProcess
		proc, err = spawnStdio(ctx, c.desc, logDir, c.logger)
		if err == nil {
			t = &stdioTransport{proc: proc}
		}
	case TransportHTTP:
		t = newHTTPTransport(c.desc, httpClient)
	case TransportUnix:
		t = newUnixTransport(c.desc)
	case TransportSSE:
		t = newSSETransport(c.desc, httpClient, c.logger)
	case TransportWS:
		t, err = newWSTransport(ctx, c.desc, c.logger)
	default:
		return fmt.Errorf("unknown transport %q", c.desc.Transport)
	}
	if err != nil {
		return fmt.Errorf("start transport for %s: %w", c.desc.Name, err)
	}

	resp, err := t.call(ctx, "initialize", newInitializeParams())
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.desc.Name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize %s: rpc error %d: %s", c.desc.Name, resp.Error.Code, resp.Error.Message)
	}

	c.transport = t
	c.initialized = true
	return nil
}

func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		c.transport.close()
	}
	c.initialized = false
}

func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Client) callTimeout() time.Duration {
	if c.desc.CallTimeout > 0 {
		return c.desc.CallTimeout
	}
	return DefaultCallTimeout
}

// ListTools runs tools/list, caching the result with a 5-minute TTL; on
// failure the previous cache is retained (§4.5 "Tool discovery").
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if cached, ok := c.toolCache.Get(c.desc.Name); ok && time.Since(cached.fetchedAt) < DefaultToolTTL {
		return cached.tools, nil
	}

	resp, err := c.rawCall(ctx, "tools/list", struct{}{}, false)
	if err != nil {
		if cached, ok := c.toolCache.Get(c.desc.Name); ok {
			c.logger.Warn("tool discovery failed, retaining cached list: %v", err)
			return cached.tools, nil
		}
		return nil, err
	}

	tools, err := decodeToolsList(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("decode tools/list for %s: %w", c.desc.Name, err)
	}
	c.toolCache.Add(c.desc.Name, cachedTools{tools: tools, fetchedAt: time.Now()})
	return tools, nil
}

// CallTool executes tools/call under the full per-call protocol (§4.5):
// breaker check, timeout, retry-before-breaker for transient failures,
// success/failure recorded to the breaker.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	resp, err := c.rawCall(ctx, "tools/call", toolsCallParams{Name: name, Arguments: args}, true)
	if err != nil {
		return nil, err
	}
	var result toolsCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call for %s: %w", c.desc.Name, err)
	}
	out := &ToolCallResult{IsError: result.IsError}
	for _, b := range result.Content {
		out.Content = append(out.Content, ContentBlock{Type: b.Type, Text: b.Text, MimeType: b.MimeType, Data: b.Data})
	}
	return out, nil
}

// rawCall implements steps 1-7 of §4.5's per-call protocol.
// gateOnBreaker==true (tools/call) fails fast unless the breaker is closed
// and records the call's outcome to the breaker; it never moves an open or
// half_open breaker itself, leaving that to Probe. gateOnBreaker==false
// (tools/list) does not gate on the breaker at all, since discovery
// failures already degrade gracefully via the tool cache.
func (c *Client) rawCall(ctx context.Context, method string, params any, gateOnBreaker bool) (*Response, error) {
	if gateOnBreaker && c.breaker.Snapshot().State != breaker.StateClosed {
		return nil, gwerrors.NewDegradedError("circuit open for "+c.breakerKey(), nil)
	}

	if err := c.permit.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.permit.Release(1)

	c.mu.RLock()
	transport := c.transport
	c.mu.RUnlock()
	if transport == nil {
		return nil, fmt.Errorf("mcp server %s not started", c.desc.Name)
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()

	resp, err := gwerrors.RetryWithResult(callCtx, gwerrors.MCPRetryConfig(), func(ctx context.Context) (*Response, error) {
		r, err := transport.call(ctx, method, params)
		if err != nil {
			return nil, gwerrors.NewTransientError(fmt.Sprintf("mcp %s %s: %v", c.desc.Name, method, err), err)
		}
		if r.Error != nil {
			return nil, gwerrors.NewPermanentError(fmt.Sprintf("mcp %s %s rpc error: %s", c.desc.Name, method, r.Error.Message), r.Error)
		}
		return r, nil
	})

	if c.tracker != nil {
		c.tracker.RecordOperation(observability.OperationMetric{
			ComponentID:   "mcp:" + c.desc.Name,
			OperationName: method,
			DurationMS:    float64(time.Since(start).Milliseconds()),
			StartedAt:     start,
			OK:            err == nil,
		})
	}

	if gateOnBreaker {
		c.breaker.Mark(err)
	}
	return resp, err
}

// Probe runs a low-cost tools/list call bypassing the breaker check but
// still recording success/failure — the sole path that advances
// open→half_open→closed, per §4.5 "Recovery test".
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.rawCall(ctx, "tools/list", struct{}{}, false)
	c.breaker.Mark(err)
	return err
}
