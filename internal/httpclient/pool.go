// Package httpclient builds the pooled outbound client (C5): an
// *http.Client with keep-alive, HTTP/2 attempted and per-host connection
// limits. The transport New returns is not breaker-wrapped; provider
// adapters and MCP clients check their own breakers, and WrapWithBreaker
// gates a RoundTripper on a breaker for callers that want that.
//
// Grounded on the teacher's internal/httpclient/breaker.go and limit.go.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// PoolConfig tunes the shared transport. Defaults match §4.2.
type PoolConfig struct {
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	RequestTimeout      time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     30 * time.Second,
		RequestTimeout:      120 * time.Second,
	}
}

// New builds the shared client. No global retry is installed — retry
// semantics differ between idempotent GETs and tool calls, so callers
// retry explicitly via internal/errors.Retry.
func New(cfg PoolConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}
}
