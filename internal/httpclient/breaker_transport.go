package httpclient

import (
	"context"
	"net/http"

	"github.com/sable-systems/sentry/internal/breaker"
)

// BreakerTransport wraps a base RoundTripper so every request is gated by
// a named breaker. The provider adapters and MCP transports do not use it;
// they call their breaker's Allow/Mark themselves.
type BreakerTransport struct {
	Base    http.RoundTripper
	Breaker *breaker.Breaker
}

func WrapWithBreaker(base http.RoundTripper, b *breaker.Breaker) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &BreakerTransport{Base: base, Breaker: b}
}

func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.Breaker.Execute(req.Context(), func(ctx context.Context) error {
		var rtErr error
		resp, rtErr = t.Base.RoundTrip(req)
		if rtErr != nil {
			return rtErr
		}
		if isBreakerFailureStatus(resp.StatusCode) {
			return &breakerStatusError{status: resp.StatusCode}
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*breakerStatusError); ok {
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

type breakerStatusError struct{ status int }

func (e *breakerStatusError) Error() string { return "breaker-tripping status" }

// isBreakerFailureStatus reports whether status should count as a breaker
// failure: 5xx or 429, matching the teacher's isBreakerFailureStatus.
func isBreakerFailureStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
