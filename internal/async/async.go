// Package async provides the panic-safe goroutine pattern used for every
// background task in this repository: health monitors, breaker recovery
// probes, scheduler ticks, and MCP process-restart watchers all launch
// through Go so a single panicking goroutine cannot take down the process.
package async

import (
	"runtime/debug"

	"github.com/sable-systems/sentry/internal/logging"
)

// Go launches fn in a new goroutine, recovering and logging any panic
// instead of letting it crash the process.
func Go(logger logging.Logger, name string, fn func()) {
	logger = logging.OrNop(logger)
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go; exported so call sites that already
// manage their own goroutine (e.g. a ticker loop) can still opt in.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		logging.OrNop(logger).Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
