// Package lifecycle implements the C12 ordered 8-phase boot and its
// reverse-order graceful shutdown. Grounded on the teacher's
// internal/delivery/server/bootstrap.BootstrapStage/RunStages for the
// phased-degrade pattern and internal/app/lifecycle.Drainable for the
// shutdown contract.
package lifecycle

import (
	"context"
	"fmt"
	"time"
)

// Drainable is a subsystem that can be asked to gracefully stop.
type Drainable interface {
	Drain(ctx context.Context) error
	Name() string
}

// DrainAll drains every subsystem in the given order, each bounded by its
// own timeout. A timeout on one subsystem does not block the others.
func DrainAll(ctx context.Context, timeout time.Duration, subsystems ...Drainable) []error {
	var errs []error
	for _, s := range subsystems {
		subCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := s.Drain(subCtx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
		cancel()
	}
	return errs
}
