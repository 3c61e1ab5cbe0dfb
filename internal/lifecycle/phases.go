package lifecycle

import (
	"fmt"
	"sync"

	"github.com/sable-systems/sentry/internal/logging"
)

// Phase is one numbered step of the §4.11 8-phase boot sequence.
type Phase struct {
	Index    int
	Name     string
	Required bool // failure aborts startup; otherwise recorded as degraded
	Run      func() error
}

// DegradedReasons tracks phases (or later, ongoing subsystems) that
// failed non-required initialization without aborting startup. Ported
// from the teacher's bootstrap.DegradedComponents, renamed to match this
// system's "degraded_reasons" vocabulary (§4.11).
type DegradedReasons struct {
	mu      sync.RWMutex
	reasons map[string]string
}

func NewDegradedReasons() *DegradedReasons {
	return &DegradedReasons{reasons: make(map[string]string)}
}

func (d *DegradedReasons) Record(phase, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons[phase] = reason
}

func (d *DegradedReasons) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.reasons))
	for k, v := range d.reasons {
		out[k] = v
	}
	return out
}

func (d *DegradedReasons) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.reasons) == 0
}

// RunPhases executes phases in index order. A required phase's failure
// aborts the whole boot; an optional phase's failure is recorded into
// degraded and the sequence proceeds, per §4.11's "a phase failure
// records a reason into degraded_reasons and proceeds".
func RunPhases(phases []Phase, degraded *DegradedReasons, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, p := range phases {
		logger.Info("[boot] phase %d: %s (required=%v)", p.Index, p.Name, p.Required)
		if err := p.Run(); err != nil {
			if p.Required {
				return fmt.Errorf("phase %d (%s) failed: %w", p.Index, p.Name, err)
			}
			logger.Warn("[boot] phase %d (%s) degraded: %v", p.Index, p.Name, err)
			if degraded != nil {
				degraded.Record(p.Name, err.Error())
			}
		}
	}
	return nil
}
