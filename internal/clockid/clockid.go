// Package clockid supplies monotonic time and request identifiers behind
// small interfaces so the rest of the system, in particular the
// observability tracker's stage timestamps, is fakeable in tests.
package clockid

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now so tests can inject a deterministic source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System is the production Clock backed by the OS wall clock.
var System Clock = systemClock{}

// FixedClock is a test Clock that always returns the same instant unless
// advanced.
type FixedClock struct{ at time.Time }

func NewFixedClock(at time.Time) *FixedClock  { return &FixedClock{at: at} }
func (c *FixedClock) Now() time.Time          { return c.at }
func (c *FixedClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

// IDGenerator produces request identifiers.
type IDGenerator interface {
	NewID() string
}

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

// SystemIDs is the production IDGenerator.
var SystemIDs IDGenerator = uuidGenerator{}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValidUUID reports whether s is a syntactically valid UUID, used by the
// router to decide whether an incoming X-Request-ID header is reusable.
func IsValidUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// RequestID returns candidate if it is a valid UUID, otherwise mints a
// fresh one via gen.
func RequestID(candidate string, gen IDGenerator) string {
	if IsValidUUID(candidate) {
		return candidate
	}
	return gen.NewID()
}
