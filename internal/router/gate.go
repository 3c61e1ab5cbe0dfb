package router

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// gate is the global concurrency limiter from §4.9 step 5: a weighted
// semaphore of size MaxConcurrency, or an always-open gate when
// MaxConcurrency is zero ("unlimited"). Every dispatch branch acquires it
// before doing any work — including provider proxies, closing the gap the
// base spec calls out against the source system's narrower enforcement.
type gate struct {
	sem *semaphore.Weighted
}

func newGate(maxConcurrency int) *gate {
	if maxConcurrency <= 0 {
		return &gate{}
	}
	return &gate{sem: semaphore.NewWeighted(int64(maxConcurrency))}
}

// acquire blocks until a slot is free or ctx is cancelled. release is a
// no-op when the gate is unlimited.
func (g *gate) acquire(ctx context.Context) (release func(), err error) {
	if g.sem == nil {
		return func() {}, nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	released := false
	return func() {
		if !released {
			released = true
			g.sem.Release(1)
		}
	}, nil
}
