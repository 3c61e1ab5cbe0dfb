// Package scheduler implements the tempo-gated periodic task runner
// (C11): a 1s tick loop, Tempo derived from idle time, per-task circuit
// breakers, and the built-in health/internet/MCP-recovery/tool-discovery
// tasks. Grounded on the teacher's internal/app/scheduler.Scheduler for
// the Start/Stop/Drain/Name lifecycle surface (adapted here from
// robfig/cron's calendar-trigger model to a fixed-interval tempo-gated
// model, since §4.10 calls for interval-based tasks, not cron triggers)
// and internal/app/lifecycle.Drainable for the shutdown contract.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sable-systems/sentry/internal/async"
	"github.com/sable-systems/sentry/internal/breaker"
	"github.com/sable-systems/sentry/internal/logging"
	"github.com/sable-systems/sentry/internal/observability"
)

// Tempo reflects how long it has been since the last user-facing request,
// gating which idle_only tasks may run (§4.10).
type Tempo int

const (
	TempoFocused Tempo = iota
	TempoAlert
	TempoReflective
	TempoDeep
)

func (t Tempo) String() string {
	switch t {
	case TempoFocused:
		return "focused"
	case TempoAlert:
		return "alert"
	case TempoReflective:
		return "reflective"
	case TempoDeep:
		return "deep"
	default:
		return "unknown"
	}
}

func tempoFromIdle(idle time.Duration) Tempo {
	switch {
	case idle < 60*time.Second:
		return TempoFocused
	case idle < 5*time.Minute:
		return TempoAlert
	case idle < 30*time.Minute:
		return TempoReflective
	default:
		return TempoDeep
	}
}

// TaskFunc is one periodic task's body.
type TaskFunc func(ctx context.Context) error

// Task is one registered periodic job: name, function, interval,
// idle_only?, priority, expected_duration, per §4.10.
type Task struct {
	Name             string
	Interval         time.Duration
	IdleOnly         bool
	Priority         int
	ExpectedDuration time.Duration
	Fn               TaskFunc
}

type registeredTask struct {
	Task
	lastRun time.Time
	running bool
}

// Config tunes the scheduler. Tick defaults to 1s per §4.10.
type Config struct {
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	return c
}

// Scheduler runs every registered Task on its own interval, gated by
// Tempo and a per-task breaker keyed "task:<name>".
type Scheduler struct {
	cfg      Config
	breakers *breaker.Registry
	tracker  *observability.Tracker
	logger   logging.Logger

	mu        sync.Mutex
	tasks     map[string]*registeredTask
	lastInput time.Time

	internetMu        sync.RWMutex
	internetAvailable bool

	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, breakers *breaker.Registry, tracker *observability.Tracker, logger logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:               cfg.withDefaults(),
		breakers:          breakers,
		tracker:           tracker,
		logger:            logging.OrNop(logger).With("scheduler"),
		tasks:             make(map[string]*registeredTask),
		lastInput:         time.Now(),
		internetAvailable: true,
		stopCh:            make(chan struct{}),
		stopped:           make(chan struct{}),
	}
}

// Register adds one task. Safe to call before or after Start; tasks
// registered after Start begin ticking on the next tick.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Name] = &registeredTask{Task: t}
}

// Touch records a user-facing request, resetting the idle clock that
// Tempo is derived from.
func (s *Scheduler) Touch() {
	s.mu.Lock()
	s.lastInput = time.Now()
	s.mu.Unlock()
}

// Tempo reports the current tempo derived from time since the last
// Touch.
func (s *Scheduler) Tempo() Tempo {
	s.mu.Lock()
	idle := time.Since(s.lastInput)
	s.mu.Unlock()
	return tempoFromIdle(idle)
}

// InternetAvailable satisfies agent.OfflineState using the internet
// probe task's last result.
func (s *Scheduler) InternetAvailable() bool {
	s.internetMu.RLock()
	defer s.internetMu.RUnlock()
	return s.internetAvailable
}

func (s *Scheduler) setInternetAvailable(ok bool) {
	s.internetMu.Lock()
	s.internetAvailable = ok
	s.internetMu.Unlock()
}

// Name satisfies the lifecycle.Drainable contract.
func (s *Scheduler) Name() string { return "scheduler" }

// Start begins the 1s tick loop. Returns immediately; the loop runs
// until ctx is cancelled or Drain is called.
func (s *Scheduler) Start(ctx context.Context) {
	async.Go(s.logger, "scheduler.tick", func() { s.tickLoop(ctx) })
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.finish()
			return
		case <-s.stopCh:
			s.finish()
			return
		case <-ticker.C:
			s.runDue()
		}
	}
}

func (s *Scheduler) finish() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// runDue fires every task whose interval has elapsed, not already
// running, and permitted by the current tempo.
func (s *Scheduler) runDue() {
	tempo := s.Tempo()
	now := time.Now()

	s.mu.Lock()
	due := make([]*registeredTask, 0)
	for _, rt := range s.tasks {
		if rt.running {
			continue
		}
		if now.Sub(rt.lastRun) < rt.Interval {
			continue
		}
		if rt.IdleOnly && tempo == TempoFocused {
			continue
		}
		rt.running = true
		rt.lastRun = now
		due = append(due, rt)
	}
	s.mu.Unlock()

	for _, rt := range due {
		s.runTask(rt)
	}
}

func (s *Scheduler) runTask(rt *registeredTask) {
	s.wg.Add(1)
	b := s.breakers.Get("task:"+rt.Name, breaker.TaskConfig())
	async.Go(s.logger, "scheduler.task."+rt.Name, func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			rt.running = false
			s.mu.Unlock()
		}()

		if !b.Allow() {
			s.logger.Debug("task %s skipped: circuit open", rt.Name)
			return
		}

		start := time.Now()
		timeout := rt.ExpectedDuration
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
		defer cancel()

		err := rt.Fn(ctx)
		b.Mark(err)
		if s.tracker != nil {
			s.tracker.RecordOperation(observability.OperationMetric{
				ComponentID:   "scheduler",
				OperationName: rt.Name,
				DurationMS:    float64(time.Since(start).Milliseconds()),
				StartedAt:     start,
				OK:            err == nil,
			})
			if err != nil {
				s.tracker.RecordError(nil, "internal", "scheduler task "+rt.Name+": "+err.Error())
			}
		}
		if err != nil {
			s.logger.Warn("task %s failed: %v", rt.Name, err)
		}
	})
}

// Drain stops the tick loop and waits for in-flight tasks to finish,
// bounded by ctx's deadline.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.logger.Info("scheduler draining...")
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-s.stopped:
	case <-ctx.Done():
	}

	select {
	case <-done:
		s.logger.Info("scheduler drained")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler drain timed out waiting for in-flight tasks: %v", ctx.Err())
		return ctx.Err()
	}
}

// TaskNames returns every registered task's name, for admin/observability
// surfaces.
func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}
