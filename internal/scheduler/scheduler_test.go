package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/sentry/internal/breaker"
)

func TestTempoFromIdle(t *testing.T) {
	cases := []struct {
		idle time.Duration
		want Tempo
	}{
		{0, TempoFocused},
		{59 * time.Second, TempoFocused},
		{60 * time.Second, TempoAlert},
		{4*time.Minute + 59*time.Second, TempoAlert},
		{5 * time.Minute, TempoReflective},
		{29*time.Minute + 59*time.Second, TempoReflective},
		{30 * time.Minute, TempoDeep},
		{2 * time.Hour, TempoDeep},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, tempoFromIdle(c.idle), "idle=%s", c.idle)
	}
}

func newTestScheduler() *Scheduler {
	return New(Config{Tick: 10 * time.Millisecond}, breaker.NewRegistry(nil), nil, nil)
}

func TestScheduler_TouchResetsTempo(t *testing.T) {
	s := newTestScheduler()
	assert.Equal(t, TempoFocused, s.Tempo())

	s.mu.Lock()
	s.lastInput = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()
	assert.Equal(t, TempoReflective, s.Tempo())

	s.Touch()
	assert.Equal(t, TempoFocused, s.Tempo())
}

func TestScheduler_InternetAvailableDefaultsTrue(t *testing.T) {
	s := newTestScheduler()
	assert.True(t, s.InternetAvailable())
	s.setInternetAvailable(false)
	assert.False(t, s.InternetAvailable())
}

func TestScheduler_RunDueFiresReadyTask(t *testing.T) {
	s := newTestScheduler()
	var calls int32
	done := make(chan struct{}, 1)
	s.Register(Task{
		Name:     "probe",
		Interval: 0,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			done <- struct{}{}
			return nil
		},
	})

	s.runDue()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run within timeout")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestScheduler_RunDueSkipsTaskAlreadyRunning(t *testing.T) {
	s := newTestScheduler()
	release := make(chan struct{})
	var calls int32
	s.Register(Task{
		Name:     "slow",
		Interval: 0,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			<-release
			return nil
		},
	})

	s.runDue() // first run enters Fn and blocks on release
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.tasks["slow"].running
	}, time.Second, 5*time.Millisecond)

	s.runDue() // task still running, must be skipped
	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_IdleOnlyTaskSkippedWhenFocused(t *testing.T) {
	s := newTestScheduler()
	var calls int32
	s.Register(Task{
		Name:     "discovery",
		Interval: 0,
		IdleOnly: true,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	require.Equal(t, TempoFocused, s.Tempo())
	s.runDue()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "idle_only task must not run while tempo is focused")
}

func TestScheduler_IdleOnlyTaskRunsWhenNotFocused(t *testing.T) {
	s := newTestScheduler()
	s.mu.Lock()
	s.lastInput = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()

	done := make(chan struct{}, 1)
	s.Register(Task{
		Name:     "discovery",
		Interval: 0,
		IdleOnly: true,
		Fn: func(ctx context.Context) error {
			done <- struct{}{}
			return nil
		},
	})

	s.runDue()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle_only task should have run once tempo left focused")
	}
}

func TestScheduler_StartAndDrain(t *testing.T) {
	s := newTestScheduler()
	var calls int32
	s.Register(Task{
		Name:     "ticking",
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, time.Second, 5*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	assert.NoError(t, s.Drain(drainCtx))
}

func TestScheduler_TaskNames(t *testing.T) {
	s := newTestScheduler()
	s.Register(Task{Name: "a"})
	s.Register(Task{Name: "b"})
	assert.ElementsMatch(t, []string{"a", "b"}, s.TaskNames())
}
