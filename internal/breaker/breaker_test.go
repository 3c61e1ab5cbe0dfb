package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(now *time.Time, cfg Config) *Breaker {
	return newBreaker("test", cfg, nil, func() time.Time { return *now })
}

func TestBreaker_ClosedAllowsUntilThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Mark(errors.New("boom"))
		assert.Equal(t, StateClosed, b.Snapshot().State)
	}

	require.True(t, b.Allow())
	b.Mark(errors.New("boom"))
	assert.Equal(t, StateOpen, b.Snapshot().State, "third consecutive failure should trip the breaker")
}

func TestBreaker_OpenRejectsUntilCooldownElapses(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})

	require.True(t, b.Allow())
	b.Mark(errors.New("boom"))
	require.Equal(t, StateOpen, b.Snapshot().State)

	assert.False(t, b.Allow(), "calls within the cooldown window must be rejected")

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow(), "a call after cooldown should transition to half-open and be admitted")
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})

	require.True(t, b.Allow())
	b.Mark(errors.New("boom"))
	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow())

	b.Mark(nil)
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureDoublesCooldown(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute, MaxCooldown: time.Hour})

	require.True(t, b.Allow())
	b.Mark(errors.New("boom"))
	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow())

	b.Mark(errors.New("still broken"))
	require.Equal(t, StateOpen, b.Snapshot().State)

	now = now.Add(90 * time.Second) // less than the doubled 2min cooldown
	assert.False(t, b.Allow(), "cooldown should have doubled to 2 minutes")

	now = now.Add(60 * time.Second) // now past the doubled cooldown
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenDoubledCooldownCapsAtMax(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 20 * time.Minute, MaxCooldown: 30 * time.Minute})

	require.True(t, b.Allow())
	b.Mark(errors.New("boom")) // cooldown now 20min, disabledUntil = now+20min

	now = now.Add(21 * time.Minute)
	require.True(t, b.Allow())
	b.Mark(errors.New("still broken")) // would double to 40min, capped to 30min

	now = now.Add(29 * time.Minute)
	assert.False(t, b.Allow())
	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
}

func TestBreaker_StrayFailureWhileOpenIsNoop(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, Config{FailureThreshold: 1, Cooldown: time.Minute})
	require.True(t, b.Allow())
	b.Mark(errors.New("boom"))
	before := b.Snapshot().DisabledUntil

	b.Mark(errors.New("another failure while open"))
	assert.Equal(t, before, b.Snapshot().DisabledUntil, "a stray Mark call while open must not extend the cooldown")
}

func TestBreaker_Reset(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, Config{FailureThreshold: 1, Cooldown: time.Minute})
	require.True(t, b.Allow())
	b.Mark(errors.New("boom"))
	require.Equal(t, StateOpen, b.Snapshot().State)

	b.Reset()
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.True(t, b.Allow())
}

func TestRegistry_GetIsStableAcrossCalls(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Get("provider:openai", ProviderConfig())
	b := r.Get("provider:openai", ProviderConfig())
	assert.Same(t, a, b, "Get must return the same breaker instance for a repeated key")

	c := r.Get("provider:anthropic", ProviderConfig())
	assert.NotSame(t, a, c)
}

func TestRegistry_SnapshotListsAllBreakers(t *testing.T) {
	r := NewRegistry(nil)
	r.Get("mcp:fs", MCPConfig())
	r.Get("task:health_probe", TaskConfig())

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)

	keys := map[string]bool{}
	for _, s := range snaps {
		keys[s.Key] = true
	}
	assert.True(t, keys["mcp:fs"])
	assert.True(t, keys["task:health_probe"])
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(nil)
	r.Get("provider:openai", ProviderConfig())
	r.Remove("provider:openai")
	assert.Len(t, r.Snapshot(), 0)
}

func TestBreaker_ProbeSuccessWhileOpenAdvancesToHalfOpen(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})

	require.True(t, b.Allow())
	b.Mark(errors.New("boom"))
	require.Equal(t, StateOpen, b.Snapshot().State)

	// A recovery probe bypasses Allow and records its success directly; inside
	// the cooldown the state must not change.
	b.Mark(nil)
	assert.Equal(t, StateOpen, b.Snapshot().State)

	now = now.Add(2 * time.Minute)
	b.Mark(nil)
	assert.Equal(t, StateHalfOpen, b.Snapshot().State, "a successful probe after cooldown advances open to half_open")

	// The next admitted call closes the breaker.
	require.True(t, b.Allow())
	b.Mark(nil)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestRegistry_StateChangeHookFiresOnTransitions(t *testing.T) {
	r := NewRegistry(nil)
	transitions := make(chan string, 4)
	r.SetStateChangeHook(func(key string, from, to State, reason string) {
		transitions <- key + ":" + from.String() + "->" + to.String()
	})

	b := r.Get("mcp:flaky", Config{FailureThreshold: 1, Cooldown: time.Minute})
	require.True(t, b.Allow())
	b.Mark(errors.New("boom"))

	select {
	case got := <-transitions:
		assert.Equal(t, "mcp:flaky:closed->open", got)
	case <-time.After(2 * time.Second):
		t.Fatal("state change hook was not invoked")
	}
}
