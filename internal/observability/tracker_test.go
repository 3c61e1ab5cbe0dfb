package observability

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/sentry/internal/clockid"
)

func TestTracker_BeginCreatesRequestInReceivedStage(t *testing.T) {
	tr := New(nil, nil, nil)
	rec := tr.Begin("req-1", "POST", "/v1/chat/completions", "client-a")
	assert.Equal(t, StageReceived, rec.CurrentStage)
	assert.Len(t, tr.ActiveRequests(), 1)
}

func TestTracker_TransitionIsIdempotentOnSameStage(t *testing.T) {
	tr := New(nil, nil, nil)
	rec := tr.Begin("req-1", "POST", "/", "c")
	before := rec.StageTimes[StageReceived]

	tr.Transition(rec, StageReceived)
	assert.Equal(t, before, rec.StageTimes[StageReceived])
}

func TestTracker_BackwardTransitionRejected(t *testing.T) {
	tr := New(nil, nil, nil)
	rec := tr.Begin("req-1", "POST", "/", "c")
	tr.Transition(rec, StageParsed)
	tr.Transition(rec, StageAuthChecked) // backward: must be rejected

	assert.Equal(t, StageParsed, rec.CurrentStage)
}

func TestTracker_TerminalStageMovesRequestToCompleted(t *testing.T) {
	tr := New(nil, nil, nil)
	rec := tr.Begin("req-1", "POST", "/", "c")
	tr.Transition(rec, StageCompleted)

	assert.Empty(t, tr.ActiveRequests())
	assert.Equal(t, "COMPLETED", rec.FinalStatus)
}

func TestTracker_NoRequestReachesTwoTerminalStates(t *testing.T) {
	tr := New(nil, nil, nil)
	rec := tr.Begin("req-1", "POST", "/", "c")
	tr.Transition(rec, StageError)
	tr.Transition(rec, StageCompleted) // must be a no-op: already terminal

	assert.Equal(t, "ERROR", rec.FinalStatus)
	assert.Equal(t, StageError, rec.CurrentStage)
}

func TestTracker_ActiveRequestsEvictedOnOverflow(t *testing.T) {
	tr := New(nil, nil, nil)
	for i := 0; i < maxActiveRequests+5; i++ {
		tr.Begin(fmt.Sprintf("req-%d", i), "GET", "/", "c")
	}
	assert.LessOrEqual(t, len(tr.ActiveRequests()), maxActiveRequests)
}

func TestTracker_CompletedBufferBoundedAtMax(t *testing.T) {
	tr := New(nil, nil, nil)
	for i := 0; i < 5; i++ {
		rec := tr.Begin(string(rune('a'+i)), "GET", "/", "c")
		tr.Transition(rec, StageCompleted)
	}
	assert.LessOrEqual(t, len(tr.Export().Completed), maxCompletedRequests)
}

func TestTracker_StuckRequests_DetectsStageInactivity(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	tr := New(clock, nil, nil)
	rec := tr.Begin("req-1", "POST", "/", "c")
	tr.Transition(rec, StageUpstreamCallStart)

	clock.Advance(3 * time.Second)

	stuck := tr.StuckRequests(10*time.Second, time.Second)
	require.Len(t, stuck, 1)
	assert.Equal(t, "req-1", stuck[0].RequestID)
}

func TestTracker_StuckRequests_HealthyRequestNotFlagged(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	tr := New(clock, nil, nil)
	tr.Begin("req-1", "POST", "/", "c")

	clock.Advance(time.Millisecond)
	assert.Empty(t, tr.StuckRequests(10*time.Second, 10*time.Second))
}

func TestTracker_RecordOperation_AppendsMetric(t *testing.T) {
	tr := New(nil, nil, nil)
	tr.RecordOperation(OperationMetric{ComponentID: "mcp:fs", OperationName: "tools/call", DurationMS: 12, OK: true})
	agg := tr.Aggregate("mcp:fs")
	assert.Equal(t, 1, agg.Count)
	assert.Equal(t, 12.0, agg.Avg)
}

func TestTracker_Aggregate_ComputesPercentiles(t *testing.T) {
	tr := New(nil, nil, nil)
	for _, d := range []float64{10, 20, 30, 40, 50} {
		tr.RecordOperation(OperationMetric{ComponentID: "x", DurationMS: d})
	}
	agg := tr.Aggregate("x")
	assert.Equal(t, 5, agg.Count)
	assert.Equal(t, 10.0, agg.Min)
	assert.Equal(t, 50.0, agg.Max)
	assert.Equal(t, 30.0, agg.Avg)
}

func TestTracker_RecordError_TransitionsRequestToError(t *testing.T) {
	tr := New(nil, nil, nil)
	rec := tr.Begin("req-1", "POST", "/", "c")
	tr.RecordError(rec, "upstream_unavailable", "boom")

	assert.Equal(t, StageError, rec.CurrentStage)
	assert.Equal(t, "boom", rec.FinalError)
}

func TestTracker_Export_ReturnsAllRings(t *testing.T) {
	tr := New(nil, nil, nil)
	rec := tr.Begin("req-1", "POST", "/", "c")
	tr.Transition(rec, StageCompleted)
	tr.RecordOperation(OperationMetric{ComponentID: "x"})
	tr.SetComponentHealth(ComponentHealth{ComponentType: "provider", ComponentID: "openai", Status: HealthHealthy})
	tr.SnapshotSystem(5)

	export := tr.Export()
	assert.Len(t, export.Completed, 1)
	assert.Len(t, export.Metrics, 1)
	assert.Len(t, export.Health, 1)
	assert.Len(t, export.Snapshots, 1)
}
