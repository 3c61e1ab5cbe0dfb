package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/sentry/internal/clockid"
)

func TestTelemetry_MirrorsStageTransitionsIntoPrometheus(t *testing.T) {
	tel, err := NewTelemetry()
	require.NoError(t, err)

	tracker := New(clockid.System, nil, tel.Exporter)
	rec := tracker.Begin("req-1", "POST", "/v1/chat/completions", "client")
	tracker.Transition(rec, StageParsed)
	tracker.Transition(rec, StageCompleted)

	families, err := tel.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gateway_stage_transitions_total"], "stage transition counter missing from the registry")
}

func TestTelemetry_OperationLatencyObserved(t *testing.T) {
	tel, err := NewTelemetry()
	require.NoError(t, err)

	tel.Exporter.OnOperation(OperationMetric{ComponentID: "mcp:fs", OperationName: "tools/call", DurationMS: 12, OK: true})

	families, err := tel.Gatherer().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "gateway_operation_duration_ms" {
			found = true
		}
	}
	assert.True(t, found)
}
