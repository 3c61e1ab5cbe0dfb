package toolregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerMatcher_FirstMatchWins(t *testing.T) {
	m := NewTriggerMatcher([]SovereignTrigger{
		{Pattern: "help", MatchKind: MatchExact, ActionKind: ActionSystemPrompt, ActionPayload: map[string]any{"system_action": "help"}},
		{Pattern: "help me", MatchKind: MatchPrefix, ActionKind: ActionSystemPrompt, ActionPayload: map[string]any{"system_action": "other"}},
	})

	trig, ok := m.Match("  Help  ")
	require.True(t, ok)
	assert.Equal(t, "help", trig.Pattern)
}

func TestTriggerMatcher_PrefixAndContainsPhrase(t *testing.T) {
	m := NewTriggerMatcher([]SovereignTrigger{
		{Pattern: "restart", MatchKind: MatchPrefix, ActionKind: ActionSystemPrompt, ActionPayload: map[string]any{"system_action": "restart"}},
		{Pattern: "use greet", MatchKind: MatchContainsPhrase, ActionKind: ActionToolCall, ActionPayload: map[string]any{"mcp_server": "fs"}},
	})

	_, ok := m.Match("something else")
	assert.False(t, ok)

	trig, ok := m.Match("restart the service please")
	require.True(t, ok)
	assert.Equal(t, ActionSystemPrompt, trig.ActionKind)

	trig, ok = m.Match("please use greet now")
	require.True(t, ok)
	assert.Equal(t, ActionToolCall, trig.ActionKind)
}

func TestTriggerMatcher_Replace(t *testing.T) {
	m := NewTriggerMatcher([]SovereignTrigger{{Pattern: "old", MatchKind: MatchExact}})
	m.Replace([]SovereignTrigger{{Pattern: "new", MatchKind: MatchExact}})

	_, ok := m.Match("old")
	assert.False(t, ok)
	_, ok = m.Match("new")
	assert.True(t, ok)
}

func TestDecisionFromTrigger_ToolCall(t *testing.T) {
	trig := SovereignTrigger{ActionKind: ActionToolCall, ActionPayload: map[string]any{"mcp_server": "fs"}}
	d := DecisionFromTrigger(trig)
	assert.Equal(t, []string{"fs"}, d.TargetServers)
}

func TestDecisionFromTrigger_SystemPrompt(t *testing.T) {
	trig := SovereignTrigger{ActionKind: ActionSystemPrompt, ActionPayload: map[string]any{"system_action": "restart"}}
	d := DecisionFromTrigger(trig)
	assert.Equal(t, "restart", d.SystemAction)
	assert.Empty(t, d.TargetServers)
}

func TestDecisionFromTrigger_MenuIsConservative(t *testing.T) {
	trig := SovereignTrigger{ActionKind: ActionMenu}
	d := DecisionFromTrigger(trig)
	assert.Empty(t, d.TargetServers)
	assert.Empty(t, d.SystemAction)
}
