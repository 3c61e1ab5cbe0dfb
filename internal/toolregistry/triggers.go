package toolregistry

import "strings"

// TriggerMatcher holds the ordered sovereign-trigger list and evaluates
// it before any classifier model call is made (§4.6 "Pattern-match fast
// path").
type TriggerMatcher struct {
	triggers []SovereignTrigger
}

func NewTriggerMatcher(triggers []SovereignTrigger) *TriggerMatcher {
	return &TriggerMatcher{triggers: triggers}
}

func (m *TriggerMatcher) Replace(triggers []SovereignTrigger) {
	m.triggers = triggers
}

// Match runs the trigger list in order; the first match wins. Returns
// ok=false if no trigger matches, in which case the caller proceeds to
// the classifier model.
func (m *TriggerMatcher) Match(message string) (SovereignTrigger, bool) {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, t := range m.triggers {
		pattern := strings.ToLower(t.Pattern)
		var hit bool
		switch t.MatchKind {
		case MatchExact:
			hit = lower == pattern
		case MatchPrefix:
			hit = strings.HasPrefix(lower, pattern)
		case MatchContainsPhrase:
			hit = strings.Contains(lower, pattern)
		}
		if hit {
			return t, true
		}
	}
	return SovereignTrigger{}, false
}

// DecisionFromTrigger converts a matched trigger into the classifier's
// decision shape, used as the §4.6 fallback when classifier JSON fails
// validation.
func DecisionFromTrigger(t SovereignTrigger) Decision {
	d := conservativeDecision()
	if t.ActionKind == ActionToolCall {
		if server, ok := t.ActionPayload["mcp_server"].(string); ok && server != "" {
			d.TargetServers = []string{server}
		}
	}
	if t.ActionKind == ActionSystemPrompt || t.ActionKind == ActionUIControl {
		if action, ok := t.ActionPayload["system_action"].(string); ok {
			d.SystemAction = action
		}
	}
	return d
}
