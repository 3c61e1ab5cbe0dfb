package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/sable-systems/sentry/internal/logging"
)

// intentConstraints are the verbatim-semantics rules from §6 "Intent
// constraints" that every implementation's classifier prompt must encode
// identically.
const intentConstraints = `
1. Never select ambient tools (time, location) as target servers.
2. Generic web requests map to fetch/browse tools.
3. File verbs (read, write, edit, list) map to filesystem tools.
4. Admin verbs (restart, status, configure) map to system/admin tools.
5. Topic matches without a clear tool verb go to advice_topics, not target_servers.
6. Local verbs (help, prompt, restart, emoji) map to system_action, not target_servers.
7. News/headlines requests map to web search tools.
8. Breaking/current-events requests map to web search tools.
9. Memory verbs (recall, remember, preferences) map to memory tools.
`

// ClassifierModel is the minimal small-context call the Maître d' needs;
// satisfied by a provider adapter's chat method restricted to a single
// user-role turn with no tools.
type ClassifierModel interface {
	Classify(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Classifier implements §4.6: sovereign-trigger fast path, then a
// small-context model call producing a JSON decision, with jsonrepair
// recovery and a conservative fallback on irrecoverable malformed output.
type Classifier struct {
	model    ClassifierModel
	triggers *TriggerMatcher
	learning *LearningStore
	logger   logging.Logger
	contextK int
}

func NewClassifier(model ClassifierModel, triggers *TriggerMatcher, learning *LearningStore, logger logging.Logger) *Classifier {
	return &Classifier{
		model:    model,
		triggers: triggers,
		learning: learning,
		logger:   logging.OrNop(logger).With("toolregistry.classifier"),
		contextK: defaultContextK,
	}
}

// Message is the minimal conversation shape the classifier needs for
// context: role and content.
type Message struct {
	Role    string
	Content string
}

// Classify runs the fast path first, then the model, returning a Decision
// that is always schema-valid even when every upstream source fails.
func (c *Classifier) Classify(ctx context.Context, history []Message) Decision {
	latest := latestUserMessage(history)

	if trigger, ok := c.triggers.Match(latest); ok {
		c.logger.Debug("sovereign trigger matched: %s", trigger.Pattern)
		return DecisionFromTrigger(trigger)
	}

	if c.model == nil {
		return c.fallback(latest)
	}

	systemPrompt := c.buildSystemPrompt(latest)
	userPrompt := buildContextPrompt(history, c.contextK)

	raw, err := c.model.Classify(ctx, systemPrompt, userPrompt)
	if err != nil {
		c.logger.Warn("classifier model call failed: %v", err)
		return c.fallback(latest)
	}

	decision, ok := parseDecision(raw)
	if !ok {
		c.logger.Warn("classifier returned unrecoverable JSON, falling back")
		return c.fallback(latest)
	}

	if c.learning != nil {
		for _, server := range decision.TargetServers {
			c.learning.Observe(latest, server)
		}
	}
	return decision
}

// fallback implements §4.6/§4.9's reliability contract: sovereign trigger
// match first (already attempted by the caller, retried here defensively
// in case Classify is invoked directly against a stale trigger set),
// otherwise the conservative empty decision.
func (c *Classifier) fallback(latest string) Decision {
	if trigger, ok := c.triggers.Match(latest); ok {
		return DecisionFromTrigger(trigger)
	}
	return conservativeDecision()
}

func (c *Classifier) buildSystemPrompt(latest string) string {
	var recall []string
	if c.learning != nil {
		recall = c.learning.Recall(latest)
	}
	var sb strings.Builder
	sb.WriteString("You are the intent classifier for a tool-use agent. ")
	sb.WriteString("Respond only with JSON matching {\"target_servers\":[...],\"advice_topics\":[...],\"system_action\":\"help\"|\"restart\"|null}. ")
	sb.WriteString(intentConstraints)
	if len(recall) > 0 {
		sb.WriteString("\nRecall hints from past successful routings: " + strings.Join(recall, ", "))
	}
	return sb.String()
}

func buildContextPrompt(history []Message, k int) string {
	start := 0
	if len(history) > k {
		start = len(history) - k
	}
	var sb strings.Builder
	for _, m := range history[start:] {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

func latestUserMessage(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

// parseDecision validates raw classifier output against the Decision
// schema, attempting a jsonrepair pass before giving up. ok=false means
// the caller should fall back per §4.6 "Classifier reliability".
func parseDecision(raw string) (Decision, bool) {
	raw = extractJSONObject(raw)

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err == nil && validDecision(d) {
		return d, true
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Decision{}, false
	}
	if err := json.Unmarshal([]byte(repaired), &d); err != nil || !validDecision(d) {
		return Decision{}, false
	}
	return d, true
}

// extractJSONObject trims surrounding prose a chat model sometimes wraps
// around the JSON payload despite instructions.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func validDecision(d Decision) bool {
	switch d.SystemAction {
	case "", "help", "restart":
	default:
		return false
	}
	return d.TargetServers != nil && d.AdviceTopics != nil
}
