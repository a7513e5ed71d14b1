package orchestrator

import (
	"strings"

	"ace/internal/curator"
	"ace/internal/event"
)

// Escalation triggers, in precedence order.
const (
	TriggerExplicitRequest = "explicit_request"
	TriggerTokenBudget     = "token_budget"
	TriggerKeyword         = "keyword"
	TriggerDuplicate       = "duplicate_pattern"
)

var skillKeywords = []string{"reusable", "pattern", "skill", "generalize", "template"}

// Escalation carries the decision and which trigger fired. All triggers have
// identical effect; they are distinguished only for observability.
type Escalation struct {
	Escalate bool
	Trigger  string
	Detail   string
}

// DecideEscalation 是纯决策函数：按固定优先级短路求值。
// DecideEscalation is a pure function of the current message, the playbook's
// token budget and the curator summary. Triggers are evaluated in fixed
// precedence and the first match short-circuits. It is called exactly once
// per outer-loop message and never re-evaluated retroactively.
func DecideEscalation(msg *event.Message, summary curator.Summary, tokenBudget int) Escalation {
	if summary.HasRequest(curator.RequestStartSkillLoop) {
		return Escalation{Escalate: true, Trigger: TriggerExplicitRequest}
	}

	if summary.TokenEstimate >= tokenBudget && summary.TokenEstimate > 0 {
		return Escalation{Escalate: true, Trigger: TriggerTokenBudget}
	}

	if msg.Kind == event.KindAssistant {
		lowered := strings.ToLower(msg.Text)
		for _, keyword := range skillKeywords {
			if strings.Contains(lowered, keyword) {
				return Escalation{Escalate: true, Trigger: TriggerKeyword, Detail: keyword}
			}
		}
	}

	if len(summary.DuplicateFlags) > 0 {
		return Escalation{Escalate: true, Trigger: TriggerDuplicate, Detail: summary.DuplicateFlags[0]}
	}

	return Escalation{}
}
