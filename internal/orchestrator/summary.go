package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"ace/internal/event"
	"ace/internal/playbook"
)

const toolInputSummaryLimit = 100

// foldSummary 将子循环收集到的事件折叠为结构化摘要。
// foldSummary aggregates the collected sub-loop events into the structured
// session summary: clarifications from question splits, runbook snippets
// from write-tool payloads, reflection notes from hook annotations, success
// from the terminal result event and duration from first-to-last timestamp.
func foldSummary(msgs []*event.Message) playbook.SessionSummary {
	var summary playbook.SessionSummary
	var first, last time.Time
	seen := 0

	for _, m := range msgs {
		if seen == 0 {
			first = m.Timestamp
		}
		last = m.Timestamp
		seen++

		switch m.Kind {
		case event.KindAssistant:
			if strings.Contains(m.Text, "?") {
				for _, segment := range strings.Split(m.Text, "?") {
					if q := strings.TrimSpace(segment); q != "" {
						summary.Clarifications = append(summary.Clarifications, q)
					}
				}
			}
		case event.KindToolUse:
			summary.ToolCalls = append(summary.ToolCalls, toolCallLine(m))
			if m.ToolName == "Write" {
				if content, ok := m.ToolInput["content"]; ok {
					summary.RunbookSnippets = append(summary.RunbookSnippets, fmt.Sprint(content))
				}
			}
		case event.KindResult:
			summary.Success = true
		case event.KindToolResult, event.KindSystem:
		}

		if m.Annotation != "" {
			summary.ReflectionNotes = append(summary.ReflectionNotes, m.Annotation)
		}
	}

	if seen >= 2 {
		summary.Duration = last.Sub(first)
	}
	return summary
}

func toolCallLine(m *event.Message) string {
	input := fmt.Sprint(m.ToolInput)
	runes := []rune(input)
	if len(runes) > toolInputSummaryLimit {
		input = string(runes[:toolInputSummaryLimit])
	}
	return fmt.Sprintf("%s: %s", m.ToolName, input)
}
