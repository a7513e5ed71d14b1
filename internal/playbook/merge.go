package playbook

import (
	"fmt"
	"strings"
	"time"
)

// SessionSummary 是一次技能子循环折叠出的聚合结果。
// SessionSummary is the aggregate folded once from a completed skill
// sub-loop: what it asked, what it cited, what it wrote, and how it went.
type SessionSummary struct {
	Clarifications  []string
	References      []string
	ToolCalls       []string
	RunbookSnippets []string
	ReflectionNotes []string
	Duration        time.Duration
	Success         bool
}

// Brief returns a concise textual summary for logging and prompts.
func (s SessionSummary) Brief() string {
	status := "incomplete"
	if s.Success {
		status = "success"
	}
	return fmt.Sprintf("Skill session: %d tools, %d snippets, %s",
		len(s.ToolCalls), len(s.RunbookSnippets), status)
}

var constraintMarkers = []string{"limit", "avoid", "prevent"}

// MergeAndVersion 将子循环摘要确定性地合并进手册，并恰好递增一次版本号。
// MergeAndVersion deterministically converts a sub-loop summary into durable
// items and bumps the version by exactly 1, even when nothing was accepted.
// Malformed entries (non-URL references, duplicate skill names, reflection
// notes without a constraint marker) are dropped, not errors. Returns the
// items actually appended.
func (p *Playbook) MergeAndVersion(summary SessionSummary) []Item {
	preVersion := p.Version
	now := time.Now().UTC().Format(time.RFC3339)
	var accepted []Item

	for _, c := range summary.Clarifications {
		accepted = append(accepted, Item{
			Type:      ItemClarification,
			Content:   c,
			Accepted:  true,
			Timestamp: now,
		})
	}

	for _, ref := range summary.References {
		if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
			continue
		}
		accepted = append(accepted, Item{
			Type:      ItemReference,
			URL:       ref,
			Accepted:  true,
			Timestamp: now,
		})
	}

	existing := make(map[string]bool)
	for _, item := range p.Items {
		if item.Type == ItemSkill {
			existing[item.Name] = true
		}
	}
	for i, snippet := range summary.RunbookSnippets {
		name := fmt.Sprintf("skill_%d_%d", preVersion, i)
		if existing[name] {
			continue
		}
		existing[name] = true
		accepted = append(accepted, Item{
			Type:    ItemSkill,
			Name:    name,
			Content: snippet,
			Metadata: &Metadata{
				ToolCalls:       len(summary.ToolCalls),
				DurationSeconds: summary.Duration.Seconds(),
			},
			Accepted:  true,
			Timestamp: now,
		})
	}

	for _, note := range summary.ReflectionNotes {
		if !containsAny(strings.ToLower(note), constraintMarkers) {
			continue
		}
		accepted = append(accepted, Item{
			Type:      ItemConstraint,
			Content:   note,
			Accepted:  true,
			Timestamp: now,
		})
	}

	p.Items = append(p.Items, accepted...)
	p.Version++
	return accepted
}

// Context 是手册的只读投影，仅用于构建子循环的增强提示词。
// Context is the read-only projection used to build the sub-loop's enriched
// prompt.
type Context struct {
	Skills      []string
	Constraints []string
	References  []string
	Version     int
}

func (p *Playbook) Context() Context {
	ctx := Context{Version: p.Version}
	for _, item := range p.Items {
		switch item.Type {
		case ItemSkill:
			ctx.Skills = append(ctx.Skills, item.Name)
		case ItemConstraint:
			ctx.Constraints = append(ctx.Constraints, item.Content)
		case ItemReference:
			ctx.References = append(ctx.References, item.URL)
		}
	}
	return ctx
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
