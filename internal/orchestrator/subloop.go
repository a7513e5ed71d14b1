package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"ace/internal/capture"
	"ace/internal/event"
	"ace/internal/playbook"
	"ace/internal/session"
	"ace/internal/trajectory"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const skillGeneratorRole = "skill-generator"

// runSkillLoop 同步执行技能子循环并把其事件内联注入外层轨迹。
// runSkillLoop drives the inner skill session to exhaustion, tagging each
// event and interleaving it into the outer trajectory immediately, then
// merges the folded summary into the playbook. The outer loop is suspended
// for the whole duration; the playbook is mutated only inside this
// single-writer window.
func (o *Orchestrator) runSkillLoop(ctx context.Context, trigger *event.Message, traj *trajectory.Trajectory) ([]playbook.Item, playbook.SessionSummary, error) {
	if err := o.ensureSkillRoles(); err != nil {
		return nil, playbook.SessionSummary{}, err
	}

	prompt := buildSkillPrompt(trigger, o.playbook.Context())
	subID := fmt.Sprintf("%s:skill:%s", traj.ID(), uuid.NewString())
	o.logger.Info("starting skill session", zap.String("trajectory_id", subID))

	generator := o.skillRoles[skillGeneratorRole]
	stream, err := o.opener.Open(ctx, prompt, session.Config{
		SystemPrompt: generator.Prompt,
		AllowedTools: generator.Tools,
		WorkDir:      o.workDir,
		Guard:        o.guard,
		MaxTurns:     o.maxSkillTurns,
	})
	if err != nil {
		return nil, playbook.SessionSummary{}, fmt.Errorf("open skill session: %w", err)
	}

	var collected []*event.Message
	for {
		msg, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, playbook.SessionSummary{}, fmt.Errorf("skill session stream: %w", err)
		}
		if !ok {
			break
		}
		msg.SetTagIfAbsent(event.TagLoopType, event.LoopSkill)
		msg.SetTagIfAbsent(event.TagTrajectoryID, subID)
		if err := traj.Append(msg); err != nil {
			return nil, playbook.SessionSummary{}, err
		}
		o.captureMessage(msg)
		collected = append(collected, msg)
	}
	o.logger.Info("skill session drained",
		zap.String("trajectory_id", subID),
		zap.Int("messages", len(collected)))

	summary := foldSummary(collected)
	o.captureEvent(capture.EventSubLoopStop, map[string]any{
		"trajectory_id": subID,
		"brief":         summary.Brief(),
	})

	accepted := o.playbook.MergeAndVersion(summary)
	o.logger.Info("playbook merged",
		zap.Int("accepted", len(accepted)),
		zap.Int("version", o.playbook.Version))
	return accepted, summary, nil
}

// ensureSkillRoles fails fast when the skill context is missing required
// role definitions. This is fatal to the whole run; a degraded sub-loop is
// never attempted.
func (o *Orchestrator) ensureSkillRoles() error {
	required := []string{skillGeneratorRole, "skill-curator", "skill-reflector"}
	var missing []string
	for _, name := range required {
		if _, ok := o.skillRoles[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("skill context invalid at %s; missing role definitions: %s",
			o.skillRolesRoot, strings.Join(missing, ", "))
	}
	return nil
}

// buildSkillPrompt derives the sub-loop prompt from the triggering message
// and appends the playbook context block. The header is always present, even
// for an empty playbook; empty sections are omitted.
func buildSkillPrompt(trigger *event.Message, pctx playbook.Context) string {
	base := "Generate a skill for the current task context."
	if trigger.Kind == event.KindAssistant {
		base = fmt.Sprintf(
			"Generate a reusable skill based on the following requirement:\n\n%s\n\n"+
				"Create documented patterns, code templates, and procedures that can be applied to similar problems.",
			trigger.Text)
	}

	parts := []string{base, "", "## Context from Delta Playbook"}
	if len(pctx.Skills) > 0 {
		parts = append(parts, "Existing skills: "+strings.Join(pctx.Skills, ", "))
	}
	if len(pctx.Constraints) > 0 {
		parts = append(parts, fmt.Sprintf("Constraints: %d active", len(pctx.Constraints)))
	}
	if len(pctx.References) > 0 {
		parts = append(parts, fmt.Sprintf("References: %d available", len(pctx.References)))
	}
	return strings.Join(parts, "\n")
}

// captureMessage records a session message, distinguishing tool results so
// the transcript can be filtered by outcome.
func (o *Orchestrator) captureMessage(msg *event.Message) {
	eventType := capture.EventMessage
	if msg.Kind == event.KindToolResult {
		eventType = capture.EventToolResult
	}
	o.captureEvent(eventType, msg.Record())
}

func (o *Orchestrator) captureEvent(eventType string, payload any) {
	if o.capture == nil {
		return
	}
	if err := o.capture.WriteEvent(eventType, payload); err != nil {
		o.logger.Warn("capture write failed", zap.Error(err))
	}
}
