package orchestrator

import (
	"context"
	"fmt"

	"ace/internal/event"
	"ace/internal/session"
	"ace/internal/trajectory"

	"go.uber.org/zap"
)

const taskGeneratorRole = "task-generator"

// RunTask 驱动外层任务循环：逐事件消费、评估、按需升级、最终汇总。
// RunTask drives the outer task loop: it consumes the task session one event
// at a time, appends each to the trajectory, evaluates it with the curator,
// escalates into the skill sub-loop when the policy fires, and sends a
// context update back into the outer session after each merge. A partially
// accumulated trajectory is returned alongside fatal errors so the caller
// can still export it for post-mortem inspection.
func (o *Orchestrator) RunTask(ctx context.Context, taskPrompt string) (*RunResult, error) {
	traj := trajectory.New("")
	result := &RunResult{Trajectory: traj}
	result.PromptTokens = o.tokens.Count(taskPrompt)
	o.logger.Info("task run started",
		zap.String("trajectory_id", traj.ID()),
		zap.Int("prompt_tokens", result.PromptTokens))

	generator := o.taskRoles[taskGeneratorRole]
	stream, err := o.opener.Open(ctx, taskPrompt, session.Config{
		SystemPrompt: generator.Prompt,
		AllowedTools: generator.Tools,
		WorkDir:      o.workDir,
		Guard:        o.guard,
		MaxTurns:     o.maxTaskTurns,
	})
	if err != nil {
		return result, fmt.Errorf("open task session: %w", err)
	}

	for {
		msg, ok, err := stream.Next(ctx)
		if err != nil {
			return o.finish(result), fmt.Errorf("task session stream: %w", err)
		}
		if !ok {
			break
		}
		msg.SetTagIfAbsent(event.TagLoopType, event.LoopTask)
		msg.SetTagIfAbsent(event.TagTrajectoryID, traj.ID())
		if err := traj.Append(msg); err != nil {
			return o.finish(result), err
		}
		o.captureMessage(msg)

		summary := o.curator.Evaluate(traj, msg)
		decision := DecideEscalation(msg, summary, o.playbook.TokenBudget)
		if !decision.Escalate {
			continue
		}
		o.logEscalation(decision)

		accepted, skillSummary, err := o.runSkillLoop(ctx, msg, traj)
		if err != nil {
			return o.finish(result), err
		}
		traj.AddDeltaUpdates(accepted)
		result.SkillSessions++

		update := fmt.Sprintf("Skill generation complete: %s\nGenerated %d runbook snippets.",
			skillSummary.Brief(), len(skillSummary.RunbookSnippets))
		note := event.NewSystem(update)
		note.SetTagIfAbsent(event.TagLoopType, event.LoopTask)
		note.SetTagIfAbsent(event.TagTrajectoryID, traj.ID())
		if err := traj.Append(note); err != nil {
			return o.finish(result), err
		}
		if up, ok := stream.(session.Updatable); ok {
			if err := up.Send(ctx, update); err != nil {
				o.logger.Warn("context update not delivered", zap.Error(err))
			}
		}
	}

	return o.finish(result), nil
}

// logEscalation logs each trigger distinctly; all have identical effect.
func (o *Orchestrator) logEscalation(decision Escalation) {
	switch decision.Trigger {
	case TriggerExplicitRequest:
		o.logger.Info("escalating to skill loop: explicit start request")
	case TriggerTokenBudget:
		o.logger.Info("escalating to skill loop: accumulated deltas reached token budget",
			zap.Int("budget", o.playbook.TokenBudget))
	case TriggerKeyword:
		o.logger.Info("escalating to skill loop: skill keyword in assistant message",
			zap.String("keyword", decision.Detail))
	case TriggerDuplicate:
		o.logger.Info("escalating to skill loop: duplicate tool pattern",
			zap.String("pattern", decision.Detail))
	}
}

func (o *Orchestrator) finish(result *RunResult) *RunResult {
	traj := result.Trajectory
	result.TaskMessages = len(traj.MessagesByLoop(event.LoopTask))
	result.SkillMessages = len(traj.MessagesByLoop(event.LoopSkill))
	result.DeltaUpdates = traj.DeltaCount()
	return result
}
