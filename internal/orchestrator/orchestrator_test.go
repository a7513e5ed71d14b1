package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ace/internal/agents"
	"ace/internal/capture"
	"ace/internal/event"
	"ace/internal/playbook"
	"ace/internal/session"
	"ace/internal/tokens"

	"go.uber.org/zap"
)

type scriptedStream struct {
	msgs []*event.Message
	next int
	err  error
	sent []string
}

func (s *scriptedStream) Next(_ context.Context) (*event.Message, bool, error) {
	if s.next < len(s.msgs) {
		msg := s.msgs[s.next]
		s.next++
		return msg, true, nil
	}
	if s.err != nil {
		return nil, false, s.err
	}
	return nil, false, nil
}

func (s *scriptedStream) Send(_ context.Context, text string) error {
	s.sent = append(s.sent, text)
	return nil
}

type scriptedOpener struct {
	streams []*scriptedStream
	opened  int
	prompts []string
	configs []session.Config
}

func (o *scriptedOpener) Open(_ context.Context, prompt string, cfg session.Config) (session.Stream, error) {
	if o.opened >= len(o.streams) {
		return nil, fmt.Errorf("no scripted stream for session %d", o.opened)
	}
	stream := o.streams[o.opened]
	o.opened++
	o.prompts = append(o.prompts, prompt)
	o.configs = append(o.configs, cfg)
	return stream, nil
}

func skillRoleSet() map[string]agents.Definition {
	return map[string]agents.Definition{
		"skill-generator": {Name: "skill-generator", Prompt: "Generate skills.", Model: "sonnet"},
		"skill-curator":   {Name: "skill-curator", Model: "sonnet"},
		"skill-reflector": {Name: "skill-reflector", Model: "sonnet"},
	}
}

func newTestOrchestrator(t *testing.T, opener session.Opener, pb *playbook.Playbook, roles map[string]agents.Definition) *Orchestrator {
	t.Helper()
	if pb == nil {
		var err error
		pb, err = playbook.Load(filepath.Join(t.TempDir(), "playbook.json"))
		if err != nil {
			t.Fatalf("load playbook: %v", err)
		}
	}
	return New(opener, Options{
		Playbook:   pb,
		SkillRoles: roles,
		Logger:     zap.NewNop(),
		WorkDir:    t.TempDir(),
	})
}

func TestRunTaskWithoutEscalation(t *testing.T) {
	outer := &scriptedStream{msgs: []*event.Message{
		event.NewAssistant("working through the steps"),
		event.NewResult("done"),
	}}
	opener := &scriptedOpener{streams: []*scriptedStream{outer}}
	o := newTestOrchestrator(t, opener, nil, skillRoleSet())

	result, err := o.RunTask(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SkillSessions != 0 {
		t.Fatalf("skill sessions = %d", result.SkillSessions)
	}
	if result.TaskMessages != 2 || result.SkillMessages != 0 {
		t.Fatalf("counts = %d/%d", result.TaskMessages, result.SkillMessages)
	}
	for _, m := range result.Trajectory.Messages() {
		if m.LoopType() != event.LoopTask {
			t.Fatalf("untagged message: %v", m.Tags())
		}
		if id, _ := m.Tag(event.TagTrajectoryID); id != result.Trajectory.ID() {
			t.Fatalf("trajectory tag = %q", id)
		}
	}
	if opener.opened != 1 {
		t.Fatalf("sessions opened = %d", opener.opened)
	}
}

func TestRunTaskEscalatesOnKeyword(t *testing.T) {
	outer := &scriptedStream{msgs: []*event.Message{
		event.NewAssistant("this step looks reusable across tasks"),
		event.NewResult("done"),
	}}
	inner := &scriptedStream{msgs: []*event.Message{
		event.NewAssistant("Should the helper accept a context?"),
		event.NewToolUse("Write", "tu1", map[string]any{"path": "runbook.md", "content": "step one"}),
		event.NewToolResult("Write", "tu1", "ok", false),
		event.NewResult("generated"),
	}}
	opener := &scriptedOpener{streams: []*scriptedStream{outer, inner}}
	pb, err := playbook.Load(filepath.Join(t.TempDir(), "playbook.json"))
	if err != nil {
		t.Fatalf("load playbook: %v", err)
	}
	o := newTestOrchestrator(t, opener, pb, skillRoleSet())

	result, err := o.RunTask(context.Background(), "build it")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SkillSessions != 1 {
		t.Fatalf("skill sessions = %d", result.SkillSessions)
	}

	// Skill events interleave inline between the two outer messages.
	runs := result.Trajectory.SkillSessionRuns()
	if len(runs) != 1 || len(runs[0]) != 4 {
		t.Fatalf("skill runs = %v", runs)
	}
	subID, _ := runs[0][0].Tag(event.TagTrajectoryID)
	if !strings.HasPrefix(subID, result.Trajectory.ID()+":skill:") {
		t.Fatalf("sub trajectory id = %q", subID)
	}

	// Merge produced items: one clarification and one skill snippet.
	if pb.Version != 2 {
		t.Fatalf("playbook version = %d", pb.Version)
	}
	deltas := result.Trajectory.DeltaUpdates()
	if len(deltas) != 2 {
		t.Fatalf("deltas = %+v", deltas)
	}
	if deltas[1].Type != playbook.ItemSkill || deltas[1].Name != "skill_1_0" {
		t.Fatalf("skill item = %+v", deltas[1])
	}

	// Context update flows back into the outer session and trajectory.
	if len(outer.sent) != 1 || !strings.Contains(outer.sent[0], "Skill generation complete") {
		t.Fatalf("context updates = %v", outer.sent)
	}
	if !strings.Contains(outer.sent[0], "Generated 1 runbook snippets.") {
		t.Fatalf("context update = %q", outer.sent[0])
	}
	var systemNotes int
	for _, m := range result.Trajectory.MessagesByLoop(event.LoopTask) {
		if m.Kind == event.KindSystem {
			systemNotes++
		}
	}
	if systemNotes != 1 {
		t.Fatalf("system notes = %d", systemNotes)
	}

	// The sub-loop session carried the skill generator role prompt.
	if len(opener.configs) != 2 || opener.configs[1].SystemPrompt != "Generate skills." {
		t.Fatalf("sub-loop config = %+v", opener.configs)
	}
	if !strings.Contains(opener.prompts[1], "Generate a reusable skill based on the following requirement:") {
		t.Fatalf("sub-loop prompt = %q", opener.prompts[1])
	}
}

func TestRunTaskEscalatesOnDuplicatePattern(t *testing.T) {
	outer := &scriptedStream{msgs: []*event.Message{
		event.NewToolUse("Grep", "1", nil),
		event.NewToolUse("Grep", "2", nil),
		event.NewToolUse("Grep", "3", nil),
		event.NewResult("done"),
	}}
	inner := &scriptedStream{msgs: []*event.Message{event.NewResult("nothing new")}}
	opener := &scriptedOpener{streams: []*scriptedStream{outer, inner}}
	pb, err := playbook.Load(filepath.Join(t.TempDir(), "playbook.json"))
	if err != nil {
		t.Fatalf("load playbook: %v", err)
	}
	o := newTestOrchestrator(t, opener, pb, skillRoleSet())

	result, err := o.RunTask(context.Background(), "search things")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SkillSessions != 1 {
		t.Fatalf("skill sessions = %d", result.SkillSessions)
	}
	// Version bumps even though the empty summary accepted nothing.
	if pb.Version != 2 || result.DeltaUpdates != 0 {
		t.Fatalf("version = %d, deltas = %d", pb.Version, result.DeltaUpdates)
	}
}

func TestRunTaskMissingSkillRolesFatal(t *testing.T) {
	outer := &scriptedStream{msgs: []*event.Message{
		event.NewAssistant("extract a reusable template"),
		event.NewResult("done"),
	}}
	opener := &scriptedOpener{streams: []*scriptedStream{outer}}
	roles := skillRoleSet()
	delete(roles, "skill-reflector")
	o := newTestOrchestrator(t, opener, nil, roles)

	result, err := o.RunTask(context.Background(), "build it")
	if err == nil {
		t.Fatalf("expected fatal error for missing role definitions")
	}
	if !strings.Contains(err.Error(), "skill-reflector") {
		t.Fatalf("error does not name missing role: %v", err)
	}
	// The trajectory accumulated so far stays exportable.
	if result == nil || result.TaskMessages != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunTaskStreamErrorFatalButExportable(t *testing.T) {
	outer := &scriptedStream{
		msgs: []*event.Message{event.NewAssistant("first step")},
		err:  fmt.Errorf("connection reset"),
	}
	opener := &scriptedOpener{streams: []*scriptedStream{outer}}
	o := newTestOrchestrator(t, opener, nil, skillRoleSet())

	result, err := o.RunTask(context.Background(), "build it")
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v", err)
	}
	if result == nil || result.TaskMessages != 1 {
		t.Fatalf("partial trajectory lost: %+v", result)
	}
}

func TestRunTaskCaptureDistinguishesToolResults(t *testing.T) {
	outer := &scriptedStream{msgs: []*event.Message{
		event.NewToolUse("Bash", "1", map[string]any{"command": "ls"}),
		event.NewToolResult("Bash", "1", "ok", false),
		event.NewResult("done"),
	}}
	opener := &scriptedOpener{streams: []*scriptedStream{outer}}
	pb, err := playbook.Load(filepath.Join(t.TempDir(), "playbook.json"))
	if err != nil {
		t.Fatalf("load playbook: %v", err)
	}

	capPath := filepath.Join(t.TempDir(), "capture.jsonl")
	capWriter := capture.NewWriter(capPath, "run-1")
	o := New(opener, Options{
		Playbook:   pb,
		SkillRoles: skillRoleSet(),
		Capture:    capWriter,
		Logger:     zap.NewNop(),
		WorkDir:    t.TempDir(),
	})

	if _, err := o.RunTask(context.Background(), "list things"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := capWriter.Close(); err != nil {
		t.Fatalf("close capture: %v", err)
	}

	f, err := os.Open(capPath)
	if err != nil {
		t.Fatalf("open capture: %v", err)
	}
	defer f.Close()
	var types []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("parse capture line: %v", err)
		}
		types = append(types, rec.EventType)
	}
	want := []string{"session_start", "message", "tool_result", "message", "session_end"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v", types)
	}
	for i, typ := range want {
		if types[i] != typ {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
}

func TestRunTaskUsesConfiguredEstimator(t *testing.T) {
	outer := &scriptedStream{msgs: []*event.Message{event.NewResult("done")}}
	opener := &scriptedOpener{streams: []*scriptedStream{outer}}
	pb, err := playbook.Load(filepath.Join(t.TempDir(), "playbook.json"))
	if err != nil {
		t.Fatalf("load playbook: %v", err)
	}
	o := New(opener, Options{
		Playbook:   pb,
		SkillRoles: skillRoleSet(),
		Tokens:     tokens.ForModel("gpt-4o"),
		Logger:     zap.NewNop(),
		WorkDir:    t.TempDir(),
	})

	const prompt = "count the tokens of this prompt"
	result, err := o.RunTask(context.Background(), prompt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := tokens.ForModel("gpt-4o").Count(prompt); result.PromptTokens != want {
		t.Fatalf("prompt tokens = %d, want %d", result.PromptTokens, want)
	}
}

func TestRunTaskPreservesSessionTags(t *testing.T) {
	preTagged := event.NewAssistant("already tagged elsewhere")
	preTagged.SetTagIfAbsent(event.TagLoopType, event.LoopSkill)
	outer := &scriptedStream{msgs: []*event.Message{preTagged, event.NewResult("done")}}
	opener := &scriptedOpener{streams: []*scriptedStream{outer}}
	o := newTestOrchestrator(t, opener, nil, skillRoleSet())

	result, err := o.RunTask(context.Background(), "build it")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := result.Trajectory.Messages()[0].LoopType(); got != event.LoopSkill {
		t.Fatalf("session tag overwritten: %q", got)
	}
}
