package trajectory

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"ace/internal/event"
	"ace/internal/playbook"
)

func tagged(kind event.Kind, loop string) *event.Message {
	var m *event.Message
	switch kind {
	case event.KindAssistant:
		m = event.NewAssistant("text")
	case event.KindToolUse:
		m = event.NewToolUse("Write", "tu", nil)
	default:
		m = event.NewResult("done")
	}
	m.SetTagIfAbsent(event.TagLoopType, loop)
	return m
}

func TestAppendRejectsNil(t *testing.T) {
	tr := New("")
	if err := tr.Append(nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if tr.Len() != 0 {
		t.Fatalf("len = %d, want 0", tr.Len())
	}
}

func TestNewGeneratesID(t *testing.T) {
	a, b := New(""), New("")
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("ids not unique: %q %q", a.ID(), b.ID())
	}
	if got := New("fixed").ID(); got != "fixed" {
		t.Fatalf("id = %q, want fixed", got)
	}
}

func TestMessagesByLoop(t *testing.T) {
	tr := New("t")
	loops := []string{event.LoopTask, event.LoopSkill, event.LoopTask}
	for _, loop := range loops {
		if err := tr.Append(tagged(event.KindAssistant, loop)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if got := len(tr.MessagesByLoop(event.LoopTask)); got != 2 {
		t.Fatalf("task messages = %d, want 2", got)
	}
	if got := len(tr.MessagesByLoop(event.LoopSkill)); got != 1 {
		t.Fatalf("skill messages = %d, want 1", got)
	}
}

func TestSkillSessionRuns(t *testing.T) {
	cases := []struct {
		name  string
		loops []string
		want  []int
	}{
		{"interleaved", []string{"task", "skill", "skill", "task", "skill"}, []int{2, 1}},
		{"none", []string{"task", "task"}, nil},
		{"all", []string{"skill", "skill", "skill"}, []int{3}},
		{"open at end", []string{"task", "skill"}, []int{1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := New("t")
			for _, loop := range tc.loops {
				if err := tr.Append(tagged(event.KindAssistant, loop)); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			runs := tr.SkillSessionRuns()
			if len(runs) != len(tc.want) {
				t.Fatalf("runs = %d, want %d", len(runs), len(tc.want))
			}
			for i, n := range tc.want {
				if len(runs[i]) != n {
					t.Fatalf("run %d length = %d, want %d", i, len(runs[i]), n)
				}
			}
		})
	}
}

func TestDeltaUpdatesPreserveOrder(t *testing.T) {
	tr := New("t")
	tr.AddDeltaUpdates([]playbook.Item{{Type: playbook.ItemClarification, Content: "a"}})
	tr.AddDeltaUpdates([]playbook.Item{
		{Type: playbook.ItemReference, URL: "https://x.test"},
		{Type: playbook.ItemConstraint, Content: "avoid y"},
	})
	deltas := tr.DeltaUpdates()
	if len(deltas) != 3 || tr.DeltaCount() != 3 {
		t.Fatalf("deltas = %d", len(deltas))
	}
	if deltas[0].Content != "a" || deltas[1].URL != "https://x.test" || deltas[2].Content != "avoid y" {
		t.Fatalf("order lost: %+v", deltas)
	}
}

func TestExportJSONL(t *testing.T) {
	tr := New("t")
	msgs := []*event.Message{
		tagged(event.KindAssistant, event.LoopTask),
		tagged(event.KindToolUse, event.LoopSkill),
		tagged(event.KindResult, event.LoopTask),
	}
	for _, m := range msgs {
		if err := tr.Append(m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "export", "trajectory.jsonl")
	if err := tr.ExportJSONL(path); err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var records []event.Record
	for scanner.Scan() {
		var rec event.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("parse line: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[1].Tags[event.TagLoopType] != event.LoopSkill {
		t.Fatalf("record 1 tags = %v", records[1].Tags)
	}
}

func TestToolMetrics(t *testing.T) {
	tr := New("t")
	tr.Append(event.NewToolUse("Write", "1", nil))
	tr.Append(event.NewToolResult("Write", "1", "ok", false))
	tr.Append(event.NewToolUse("Bash", "2", nil))
	tr.Append(event.NewToolResult("Bash", "2", "denied", true))
	tr.Append(event.NewToolUse("Write", "3", nil))

	stats := tr.ToolMetrics()
	write := stats["Write"]
	if write.Invocations != 2 || write.Results != 1 || write.Errors != 0 {
		t.Fatalf("write stats = %+v", write)
	}
	if rate := write.SuccessRate(); rate != 1.0 {
		t.Fatalf("write success rate = %v", rate)
	}
	bash := stats["Bash"]
	if bash.Invocations != 1 || bash.Errors != 1 || bash.SuccessRate() != 0 {
		t.Fatalf("bash stats = %+v", bash)
	}
}
