package trajectory

import (
	"fmt"

	"ace/internal/event"
	"ace/internal/playbook"

	"github.com/google/uuid"
)

// Trajectory 是一次外层运行的完整有序事件日志，附带已接受的增量条目。
// Trajectory is the ordered, append-only event log of one outer run, plus the
// append-only list of delta items accepted by playbook merges during the run.
// Messages are never removed or reordered; order equals arrival order.
type Trajectory struct {
	id       string
	messages []*event.Message
	deltas   []playbook.Item
}

func New(id string) *Trajectory {
	if id == "" {
		id = uuid.NewString()
	}
	return &Trajectory{id: id}
}

func (t *Trajectory) ID() string {
	return t.id
}

func (t *Trajectory) Append(msg *event.Message) error {
	if msg == nil {
		return fmt.Errorf("trajectory: nil message")
	}
	t.messages = append(t.messages, msg)
	return nil
}

// AddDeltaUpdates extends the delta list; order preserved.
func (t *Trajectory) AddDeltaUpdates(items []playbook.Item) {
	t.deltas = append(t.deltas, items...)
}

func (t *Trajectory) Messages() []*event.Message {
	return append([]*event.Message(nil), t.messages...)
}

func (t *Trajectory) Len() int {
	return len(t.messages)
}

func (t *Trajectory) DeltaUpdates() []playbook.Item {
	return append([]playbook.Item(nil), t.deltas...)
}

func (t *Trajectory) DeltaCount() int {
	return len(t.deltas)
}

// MessagesByLoop 按 loop_type 标签过滤消息，保持轨迹顺序。
// MessagesByLoop returns all messages whose loop_type tag equals loop, in
// trajectory order.
func (t *Trajectory) MessagesByLoop(loop string) []*event.Message {
	var out []*event.Message
	for _, m := range t.messages {
		if m.LoopType() == loop {
			out = append(out, m)
		}
	}
	return out
}

// SkillSessionRuns 返回 skill 标签消息的最大连续段列表。
// SkillSessionRuns returns the maximal contiguous runs of skill-tagged
// messages. Skill events are injected inline during escalation, so each run
// corresponds to one sub-loop execution; a run still open at end-of-sequence
// is included.
func (t *Trajectory) SkillSessionRuns() [][]*event.Message {
	var runs [][]*event.Message
	var current []*event.Message
	for _, m := range t.messages {
		if m.LoopType() == event.LoopSkill {
			current = append(current, m)
			continue
		}
		if len(current) > 0 {
			runs = append(runs, current)
			current = nil
		}
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}
	return runs
}
