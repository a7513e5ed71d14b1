package curator

import (
	"fmt"
	"strings"

	"ace/internal/event"
	"ace/internal/trajectory"
)

// Fixed per-item token weight applied to accumulated delta updates.
const deltaTokenWeight = 200

const digestLimit = 200

// Request tokens emitted by pending-request detection.
const (
	RequestStartSkillLoop = "start_skill_loop"
	RequestFetchReference = "fetch_reference"
)

var pendingPhrases = []struct {
	phrase  string
	request string
}{
	{"start skill loop", RequestStartSkillLoop},
	{"needs reference", RequestFetchReference},
}

// Summary 是针对单条消息派生的非持久化评估结果。
// Summary is the derived, per-message, non-persistent evaluation: a short
// digest, the estimated token cost of accumulated delta updates, detected
// pending-request tokens, and duplicate-tool-pattern flags. Recomputed each
// time, never stored.
type Summary struct {
	Digest          string
	TokenEstimate   int
	PendingRequests []string
	DuplicateFlags  []string
}

// HasRequest reports whether the summary carries the given request token.
func (s Summary) HasRequest(token string) bool {
	for _, r := range s.PendingRequests {
		if r == token {
			return true
		}
	}
	return false
}

// Curator 持有一条轨迹生命周期内的工具名滚动历史。
// Curator is stateful across the life of one trajectory: it owns an explicit
// rolling history of tool-invocation names. Only the most recent 3 entries
// are consulted for duplicate detection.
type Curator struct {
	toolHistory []string
}

func New() *Curator {
	return &Curator{}
}

// ToolHistory returns a copy of the rolling history.
func (c *Curator) ToolHistory() []string {
	return append([]string(nil), c.toolHistory...)
}

// Evaluate 对一条消息做启发式分类；除更新工具历史外无副作用。
// Evaluate classifies one message. Its only side effect is appending to the
// tool-name history when the message is a tool invocation.
func (c *Curator) Evaluate(traj *trajectory.Trajectory, msg *event.Message) Summary {
	summary := Summary{
		Digest:        digest(msg),
		TokenEstimate: traj.DeltaCount() * deltaTokenWeight,
	}

	if msg.Kind == event.KindAssistant {
		lowered := strings.ToLower(msg.Text)
		for _, p := range pendingPhrases {
			if strings.Contains(lowered, p.phrase) {
				summary.PendingRequests = append(summary.PendingRequests, p.request)
			}
		}
	}

	if msg.Kind == event.KindToolUse {
		c.toolHistory = append(c.toolHistory, msg.ToolName)
		if n := len(c.toolHistory); n >= 3 {
			last := c.toolHistory[n-3:]
			if last[0] == last[1] && last[1] == last[2] {
				summary.DuplicateFlags = append(summary.DuplicateFlags, "repeat:"+last[2])
			}
		}
	}

	return summary
}

func digest(msg *event.Message) string {
	switch msg.Kind {
	case event.KindAssistant:
		runes := []rune(msg.Text)
		if len(runes) > digestLimit {
			runes = runes[:digestLimit]
		}
		return string(runes)
	case event.KindResult:
		return "Task session completed"
	case event.KindToolUse:
		return fmt.Sprintf("Tool invoked: %s", msg.ToolName)
	case event.KindToolResult:
		return fmt.Sprintf("Tool result received (%s)", msg.ToolName)
	case event.KindSystem:
		return string(event.KindSystem)
	}
	return string(msg.Kind)
}
