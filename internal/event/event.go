package event

import (
	"time"
)

// Kind 枚举会话可能产生的消息类型（封闭集合）。
// Kind enumerates the closed set of message kinds a session can produce.
type Kind string

const (
	KindAssistant  Kind = "assistant"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindResult     Kind = "result"
	KindSystem     Kind = "system"
)

// Tag keys applied by the loops. Each is written at most once per message.
const (
	TagLoopType     = "loop_type"
	TagTrajectoryID = "trajectory_id"
)

// Values for TagLoopType.
const (
	LoopTask  = "task"
	LoopSkill = "skill"
)

// Message 是会话产生的最小单元：类型、负载、时间戳和标签集。
// Message is the immutable unit produced by a session: a kind, a
// kind-specific payload, a timestamp and a tag set. The payload fields are
// fixed after construction; only tags may be added, and only once per key.
type Message struct {
	Kind      Kind
	Text      string
	ToolName  string
	ToolID    string
	ToolInput map[string]any
	IsError   bool
	// Annotation carries a hook-supplied note attached when a guard hook
	// intervened on this action; folded into reflection notes later.
	Annotation string
	Timestamp  time.Time

	tags map[string]string
}

func newMessage(kind Kind) *Message {
	return &Message{Kind: kind, Timestamp: time.Now().UTC()}
}

func NewAssistant(text string) *Message {
	m := newMessage(KindAssistant)
	m.Text = text
	return m
}

func NewToolUse(name, id string, input map[string]any) *Message {
	m := newMessage(KindToolUse)
	m.ToolName = name
	m.ToolID = id
	m.ToolInput = input
	return m
}

func NewToolResult(name, id, content string, isError bool) *Message {
	m := newMessage(KindToolResult)
	m.ToolName = name
	m.ToolID = id
	m.Text = content
	m.IsError = isError
	return m
}

func NewResult(text string) *Message {
	m := newMessage(KindResult)
	m.Text = text
	return m
}

func NewSystem(text string) *Message {
	m := newMessage(KindSystem)
	m.Text = text
	return m
}

// SetTagIfAbsent 仅当键不存在时写入标签，返回是否实际写入。
// SetTagIfAbsent writes the tag only when the key is not yet present and
// reports whether it actually wrote. Tags set by the producing session are
// never overwritten.
func (m *Message) SetTagIfAbsent(key, value string) bool {
	if key == "" {
		return false
	}
	if m.tags == nil {
		m.tags = make(map[string]string)
	}
	if _, ok := m.tags[key]; ok {
		return false
	}
	m.tags[key] = value
	return true
}

func (m *Message) Tag(key string) (string, bool) {
	v, ok := m.tags[key]
	return v, ok
}

// Tags returns a copy of the tag set.
func (m *Message) Tags() map[string]string {
	out := make(map[string]string, len(m.tags))
	for k, v := range m.tags {
		out[k] = v
	}
	return out
}

// LoopType returns the loop_type tag, or "" when untagged.
func (m *Message) LoopType() string {
	return m.tags[TagLoopType]
}

// Record 是消息的序列化投影，用于 JSONL 导出。
// Record is the serialized projection of a message used for JSONL export.
type Record struct {
	Kind       string            `json:"kind"`
	Text       string            `json:"text,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolID     string            `json:"tool_id,omitempty"`
	ToolInput  map[string]any    `json:"tool_input,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
	Annotation string            `json:"annotation,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Tags       map[string]string `json:"tags"`
}

func (m *Message) Record() Record {
	return Record{
		Kind:       string(m.Kind),
		Text:       m.Text,
		ToolName:   m.ToolName,
		ToolID:     m.ToolID,
		ToolInput:  m.ToolInput,
		IsError:    m.IsError,
		Annotation: m.Annotation,
		Timestamp:  m.Timestamp.Format(time.RFC3339Nano),
		Tags:       m.Tags(),
	}
}
