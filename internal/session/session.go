package session

import (
	"context"

	"ace/internal/event"
	"ace/internal/hooks"
)

// Stream 是会话产生的惰性有限消息流，只能向前消费一次。
// Stream is the lazy, finite message sequence produced by a session. It is
// consumed exactly once, forward-only, and terminates after a result event.
type Stream interface {
	// Next blocks until the next message is available. ok is false once the
	// stream is exhausted; a non-nil error means the session failed
	// mid-stream and the run must treat it as fatal.
	Next(ctx context.Context) (msg *event.Message, ok bool, err error)
}

// Updatable is implemented by sessions that accept context updates injected
// between turns, such as the outer task session after a skill merge.
type Updatable interface {
	Send(ctx context.Context, text string) error
}

// Config 描述打开一个会话所需的全部配置。
// Config carries everything needed to open one session: the role prompt,
// the tool allow-list, the working directory and the guard hook set.
type Config struct {
	SystemPrompt string
	AllowedTools []string
	WorkDir      string
	Guard        *hooks.Guard
	MaxTurns     int
}

// Opener 按提示词与配置建立新会话。
// Opener establishes a new session for a prompt and configuration.
type Opener interface {
	Open(ctx context.Context, prompt string, cfg Config) (Stream, error)
}
