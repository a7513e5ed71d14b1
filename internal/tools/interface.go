package tools

import (
	"context"
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
)

// Tool 是会话可执行的一个动作：名称、OpenAI 兼容定义与执行入口。
// Tool is one action a session can take: a name, an OpenAI-compatible
// function definition, and an execution entry point.
type Tool interface {
	Name() string
	Definition() openai.Tool
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}
