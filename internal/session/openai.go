package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ace/internal/event"
	"ace/internal/tools"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// DriverConfig 是 OpenAI 兼容后端的连接配置。
// DriverConfig is the connection configuration for an OpenAI-compatible
// backend.
type DriverConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	TimeoutMS  int
	MaxRetries int
}

// Driver 将一个 OpenAI 兼容模型包装成会话流生产者。
// Driver wraps an OpenAI-compatible model as a session producer: each Open
// starts an agent loop that streams assistant text, tool invocations and
// tool results as events, terminated by a result event.
type Driver struct {
	client *openai.Client
	cfg    DriverConfig
	logger *zap.Logger
}

func NewDriver(cfg DriverConfig, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	clientCfg.HTTPClient = httpClient
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Driver{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}
}

type item struct {
	msg *event.Message
	err error
}

type stream struct {
	ch     chan item
	inbox  chan string
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *stream) Next(ctx context.Context) (*event.Message, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case it, ok := <-s.ch:
		if !ok {
			return nil, false, nil
		}
		if it.err != nil {
			return nil, false, it.err
		}
		return it.msg, true, nil
	}
}

// Send injects a context update processed before the session's next turn.
func (s *stream) Send(_ context.Context, text string) error {
	select {
	case s.inbox <- text:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("session closed")
	}
}

// Open 启动代理循环并返回其消息流。
// Open starts the agent loop and returns its message stream.
func (d *Driver) Open(ctx context.Context, prompt string, cfg Config) (Stream, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("session: prompt is empty")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		ch:     make(chan item),
		inbox:  make(chan string, 4),
		ctx:    runCtx,
		cancel: cancel,
	}
	go d.run(runCtx, prompt, cfg, s)
	return s, nil
}

func (d *Driver) emit(ctx context.Context, s *stream, it item) bool {
	select {
	case s.ch <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Driver) run(ctx context.Context, prompt string, cfg Config, s *stream) {
	defer close(s.ch)
	defer s.cancel()

	registry := tools.NewRegistry(
		tools.NewWriteTool(cfg.WorkDir),
		tools.NewBashTool(cfg.WorkDir, 60_000, 64*1024),
	)
	defs := registry.Definitions(cfg.AllowedTools)

	var msgs []openai.ChatCompletionMessage
	if cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: cfg.SystemPrompt,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 32
	}

	for turn := 0; turn < maxTurns; turn++ {
		// Drain pending context updates before the next model call.
		for {
			select {
			case update := <-s.inbox:
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: update,
				})
				continue
			default:
			}
			break
		}

		resp, err := d.chat(ctx, msgs, defs)
		if err != nil {
			d.emit(ctx, s, item{err: fmt.Errorf("session: model call: %w", err)})
			return
		}
		if len(resp.Choices) == 0 {
			d.emit(ctx, s, item{err: fmt.Errorf("session: empty response")})
			return
		}
		choice := resp.Choices[0]

		if strings.TrimSpace(choice.Message.Content) != "" {
			if !d.emit(ctx, s, item{msg: event.NewAssistant(choice.Message.Content)}) {
				return
			}
		}

		if len(choice.Message.ToolCalls) == 0 {
			d.emit(ctx, s, item{msg: event.NewResult(choice.Message.Content)})
			return
		}

		msgs = append(msgs, choice.Message)
		for _, tc := range choice.Message.ToolCalls {
			name := tc.Function.Name
			input := parseToolInput(tc.Function.Arguments)

			use := event.NewToolUse(name, tc.ID, input)
			if !d.emit(ctx, s, item{msg: use}) {
				return
			}

			content, isError, annotation := d.invoke(ctx, cfg, registry, name, tc.ID, tc.Function.Arguments, input)
			result := event.NewToolResult(name, tc.ID, content, isError)
			result.Annotation = annotation
			if !d.emit(ctx, s, item{msg: result}) {
				return
			}

			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: tc.ID,
			})
		}
	}

	d.emit(ctx, s, item{msg: event.NewResult("max turns reached")})
}

// invoke 先过守卫钩子再执行工具；拒绝作为正常结果返回给模型。
// invoke runs the guard pre-hook, then the tool. A denial is returned to the
// model as a normal tool outcome carrying the reason, not as an error.
func (d *Driver) invoke(ctx context.Context, cfg Config, registry *tools.Registry, name, id string, rawArgs string, input map[string]any) (content string, isError bool, annotation string) {
	if cfg.Guard != nil {
		if res := cfg.Guard.PreAction(name, input); res.Denied() {
			d.logger.Info("tool action denied",
				zap.String("tool", name),
				zap.String("reason", res.Reason))
			return res.Reason, true, res.Reason
		}
	}
	if !registry.Has(name) {
		return fmt.Sprintf("unknown tool: %s", name), true, ""
	}
	out, err := registry.Execute(ctx, name, json.RawMessage(rawArgs))
	if cfg.Guard != nil {
		cfg.Guard.RecordAction(name, id)
	}
	if err != nil {
		return err.Error(), true, ""
	}
	return out, false, ""
}

func (d *Driver) chat(ctx context.Context, msgs []openai.ChatCompletionMessage, defs []openai.Tool) (openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    d.cfg.Model,
		Messages: msgs,
		Tools:    defs,
	}
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(150*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return openai.ChatCompletionResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		resp, err := d.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return openai.ChatCompletionResponse{}, err
		}
	}
	return openai.ChatCompletionResponse{}, fmt.Errorf("chat failed after %d retries: %w", d.cfg.MaxRetries, lastErr)
}

func parseToolInput(rawArgs string) map[string]any {
	input := make(map[string]any)
	if strings.TrimSpace(rawArgs) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(rawArgs), &input); err != nil {
		return map[string]any{}
	}
	return input
}
