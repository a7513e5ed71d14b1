package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// BashTool runs a shell command in the working directory with a timeout and
// an output cap.
type BashTool struct {
	workspaceRoot    string
	commandTimeoutMS int
	outputLimitBytes int
}

func NewBashTool(workspaceRoot string, commandTimeoutMS, outputLimitBytes int) *BashTool {
	if commandTimeoutMS <= 0 {
		commandTimeoutMS = 60_000
	}
	if outputLimitBytes <= 0 {
		outputLimitBytes = 64 * 1024
	}
	return &BashTool{
		workspaceRoot:    workspaceRoot,
		commandTimeoutMS: commandTimeoutMS,
		outputLimitBytes: outputLimitBytes,
	}
}

func (t *BashTool) Name() string {
	return "Bash"
}

func (t *BashTool) Definition() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name(),
			Description: "Run a shell command in the working directory and return combined output.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
	}
}

func (t *BashTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("bash args: %w", err)
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", errors.New("bash command is empty")
	}

	timeout := time.Duration(t.commandTimeoutMS) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-lc", in.Command)
	cmd.Dir = t.workspaceRoot
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()

	output := buf.String()
	if len(output) > t.outputLimitBytes {
		output = output[:t.outputLimitBytes] + "\n[output truncated]"
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("command timed out after %dms", t.commandTimeoutMS)
	}
	if runErr != nil {
		return output, fmt.Errorf("command failed: %w", runErr)
	}
	return output, nil
}
