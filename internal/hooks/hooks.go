package hooks

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Result 是前置校验的同步裁决；拒绝只拦截当前动作，不中止循环。
// Result is the synchronous verdict of a pre-action validator. A deny blocks
// that single action and is returned to the session as a normal outcome, not
// an error; the loop continues.
type Result struct {
	Decision Decision
	Reason   string
}

func (r Result) Denied() bool {
	return r.Decision == DecisionDeny
}

var allowed = Result{Decision: DecisionAllow}

// Config holds the guard pattern lists. Treated as configuration data; the
// defaults mirror the paths and commands a skill session must never touch.
type Config struct {
	ForbiddenPathPatterns  []string
	DestructiveCmdPatterns []string
}

func DefaultConfig() Config {
	return Config{
		ForbiddenPathPatterns:  []string{"/etc/", "/sys/", "~/.ssh/"},
		DestructiveCmdPatterns: []string{"rm -rf", "dd if=", "> /dev/"},
	}
}

// AuditRecord is the lightweight post-action observation kept per run.
type AuditRecord struct {
	ToolName  string
	ToolID    string
	Timestamp time.Time
}

// Guard 同时承担前置校验与后置审计，审计列表仅存活于一次运行。
// Guard evaluates pre-action validators and collects post-action audit
// records. The audit list is in-memory and scoped to one run.
type Guard struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	audit []AuditRecord
}

func New(cfg Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.ForbiddenPathPatterns) == 0 && len(cfg.DestructiveCmdPatterns) == 0 {
		cfg = DefaultConfig()
	}
	return &Guard{cfg: cfg, logger: logger}
}

// CheckWrite vets the target path of a write-type action.
func (g *Guard) CheckWrite(path string) Result {
	for _, pattern := range g.cfg.ForbiddenPathPatterns {
		if strings.Contains(path, pattern) {
			g.logger.Warn("blocked write to forbidden path",
				zap.String("path", path),
				zap.String("pattern", pattern))
			return Result{
				Decision: DecisionDeny,
				Reason:   fmt.Sprintf("Path matches forbidden pattern: %s", pattern),
			}
		}
	}
	return allowed
}

// CheckCommand vets the text of a shell-execution action.
func (g *Guard) CheckCommand(command string) Result {
	for _, pattern := range g.cfg.DestructiveCmdPatterns {
		if strings.Contains(command, pattern) {
			g.logger.Warn("blocked destructive command",
				zap.String("command", command),
				zap.String("pattern", pattern))
			return Result{
				Decision: DecisionDeny,
				Reason:   fmt.Sprintf("Command contains destructive pattern: %s", pattern),
			}
		}
	}
	return allowed
}

// PreAction 按工具类型分发到对应的校验器；未覆盖的工具一律放行。
// PreAction dispatches to the validator matching the tool. Tools without a
// validator are allowed through.
func (g *Guard) PreAction(toolName string, input map[string]any) Result {
	switch toolName {
	case "Write", "Edit":
		path, _ := input["file_path"].(string)
		if path == "" {
			path, _ = input["path"].(string)
		}
		return g.CheckWrite(path)
	case "Bash":
		command, _ := input["command"].(string)
		return g.CheckCommand(command)
	}
	return allowed
}

// RecordAction appends a post-action audit record.
func (g *Guard) RecordAction(toolName, toolID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audit = append(g.audit, AuditRecord{
		ToolName:  toolName,
		ToolID:    toolID,
		Timestamp: time.Now().UTC(),
	})
}

// AuditLog returns a copy of the audit records collected so far.
func (g *Guard) AuditLog() []AuditRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]AuditRecord(nil), g.audit...)
}
