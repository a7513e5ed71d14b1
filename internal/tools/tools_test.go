package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteToolCreatesFile(t *testing.T) {
	root := t.TempDir()
	tool := NewWriteTool(root)
	args, _ := json.Marshal(map[string]string{"path": "notes/skill.md", "content": "hello"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "notes/skill.md") {
		t.Fatalf("output = %q", out)
	}
	data, err := os.ReadFile(filepath.Join(root, "notes", "skill.md"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("content = %q", data)
	}
}

func TestWriteToolRejectsEscape(t *testing.T) {
	tool := NewWriteTool(t.TempDir())
	args, _ := json.Marshal(map[string]string{"path": "../outside.txt", "content": "x"})
	if _, err := tool.Execute(context.Background(), args); err == nil {
		t.Fatalf("expected escape error")
	}
}

func TestBashToolRuns(t *testing.T) {
	tool := NewBashTool(t.TempDir(), 5000, 1024)
	args, _ := json.Marshal(map[string]string{"command": "echo loop-output"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "loop-output") {
		t.Fatalf("output = %q", out)
	}
}

func TestBashToolEmptyCommand(t *testing.T) {
	tool := NewBashTool(t.TempDir(), 5000, 1024)
	args, _ := json.Marshal(map[string]string{"command": "  "})
	if _, err := tool.Execute(context.Background(), args); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestRegistry(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry(NewWriteTool(root), NewBashTool(root, 5000, 1024))

	if !reg.Has("Write") || !reg.Has("Bash") {
		t.Fatalf("names = %v", reg.Names())
	}
	if defs := reg.Definitions(nil); len(defs) != 2 {
		t.Fatalf("definitions = %d", len(defs))
	}
	if defs := reg.Definitions([]string{"Write"}); len(defs) != 1 || defs[0].Function.Name != "Write" {
		t.Fatalf("filtered definitions = %+v", defs)
	}
	if _, err := reg.Execute(context.Background(), "Missing", nil); err == nil {
		t.Fatalf("expected unknown tool error")
	}
}
