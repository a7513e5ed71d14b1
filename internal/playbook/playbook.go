package playbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultTokenBudget is the escalation threshold applied to fresh playbooks.
const DefaultTokenBudget = 2000

type ItemType string

const (
	ItemClarification ItemType = "clarification"
	ItemReference     ItemType = "reference"
	ItemSkill         ItemType = "skill"
	ItemConstraint    ItemType = "constraint"
)

// Metadata carries per-skill merge statistics.
type Metadata struct {
	ToolCalls       int     `json:"tool_calls"`
	DurationSeconds float64 `json:"duration"`
}

// Item 是增量手册中的一条已接受知识。
// Item is one accepted knowledge entry in the delta playbook. Accepted is
// always true in this design; there is no rejection path once an item is
// appended.
type Item struct {
	Type      ItemType  `json:"type"`
	Content   string    `json:"content,omitempty"`
	URL       string    `json:"url,omitempty"`
	Name      string    `json:"name,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	Accepted  bool      `json:"accepted"`
	Timestamp string    `json:"timestamp"`
}

// Playbook 是唯一跨运行持久化的实体：条目追加列表加单调递增的版本号。
// Playbook is the only entity with cross-run durability: an append-only item
// list, a version that increases by exactly 1 per merge, a token budget used
// by the escalation policy, and the time of the last save.
type Playbook struct {
	path string

	Items       []Item
	Version     int
	TokenBudget int
	UpdatedAt   string
}

type document struct {
	Items     []Item `json:"items"`
	Version   int    `json:"version"`
	UpdatedAt string `json:"updated_at"`
	// TokenBudget is a pointer so an explicit 0 in the document survives a
	// load; the default applies only when the key is absent.
	TokenBudget *int `json:"token_budget"`
}

// Load 读取持久化手册；路径不存在则返回全新实例。
// Load reads the persisted playbook document. A nonexistent path yields a
// fresh playbook (version 1, empty items, default budget), not an error.
func Load(path string) (*Playbook, error) {
	p := &Playbook{path: path, Version: 1, TokenBudget: DefaultTokenBudget}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("playbook: read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("playbook: parse %s: %w", path, err)
	}
	p.Items = doc.Items
	p.Version = doc.Version
	p.UpdatedAt = doc.UpdatedAt
	if doc.TokenBudget != nil {
		p.TokenBudget = *doc.TokenBudget
	}
	if p.Version < 1 {
		p.Version = 1
	}
	return p, nil
}

// Save 原子化重写整个文档：先写临时文件再重命名。
// Save rewrites the whole document atomically: the JSON is written to a
// temporary file in the same directory and renamed over the target.
func (p *Playbook) Save() error {
	if p.path == "" {
		return fmt.Errorf("playbook: no path configured")
	}
	p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	doc := document{
		Items:       p.Items,
		Version:     p.Version,
		UpdatedAt:   p.UpdatedAt,
		TokenBudget: &p.TokenBudget,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("playbook: marshal: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("playbook: ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".playbook-*.json")
	if err != nil {
		return fmt.Errorf("playbook: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("playbook: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("playbook: close temp: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("playbook: rename: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (p *Playbook) Path() string {
	return p.path
}

// SetPath rebinds the playbook to a different backing file.
func (p *Playbook) SetPath(path string) {
	p.path = path
}

// SkillNames returns the names of all skill items, in item order.
func (p *Playbook) SkillNames() []string {
	var names []string
	for _, item := range p.Items {
		if item.Type == ItemSkill {
			names = append(names, item.Name)
		}
	}
	return names
}
