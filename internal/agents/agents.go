package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const defaultModel = "sonnet"

// Definition 描述一个角色：说明、提示词主体、工具白名单与模型。
// Definition describes one role: a description, a prompt body, an optional
// tool allow-list and a model identifier.
type Definition struct {
	Name        string
	Description string
	Prompt      string
	Tools       []string
	Model       string
}

// frontmatter is the optional YAML block at the top of a definition file.
// Values given here take precedence over the markdown sections below.
type frontmatter struct {
	Description string   `yaml:"description"`
	Model       string   `yaml:"model"`
	Tools       []string `yaml:"tools"`
}

// ResolveRoot 返回直接包含 agents 与 commands 的目录。
// ResolveRoot returns the directory that directly contains the agents and
// commands subdirectories: the root itself, its .ace config root, or the
// root unchanged when neither layout matches.
func ResolveRoot(root string) string {
	if isDir(filepath.Join(root, "agents")) && isDir(filepath.Join(root, "commands")) {
		return root
	}
	if dotRoot := filepath.Join(root, ".ace"); isDir(dotRoot) {
		return dotRoot
	}
	return root
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ParseMarkdown reads one role definition. The file holds ## Description,
// ## Prompt, ## Tools and ## Model sections, optionally preceded by a YAML
// frontmatter block.
func ParseMarkdown(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("agents: read %s: %w", path, err)
	}

	body := string(data)
	var fm frontmatter
	if head, rest, ok := splitFrontmatter(body); ok {
		if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
			return Definition{}, fmt.Errorf("agents: frontmatter of %s: %w", path, err)
		}
		body = rest
	}

	def := parseSections(body)
	def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if fm.Description != "" {
		def.Description = fm.Description
	}
	if fm.Model != "" {
		def.Model = strings.TrimSpace(fm.Model)
	}
	if len(fm.Tools) > 0 {
		def.Tools = fm.Tools
	}
	if def.Model == "" {
		def.Model = defaultModel
	}
	return def, nil
}

func splitFrontmatter(content string) (head, rest string, ok bool) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return "", content, false
	}
	trimmed := strings.TrimPrefix(content, "---")
	idx := strings.Index(trimmed, "\n---")
	if idx < 0 {
		return "", content, false
	}
	head = trimmed[:idx]
	rest = trimmed[idx+len("\n---"):]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	} else {
		rest = ""
	}
	return head, rest, true
}

func parseSections(body string) Definition {
	var (
		description []string
		prompt      []string
		tools       []string
		model       string
		section     string
	)
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "## Description"):
			section = "description"
			continue
		case strings.HasPrefix(line, "## Prompt"):
			section = "prompt"
			continue
		case strings.HasPrefix(line, "## Tools"):
			section = "tools"
			continue
		case strings.HasPrefix(line, "## Model"):
			section = "model"
			continue
		case strings.HasPrefix(line, "#"):
			section = ""
			continue
		}
		if line == "" {
			continue
		}
		switch section {
		case "description":
			description = append(description, line)
		case "prompt":
			prompt = append(prompt, line)
		case "tools":
			if strings.HasPrefix(line, "-") {
				tools = append(tools, strings.TrimSpace(strings.TrimPrefix(line, "-")))
			}
		case "model":
			model = line
		}
	}
	return Definition{
		Description: strings.TrimSpace(strings.Join(description, " ")),
		Prompt:      strings.TrimSpace(strings.Join(prompt, " ")),
		Tools:       tools,
		Model:       strings.TrimSpace(model),
	}
}

// Load 读取 root 下的全部角色定义；损坏的文件跳过并告警，不致命。
// Load reads every role definition under root. Malformed files are skipped
// with a warning, not fatal.
func Load(root string, logger *zap.Logger) (map[string]Definition, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defs := make(map[string]Definition)
	agentsDir := filepath.Join(ResolveRoot(root), "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no agents directory", zap.String("dir", agentsDir))
			return defs, nil
		}
		return nil, fmt.Errorf("agents: read dir %s: %w", agentsDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(agentsDir, name)
		def, err := ParseMarkdown(path)
		if err != nil {
			logger.Warn("skipping malformed role definition",
				zap.String("file", path), zap.Error(err))
			continue
		}
		defs[def.Name] = def
		logger.Info("loaded role definition", zap.String("name", def.Name))
	}
	return defs, nil
}

// SlashCommands returns the command markdown files available under root.
func SlashCommands(root string) []string {
	return markdownNames(filepath.Join(ResolveRoot(root), "commands"))
}

func markdownNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}
