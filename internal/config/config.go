package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type ProviderConfig struct {
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key"`
	TimeoutMS  int    `json:"timeout_ms"`
	MaxRetries int    `json:"max_retries"`
}

type RuntimeConfig struct {
	WorkDir       string `json:"workdir"`
	MaxTaskTurns  int    `json:"max_task_turns"`
	MaxSkillTurns int    `json:"max_skill_turns"`
}

type RolesConfig struct {
	// TaskRoot and SkillRoot point at the role definition directories (or
	// their parents; a .ace subdirectory is resolved automatically).
	TaskRoot  string `json:"task_root"`
	SkillRoot string `json:"skill_root"`
}

type PlaybookConfig struct {
	Path string `json:"path"`
}

type GuardConfig struct {
	ForbiddenPaths  []string `json:"forbidden_paths"`
	DestructiveCmds []string `json:"destructive_commands"`
}

type StorageConfig struct {
	ArchivePath string `json:"archive_path"`
	CapturePath string `json:"capture_path"`
}

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Roles    RolesConfig    `json:"roles"`
	Playbook PlaybookConfig `json:"playbook"`
	Guard    GuardConfig    `json:"guard"`
	Storage  StorageConfig  `json:"storage"`
}

type fileGuardConfig struct {
	ForbiddenPaths  *[]string `json:"forbidden_paths"`
	DestructiveCmds *[]string `json:"destructive_commands"`
}

type fileConfig struct {
	Provider *ProviderConfig  `json:"provider"`
	Runtime  *RuntimeConfig   `json:"runtime"`
	Roles    *RolesConfig     `json:"roles"`
	Playbook *PlaybookConfig  `json:"playbook"`
	Guard    *fileGuardConfig `json:"guard"`
	Storage  *StorageConfig   `json:"storage"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o",
			TimeoutMS:  120000,
			MaxRetries: 3,
		},
		Runtime: RuntimeConfig{
			MaxTaskTurns:  64,
			MaxSkillTurns: 32,
		},
		Roles: RolesConfig{
			TaskRoot:  "./task",
			SkillRoot: "./skill",
		},
		Playbook: PlaybookConfig{Path: "playbook.json"},
		Storage: StorageConfig{
			ArchivePath: "~/.ace/runs.db",
			CapturePath: "~/.ace/capture",
		},
	}
}

// Load 按默认值 → 全局配置 → 项目配置 → 环境变量的顺序叠加配置。
// Load layers configuration: defaults, then ~/.ace/config.json, then the
// project config (explicit path, ACE_CONFIG_PATH, or ./.ace/config.json),
// then ACE_* environment variables. Missing files are skipped silently.
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("ACE_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return applyEnv(cfg)
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".ace", "config.json")}
}

func findProjectConfigPath() string {
	candidates := []string{
		"ace.config.json",
		".ace/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	cleaned := stripJSONComments(data)
	var fileCfg fileConfig
	if err := json.Unmarshal(cleaned, &fileCfg); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fileCfg)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if fc.Runtime != nil {
		cfg.Runtime = mergeRuntime(cfg.Runtime, *fc.Runtime)
	}
	if fc.Roles != nil {
		if strings.TrimSpace(fc.Roles.TaskRoot) != "" {
			cfg.Roles.TaskRoot = fc.Roles.TaskRoot
		}
		if strings.TrimSpace(fc.Roles.SkillRoot) != "" {
			cfg.Roles.SkillRoot = fc.Roles.SkillRoot
		}
	}
	if fc.Playbook != nil && strings.TrimSpace(fc.Playbook.Path) != "" {
		cfg.Playbook.Path = fc.Playbook.Path
	}
	if fc.Guard != nil {
		if fc.Guard.ForbiddenPaths != nil {
			cfg.Guard.ForbiddenPaths = append([]string(nil), (*fc.Guard.ForbiddenPaths)...)
		}
		if fc.Guard.DestructiveCmds != nil {
			cfg.Guard.DestructiveCmds = append([]string(nil), (*fc.Guard.DestructiveCmds)...)
		}
	}
	if fc.Storage != nil {
		if strings.TrimSpace(fc.Storage.ArchivePath) != "" {
			cfg.Storage.ArchivePath = fc.Storage.ArchivePath
		}
		if strings.TrimSpace(fc.Storage.CapturePath) != "" {
			cfg.Storage.CapturePath = fc.Storage.CapturePath
		}
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	return base
}

func mergeRuntime(base RuntimeConfig, override RuntimeConfig) RuntimeConfig {
	if strings.TrimSpace(override.WorkDir) != "" {
		base.WorkDir = override.WorkDir
	}
	if override.MaxTaskTurns > 0 {
		base.MaxTaskTurns = override.MaxTaskTurns
	}
	if override.MaxSkillTurns > 0 {
		base.MaxSkillTurns = override.MaxSkillTurns
	}
	return base
}

func normalize(cfg *Config) error {
	def := Default()
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	if cfg.Provider.MaxRetries <= 0 {
		cfg.Provider.MaxRetries = def.Provider.MaxRetries
	}
	if cfg.Runtime.MaxTaskTurns <= 0 {
		cfg.Runtime.MaxTaskTurns = def.Runtime.MaxTaskTurns
	}
	if cfg.Runtime.MaxSkillTurns <= 0 {
		cfg.Runtime.MaxSkillTurns = def.Runtime.MaxSkillTurns
	}
	if strings.TrimSpace(cfg.Playbook.Path) == "" {
		cfg.Playbook.Path = def.Playbook.Path
	}

	archive, err := expandPath(cfg.Storage.ArchivePath)
	if err != nil {
		return err
	}
	cfg.Storage.ArchivePath = archive
	captureDir, err := expandPath(cfg.Storage.CapturePath)
	if err != nil {
		return err
	}
	cfg.Storage.CapturePath = captureDir

	cfg.Runtime.WorkDir = strings.TrimSpace(cfg.Runtime.WorkDir)
	cfg.Roles.TaskRoot = strings.TrimSpace(cfg.Roles.TaskRoot)
	cfg.Roles.SkillRoot = strings.TrimSpace(cfg.Roles.SkillRoot)
	return nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("ACE_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ACE_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("ACE_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ACE_WORKDIR")); v != "" {
		cfg.Runtime.WorkDir = v
	}
	if v := strings.TrimSpace(os.Getenv("ACE_PLAYBOOK_PATH")); v != "" {
		cfg.Playbook.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("ACE_MAX_TASK_TURNS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid ACE_MAX_TASK_TURNS: %q", v)
		}
		cfg.Runtime.MaxTaskTurns = n
	}
	if v := strings.TrimSpace(os.Getenv("ACE_ARCHIVE_PATH")); v != "" {
		cfg.Storage.ArchivePath = v
	}

	return cfg, normalize(&cfg)
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}
