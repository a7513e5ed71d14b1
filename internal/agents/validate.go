package agents

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationReport 描述一个角色目录与期望布局的差异。
// ValidationReport describes how a role directory compares to the expected
// layout: which generator/curator/reflector definitions are present or
// missing and which command files exist.
type ValidationReport struct {
	Valid         bool
	Context       string
	AgentsFound   []string
	AgentsMissing []string
	CommandsFound []string
}

// Validate performs a read-only check of root, used to fail fast before a
// run starts. The context is inferred from the root path: directories for
// the outer loop carry "task" in their name, everything else is treated as
// a skill root.
func Validate(root string) ValidationReport {
	resolved := ResolveRoot(root)

	context := "skill"
	if strings.Contains(root, "task") {
		context = "task"
	}
	expected := []string{
		fmt.Sprintf("%s-generator.md", context),
		fmt.Sprintf("%s-curator.md", context),
		fmt.Sprintf("%s-reflector.md", context),
	}

	found := markdownNames(filepath.Join(resolved, "agents"))
	foundSet := make(map[string]bool, len(found))
	for _, name := range found {
		foundSet[name] = true
	}
	var missing []string
	for _, name := range expected {
		if !foundSet[name] {
			missing = append(missing, name)
		}
	}

	return ValidationReport{
		Valid:         len(missing) == 0,
		Context:       context,
		AgentsFound:   found,
		AgentsMissing: missing,
		CommandsFound: SlashCommands(root),
	}
}
