package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ace/internal/agents"
	"ace/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the task and skill role directories are complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			allValid := true
			for _, root := range []string{cfg.Roles.TaskRoot, cfg.Roles.SkillRoot} {
				resolved := agents.ResolveRoot(root)
				report := agents.Validate(resolved)
				status := "ok"
				if !report.Valid {
					status = "invalid"
					allValid = false
				}
				fmt.Fprintf(out, "%s (%s context): %s\n", resolved, report.Context, status)
				fmt.Fprintf(out, "  agents found:   %s\n", joinOrNone(report.AgentsFound))
				if len(report.AgentsMissing) > 0 {
					fmt.Fprintf(out, "  agents missing: %s\n", strings.Join(report.AgentsMissing, ", "))
				}
				if len(report.CommandsFound) > 0 {
					fmt.Fprintf(out, "  commands:       %s\n", strings.Join(report.CommandsFound, ", "))
				}
			}
			if !allValid {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
