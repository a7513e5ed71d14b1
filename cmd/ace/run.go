package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ace/internal/agents"
	"ace/internal/capture"
	"ace/internal/config"
	"ace/internal/event"
	"ace/internal/hooks"
	"ace/internal/orchestrator"
	"ace/internal/playbook"
	"ace/internal/session"
	"ace/internal/storage"
	"ace/internal/tokens"
)

func newRunCmd() *cobra.Command {
	var (
		playbookPath string
		exportPath   string
		workDir      string
		noArchive    bool
	)

	cmd := &cobra.Command{
		Use:   "run <task prompt>",
		Short: "Run a task loop, escalating into skill generation as needed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if playbookPath != "" {
				cfg.Playbook.Path = playbookPath
			}
			if workDir != "" {
				cfg.Runtime.WorkDir = workDir
			}

			guard := hooks.New(hooks.Config{
				ForbiddenPathPatterns:  cfg.Guard.ForbiddenPaths,
				DestructiveCmdPatterns: cfg.Guard.DestructiveCmds,
			}, logger)

			taskRoot := agents.ResolveRoot(cfg.Roles.TaskRoot)
			taskRoles, err := agents.Load(taskRoot, logger)
			if err != nil {
				return fmt.Errorf("load task roles: %w", err)
			}
			skillRoot := agents.ResolveRoot(cfg.Roles.SkillRoot)
			skillRoles, err := agents.Load(skillRoot, logger)
			if err != nil {
				return fmt.Errorf("load skill roles: %w", err)
			}

			pb, err := playbook.Load(cfg.Playbook.Path)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			capPath := filepath.Join(cfg.Storage.CapturePath, runID+".jsonl")
			capWriter := capture.NewWriter(capPath, runID)
			defer capWriter.Close()

			driver := session.NewDriver(session.DriverConfig{
				BaseURL:    cfg.Provider.BaseURL,
				APIKey:     cfg.Provider.APIKey,
				Model:      cfg.Provider.Model,
				TimeoutMS:  cfg.Provider.TimeoutMS,
				MaxRetries: cfg.Provider.MaxRetries,
			}, logger)

			estimator := tokens.ForModel(cfg.Provider.Model)
			logger.Debug("token estimator ready",
				zap.String("encoding", estimator.EncodingName()),
				zap.Bool("precise", estimator.IsPrecise()))

			orch := orchestrator.New(driver, orchestrator.Options{
				Playbook:       pb,
				Guard:          guard,
				Capture:        capWriter,
				Logger:         logger,
				Tokens:         estimator,
				TaskRoles:      taskRoles,
				SkillRoles:     skillRoles,
				SkillRolesRoot: skillRoot,
				WorkDir:        cfg.Runtime.WorkDir,
				MaxTaskTurns:   cfg.Runtime.MaxTaskTurns,
				MaxSkillTurns:  cfg.Runtime.MaxSkillTurns,
			})

			prompt := strings.Join(args, " ")
			result, runErr := orch.RunTask(cmd.Context(), prompt)
			return finishRun(cmd, runOutcome{
				cfg:       cfg,
				prompt:    prompt,
				result:    result,
				playbook:  pb,
				guard:     guard,
				exportTo:  exportPath,
				noArchive: noArchive,
				runErr:    runErr,
			})
		},
	}

	cmd.Flags().StringVar(&playbookPath, "playbook", "", "playbook file (overrides config)")
	cmd.Flags().StringVar(&exportPath, "export-trajectory", "", "export the trajectory as JSONL to this path")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for tool execution")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "skip archiving the run")

	return cmd
}

type runOutcome struct {
	cfg       config.Config
	prompt    string
	result    *orchestrator.RunResult
	playbook  *playbook.Playbook
	guard     *hooks.Guard
	exportTo  string
	noArchive bool
	runErr    error
}

// finishRun persists everything a run produced, even after a failed run.
// Export and archive failures degrade to warnings; losing the playbook save
// fails the command, since the playbook is the run's durable output.
func finishRun(cmd *cobra.Command, out runOutcome) error {
	runErr := out.runErr
	if err := out.playbook.Save(); err != nil {
		logger.Error("playbook not saved", zap.Error(err))
		runErr = errors.Join(runErr, fmt.Errorf("save playbook: %w", err))
	}
	if out.exportTo != "" && out.result != nil {
		if err := out.result.Trajectory.ExportJSONL(out.exportTo); err != nil {
			logger.Warn("trajectory not exported", zap.Error(err))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "trajectory exported to %s\n", out.exportTo)
		}
	}
	if !out.noArchive && out.result != nil {
		if err := archiveRun(out.cfg, out.prompt, out.result, out.playbook, out.guard); err != nil {
			logger.Warn("run not archived", zap.Error(err))
		}
	}
	if out.result != nil {
		printRunSummary(cmd, out.result)
	}
	return runErr
}

func archiveRun(cfg config.Config, prompt string, result *orchestrator.RunResult, pb *playbook.Playbook, guard *hooks.Guard) error {
	store, err := storage.NewStore(cfg.Storage.ArchivePath)
	if err != nil {
		return err
	}
	defer store.Close()

	msgs := result.Trajectory.Messages()
	records := make([]event.Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, m.Record())
	}
	return store.SaveRun(storage.RunMeta{
		ID:              result.Trajectory.ID(),
		Prompt:          prompt,
		TaskMessages:    result.TaskMessages,
		SkillMessages:   result.SkillMessages,
		DeltaUpdates:    result.DeltaUpdates,
		SkillSessions:   result.SkillSessions,
		PromptTokens:    result.PromptTokens,
		PlaybookVersion: pb.Version,
	}, records, guard.AuditLog())
}

func printRunSummary(cmd *cobra.Command, result *orchestrator.RunResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s\n", result.Trajectory.ID())
	fmt.Fprintf(out, "  task messages:  %d\n", result.TaskMessages)
	fmt.Fprintf(out, "  skill messages: %d\n", result.SkillMessages)
	fmt.Fprintf(out, "  skill sessions: %d\n", result.SkillSessions)
	fmt.Fprintf(out, "  delta updates:  %d\n", result.DeltaUpdates)

	metrics := result.Trajectory.ToolMetrics()
	if len(metrics) == 0 {
		return
	}
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "  tools:")
	for _, name := range names {
		s := metrics[name]
		fmt.Fprintf(out, "    %-8s %d calls, %d results, %.0f%% ok\n",
			name, s.Invocations, s.Results, s.SuccessRate()*100)
	}
}
