package orchestrator

import (
	"ace/internal/agents"
	"ace/internal/capture"
	"ace/internal/curator"
	"ace/internal/hooks"
	"ace/internal/playbook"
	"ace/internal/session"
	"ace/internal/tokens"
	"ace/internal/trajectory"

	"go.uber.org/zap"
)

// Options 汇集一次外层运行所需的全部协作方。
// Options collects every collaborator one outer run needs.
type Options struct {
	Playbook *playbook.Playbook
	Curator  *curator.Curator
	Guard    *hooks.Guard
	Capture  *capture.Writer
	Logger   *zap.Logger

	// Tokens counts prompt tokens for the run accounting; when nil the
	// shared default estimator is used.
	Tokens *tokens.Estimator

	// TaskRoles and SkillRoles are the loaded role definitions for the two
	// loops; SkillRolesRoot is the directory they came from, used for the
	// fail-fast validation message when the skill context is incomplete.
	TaskRoles      map[string]agents.Definition
	SkillRoles     map[string]agents.Definition
	SkillRolesRoot string

	WorkDir       string
	MaxTaskTurns  int
	MaxSkillTurns int
}

// RunResult 是一次运行的最终产物：轨迹加统计。
// RunResult is the final product of one run: the trajectory plus counters
// for the end-of-run summary.
type RunResult struct {
	Trajectory    *trajectory.Trajectory
	TaskMessages  int
	SkillMessages int
	DeltaUpdates  int
	SkillSessions int
	PromptTokens  int
}

type Orchestrator struct {
	opener         session.Opener
	playbook       *playbook.Playbook
	curator        *curator.Curator
	guard          *hooks.Guard
	capture        *capture.Writer
	logger         *zap.Logger
	tokens         *tokens.Estimator
	taskRoles      map[string]agents.Definition
	skillRoles     map[string]agents.Definition
	skillRolesRoot string
	workDir        string
	maxTaskTurns   int
	maxSkillTurns  int
}

func New(opener session.Opener, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cur := opts.Curator
	if cur == nil {
		cur = curator.New()
	}
	maxTask := opts.MaxTaskTurns
	if maxTask <= 0 {
		maxTask = 64
	}
	maxSkill := opts.MaxSkillTurns
	if maxSkill <= 0 {
		maxSkill = 32
	}
	est := opts.Tokens
	if est == nil {
		est = tokens.Default()
	}
	return &Orchestrator{
		opener:         opener,
		playbook:       opts.Playbook,
		curator:        cur,
		guard:          opts.Guard,
		capture:        opts.Capture,
		logger:         logger,
		tokens:         est,
		taskRoles:      opts.TaskRoles,
		skillRoles:     opts.SkillRoles,
		skillRolesRoot: opts.SkillRolesRoot,
		workDir:        opts.WorkDir,
		maxTaskTurns:   maxTask,
		maxSkillTurns:  maxSkill,
	}
}
