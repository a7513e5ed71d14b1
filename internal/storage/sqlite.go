package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ace/internal/event"
	"ace/internal/hooks"
)

// Store 将历次运行归档到 SQLite，供 sessions 子命令查询。
// Store archives completed runs in a SQLite database so past trajectories and
// audit trails can be listed and re-inspected after the process exits.
type Store struct {
	db   *sql.DB
	path string
}

// RunMeta is the per-run header row.
type RunMeta struct {
	ID              string
	Prompt          string
	TaskMessages    int
	SkillMessages   int
	DeltaUpdates    int
	SkillSessions   int
	PromptTokens    int
	PlaybookVersion int
	CreatedAt       time.Time
}

// NewStore opens (creating if needed) the archive database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: dbPath}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	prompt           TEXT NOT NULL,
	task_messages    INTEGER NOT NULL DEFAULT 0,
	skill_messages   INTEGER NOT NULL DEFAULT 0,
	delta_updates    INTEGER NOT NULL DEFAULT 0,
	skill_sessions   INTEGER NOT NULL DEFAULT 0,
	prompt_tokens    INTEGER NOT NULL DEFAULT 0,
	playbook_version INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_messages (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	tool_name  TEXT NOT NULL DEFAULT '',
	tool_id    TEXT NOT NULL DEFAULT '',
	tool_input TEXT NOT NULL DEFAULT '',
	is_error   INTEGER NOT NULL DEFAULT 0,
	annotation TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	UNIQUE(run_id, seq)
);

CREATE TABLE IF NOT EXISTS audit_log (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	tool       TEXT NOT NULL,
	tool_id    TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_messages_run ON run_messages(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_run ON audit_log(run_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveRun 在单个事务内写入运行头、全部消息和审计记录。
// SaveRun persists the run header, its full message log and the audit trail
// in one transaction. A run id may only be saved once.
func (s *Store) SaveRun(meta RunMeta, records []event.Record, audit []hooks.AuditRecord) error {
	if meta.ID == "" {
		return fmt.Errorf("save run: empty run id")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = nowUTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs
		(id, prompt, task_messages, skill_messages, delta_updates, skill_sessions, prompt_tokens, playbook_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Prompt, meta.TaskMessages, meta.SkillMessages,
		meta.DeltaUpdates, meta.SkillSessions, meta.PromptTokens,
		meta.PlaybookVersion, meta.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", meta.ID, err)
	}

	msgStmt, err := tx.Prepare(`INSERT INTO run_messages
		(run_id, seq, kind, text, tool_name, tool_id, tool_input, is_error, annotation, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer msgStmt.Close()

	for i, r := range records {
		input, err := marshalField(r.ToolInput)
		if err != nil {
			return fmt.Errorf("encode tool input for seq %d: %w", i, err)
		}
		tags, err := marshalField(r.Tags)
		if err != nil {
			return fmt.Errorf("encode tags for seq %d: %w", i, err)
		}
		if _, err := msgStmt.Exec(meta.ID, i, r.Kind, r.Text, r.ToolName, r.ToolID,
			input, boolToInt(r.IsError), r.Annotation, tags, r.Timestamp); err != nil {
			return fmt.Errorf("insert message seq %d: %w", i, err)
		}
	}

	auditStmt, err := tx.Prepare(`INSERT INTO audit_log (run_id, tool, tool_id, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer auditStmt.Close()

	for _, a := range audit {
		if _, err := auditStmt.Exec(meta.ID, a.ToolName, a.ToolID,
			a.Timestamp.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save run: %w", err)
	}
	return nil
}

// ListRuns returns run headers ordered most recent first.
func (s *Store) ListRuns() ([]RunMeta, error) {
	rows, err := s.db.Query(`SELECT id, prompt, task_messages, skill_messages,
		delta_updates, skill_sessions, prompt_tokens, playbook_version, created_at
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunMeta
	for rows.Next() {
		var m RunMeta
		var created string
		if err := rows.Scan(&m.ID, &m.Prompt, &m.TaskMessages, &m.SkillMessages,
			&m.DeltaUpdates, &m.SkillSessions, &m.PromptTokens,
			&m.PlaybookVersion, &created); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadMessages returns the archived message log for one run in order.
func (s *Store) LoadMessages(runID string) ([]event.Record, error) {
	rows, err := s.db.Query(`SELECT kind, text, tool_name, tool_id, tool_input,
		is_error, annotation, tags, created_at
		FROM run_messages WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var r event.Record
		var input, tags string
		var isError int
		if err := rows.Scan(&r.Kind, &r.Text, &r.ToolName, &r.ToolID, &input,
			&isError, &r.Annotation, &tags, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.IsError = isError != 0
		if input != "" {
			if err := json.Unmarshal([]byte(input), &r.ToolInput); err != nil {
				return nil, fmt.Errorf("decode tool input: %w", err)
			}
		}
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
				return nil, fmt.Errorf("decode tags: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadAudit returns the archived guard audit trail for one run.
func (s *Store) LoadAudit(runID string) ([]hooks.AuditRecord, error) {
	rows, err := s.db.Query(`SELECT tool, tool_id, created_at
		FROM audit_log WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("load audit for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []hooks.AuditRecord
	for rows.Next() {
		var a hooks.AuditRecord
		var created string
		if err := rows.Scan(&a.ToolName, &a.ToolID, &created); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		a.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func marshalField(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
