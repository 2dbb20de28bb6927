// Package journal keeps an append-only SQLite record of pipeline runs: every
// stage transition and every provider attempt. It is diagnostic only; the
// project document stays the source of truth.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"crewplan/internal/logging"
	"crewplan/internal/perception"
	"crewplan/internal/pipeline"
	"crewplan/internal/usage"
)

// Journal is safe for concurrent use.
type Journal struct {
	db     *sql.DB
	dbPath string
}

// Run summarizes one coordinator run.
type Run struct {
	RunID        string
	ProjectID    string
	StartedAt    time.Time
	LastAt       time.Time
	Transitions  int
	Attempts     int
	InputTokens  int
	OutputTokens int
}

// TransitionRow is a stored stage transition.
type TransitionRow struct {
	RunID    string
	Stage    string
	From     string
	To       string
	Err      string
	At       time.Time
	Duration time.Duration
}

// AttemptRow is a stored provider attempt.
type AttemptRow struct {
	RunID           string
	Role            string
	Model           string
	Number          int
	Kind            string
	MaxOutputTokens int
	InputTokens     int
	OutputTokens    int
	Duration        time.Duration
	Err             string
	At              time.Time
}

// Open creates or opens the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One writer; batches record attempts concurrently.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	j := &Journal{db: db, dbPath: path}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.JournalDebug("journal opened at %s", path)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.dbPath
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		last_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		error TEXT,
		at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		role TEXT NOT NULL,
		model TEXT NOT NULL,
		number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		max_output_tokens INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(run_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *Journal) touchRun(ctx context.Context, runID, projectID string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, project_id, started_at, last_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET last_at = excluded.last_at`,
		runID, projectID, ts, ts)
	return err
}

// RecordTransition implements pipeline.Recorder.
func (j *Journal) RecordTransition(ctx context.Context, t pipeline.Transition) {
	ctx = context.WithoutCancel(ctx)
	if err := j.touchRun(ctx, t.RunID, t.ProjectID, t.At); err != nil {
		logging.JournalWarn("failed to record run %s: %v", t.RunID, err)
		return
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO transitions (run_id, project_id, stage, from_status, to_status, error, at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.ProjectID, t.Stage, string(t.From), string(t.To), t.Err,
		t.At.UTC().Format(time.RFC3339Nano), t.Duration.Milliseconds())
	if err != nil {
		logging.JournalWarn("failed to record transition %s %s->%s: %v", t.Stage, t.From, t.To, err)
	}
}

// RecordAttempt implements perception.AttemptRecorder. The run and project
// come from ctx.
func (j *Journal) RecordAttempt(ctx context.Context, a perception.Attempt) {
	runID := pipeline.RunIDFromContext(ctx)
	projectID := usage.ProjectFromContext(ctx)
	ctx = context.WithoutCancel(ctx)
	now := time.Now()
	if runID != "" {
		if err := j.touchRun(ctx, runID, projectID, now); err != nil {
			logging.JournalWarn("failed to record run %s: %v", runID, err)
		}
	}
	var errText string
	if a.Err != nil {
		errText = a.Err.Error()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, project_id, role, model, number, kind, max_output_tokens,
			input_tokens, output_tokens, duration_ms, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, projectID, string(a.Role), a.Model, a.Number, string(a.Kind), a.MaxOutputTokens,
		a.Usage.InputTokens, a.Usage.OutputTokens, a.Duration.Milliseconds(), errText,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		logging.JournalWarn("failed to record attempt %s #%d: %v", a.Role, a.Number, err)
	}
}

// Runs lists a project's runs, newest first.
func (j *Journal) Runs(ctx context.Context, projectID string) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT r.run_id, r.project_id, r.started_at, r.last_at,
			(SELECT COUNT(*) FROM transitions t WHERE t.run_id = r.run_id),
			(SELECT COUNT(*) FROM attempts a WHERE a.run_id = r.run_id),
			(SELECT COALESCE(SUM(input_tokens), 0) FROM attempts a WHERE a.run_id = r.run_id),
			(SELECT COALESCE(SUM(output_tokens), 0) FROM attempts a WHERE a.run_id = r.run_id)
		FROM runs r
		WHERE r.project_id = ?
		ORDER BY r.started_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, last string
		if err := rows.Scan(&r.RunID, &r.ProjectID, &started, &last,
			&r.Transitions, &r.Attempts, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.LastAt = parseTime(last)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transitions lists a run's stage transitions in order.
func (j *Journal) Transitions(ctx context.Context, runID string) ([]TransitionRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, stage, from_status, to_status, COALESCE(error, ''), at, duration_ms
		FROM transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var t TransitionRow
		var at string
		var ms int64
		if err := rows.Scan(&t.RunID, &t.Stage, &t.From, &t.To, &t.Err, &at, &ms); err != nil {
			return nil, err
		}
		t.At = parseTime(at)
		t.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// Attempts lists a run's provider attempts in order.
func (j *Journal) Attempts(ctx context.Context, runID string) ([]AttemptRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, role, model, number, kind, max_output_tokens, input_tokens, output_tokens,
			duration_ms, COALESCE(error, ''), at
		FROM attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var a AttemptRow
		var at string
		var ms int64
		if err := rows.Scan(&a.RunID, &a.Role, &a.Model, &a.Number, &a.Kind, &a.MaxOutputTokens,
			&a.InputTokens, &a.OutputTokens, &ms, &a.Err, &at); err != nil {
			return nil, err
		}
		a.At = parseTime(at)
		a.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
