// Package store persists report runs to SQLite so results can be queried
// with ordinary SQL after the fact.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/theirongolddev/telreport/internal/report"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Store is a SQLite database of saved runs.
type Store struct {
	db *sql.DB
}

// Run is the summary row of one saved report.
type Run struct {
	ID            string
	GeneratedAt   time.Time
	SavedAt       time.Time
	Source        string
	InputDigest   string
	TotalSessions int
	TotalEvents   int
	SkippedLines  int
}

// Open opens or creates the database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores doc as a new run and returns its generated ID.
func (s *Store) SaveRun(ctx context.Context, doc *report.Document) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	runID := uuid.New().String()
	st := doc.Statistics
	d := doc.Diagnostics

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, generated_at, saved_at, source, input_digest, schema_version,
		 total_sessions, open_sessions, total_events, unassigned_events,
		 skipped_lines, malformed_samples, schema_gaps, file_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, formatTime(doc.GeneratedAt), formatTime(time.Now()), doc.Source, doc.InputDigest, doc.SchemaVersion,
		st.TotalSessions, st.OpenSessions, st.TotalEvents, st.UnassignedEvents,
		d.SkippedLines, d.MalformedSamples, d.SchemaGaps, d.FileErrors,
	)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	for _, sess := range doc.Sessions {
		var start, end any
		if sess.StartTime != nil {
			start = formatTime(*sess.StartTime)
		}
		if sess.EndTime != nil {
			end = formatTime(*sess.EndTime)
		}
		var dur, exit any
		if sess.DurationSeconds != nil {
			dur = *sess.DurationSeconds
		}
		if sess.ExitCode != nil {
			exit = *sess.ExitCode
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO sessions
			(run_id, session_id, agent, user_name, user_email, workspace,
			 start_time, end_time, duration_secs, exit_code, event_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, sess.ID, sess.Agent, sess.UserName, sess.UserEmail, sess.Workspace,
			start, end, dur, exit, len(sess.Events),
		)
		if err != nil {
			return "", fmt.Errorf("inserting session %s: %w", sess.ID, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(run_id, seq, session_id, timestamp, kind, source, line, content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer func() { _ = stmt.Close() }()

	seq := 0
	insertEvents := func(events []report.Event) error {
		for _, ev := range events {
			seq++
			var ts any
			if !ev.Timestamp.IsZero() {
				ts = formatTime(ev.Timestamp)
			}
			if _, err := stmt.ExecContext(ctx, runID, seq, ev.SessionID, ts, ev.Kind, ev.Source, ev.Line, report.FlowLine(ev)); err != nil {
				return fmt.Errorf("inserting event %d: %w", seq, err)
			}
		}
		return nil
	}
	for _, sess := range doc.Sessions {
		if err := insertEvents(sess.Events); err != nil {
			return "", err
		}
	}
	if err := insertEvents(doc.Unassigned); err != nil {
		return "", err
	}

	usage := map[string][]report.UsageRow{
		"tool":   st.ToolUsage,
		"server": st.MCPServerUsage,
		"agent":  st.AgentSessions,
		"model":  st.ModelUsage,
	}
	for cat, rows := range usage {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `INSERT INTO usage (run_id, category, name, count) VALUES (?, ?, ?, ?)`,
				runID, cat, r.Name, r.Count); err != nil {
				return "", fmt.Errorf("inserting usage: %w", err)
			}
		}
	}

	totals := make(map[string]map[string]string)
	totals["cost"] = st.TotalCost
	totals["tokens"] = intStrings(st.TokenTotals)
	totals["code_lines"] = intStrings(st.CodeLines)
	for cat, m := range totals {
		for name, v := range m {
			if _, err := tx.ExecContext(ctx, `INSERT INTO totals (run_id, category, name, value) VALUES (?, ?, ?, ?)`,
				runID, cat, name, v); err != nil {
				return "", fmt.Errorf("inserting totals: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing run: %w", err)
	}
	return runID, nil
}

// Runs lists saved runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		run_id, generated_at, saved_at, source, input_digest,
		total_sessions, total_events, skipped_lines
		FROM runs ORDER BY saved_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var gen, saved string
		var digest sql.NullString
		if err := rows.Scan(&r.ID, &gen, &saved, &r.Source, &digest,
			&r.TotalSessions, &r.TotalEvents, &r.SkippedLines); err != nil {
			return nil, err
		}
		r.GeneratedAt, _ = time.Parse(time.RFC3339Nano, gen)
		r.SavedAt, _ = time.Parse(time.RFC3339Nano, saved)
		if digest.Valid {
			r.InputDigest = digest.String
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SessionCount returns how many sessions a saved run holds.
func (s *Store) SessionCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE run_id = ?", runID).Scan(&n)
	return n, err
}

// EventContents returns the rendered events of one session in a run, in order.
func (s *Store) EventContents(ctx context.Context, runID, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT content FROM events WHERE run_id = ? AND session_id = ? ORDER BY seq", runID, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Totals returns the named totals of a run for one category (cost, tokens, code_lines).
func (s *Store) Totals(ctx context.Context, runID, category string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, value FROM totals WHERE run_id = ? AND category = ?", runID, category)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteRun removes a run and everything attached to it.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func intStrings(m map[string]int64) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = strconv.FormatInt(v, 10)
	}
	return out
}
