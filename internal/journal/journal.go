// Package journal keeps a local SQLite record of every answer commit and session run.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rbright/candor/internal/answer"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FileName is the database file created inside the state directory.
const FileName = "journal.db"

// Entry is one save-state change of one answer.
type Entry struct {
	Token      string
	QuestionID string
	State      answer.SaveState
	VideoRef   string
	TextLength int
	Error      string
	At         time.Time
}

// Run is one session run recorded by the owner process.
type Run struct {
	Token      string
	RunID      string
	Outcome    string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store wraps the journal database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the journal at path and applies pending migrations.
// Pass ":memory:" for an in-memory journal.
func Open(path string) (*Store, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, errors.New("journal path is empty")
	}
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging journal: %w", err)
	}

	// One connection keeps ":memory:" a single database and avoids "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Answers ---

// Record upserts the latest state of an answer and appends the change to its history.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Token == "" || e.QuestionID == "" {
		return errors.New("journal entry needs a token and a question id")
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	at := formatTime(e.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning journal transaction: %w", err)
	}
	defer tx.Rollback()

	// A later state without a video ref keeps the ref already recorded.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO answers (token, question_id, state, video_ref, text_length, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token, question_id) DO UPDATE SET
			state = excluded.state,
			video_ref = CASE WHEN excluded.video_ref != '' THEN excluded.video_ref ELSE answers.video_ref END,
			text_length = excluded.text_length,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		e.Token, e.QuestionID, string(e.State), e.VideoRef, e.TextLength, e.Error, at,
	); err != nil {
		return fmt.Errorf("upserting answer: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO answer_events (token, question_id, state, video_ref, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Token, e.QuestionID, string(e.State), e.VideoRef, e.Error, at,
	); err != nil {
		return fmt.Errorf("appending answer event: %w", err)
	}

	return tx.Commit()
}

// Answers returns the latest state of every answer recorded for token.
func (s *Store) Answers(ctx context.Context, token string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, question_id, state, video_ref, text_length, error, updated_at
		FROM answers WHERE token = ? ORDER BY rowid ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("querying answers: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var state, at string
		if err := rows.Scan(&e.Token, &e.QuestionID, &state, &e.VideoRef, &e.TextLength, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("scanning answer: %w", err)
		}
		e.State = answer.SaveState(state)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// History returns the save-state changes for token in the order they happened.
func (s *Store) History(ctx context.Context, token string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, question_id, state, video_ref, error, created_at
		FROM answer_events WHERE token = ? ORDER BY id ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("querying answer events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var state, at string
		if err := rows.Scan(&e.Token, &e.QuestionID, &state, &e.VideoRef, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("scanning answer event: %w", err)
		}
		e.State = answer.SaveState(state)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Runs ---

// BeginRun records that the owner process started running token.
func (s *Store) BeginRun(ctx context.Context, token string, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, run_id, outcome, started_at, finished_at)
		VALUES (?, ?, '', ?, NULL)
		ON CONFLICT(token) DO UPDATE SET
			run_id = excluded.run_id,
			outcome = '',
			started_at = excluded.started_at,
			finished_at = NULL`,
		token, runID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun records the terminal outcome of the latest run of token.
func (s *Store) FinishRun(ctx context.Context, token string, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET outcome = ?, finished_at = ? WHERE token = ?`,
		outcome, formatTime(s.now()), token)
	if err != nil {
		return fmt.Errorf("recording run outcome: %w", err)
	}
	return nil
}

// Runs returns recorded runs, most recent first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, run_id, outcome, started_at, finished_at
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.Token, &r.RunID, &r.Outcome, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, err
			}
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing journal timestamp %q: %w", raw, err)
	}
	return t, nil
}
