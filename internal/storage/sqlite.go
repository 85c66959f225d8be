package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer keeps seq allocation and the run-row update serialized.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		problem TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		current_step_index INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		final_output TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		seq INTEGER NOT NULL,
		ts TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		UNIQUE(run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `run_id, problem, status, current_step_index, total_steps, created_at,
	started_at, updated_at, completed_at, final_output, error`

func (s *Storage) CreateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Problem, run.Status, run.CurrentStepIndex, run.TotalSteps,
		formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTime(run.UpdatedAt),
		formatTimePtr(run.CompletedAt), nullString(run.FinalOutput), nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Storage) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *Storage) UpdateRun(run *models.Run) error {
	return updateRun(s.db, run)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func updateRun(db execer, run *models.Run) error {
	res, err := db.Exec(
		`UPDATE runs SET status = ?, current_step_index = ?, total_steps = ?, started_at = ?,
		 updated_at = ?, completed_at = ?, final_output = ?, error = ? WHERE run_id = ?`,
		run.Status, run.CurrentStepIndex, run.TotalSteps, formatTimePtr(run.StartedAt),
		formatTime(run.UpdatedAt), formatTimePtr(run.CompletedAt),
		nullString(run.FinalOutput), nullString(run.Error), run.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *Storage) ListRunsByStatus(statuses ...models.RunStatus) ([]*models.Run, error) {
	var runs []*models.Run
	for _, st := range statuses {
		batch, err := s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at`, st)
		if err != nil {
			return nil, err
		}
		runs = append(runs, batch...)
	}
	return runs, nil
}

func (s *Storage) queryRuns(query string, args ...any) ([]*models.Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var createdAt, updatedAt string
	var startedAt, completedAt, finalOutput, runErr sql.NullString

	err := row.Scan(
		&run.ID, &run.Problem, &run.Status, &run.CurrentStepIndex, &run.TotalSteps,
		&createdAt, &startedAt, &updatedAt, &completedAt, &finalOutput, &runErr,
	)
	if err != nil {
		return nil, err
	}

	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	run.FinalOutput = finalOutput.String
	run.Error = runErr.String

	return &run, nil
}

// AppendEvent stores ev as the next event of run and writes the run row in
// the same transaction. The returned event carries its assigned sequence.
func (s *Storage) AppendEvent(run *models.Run, ev events.Event) (events.Event, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?`, run.ID).Scan(&seq)
	if err != nil {
		return ev, err
	}

	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}
	if _, err := tx.Exec(
		`INSERT INTO events (run_id, seq, ts, type, data) VALUES (?, ?, ?, ?, ?)`,
		run.ID, seq, formatTime(ev.TS), string(ev.Type), data,
	); err != nil {
		return ev, fmt.Errorf("insert event: %w", err)
	}
	if err := updateRun(tx, run); err != nil {
		return ev, fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}

	ev.Seq = seq
	return ev, nil
}

// EventsAfter returns the run's events with a sequence greater than after,
// in order.
func (s *Storage) EventsAfter(runID string, after int64) ([]events.Event, error) {
	rows, err := s.db.Query(
		`SELECT seq, ts, type, data FROM events WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, after,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []events.Event
	for rows.Next() {
		var ev events.Event
		var ts, typ, data string
		if err := rows.Scan(&ev.Seq, &ts, &typ, &data); err != nil {
			return nil, err
		}
		if ev.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		ev.Type = events.Type(typ)
		ev.Data = []byte(data)
		evs = append(evs, ev)
	}

	return evs, rows.Err()
}

func (s *Storage) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE run_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FormatTimeAgo renders t relative to now for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
