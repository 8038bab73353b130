package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// RunContext identifies the current experiment invocation.
type RunContext struct {
	Experiment string
	RunID      string
}

const defaultExperiment = "default"

// Reporter receives run metrics. Only the head reports.
type Reporter interface {
	Log(ctx context.Context, key string, value float64) error
	Complete(ctx context.Context, status RunStatus, exitCode int) error
}

type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

// commandRecorder is implemented by reporters that keep the sampler command line.
type commandRecorder interface {
	SetCommand(ctx context.Context, command string) error
}

type discardReporter struct{}

func (discardReporter) Log(context.Context, string, float64) error     { return nil }
func (discardReporter) Complete(context.Context, RunStatus, int) error { return nil }

// ResolveRunContext agrees on one RunContext across the group. The head's
// experiment name wins, and the head fills in a fresh run id when none was
// supplied, so every rank resolves the same artifact paths.
func ResolveRunContext(ctx context.Context, comm Communicator, experiment, runID string) (RunContext, error) {
	if experiment == "" {
		experiment = defaultExperiment
	}
	if comm.Rank() == 0 && runID == "" {
		runID = uuid.NewString()
	}
	exp, err := comm.Broadcast(ctx, experiment)
	if err != nil {
		return RunContext{}, fmt.Errorf("agree on experiment: %w", err)
	}
	id, err := comm.Broadcast(ctx, runID)
	if err != nil {
		return RunContext{}, fmt.Errorf("agree on run id: %w", err)
	}
	return RunContext{Experiment: exp, RunID: id}, nil
}

//
// Tracking store (sqlite, on the head's local disk)
//

type TrackedRun struct {
	ID             int64
	Experiment     string
	RunID          string
	Status         string
	ExitCode       sql.NullInt64
	Command        string
	CreatedAt      time.Time
	CompletedAt    time.Time
	ConfigSnapshot string
	Metrics        []Metric
}

type Metric struct {
	Key      string
	Value    float64
	LoggedAt time.Time
}

type Store struct {
	db *sql.DB
}

func defaultTrackingDB() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "runs.db"), nil
}

func OpenStore(path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = defaultTrackingDB(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure tracking directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initSchema(db *sql.DB) error {
	const createRuns = `
CREATE TABLE IF NOT EXISTS runs (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  experiment      TEXT,
  run_id          TEXT UNIQUE,
  status          TEXT,
  exit_code       INTEGER,
  command         TEXT,
  created_at      TEXT,
  completed_at    TEXT,
  config_snapshot TEXT
);`
	const createMetrics = `
CREATE TABLE IF NOT EXISTS metrics (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id    TEXT,
  key       TEXT,
  value     REAL,
  logged_at TEXT
);`
	for _, stmt := range []string{createRuns, createMetrics} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// StartRun records rc as RUNNING and returns a Reporter bound to it.
func (s *Store) StartRun(ctx context.Context, rc RunContext, snapshot string) (*RunReporter, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (experiment, run_id, status, exit_code, command, created_at, completed_at, config_snapshot)
         VALUES (?, ?, ?, NULL, '', ?, '', ?)
         ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, config_snapshot = excluded.config_snapshot`,
		rc.Experiment, rc.RunID, string(RunStatusRunning), now, snapshot,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &RunReporter{store: s, runID: rc.RunID}, nil
}

// RunReporter writes metrics for one run.
type RunReporter struct {
	store *Store
	runID string
}

func (r *RunReporter) Log(ctx context.Context, key string, value float64) error {
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO metrics (run_id, key, value, logged_at) VALUES (?, ?, ?, ?)`,
		r.runID, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("log metric %s: %w", key, err)
	}
	return nil
}

func (r *RunReporter) SetCommand(ctx context.Context, command string) error {
	_, err := r.store.db.ExecContext(ctx, `UPDATE runs SET command = ? WHERE run_id = ?`, command, r.runID)
	return err
}

func (r *RunReporter) Complete(ctx context.Context, status RunStatus, exitCode int) error {
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, completed_at = ? WHERE run_id = ?`,
		string(status), exitCode, time.Now().UTC().Format(time.RFC3339), r.runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context) ([]TrackedRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment, run_id, status, exit_code, created_at FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []TrackedRun
	for rows.Next() {
		var (
			run     TrackedRun
			created sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Experiment, &run.RunID, &run.Status, &run.ExitCode, &created); err != nil {
			return nil, err
		}
		run.CreatedAt = parseStamp(created)
		out = append(out, run)
	}
	return out, rows.Err()
}

// LoadRun looks a run up by run id, or by numeric row id.
func (s *Store) LoadRun(ctx context.Context, key string) (*TrackedRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment, run_id, status, exit_code, command, created_at, completed_at, config_snapshot
           FROM runs WHERE run_id = ? OR CAST(id AS TEXT) = ? ORDER BY (run_id = ?) DESC LIMIT 1`, key, key, key)
	var (
		run                TrackedRun
		created, completed sql.NullString
		command, snapshot  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Experiment, &run.RunID, &run.Status, &run.ExitCode,
		&command, &created, &completed, &snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no run %s", key)
		}
		return nil, err
	}
	run.Command = command.String
	run.ConfigSnapshot = snapshot.String
	run.CreatedAt = parseStamp(created)
	run.CompletedAt = parseStamp(completed)

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, logged_at FROM metrics WHERE run_id = ? ORDER BY id`, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m  Metric
			at sql.NullString
		)
		if err := rows.Scan(&m.Key, &m.Value, &at); err != nil {
			return nil, err
		}
		m.LoggedAt = parseStamp(at)
		run.Metrics = append(run.Metrics, m)
	}
	return &run, rows.Err()
}

func parseStamp(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s.String); err == nil {
		return t
	}
	return time.Time{}
}
