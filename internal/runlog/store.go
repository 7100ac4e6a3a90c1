// Package runlog records pipeline runs and per-stage events in a SQLite
// manifest, so a cohort's processing history survives across invocations.
// A nil *Run is valid everywhere and records nothing, which keeps the
// callers free of conditionals when the manifest is disabled.
package runlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open creates or opens the run manifest at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			dataset_root      TEXT,
			atlas             TEXT,
			registration_mode TEXT,
			started_at        TIMESTAMP,
			finished_at       TIMESTAMP,
			status            TEXT
		);
		CREATE TABLE IF NOT EXISTS stage_events (
			event_id          TEXT PRIMARY KEY,
			run_id            TEXT,
			stage             TEXT,
			unit              TEXT,
			action            TEXT,
			detail            TEXT,
			timestamp         TIMESTAMP,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create run log schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Run is one pipeline invocation. All methods are safe on a nil receiver.
type Run struct {
	store *Store
	id    string
}

// StartRun opens a run record and returns its handle.
func (s *Store) StartRun(datasetRoot, atlas, mode string) (*Run, error) {
	if s == nil {
		return nil, nil
	}
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, dataset_root, atlas, registration_mode, started_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, datasetRoot, atlas, mode, time.Now().UTC(), "running",
	)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &Run{store: s, id: id}, nil
}

// ID returns the run identifier, empty for a nil run.
func (r *Run) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// StageEvent records one stage action for one unit. Actions are "run",
// "cached", "skip" and "fail"; detail carries a human-readable note.
// Recording failures are logged by callers, never fatal.
func (r *Run) StageEvent(stage, unit, action, detail string) error {
	if r == nil {
		return nil
	}
	_, err := r.store.db.Exec(
		`INSERT INTO stage_events (event_id, run_id, stage, unit, action, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), r.id, stage, unit, action, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record stage event: %w", err)
	}
	return nil
}

// Finish closes the run record with the given status ("ok" or "failed").
func (r *Run) Finish(status string) error {
	if r == nil {
		return nil
	}
	_, err := r.store.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ? WHERE run_id = ?`,
		time.Now().UTC(), status, r.id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID         string
	Status     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Events     int
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs() ([]RunSummary, error) {
	rows, err := s.db.Query(`
		SELECT r.run_id, r.status, r.started_at, r.finished_at,
		       (SELECT COUNT(*) FROM stage_events e WHERE e.run_id = r.run_id)
		FROM runs r ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		if err := rows.Scan(&rs.ID, &rs.Status, &rs.StartedAt, &rs.FinishedAt, &rs.Events); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
