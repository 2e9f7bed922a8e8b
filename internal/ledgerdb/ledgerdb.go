// Package ledgerdb persists run provenance to a sqlite file inside the run
// folder: the run parameters and one row per frame outcome, for post-hoc
// auditing and comparison across runs.
package ledgerdb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the provenance database.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) a provenance database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledgerdb: open %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			mode TEXT NOT NULL,
			strategy TEXT NOT NULL,
			schedule TEXT NOT NULL,
			reference_index INTEGER NOT NULL,
			start_index INTEGER NOT NULL,
			frames INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS frame_outcomes (
			run_id TEXT NOT NULL,
			frame_index INTEGER NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			error TEXT,
			duration_ms INTEGER,
			PRIMARY KEY(run_id, frame_index),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledgerdb: create schema: %w", err)
	}

	return &DB{db}, nil
}

// RunRecord describes one motion-correction run.
type RunRecord struct {
	RunID          string
	StartedAt      time.Time
	Mode           string
	Strategy       string
	Schedule       string
	ReferenceIndex int
	StartIndex     int
	Frames         int
}

// FrameRecord is one frame's terminal outcome.
type FrameRecord struct {
	Index    int
	State    string
	Reason   string
	Error    string
	Duration time.Duration
}

// RecordRun inserts the run row.
func (db *DB) RecordRun(r RunRecord) error {
	_, err := db.Exec(
		`INSERT INTO runs (run_id, started_at, mode, strategy, schedule, reference_index, start_index, frames)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.StartedAt, r.Mode, r.Strategy, r.Schedule, r.ReferenceIndex, r.StartIndex, r.Frames)
	if err != nil {
		return fmt.Errorf("ledgerdb: record run %s: %w", r.RunID, err)
	}
	return nil
}

// RecordOutcomes inserts one row per frame outcome for the run.
func (db *DB) RecordOutcomes(runID string, frames []FrameRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("ledgerdb: begin: %w", err)
	}
	for _, f := range frames {
		_, err := tx.Exec(
			`INSERT INTO frame_outcomes (run_id, frame_index, state, reason, error, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, f.Index, f.State, f.Reason, f.Error, f.Duration.Milliseconds())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("ledgerdb: record frame %d of run %s: %w", f.Index, runID, err)
		}
	}
	return tx.Commit()
}

// FrameStates returns the recorded state per frame index for a run.
func (db *DB) FrameStates(runID string) (map[int]string, error) {
	rows, err := db.Query(
		`SELECT frame_index, state FROM frame_outcomes WHERE run_id = ? ORDER BY frame_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledgerdb: query run %s: %w", runID, err)
	}
	defer rows.Close()

	states := make(map[int]string)
	for rows.Next() {
		var idx int
		var state string
		if err := rows.Scan(&idx, &state); err != nil {
			return nil, fmt.Errorf("ledgerdb: scan run %s: %w", runID, err)
		}
		states[idx] = state
	}
	return states, rows.Err()
}
