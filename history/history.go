// Package history records one row per completed training step in
// Postgres, for offline run analysis. The store is optional; training
// proceeds without it.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type Store struct {
	db *sql.DB
}

func New(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the steps table when it does not exist yet.
func (s *Store) EnsureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS training_steps (
		run_id TEXT NOT NULL,
		step BIGINT NOT NULL,
		update_mode TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		grad_norm DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, step)
	);`)
	return err
}

// InsertStep records a completed step.
func (s *Store) InsertStep(runID string, step int64, updateMode string, duration time.Duration, gradNorm float64) error {
	_, err := s.db.Exec(
		"INSERT INTO training_steps (run_id, step, update_mode, duration_ms, grad_norm, recorded_at) VALUES($1, $2, $3, $4, $5, $6);",
		runID, step, updateMode, duration.Milliseconds(), gradNorm, time.Now().UTC(),
	)
	return err
}

// LastStep returns the highest recorded step for a run, 0 when none.
func (s *Store) LastStep(runID string) (int64, error) {
	var step int64
	err := s.db.QueryRow("SELECT COALESCE(MAX(step), 0) FROM training_steps WHERE run_id = $1", runID).Scan(&step)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return step, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
