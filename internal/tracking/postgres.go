package tracking

import (
	"context"
	"database/sql"
	"time"
)

type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) StartRun(ctx context.Context, name string) (Run, error) {
	run := Run{ID: newRunID(), Name: name, StartedAt: time.Now().UTC()}
	query := `INSERT INTO experiment_runs (id, name, status, started_at) VALUES ($1, $2, 'running', $3)`
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.Name, run.StartedAt); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *PostgresSink) RecordParams(ctx context.Context, runID string, params map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO experiment_params (run_id, key, value) VALUES ($1, $2, $3) ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value`
	for k, v := range params {
		if _, err := tx.ExecContext(ctx, query, runID, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresSink) RecordMetric(ctx context.Context, runID, name string, value float64, step int) error {
	query := `INSERT INTO experiment_metrics (run_id, name, value, step, recorded_at) VALUES ($1, $2, $3, $4, NOW())`
	_, err := s.db.ExecContext(ctx, query, runID, name, value, step)
	return err
}

func (s *PostgresSink) RecordArtifact(ctx context.Context, runID, name string, blob []byte) error {
	query := `INSERT INTO experiment_artifacts (run_id, name, content, created_at) VALUES ($1, $2, $3, NOW()) ON CONFLICT (run_id, name) DO UPDATE SET content = EXCLUDED.content`
	_, err := s.db.ExecContext(ctx, query, runID, name, blob)
	return err
}

func (s *PostgresSink) EndRun(ctx context.Context, runID, status string) error {
	query := `UPDATE experiment_runs SET status = $1, ended_at = NOW() WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, status, runID)
	return err
}
