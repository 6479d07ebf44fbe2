package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = fmt.Errorf("not found")

// JobsRepo persists ingestion jobs.
type JobsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Create inserts a new PENDING job and returns it.
func (r *JobsRepo) Create(ctx context.Context, pair, timeframe, exchange string, priority int) (*IngestionJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	job := &IngestionJob{
		ID:        uuid.NewString(),
		Pair:      pair,
		Timeframe: timeframe,
		Exchange:  exchange,
		Status:    JobPending,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ingestion_job (id, pair, timeframe, exchange, status, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Pair, job.Timeframe, job.Exchange, job.Status, job.Priority, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion job: %w", err)
	}
	return job, nil
}

// Get fetches a job by id.
func (r *JobsRepo) Get(ctx context.Context, id string) (*IngestionJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var job IngestionJob
	err := r.db.GetContext(ctx, &job, `SELECT * FROM ingestion_job WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion job: %w", err)
	}
	return &job, nil
}

// MarkRunning transitions PENDING -> RUNNING and stamps started_at.
func (r *JobsRepo) MarkRunning(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, JobRunning, nil)
}

// MarkCompleted transitions to COMPLETED and stamps completed_at.
func (r *JobsRepo) MarkCompleted(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, JobCompleted, nil)
}

// MarkFailed transitions to FAILED and records the error message.
func (r *JobsRepo) MarkFailed(ctx context.Context, id string, msg string) error {
	return r.setStatus(ctx, id, JobFailed, &msg)
}

// Cancel requests cancellation; the ingestor observes it between chunks.
func (r *JobsRepo) Cancel(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, JobCancelled, nil)
}

func (r *JobsRepo) setStatus(ctx context.Context, id, status string, msg *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_job
		SET status = $2,
		    error_message = COALESCE($3, error_message),
		    started_at = CASE WHEN $2 = 'RUNNING' THEN now() ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('COMPLETED','FAILED','CANCELLED') THEN now() ELSE completed_at END
		WHERE id = $1`, id, status, msg)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress persists per-chunk counters.
func (r *JobsRepo) UpdateProgress(ctx context.Context, id string, fetched, stored int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_job SET candles_fetched = $2, candles_stored = $3 WHERE id = $1`,
		id, fetched, stored)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// List returns recent jobs, optionally filtered by status.
func (r *JobsRepo) List(ctx context.Context, status string, limit int) ([]IngestionJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	var jobs []IngestionJob
	var err error
	if status != "" {
		err = r.db.SelectContext(ctx, &jobs, `
			SELECT * FROM ingestion_job WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	} else {
		err = r.db.SelectContext(ctx, &jobs, `
			SELECT * FROM ingestion_job ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion jobs: %w", err)
	}
	return jobs, nil
}
