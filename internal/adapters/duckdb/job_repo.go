package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deckforge/internal/core/domain"
	"deckforge/internal/core/ports"
)

var _ ports.JobStore = (*Repository)(nil)

func (r *Repository) Create(ctx context.Context, subjectKey string, opts domain.GenerateOptions) (domain.JobID, error) {
	id := domain.JobID(uuid.New().String())
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal options: %w", err)
	}

	now := time.Now().UTC()
	query := `
	INSERT INTO jobs (id, subject_key, status, progress, message, options, created_at, updated_at, expires_at)
	VALUES (?, ?, ?, 0, 'Queued', ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		id, subjectKey, domain.JobStatusQueued, string(optsJSON),
		now, now, now.Add(r.retention),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	r.logger.Info("job created", "job_id", id, "subject_key", subjectKey)
	return id, nil
}

const jobColumns = `id, subject_key, status, progress, message, options, result, error, cancel_requested, created_at, updated_at, expires_at`

func (r *Repository) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE expires_at > ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Start is the queued -> running compare-and-set.
func (r *Repository) Start(ctx context.Context, id domain.JobID) error {
	query := `UPDATE jobs SET status = ?, message = 'Starting generation', updated_at = ? WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, domain.JobStatusRunning, time.Now().UTC(), id, domain.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to start job %s: %w", id, err)
	}
	return r.checkTransition(ctx, res, id)
}

// Update writes progress and message. Rejected once the job is terminal so a
// duplicate worker cannot resurrect a finished job.
func (r *Repository) Update(ctx context.Context, id domain.JobID, progress int, message string) error {
	query := `UPDATE jobs SET progress = ?, message = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, progress, message, time.Now().UTC(), id, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return r.checkTransition(ctx, res, id)
}

// Complete is the running -> completed compare-and-set. Calling it on an
// already-terminal job returns ErrJobTerminal and leaves the row untouched.
func (r *Repository) Complete(ctx context.Context, id domain.JobID, result *domain.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
	UPDATE jobs SET status = ?, progress = 100, message = 'Completed', result = ?, error = NULL, updated_at = ?
	WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, domain.JobStatusCompleted, string(resultJSON), time.Now().UTC(), id, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	if err := r.checkTransition(ctx, res, id); err != nil {
		return err
	}

	r.logger.Info("job completed", "job_id", id, "artifact_ref", result.ArtifactRef)
	return nil
}

// Fail moves a queued or running job to failed with a structured error.
func (r *Repository) Fail(ctx context.Context, id domain.JobID, jobErr domain.JobError) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("failed to marshal job error: %w", err)
	}

	query := `
	UPDATE jobs SET status = ?, message = ?, error = ?, result = NULL, updated_at = ?
	WHERE id = ? AND status IN (?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		domain.JobStatusFailed, "Failed: "+jobErr.Detail, string(errJSON), time.Now().UTC(),
		id, domain.JobStatusQueued, domain.JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	if err := r.checkTransition(ctx, res, id); err != nil {
		return err
	}

	r.logger.Info("job failed", "job_id", id, "kind", jobErr.Kind, "detail", jobErr.Detail)
	return nil
}

func (r *Repository) RequestCancel(ctx context.Context, id domain.JobID) error {
	query := `UPDATE jobs SET cancel_requested = true, updated_at = ? WHERE id = ? AND status IN (?, ?)`
	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id, domain.JobStatusQueued, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to request cancel for job %s: %w", id, err)
	}
	return r.checkTransition(ctx, res, id)
}

// checkTransition distinguishes "no such job" from "guard rejected the write"
// when a guarded UPDATE touched zero rows.
func (r *Repository) checkTransition(ctx context.Context, res sql.Result, id domain.JobID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w (status=%s)", domain.ErrJobTerminal, status)
}

func (r *Repository) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Repository) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs WHERE expires_at > ? GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[domain.JobStatus(status)] = count
	}
	return stats, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var idStr, statusStr, optsJSON string
	var resultJSON, errJSON *string

	err := row.Scan(
		&idStr, &job.SubjectKey, &statusStr, &job.Progress, &job.Message,
		&optsJSON, &resultJSON, &errJSON, &job.CancelRequested,
		&job.CreatedAt, &job.UpdatedAt, &job.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	job.ID = domain.JobID(idStr)
	job.Status = domain.JobStatus(statusStr)
	if err := json.Unmarshal([]byte(optsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options for job %s: %w", idStr, err)
	}
	if resultJSON != nil {
		job.Result = &domain.JobResult{}
		if err := json.Unmarshal([]byte(*resultJSON), job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result for job %s: %w", idStr, err)
		}
	}
	if errJSON != nil {
		job.Error = &domain.JobError{}
		if err := json.Unmarshal([]byte(*errJSON), job.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error for job %s: %w", idStr, err)
		}
	}
	return &job, nil
}
