package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/memorial/internal/models"
	"github.com/google/uuid"
)

const jobColumns = `
	id, template_id, subject_name, birth_date, passed_date, message,
	music_source, music_ref, asset_keys, tier, notify_address,
	status, progress, attempts, error_message, failure_reason, output_key,
	created_at, started_at, completed_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID, &job.TemplateID, &job.SubjectName, &job.BirthDate, &job.PassedDate, &job.Message,
		&job.MusicSource, &job.MusicRef, &job.AssetKeys, &job.Tier, &job.NotifyAddress,
		&job.Status, &job.Progress, &job.Attempts, &job.ErrorMessage, &job.FailureReason, &job.OutputKey,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateJob inserts a queued job. It reports false when a row with the same id
// already exists, which makes upstream resubmission harmless.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) (bool, error) {
	now := db.now()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	query := `
		INSERT INTO jobs (
			id, template_id, subject_name, birth_date, passed_date, message,
			music_source, music_ref, asset_keys, tier, notify_address,
			status, progress, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, 0, $13, $13)
		ON CONFLICT (id) DO NOTHING
	`

	res, err := db.ExecContext(
		ctx, query,
		job.ID, job.TemplateID, job.SubjectName, job.BirthDate, job.PassedDate, job.Message,
		job.MusicSource, job.MusicRef, job.AssetKeys, job.Tier, job.NotifyAddress,
		job.Status, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}
	return n == 1, nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (db *DB) JobExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check job: %w", err)
	}
	return true, nil
}

func (db *DB) jobStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	var status models.JobStatus
	err := db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read job status: %w", err)
	}
	return status, nil
}

// BeginAttempt moves a job into processing for the given attempt. Persisted
// progress is left alone so a redelivered job keeps its last checkpoint.
// It returns ErrJobNotFound for a deleted job and ErrJobCompleted when the job
// has already finished.
func (db *DB) BeginAttempt(ctx context.Context, id uuid.UUID, attempt int) error {
	now := db.now()
	query := `
		UPDATE jobs
		SET status = $1, attempts = $2, started_at = COALESCE(started_at, $3),
			error_message = NULL, failure_reason = NULL, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6, $7)
	`
	res, err := db.ExecContext(ctx, query,
		models.JobStatusProcessing, attempt, now, id,
		models.JobStatusQueued, models.JobStatusProcessing, models.JobStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	status, err := db.jobStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == models.JobStatusCompleted {
		return ErrJobCompleted
	}
	return fmt.Errorf("job %s cannot start from status %s", id, status)
}

// UpdateProgress raises the persisted percentage of a processing job. Lower
// values are ignored.
func (db *DB) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	query := `
		UPDATE jobs SET progress = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND progress < $1
	`
	_, err := db.ExecContext(ctx, query, progress, db.now(), id, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// CompleteJob records the published artifact. Completing an already completed
// job is a no-op.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, outputKey string) error {
	now := db.now()
	query := `
		UPDATE jobs
		SET status = $1, progress = 100, output_key = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	res, err := db.ExecContext(ctx, query, models.JobStatusCompleted, outputKey, now, id, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	status, err := db.jobStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == models.JobStatusCompleted {
		return nil
	}
	return fmt.Errorf("job %s cannot complete from status %s", id, status)
}

// FailJob records a failed attempt. errorMessage is internal; reason is shown
// to the customer. A job that already holds a download token has been
// published and is never failed: ErrJobPublished is returned instead.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, errorMessage, reason string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_message = $2, failure_reason = $3, updated_at = $4
		WHERE id = $5 AND status <> $6
			AND NOT EXISTS (SELECT 1 FROM download_tokens WHERE job_id = $5)
	`
	res, err := db.ExecContext(ctx, query,
		models.JobStatusFailed, errorMessage, reason, db.now(), id, models.JobStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	status, err := db.jobStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == models.JobStatusCompleted {
		return ErrJobCompleted
	}

	// Not completed, so the update was blocked by the token.
	if _, err := db.GetJobToken(ctx, id); err == nil {
		return ErrJobPublished
	} else if err != ErrTokenNotFound {
		return err
	}
	return nil
}

// DeleteJob removes a job and, by cascade, its download token.
func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}
