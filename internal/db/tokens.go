package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/memorial/internal/models"
	"github.com/google/uuid"
)

const tokenColumns = `token, job_id, expires_at, access_count, accessed_at, created_at`

func scanToken(row interface{ Scan(...interface{}) error }) (*models.DownloadToken, error) {
	t := &models.DownloadToken{}
	if err := row.Scan(&t.Token, &t.JobID, &t.ExpiresAt, &t.AccessCount, &t.AccessedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

// IssueToken stores token for the job. A job holds at most one token: when one
// already exists it is returned unchanged and token is discarded. A missing
// job yields ErrJobNotFound.
func (db *DB) IssueToken(ctx context.Context, jobID uuid.UUID, token string, expiresAt time.Time) (*models.DownloadToken, error) {
	query := `
		INSERT INTO download_tokens (token, job_id, expires_at, access_count, created_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (job_id) DO NOTHING
	`

	_, err := db.ExecContext(ctx, query, token, jobID, expiresAt.UTC(), db.now())
	if isForeignKeyViolation(err) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to issue download token: %w", err)
	}

	t, err := db.GetJobToken(ctx, jobID)
	if err == ErrTokenNotFound {
		// Deleted between the insert and the read.
		return nil, ErrJobNotFound
	}
	return t, err
}

func (db *DB) GetToken(ctx context.Context, token string) (*models.DownloadToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM download_tokens WHERE token = $1`

	t, err := scanToken(db.QueryRowContext(ctx, query, token))
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download token: %w", err)
	}
	return t, nil
}

func (db *DB) GetJobToken(ctx context.Context, jobID uuid.UUID) (*models.DownloadToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM download_tokens WHERE job_id = $1`

	t, err := scanToken(db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download token: %w", err)
	}
	return t, nil
}

// RecordTokenAccess counts one redemption of token.
func (db *DB) RecordTokenAccess(ctx context.Context, token string) error {
	query := `
		UPDATE download_tokens
		SET access_count = access_count + 1, accessed_at = $1
		WHERE token = $2
	`
	res, err := db.ExecContext(ctx, query, db.now(), token)
	if err != nil {
		return fmt.Errorf("failed to record token access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}
