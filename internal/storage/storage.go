package storage

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Upload timeout per attempt, generous for multi-hundred-MB renders
	uploadTimeout = 10 * time.Minute

	// Download timeout
	downloadTimeout = 5 * time.Minute

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// ErrObjectNotFound is returned when a key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the durable object storage the pipeline reads inputs from and
// publishes artifacts to.
type ObjectStore interface {
	// Download copies key to the local file dst.
	Download(ctx context.Context, key, dst string) error
	// Upload stores the local file src under key, replacing any existing object.
	Upload(ctx context.Context, key, src, contentType string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL returns a time-limited GET URL for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// RenderKey is the artifact key for a job. It is fixed per job so a retried
// publish overwrites the previous upload.
func RenderKey(jobID uuid.UUID) string {
	return path.Join("renders", jobID.String(), "final.mp4")
}

// retryDelay calculates exponential backoff with jitter: base * 2^(attempt-1) + random jitter
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusInternalServerError || // 500
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
