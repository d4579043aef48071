package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SupabaseStore talks to the Supabase Storage REST API with a service key.
type SupabaseStore struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	logger     *zap.Logger
	retryBase  time.Duration
}

var _ ObjectStore = (*SupabaseStore)(nil)

func NewSupabase(url, serviceKey, bucket string, logger *zap.Logger) *SupabaseStore {
	return &SupabaseStore{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		logger:     logger.With(zap.String("component", "storage"), zap.String("bucket", bucket)),
		retryBase:  baseRetryDelay,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *SupabaseStore) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
}

// withRetries runs do once per attempt, backing off between failures that do
// marks as retryable.
func (s *SupabaseStore) withRetries(ctx context.Context, op, key string, timeout time.Duration, do func(ctx context.Context) (done bool, retry bool, err error)) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(s.retryBase, attempt)
			s.logger.Warn("retrying storage request",
				zap.String("op", op),
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		// Each attempt gets its own timeout, bounded by the caller's ctx
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		done, retry, err := do(attemptCtx)
		cancel()
		if done {
			if attempt > 0 {
				s.logger.Info("storage request succeeded after retry",
					zap.String("op", op), zap.String("key", key), zap.Int("attempt", attempt+1))
			}
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

// Upload streams a local file to Supabase Storage. x-upsert makes a repeated
// upload overwrite the object.
func (s *SupabaseStore) Upload(ctx context.Context, key, src, contentType string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	return s.withRetries(ctx, "upload", key, uploadTimeout, func(ctx context.Context) (bool, bool, error) {
		f, err := os.Open(src)
		if err != nil {
			return false, false, fmt.Errorf("failed to open %s: %w", src, err)
		}
		defer f.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), f)
		if err != nil {
			return false, false, fmt.Errorf("failed to create request: %w", err)
		}
		req.ContentLength = info.Size()
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return false, isRetryableError(err), fmt.Errorf("failed to upload: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return true, false, nil
		}
		return false, isRetryableStatus(resp.StatusCode),
			fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	})
}

// Download writes the object to dst, truncating it on every attempt.
func (s *SupabaseStore) Download(ctx context.Context, key, dst string) error {
	err := s.withRetries(ctx, "download", key, downloadTimeout, func(ctx context.Context) (bool, bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
		if err != nil {
			return false, false, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return false, isRetryableError(err), fmt.Errorf("failed to download: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if isMissing(resp.StatusCode, body) {
				return false, false, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
			}
			return false, isRetryableStatus(resp.StatusCode),
				fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}

		f, err := os.Create(dst)
		if err != nil {
			return false, false, fmt.Errorf("failed to create %s: %w", dst, err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			return false, true, fmt.Errorf("failed to read download body: %w", err)
		}
		if err := f.Close(); err != nil {
			return false, false, fmt.Errorf("failed to write %s: %w", dst, err)
		}
		return true, false, nil
	})
	if err != nil {
		os.Remove(dst)
	}
	return err
}

func (s *SupabaseStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK || isMissing(resp.StatusCode, body) {
		return nil
	}
	return fmt.Errorf("delete failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
}

// Exists asks the object info endpoint rather than sending a HEAD, so a
// not-found reply carries the body isMissing needs.
func (s *SupabaseStore) Exists(ctx context.Context, key string) (bool, error) {
	url := fmt.Sprintf("%s/storage/v1/object/info/%s/%s", s.url, s.Bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check object: %w", err)
	}
	defer resp.Body.Close()

	// Drain the body; older servers reply 400 with the real status inside
	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case isMissing(resp.StatusCode, body):
		return false, nil
	default:
		return false, fmt.Errorf("object check failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
}

// SignedURL creates a signed URL for temporary access
func (s *SupabaseStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, key)

	body := fmt.Sprintf(`{"expiresIn": %d}`, int(ttl.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if isMissing(resp.StatusCode, body) {
			return "", fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return "", fmt.Errorf("failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}

// isMissing recognises Supabase's not-found replies, which some versions send
// as 400 with a JSON body naming the 404.
func isMissing(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	if status == http.StatusBadRequest && body != nil {
		var payload struct {
			StatusCode string `json:"statusCode"`
			Error      string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil {
			return payload.StatusCode == "404" || payload.Error == "not_found"
		}
	}
	return false
}
