package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// WorkingArea is a private directory holding every intermediate file of one
// execution attempt. It is never shared between jobs or attempts.
type WorkingArea struct {
	dir string
}

// NewWorkingArea creates a fresh 0700 directory under base.
func NewWorkingArea(base string, jobID uuid.UUID) (*WorkingArea, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, jobID.String()+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create working area: %w", err)
	}
	// MkdirTemp creates the directory 0700
	return &WorkingArea{dir: dir}, nil
}

func (a *WorkingArea) Dir() string {
	return a.dir
}

// Path returns name inside the area.
func (a *WorkingArea) Path(name string) string {
	return filepath.Join(a.dir, name)
}

// Remove deletes the area. Safe to call more than once.
func (a *WorkingArea) Remove() error {
	if a == nil || a.dir == "" {
		return nil
	}
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("failed to remove working area %s: %w", a.dir, err)
	}
	return nil
}

// SweepStale removes areas under base last modified before now-maxAge. These
// are left behind only when a worker process dies mid-run.
func SweepStale(base string, maxAge time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list work dir: %w", err)
	}

	cutoff := now.Add(-maxAge)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || !looksLikeArea(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(base, e.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// looksLikeArea matches "<uuid>-<suffix>" so unrelated directories in a
// shared base are left alone.
func looksLikeArea(name string) bool {
	const idLen = 36
	if len(name) <= idLen+1 || name[idLen] != '-' {
		return false
	}
	_, err := uuid.Parse(name[:idLen])
	return err == nil
}
