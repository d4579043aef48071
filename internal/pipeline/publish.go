package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/memorial/internal/db"
	"github.com/bobarin/memorial/internal/services"
	"github.com/bobarin/memorial/internal/storage"
	"go.uber.org/zap"
)

// publish uploads the artifact under its fixed key. A retried publish
// overwrites the same object.
func (p *Pipeline) publish(ctx context.Context, run *Run, span Span) error {
	exists, err := p.catalog.JobExists(ctx, run.Job.JobID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "publish", "", "catalog lookup failed", err)
	}
	if !exists {
		return services.Wrap(services.ErrJobGone, "publish", run.Job.JobID.String(), "job deleted before publish", nil)
	}

	key := storage.RenderKey(run.Job.JobID)
	err = p.uploadWithLimit(ctx, key, func() error {
		return p.store.Upload(ctx, key, run.OutputPath, "video/mp4")
	})
	if err != nil {
		return services.Wrap(services.ErrTransient, "publish", key, "upload failed", err)
	}
	run.OutputKey = key
	return nil
}

// issueToken records the download token. A job keeps its first token, so a
// retry after a partial publish reuses it.
func (p *Pipeline) issueToken(ctx context.Context, run *Run, span Span) error {
	value, err := p.newToken()
	if err != nil {
		return services.Wrap(services.ErrTransient, "token", "", "", err)
	}

	token, err := p.catalog.IssueToken(ctx, run.Job.JobID, value, p.now().Add(p.tokenTTL))
	if errors.Is(err, db.ErrJobNotFound) {
		p.Discard(ctx, run)
		return services.Wrap(services.ErrJobGone, "token", run.Job.JobID.String(), "job deleted after publish", err)
	}
	if err != nil {
		return services.Wrap(services.ErrTransient, "token", "", "failed to issue token", err)
	}
	run.Token = token
	return nil
}

// uploadWithLimit bounds concurrent artifact uploads across worker slots.
func (p *Pipeline) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case p.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-p.uploadSem }()

	p.logger.Debug("uploading", zap.String("key", label))
	return fn()
}
