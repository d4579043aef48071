package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"github.com/bobarin/memorial/internal/models"
	"github.com/bobarin/memorial/internal/services"
	"github.com/bobarin/memorial/internal/storage"
	"golang.org/x/sync/errgroup"
)

// fetchAssets downloads every declared asset. Any missing key fails the job;
// a partial set is never rendered.
func (p *Pipeline) fetchAssets(ctx context.Context, run *Run, span Span) error {
	keys := run.Job.AssetKeys
	assets := make([]Asset, len(keys))
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fetchLimit)
	for i, key := range keys {
		g.Go(func() error {
			dst := run.Area.Path(fmt.Sprintf("asset_%03d%s", i, localExt(key)))
			if err := p.download(gctx, "fetch", key, dst); err != nil {
				return err
			}
			assets[i] = Asset{Key: key, Path: dst}
			span.Fraction(gctx, float64(done.Add(1))/float64(len(keys)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	run.Assets = assets
	return nil
}

// resolveAudio finds the soundtrack: library tracks are local files, uploaded
// tracks are fetched like any other asset.
func (p *Pipeline) resolveAudio(ctx context.Context, run *Run, span Span) error {
	music := run.Job.Music
	switch music.Source {
	case models.MusicSourceLibrary:
		trackPath, ok := p.templates.TrackPath(music.Ref)
		if !ok {
			return services.Wrap(services.ErrInput, "resolve audio", music.Ref, "unknown library track", nil)
		}
		if _, err := os.Stat(trackPath); err != nil {
			return services.Wrap(services.ErrInput, "resolve audio", music.Ref, "library track file missing", err)
		}
		run.MusicPath = trackPath

	case models.MusicSourceUploaded:
		dst := run.Area.Path("music" + localExt(music.Ref))
		if err := p.download(ctx, "resolve audio", music.Ref, dst); err != nil {
			return err
		}
		run.MusicPath = dst

	default:
		return services.Wrap(services.ErrInput, "resolve audio", string(music.Source), "unknown music source", nil)
	}
	return nil
}

func (p *Pipeline) download(ctx context.Context, stage, key, dst string) error {
	err := p.store.Download(ctx, key, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotFound):
		return services.Wrap(services.ErrInput, stage, key, "file not found in storage", err)
	default:
		return services.Wrap(services.ErrTransient, stage, key, "download failed", err)
	}
}

// localExt keeps the key's extension so the engine can sniff by name.
func localExt(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == "" || len(ext) > 6 {
		return ".bin"
	}
	return ext
}
