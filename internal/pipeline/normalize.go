package pipeline

import (
	"context"
	"fmt"

	"github.com/bobarin/memorial/internal/services"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// normalizeAssets turns every asset into one slot of identical geometry and
// length, keeping customer order.
func (p *Pipeline) normalizeAssets(ctx context.Context, run *Run, span Span) error {
	zoom := 0.0
	if run.Template.Zoom.Enabled {
		zoom = run.Template.Zoom.MaxScale
	}

	for i := range run.Assets {
		asset := &run.Assets[i]

		info, err := p.engine.Probe(ctx, asset.Path)
		if err != nil {
			return services.Wrap(services.ErrInput, "normalize", asset.Key, "file could not be read", err)
		}
		asset.Kind = info.Kind()
		if asset.Kind != services.KindStill && asset.Kind != services.KindMotion {
			return services.Wrap(services.ErrInput, "normalize", asset.Key, fmt.Sprintf("not a photo or video (%s)", asset.Kind), nil)
		}

		input := asset.Path
		if asset.Kind == services.KindStill {
			input = p.orientStill(asset, run.Area.Path(fmt.Sprintf("oriented_%03d.png", i)), run.Output)
		}

		clip := run.Area.Path(fmt.Sprintf("clip_%03d.mp4", i))
		err = p.engine.Normalize(ctx, services.NormalizeSpec{
			Input:      input,
			Kind:       asset.Kind,
			Frames:     run.SlotFrames,
			Output:     run.Output,
			Background: run.Template.Background,
			ZoomScale:  zoom,
			FadeFrames: fadeFrames(run),
		}, clip)
		if err != nil {
			return services.Wrap(services.ErrTransient, "normalize", asset.Key, "encode failed", err)
		}

		run.Clips = append(run.Clips, services.PlaylistEntry{Path: clip, Duration: run.Output.Seconds(run.SlotFrames)})
		span.Fraction(ctx, float64(i+1)/float64(len(run.Assets)))
	}
	return nil
}

// orientStill applies EXIF orientation and caps the image at twice the output
// size. Formats the decoder cannot read go to the engine untouched.
func (p *Pipeline) orientStill(asset *Asset, dst string, out services.OutputSpec) string {
	img, err := imaging.Open(asset.Path, imaging.AutoOrientation(true))
	if err != nil {
		p.logger.Debug("still not pre-oriented", zap.String("key", asset.Key), zap.Error(err))
		return asset.Path
	}

	maxW, maxH := out.Width*2, out.Height*2
	if b := img.Bounds(); b.Dx() > maxW || b.Dy() > maxH {
		img = imaging.Fit(img, maxW, maxH, imaging.Lanczos)
	}
	if err := imaging.Save(img, dst); err != nil {
		p.logger.Warn("failed to save oriented still", zap.String("key", asset.Key), zap.Error(err))
		return asset.Path
	}
	return dst
}

// fadeFrames is half the transition on each edge of a slot, or none for cuts.
func fadeFrames(run *Run) int {
	if !run.Template.Transition.Fades() {
		return 0
	}
	return run.Output.Frames(run.Template.Transition.Duration / 2)
}
