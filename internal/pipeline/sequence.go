package pipeline

import (
	"context"
	"fmt"

	"github.com/bobarin/memorial/internal/services"
)

// conditionAudio fits the soundtrack to the planned video length.
func (p *Pipeline) conditionAudio(ctx context.Context, run *Run, span Span) error {
	info, err := p.engine.Probe(ctx, run.MusicPath)
	if err != nil {
		return services.Wrap(services.ErrInput, "condition audio", run.Job.Music.Ref, "music could not be read", err)
	}
	if !info.HasAudio() {
		return services.Wrap(services.ErrInput, "condition audio", run.Job.Music.Ref, "music has no audio stream", nil)
	}

	plan, err := services.PlanAudio(info.DurationSeconds(), run.Duration())
	if err != nil {
		return services.Wrap(services.ErrInput, "condition audio", run.Job.Music.Ref, "music cannot cover the video", err)
	}

	out := run.Area.Path("audio.wav")
	if err := p.engine.ConditionAudio(ctx, run.MusicPath, plan, out); err != nil {
		return services.Wrap(services.ErrTransient, "condition audio", "", "render failed", err)
	}
	run.Audio = plan
	run.AudioPath = out
	return nil
}

// planSequence writes the play-list: title card first, then assets in order.
func (p *Pipeline) planSequence(ctx context.Context, run *Run, span Span) error {
	if want := len(run.Assets) + 1; len(run.Clips) != want {
		return services.Wrap(services.ErrTransient, "plan", "", fmt.Sprintf("have %d slots, want %d", len(run.Clips), want), nil)
	}

	frames := 0
	for _, c := range run.Clips {
		frames += run.Output.Frames(c.Duration)
	}
	if frames != run.TotalFrames {
		return services.Wrap(services.ErrTransient, "plan", "", fmt.Sprintf("slots total %d frames, want %d", frames, run.TotalFrames), nil)
	}

	run.Playlist = run.Area.Path("playlist.txt")
	if err := services.WritePlaylist(run.Playlist, run.Clips); err != nil {
		return services.Wrap(services.ErrTransient, "plan", "", "", err)
	}
	return nil
}

// encode is the single invocation that concatenates the play-list and muxes
// the soundtrack. Rerunning it over the same inputs yields the same file.
func (p *Pipeline) encode(ctx context.Context, run *Run, span Span) error {
	out := run.Area.Path("final.mp4")
	spec := services.EncodeSpec{
		Playlist: run.Playlist,
		Audio:    run.AudioPath,
		Output:   run.Output,
		Frames:   run.TotalFrames,
	}
	if err := p.engine.Encode(ctx, spec, out, func(f float64) { span.Fraction(ctx, f) }); err != nil {
		return services.Wrap(services.ErrTransient, "encode", "", "", err)
	}
	run.OutputPath = out
	return nil
}
