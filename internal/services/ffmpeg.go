package services

import (
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const (
	stderrTailBytes = 4096
	// allowed drift between the conditioned audio and its target, in seconds
	audioTolerance = 0.005
)

// FFmpegService runs ffmpeg and ffprobe as child processes. Each call is a
// single blocking invocation bound to ctx, so cancellation kills the child.
type FFmpegService struct {
	ffmpegPath  string
	ffprobePath string
	fontDir     string
	logger      *zap.Logger
}

func NewFFmpegService(ffmpegPath, ffprobePath, fontDir string, logger *zap.Logger) *FFmpegService {
	return &FFmpegService{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		fontDir:     fontDir,
		logger:      logger.With(zap.String("component", "ffmpeg")),
	}
}

func (s *FFmpegService) run(ctx context.Context, op string, args []string, stdout io.Writer) error {
	full := append([]string{"-hide_banner", "-nostdin", "-loglevel", "error"}, args...)
	cmd := exec.CommandContext(ctx, s.ffmpegPath, full...)
	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = tail
	if stdout != nil {
		cmd.Stdout = stdout
	}

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg %s: %w", op, ctx.Err())
		}
		detail := tail.String()
		s.logger.Debug("ffmpeg failed",
			zap.String("op", op),
			zap.Strings("args", full),
			zap.String("stderr", detail),
		)
		return fmt.Errorf("ffmpeg %s failed: %w: %s", op, err, truncateTail(detail, 1000))
	}

	s.logger.Debug("ffmpeg finished", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// RenderTitleCard draws the opening frame as a single PNG.
func (s *FFmpegService) RenderTitleCard(ctx context.Context, spec TitleCardSpec, out string) error {
	return s.run(ctx, "title card", titleCardArgs(spec, s.fontDir, out), nil)
}

// Normalize turns one still or clip into a slot of exactly spec.Frames frames
// at the output geometry.
func (s *FFmpegService) Normalize(ctx context.Context, spec NormalizeSpec, out string) error {
	if spec.Frames < 1 {
		return fmt.Errorf("normalize %s: frame count must be positive", spec.Input)
	}
	return s.run(ctx, "normalize", normalizeArgs(spec, out), nil)
}

// ConditionAudio renders the soundtrack to a WAV of exactly plan.Target
// seconds and verifies the result.
func (s *FFmpegService) ConditionAudio(ctx context.Context, input string, plan AudioPlan, out string) error {
	if err := s.run(ctx, "condition audio", audioArgs(input, plan, out), nil); err != nil {
		return err
	}

	info, err := s.Probe(ctx, out)
	if err != nil {
		return fmt.Errorf("failed to verify conditioned audio: %w", err)
	}
	if got := info.DurationSeconds(); math.Abs(got-plan.Target) > audioTolerance {
		return fmt.Errorf("conditioned audio is %.3fs, want %.3fs", got, plan.Target)
	}
	return nil
}

// Encode concatenates the playlist, muxes the audio and writes the delivery
// file. progress receives the encoded fraction in [0,1] when non-nil.
func (s *FFmpegService) Encode(ctx context.Context, spec EncodeSpec, out string, progress func(float64)) error {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		readProgress(pr, spec.Output.Seconds(spec.Frames), progress)
		io.Copy(io.Discard, pr)
	}()

	err := s.run(ctx, "encode", encodeArgs(spec, out), pw)
	pw.Close()
	<-done
	return err
}
