package services

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bobarin/memorial/internal/models"
	"github.com/bobarin/memorial/internal/templates"
)

// Delivery format. Every render uses the same codecs; only the frame size
// depends on the tier.
const (
	FPS = 25

	videoCodec      = "libx264"
	videoPreset     = "fast"
	videoCRF        = "23"
	intermediateCRF = "18"
	pixelFormat     = "yuv420p"
	audioCodec      = "aac"
	audioBitrate    = "192k"
	sampleRate      = 48000

	musicVolume  = 0.3
	musicFadeIn  = 1.5
	musicFadeOut = 2.5
	// extra source time required before an additional loop is skipped, so a
	// slightly over-reported probe duration cannot leave the track short
	loopSlack = 0.1

	// title card layout is designed at 1080 lines and scaled to the tier
	designHeight = 1080
)

const (
	fontBold    = "DejaVuSerif-Bold.ttf"
	fontRegular = "DejaVuSerif.ttf"
	fontItalic  = "DejaVuSerif-Italic.ttf"
)

// OutputSpec is the frame geometry of a render.
type OutputSpec struct {
	Width  int
	Height int
	FPS    int
}

func OutputFor(tier models.DeliveryTier) OutputSpec {
	w, h := tier.Resolution()
	return OutputSpec{Width: w, Height: h, FPS: FPS}
}

func (o OutputSpec) Size() string {
	return fmt.Sprintf("%dx%d", o.Width, o.Height)
}

// Frames rounds a duration to whole frames, never fewer than one.
func (o OutputSpec) Frames(seconds float64) int {
	n := int(math.Round(seconds * float64(o.FPS)))
	if n < 1 {
		n = 1
	}
	return n
}

func (o OutputSpec) Seconds(frames int) float64 {
	return float64(frames) / float64(o.FPS)
}

// ffColor accepts #RRGGBB or anything ffmpeg already understands.
func ffColor(c string) string {
	c = strings.TrimSpace(c)
	if strings.HasPrefix(c, "#") {
		return "0x" + strings.ToUpper(c[1:])
	}
	return c
}

var (
	lineBreaks     = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")
	optionEscaper  = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	graphEscaper   = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `[`, `\[`, `]`, `\]`, `,`, `\,`, `;`, `\;`)
	playlistQuoter = strings.NewReplacer(`'`, `'\''`)
)

// escapeFilterValue makes s safe as an option value inside a -vf chain. The
// value is parsed twice, once by the graph parser and once by the filter's
// option parser, so both levels are escaped.
func escapeFilterValue(s string) string {
	s = lineBreaks.Replace(s)
	return graphEscaper.Replace(optionEscaper.Replace(s))
}

// fitFilter letterboxes the input into the output frame without cropping.
func fitFilter(out OutputSpec, background string) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=%s,setsar=1",
		out.Width, out.Height, out.Width, out.Height, ffColor(background))
}

// zoomFilter is a centered push-in from 1.0 to maxScale across frames. The
// frame is upscaled first so the crop stays sharp.
func zoomFilter(out OutputSpec, frames int, maxScale float64) string {
	span := frames - 1
	if span < 1 {
		span = 1
	}
	return fmt.Sprintf("scale=%d:%d,zoompan=z='1+%.4f*on/%d':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=%d:s=%s:fps=%d",
		out.Width*2, out.Height*2, maxScale-1, span, frames, out.Size(), out.FPS)
}

// fadeFilter dips a slot in from and out to the background colour. It
// returns "" when the slot is too short to fade.
func fadeFilter(frames, fadeFrames int, background string) string {
	// Both fades must fit inside the slot
	if fadeFrames > frames/2 {
		fadeFrames = frames / 2
	}
	if fadeFrames < 1 {
		return ""
	}
	color := ffColor(background)
	return fmt.Sprintf("fade=t=in:s=0:n=%d:c=%s,fade=t=out:s=%d:n=%d:c=%s",
		fadeFrames, color, frames-fadeFrames, fadeFrames, color)
}

// NormalizeSpec describes one playlist slot.
type NormalizeSpec struct {
	Input      string
	Kind       MediaKind
	Frames     int
	Output     OutputSpec
	Background string
	// ZoomScale enables the slow push-in on stills when above 1.
	ZoomScale  float64
	FadeFrames int
}

func normalizeArgs(spec NormalizeSpec, out string) []string {
	chain := []string{fitFilter(spec.Output, spec.Background)}
	var args []string

	switch {
	case spec.Kind == KindStill && spec.ZoomScale > 1:
		// zoompan emits d frames from a single input image
		args = append(args, "-i", spec.Input)
		chain = append(chain, zoomFilter(spec.Output, spec.Frames, spec.ZoomScale))
	case spec.Kind == KindStill:
		// Static still: loop the image at the output rate
		args = append(args, "-loop", "1", "-framerate", strconv.Itoa(spec.Output.FPS), "-i", spec.Input)
	default:
		// short clips hold their last frame to fill the slot
		args = append(args, "-i", spec.Input)
		chain = append(chain,
			fmt.Sprintf("fps=%d", spec.Output.FPS),
			fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%s", formatSeconds(spec.Output.Seconds(spec.Frames))),
		)
	}
	if fade := fadeFilter(spec.Frames, spec.FadeFrames, spec.Background); fade != "" {
		chain = append(chain, fade)
	}
	chain = append(chain, "format="+pixelFormat)

	// -frames:v pins every slot to the same length regardless of source
	return append(args,
		"-vf", strings.Join(chain, ","),
		"-frames:v", strconv.Itoa(spec.Frames),
		"-r", strconv.Itoa(spec.Output.FPS),
		"-an",
		"-c:v", videoCodec,
		"-preset", videoPreset,
		"-crf", intermediateCRF,
		"-pix_fmt", pixelFormat,
		"-y", out,
	)
}

// TitleCardSpec is the text content of the opening frame.
type TitleCardSpec struct {
	Name         string
	DateLine     string
	Message      []string
	Output       OutputSpec
	Placement    templates.Placement
	TitleSize    int
	SubtitleSize int
	MessageSize  int
	TextColor    string
	Background   string
}

type textLine struct {
	text string
	font string
	size int
	gap  int // space above the line
}

func (t TitleCardSpec) lines() []textLine {
	scale := float64(t.Output.Height) / designHeight
	px := func(n int) int {
		v := int(math.Round(float64(n) * scale))
		if v < 1 {
			v = 1
		}
		return v
	}

	lines := []textLine{{text: t.Name, font: fontBold, size: px(t.TitleSize)}}
	if t.DateLine != "" {
		lines = append(lines, textLine{text: t.DateLine, font: fontRegular, size: px(t.SubtitleSize), gap: px(t.SubtitleSize) / 2})
	}
	for i, m := range t.Message {
		gap := px(t.MessageSize) / 3
		if i == 0 {
			gap = px(t.SubtitleSize) * 3 / 2
		}
		lines = append(lines, textLine{text: m, font: fontItalic, size: px(t.MessageSize), gap: gap})
	}
	return lines
}

// titleCardFilter lays the lines out as a block anchored by placement.
func titleCardFilter(spec TitleCardSpec, fontDir string) string {
	lines := spec.lines()
	total := 0
	for _, l := range lines {
		total += l.gap + l.size
	}

	// Vertical anchor for the block's centre
	h := spec.Output.Height
	anchor := h / 2
	switch spec.Placement {
	case templates.PlacementTopThird:
		anchor = h / 3
	case templates.PlacementBottomThird:
		anchor = h * 2 / 3
	}
	// Keep the block inside the safe margins
	margin := h / 12
	top := anchor - total/2
	if top+total > h-margin {
		top = h - margin - total
	}
	if top < margin {
		top = margin
	}

	x := "(w-text_w)/2"
	if spec.Placement == templates.PlacementLeftThird {
		x = strconv.Itoa(spec.Output.Width / 12)
	}

	// One drawtext per line; expansion=none keeps % in names literal
	color := ffColor(spec.TextColor)
	filters := make([]string, 0, len(lines))
	y := top
	for _, l := range lines {
		y += l.gap
		filters = append(filters, fmt.Sprintf("drawtext=fontfile=%s:text=%s:expansion=none:fontsize=%d:fontcolor=%s:x=%s:y=%d",
			escapeFilterValue(filepath.Join(fontDir, l.font)), escapeFilterValue(l.text), l.size, color, x, y))
		y += l.size
	}
	return strings.Join(filters, ",")
}

// titleCardArgs renders a single PNG frame from a solid colour source.
func titleCardArgs(spec TitleCardSpec, fontDir, out string) []string {
	return []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:s=%s", ffColor(spec.Background), spec.Output.Size()),
		"-vf", titleCardFilter(spec, fontDir),
		"-frames:v", "1",
		"-y", out,
	}
}

// AudioPlan is how a music track is stretched or cut to the video length.
type AudioPlan struct {
	Source  float64
	Target  float64
	Plays   int
	Samples int64
	FadeIn  float64
	FadeOut float64
}

func (p AudioPlan) FadeOutStart() float64 {
	return p.Target - p.FadeOut
}

// PlanAudio loops a short track a whole number of times and trims to target.
// Fades shrink proportionally when the video is too short for both.
func PlanAudio(source, target float64) (AudioPlan, error) {
	if source <= 0 {
		return AudioPlan{}, fmt.Errorf("music track has no measurable duration")
	}
	if target <= 0 {
		return AudioPlan{}, fmt.Errorf("target duration must be positive, got %.3f", target)
	}

	// Loop whole plays until the track outlasts the video
	plays := 1
	if source < target+loopSlack {
		plays = int(math.Ceil((target + loopSlack) / source))
	}

	fadeIn, fadeOut := musicFadeIn, musicFadeOut
	// Very short videos: scale both fades down together
	if fadeIn+fadeOut > target {
		scale := target / (fadeIn + fadeOut)
		fadeIn *= scale
		fadeOut *= scale
	}

	return AudioPlan{
		Source:  source,
		Target:  target,
		Plays:   plays,
		Samples: int64(math.Round(target * sampleRate)), // exact length, not rounded to frames
		FadeIn:  fadeIn,
		FadeOut: fadeOut,
	}, nil
}

// audioFilter trims by sample count, then fades and attenuates.
func audioFilter(plan AudioPlan) string {
	return strings.Join([]string{
		fmt.Sprintf("aresample=%d", sampleRate),
		fmt.Sprintf("atrim=end_sample=%d", plan.Samples),
		"asetpts=N/SR/TB",
		fmt.Sprintf("afade=t=in:st=0:d=%s", formatSeconds(plan.FadeIn)),
		fmt.Sprintf("afade=t=out:st=%s:d=%s", formatSeconds(plan.FadeOutStart()), formatSeconds(plan.FadeOut)),
		fmt.Sprintf("volume=%.2f", musicVolume),
	}, ",")
}

func audioArgs(input string, plan AudioPlan, out string) []string {
	var args []string
	// -stream_loop counts extra plays, not total plays
	if plan.Plays > 1 {
		args = append(args, "-stream_loop", strconv.Itoa(plan.Plays-1))
	}
	return append(args,
		"-i", input,
		"-vn",
		"-af", audioFilter(plan),
		"-ac", "2",
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", "pcm_s16le", // PCM so the sample count survives
		"-f", "wav",
		"-y", out,
	)
}

// PlaylistEntry is one slot of the final sequence.
type PlaylistEntry struct {
	Path     string
	Duration float64
}

// WritePlaylist writes an ffconcat script listing entries in order.
func WritePlaylist(path string, entries []PlaylistEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("playlist is empty")
	}
	var b strings.Builder
	// duration directives make each slot last exactly its planned length
	b.WriteString("ffconcat version 1.0\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "file '%s'\n", playlistQuoter.Replace(e.Path))
		fmt.Fprintf(&b, "duration %s\n", formatSeconds(e.Duration))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	return nil
}

// EncodeSpec is the final mux of the playlist against the conditioned audio.
type EncodeSpec struct {
	Playlist string
	Audio    string
	Output   OutputSpec
	Frames   int
}

// encodeArgs is the single lossy encode of the whole video. Metadata is
// stripped and bitexact flags set so reruns produce the same bytes.
func encodeArgs(spec EncodeSpec, out string) []string {
	return []string{
		"-f", "concat", "-safe", "0", "-i", spec.Playlist,
		"-i", spec.Audio,
		"-map", "0:v:0", "-map", "1:a:0",
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d,setsar=1,format=%s", spec.Output.FPS, spec.Output.Width, spec.Output.Height, pixelFormat),
		"-frames:v", strconv.Itoa(spec.Frames),
		"-c:v", videoCodec,
		"-preset", videoPreset,
		"-crf", videoCRF,
		"-pix_fmt", pixelFormat,
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(sampleRate),
		"-shortest",
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-flags:v", "+bitexact",
		"-flags:a", "+bitexact",
		"-movflags", "+faststart",
		// Machine-readable progress on stdout, parsed by readProgress
		"-progress", "pipe:1",
		"-nostats",
		"-y", out,
	}
}

// readProgress consumes ffmpeg's -progress key=value stream and reports the
// encoded fraction of total seconds. It reads r to EOF.
func readProgress(r io.Reader, total float64, report func(float64)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || report == nil {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// both keys carry microseconds
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 || total <= 0 {
				continue
			}
			report(math.Min(float64(us)/1e6/total, 1))
		case "progress":
			if value == "end" {
				report(1)
			}
		}
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 6, 64)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
