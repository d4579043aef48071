package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bobarin/memorial/internal/services"
)

const messageLineWidth = 40

// renderTitleCard draws the opening frame and turns it into the first slot,
// held for the template's title duration.
func (p *Pipeline) renderTitleCard(ctx context.Context, run *Run, span Span) error {
	text := run.Template.Text
	spec := services.TitleCardSpec{
		Name:         strings.TrimSpace(run.Job.SubjectName),
		DateLine:     FormatDateLine(run.Job.BirthDate, run.Job.PassedDate),
		Output:       run.Output,
		Placement:    text.Placement,
		TitleSize:    text.TitleSize,
		SubtitleSize: text.SubtitleSize,
		MessageSize:  text.MessageSize,
		TextColor:    text.Color,
		Background:   run.Template.Background,
	}
	if run.Job.Message != nil {
		spec.Message = WrapText(*run.Job.Message, messageLineWidth)
	}

	card := run.Area.Path("title.png")
	if err := p.engine.RenderTitleCard(ctx, spec, card); err != nil {
		return services.Wrap(services.ErrTransient, "title card", "", "render failed", err)
	}
	run.TitleCard = card
	span.Fraction(ctx, 0.5)

	clip := run.Area.Path("clip_title.mp4")
	err := p.engine.Normalize(ctx, services.NormalizeSpec{
		Input:      card,
		Kind:       services.KindStill,
		Frames:     run.TitleFrames,
		Output:     run.Output,
		Background: run.Template.Background,
		FadeFrames: fadeFrames(run),
	}, clip)
	if err != nil {
		return services.Wrap(services.ErrTransient, "title card", "", "hold failed", err)
	}

	run.Clips = append(run.Clips[:0], services.PlaylistEntry{Path: clip, Duration: run.Output.Seconds(run.TitleFrames)})
	return nil
}

// FormatDateLine renders "birth - passed", or whichever date is present.
func FormatDateLine(birth, passed *string) string {
	b, d := formatDate(birth), formatDate(passed)
	switch {
	case b != "" && d != "":
		return b + " - " + d
	case b != "":
		return b
	default:
		return d
	}
}

// formatDate spells out ISO dates and passes anything else through.
func formatDate(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.Format("January 2, 2006")
	}
	return v
}

// WrapText breaks s into lines of at most width runes, splitting only at
// spaces unless a single word is longer than width.
func WrapText(s string, width int) []string {
	var lines []string
	var line strings.Builder
	lineLen := 0

	flush := func() {
		if lineLen > 0 {
			lines = append(lines, line.String())
			line.Reset()
			lineLen = 0
		}
	}

	for _, word := range strings.Fields(s) {
		for utf8.RuneCountInString(word) > width {
			flush()
			runes := []rune(word)
			lines = append(lines, string(runes[:width]))
			word = string(runes[width:])
		}
		n := utf8.RuneCountInString(word)
		if lineLen > 0 && lineLen+1+n > width {
			flush()
		}
		if lineLen > 0 {
			line.WriteByte(' ')
			lineLen++
		}
		line.WriteString(word)
		lineLen += n
	}
	flush()
	return lines
}
