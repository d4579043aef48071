package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// MediaKind is the role an input file can play in a render.
type MediaKind int

const (
	KindUnknown MediaKind = iota
	KindStill
	KindMotion
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindStill:
		return "still"
	case KindMotion:
		return "motion"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// MediaInfo is the parsed output of an ffprobe inspection.
type MediaInfo struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

type Stream struct {
	Index       int         `json:"index"`
	CodecName   string      `json:"codec_name"`
	CodecType   string      `json:"codec_type"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Duration    string      `json:"duration"`
	NBFrames    string      `json:"nb_frames"`
	Disposition Disposition `json:"disposition"`
}

type Disposition struct {
	AttachedPic int `json:"attached_pic"`
}

type Format struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

var (
	imageFormats = map[string]bool{
		"image2": true, "png_pipe": true, "jpeg_pipe": true, "webp_pipe": true,
		"bmp_pipe": true, "tiff_pipe": true, "heif": true,
	}
	imageCodecs = map[string]bool{
		"mjpeg": true, "png": true, "webp": true, "bmp": true, "tiff": true, "gif": true,
	}
)

func parseProbe(data []byte) (MediaInfo, error) {
	var info MediaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return info, nil
}

// Kind classifies the file by its stream composition.
func (m MediaInfo) Kind() MediaKind {
	var video *Stream
	audio := 0
	for i := range m.Streams {
		s := &m.Streams[i]
		switch strings.ToLower(s.CodecType) {
		case "video":
			if s.Disposition.AttachedPic == 1 {
				continue // cover art in an audio file
			}
			if video == nil {
				video = s
			}
		case "audio":
			audio++
		}
	}

	if video == nil {
		if audio > 0 {
			return KindAudio
		}
		return KindUnknown
	}

	for _, name := range strings.Split(m.Format.FormatName, ",") {
		if imageFormats[strings.TrimSpace(name)] {
			return KindStill
		}
	}
	if imageCodecs[video.CodecName] {
		frames, err := strconv.Atoi(video.NBFrames)
		if err != nil || frames <= 1 {
			return KindStill
		}
	}
	return KindMotion
}

func (m MediaInfo) HasAudio() bool {
	for _, s := range m.Streams {
		if strings.EqualFold(s.CodecType, "audio") {
			return true
		}
	}
	return false
}

// DurationSeconds returns the container duration, falling back to the longest
// stream, or 0 when unavailable.
func (m MediaInfo) DurationSeconds() float64 {
	if d := parseFloat(m.Format.Duration); d > 0 {
		return d
	}
	longest := 0.0
	for _, s := range m.Streams {
		if d := parseFloat(s.Duration); d > longest {
			longest = d
		}
	}
	return longest
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0
	}
	return parsed
}

// Probe inspects path with ffprobe.
func (s *FFmpegService) Probe(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, s.ffprobePath, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return MediaInfo{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, truncateTail(detail, 500))
	}
	return parseProbe(output)
}
