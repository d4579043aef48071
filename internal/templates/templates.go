// Package templates holds the read-only render profiles and the music library
// offered at checkout.
package templates

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embedded []byte

const (
	MinZoomScale = 1.05
	MaxZoomScale = 1.5
)

type Placement string

const (
	PlacementCenter      Placement = "center"
	PlacementTopThird    Placement = "top-third"
	PlacementBottomThird Placement = "bottom-third"
	PlacementLeftThird   Placement = "left-third"
)

type Transition struct {
	Type     string  `yaml:"type"`
	Duration float64 `yaml:"duration"`
}

// Fades reports whether clips dip to the background color at their edges.
func (t Transition) Fades() bool {
	return (t.Type == "fade" || t.Type == "crossfade") && t.Duration > 0
}

type Zoom struct {
	Enabled  bool    `yaml:"enabled"`
	MaxScale float64 `yaml:"max_scale"`
}

type Text struct {
	Placement    Placement `yaml:"placement"`
	TitleSize    int       `yaml:"title_size"`
	SubtitleSize int       `yaml:"subtitle_size"`
	MessageSize  int       `yaml:"message_size"`
	Color        string    `yaml:"color"`
}

// Profile is one named render style. Durations are in seconds.
type Profile struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	PhotoDuration float64    `yaml:"photo_duration"`
	TitleDuration float64    `yaml:"title_duration"`
	Transition    Transition `yaml:"transition"`
	Zoom          Zoom       `yaml:"zoom"`
	Text          Text       `yaml:"text"`
	Background    string     `yaml:"background"`
}

type Track struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	File  string `yaml:"file"`
}

type catalogFile struct {
	Profiles []Profile `yaml:"profiles"`
	Tracks   []Track   `yaml:"tracks"`
}

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	profiles map[string]Profile
	tracks   map[string]Track
	audioDir string
}

// Default parses the catalog compiled into the binary.
func Default(audioDir string) (*Registry, error) {
	return Parse(embedded, audioDir)
}

// LoadFile parses a catalog from disk, for deployments that override the built-in styles.
func LoadFile(path, audioDir string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}
	return Parse(data, audioDir)
}

func Parse(data []byte, audioDir string) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}

	r := &Registry{
		profiles: make(map[string]Profile, len(file.Profiles)),
		tracks:   make(map[string]Track, len(file.Tracks)),
		audioDir: audioDir,
	}
	for _, p := range file.Profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate template %q", p.ID)
		}
		r.profiles[p.ID] = p
	}
	for _, t := range file.Tracks {
		if t.ID == "" || t.File == "" {
			return nil, fmt.Errorf("track %q: id and file are required", t.ID)
		}
		if _, dup := r.tracks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate track %q", t.ID)
		}
		r.tracks[t.ID] = t
	}
	if len(r.profiles) == 0 {
		return nil, fmt.Errorf("template catalog has no profiles")
	}
	return r, nil
}

func (p Profile) validate() error {
	if p.ID == "" {
		return fmt.Errorf("template without id")
	}
	if p.PhotoDuration <= 0 {
		return fmt.Errorf("template %q: photo_duration must be positive", p.ID)
	}
	if p.TitleDuration <= p.PhotoDuration {
		return fmt.Errorf("template %q: title_duration must exceed photo_duration", p.ID)
	}
	if p.Zoom.Enabled && (p.Zoom.MaxScale < MinZoomScale || p.Zoom.MaxScale > MaxZoomScale) {
		return fmt.Errorf("template %q: zoom max_scale %.2f outside [%.2f, %.2f]", p.ID, p.Zoom.MaxScale, MinZoomScale, MaxZoomScale)
	}
	if p.Transition.Duration < 0 || p.Transition.Duration*2 > p.PhotoDuration {
		return fmt.Errorf("template %q: transition duration does not fit the photo slot", p.ID)
	}
	switch p.Text.Placement {
	case PlacementCenter, PlacementTopThird, PlacementBottomThird, PlacementLeftThird:
	default:
		return fmt.Errorf("template %q: unknown text placement %q", p.ID, p.Text.Placement)
	}
	if p.Text.TitleSize <= 0 || p.Text.SubtitleSize <= 0 || p.Text.MessageSize <= 0 {
		return fmt.Errorf("template %q: font sizes must be positive", p.ID)
	}
	return nil
}

// Profile returns the named template.
func (r *Registry) Profile(id string) (Profile, bool) {
	p, ok := r.profiles[id]
	return p, ok
}

// IDs lists template ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TrackPath resolves a library track id to its local file. No network access.
func (r *Registry) TrackPath(id string) (string, bool) {
	t, ok := r.tracks[id]
	if !ok {
		return "", false
	}
	return filepath.Join(r.audioDir, t.File), true
}
