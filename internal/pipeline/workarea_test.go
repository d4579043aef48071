package pipeline

import (
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/memorial/internal/services"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func TestWorkingAreaLifecycle(t *testing.T) {
	base := filepath.Join(t.TempDir(), "renders")
	id := uuid.New()

	a, err := NewWorkingArea(base, id)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewWorkingArea(base, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Dir() == b.Dir() {
		t.Error("attempts of one job must not share an area")
	}
	if !strings.HasPrefix(filepath.Base(a.Dir()), id.String()+"-") {
		t.Errorf("area name = %s", a.Dir())
	}

	info, err := os.Stat(a.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("mode = %o, want 700", perm)
	}

	os.WriteFile(a.Path("asset_000.jpg"), []byte("x"), 0o600)
	if err := a.Remove(); err != nil {
		t.Fatal(err)
	}
	if err := a.Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
	if _, err := os.Stat(a.Dir()); !os.IsNotExist(err) {
		t.Error("area still exists")
	}
	var nilArea *WorkingArea
	if err := nilArea.Remove(); err != nil {
		t.Error(err)
	}
}

func TestSweepStale(t *testing.T) {
	base := t.TempDir()
	now := time.Now()

	old, _ := NewWorkingArea(base, uuid.New())
	fresh, _ := NewWorkingArea(base, uuid.New())
	unrelated := filepath.Join(base, "keep-me")
	os.Mkdir(unrelated, 0o755)

	past := now.Add(-12 * time.Hour)
	for _, dir := range []string{old.Dir(), unrelated} {
		if err := os.Chtimes(dir, past, past); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := SweepStale(base, 6*time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != old.Dir() {
		t.Errorf("removed = %v", removed)
	}
	for _, dir := range []string{fresh.Dir(), unrelated} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("%s should survive: %v", dir, err)
		}
	}

	if removed, err := SweepStale(filepath.Join(base, "missing"), time.Hour, now); err != nil || removed != nil {
		t.Errorf("missing base: %v, %v", removed, err)
	}
}

func TestOrientStillBoundsSize(t *testing.T) {
	p := &Pipeline{logger: zaptest.NewLogger(t)}
	dir := t.TempDir()
	out := services.OutputSpec{Width: 1280, Height: 720, FPS: 25}

	src := filepath.Join(dir, "asset_000.png")
	if err := imaging.Save(imaging.New(3000, 100, color.White), src); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "oriented_000.png")
	got := p.orientStill(&Asset{Key: "uploads/j/wide.png", Path: src}, dst, out)
	if got != dst {
		t.Fatalf("orientStill = %s, want %s", got, dst)
	}
	img, err := imaging.Open(dst)
	if err != nil {
		t.Fatal(err)
	}
	if w := img.Bounds().Dx(); w != 2560 {
		t.Errorf("width = %d, want 2560", w)
	}

	bogus := filepath.Join(dir, "asset_001.heic")
	os.WriteFile(bogus, []byte("not an image"), 0o600)
	if got := p.orientStill(&Asset{Key: "k", Path: bogus}, filepath.Join(dir, "oriented_001.png"), out); got != bogus {
		t.Errorf("undecodable still should pass through, got %s", got)
	}
}
