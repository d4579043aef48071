package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/memorial/internal/db"
	"github.com/bobarin/memorial/internal/models"
	"github.com/bobarin/memorial/internal/services"
	"github.com/bobarin/memorial/internal/storage"
	"github.com/bobarin/memorial/internal/templates"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

type fakeEngine struct {
	mu         sync.Mutex
	failOn     string
	titles     []services.TitleCardSpec
	normalized []services.NormalizeSpec
	audio      []services.AudioPlan
	encodes    []services.EncodeSpec
}

func (e *fakeEngine) fail(op string) error {
	if e.failOn == op {
		return fmt.Errorf("ffmpeg %s failed: exit status 1", op)
	}
	return nil
}

func (e *fakeEngine) Probe(ctx context.Context, path string) (services.MediaInfo, error) {
	switch filepath.Ext(path) {
	case ".jpg", ".png":
		return services.MediaInfo{
			Streams: []services.Stream{{CodecType: "video", CodecName: "mjpeg"}},
			Format:  services.Format{FormatName: "image2"},
		}, nil
	case ".mov", ".mp4":
		return services.MediaInfo{
			Streams: []services.Stream{{CodecType: "video", CodecName: "h264", NBFrames: "100"}},
			Format:  services.Format{FormatName: "mov,mp4,m4a,3gp,3g2,mj2", Duration: "4.0"},
		}, nil
	case ".mp3", ".wav":
		return services.MediaInfo{
			Streams: []services.Stream{{CodecType: "audio", CodecName: "mp3"}},
			Format:  services.Format{FormatName: "mp3", Duration: "30.0"},
		}, nil
	case ".txt":
		return services.MediaInfo{Format: services.Format{FormatName: "tty"}}, nil
	}
	return services.MediaInfo{}, fmt.Errorf("ffprobe %s: invalid data", path)
}

func (e *fakeEngine) RenderTitleCard(ctx context.Context, spec services.TitleCardSpec, out string) error {
	e.mu.Lock()
	e.titles = append(e.titles, spec)
	e.mu.Unlock()
	if err := e.fail("title"); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("png"), 0o600)
}

func (e *fakeEngine) Normalize(ctx context.Context, spec services.NormalizeSpec, out string) error {
	e.mu.Lock()
	e.normalized = append(e.normalized, spec)
	e.mu.Unlock()
	if err := e.fail("normalize"); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("clip"), 0o600)
}

func (e *fakeEngine) ConditionAudio(ctx context.Context, input string, plan services.AudioPlan, out string) error {
	e.mu.Lock()
	e.audio = append(e.audio, plan)
	e.mu.Unlock()
	if err := e.fail("audio"); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("wav"), 0o600)
}

func (e *fakeEngine) Encode(ctx context.Context, spec services.EncodeSpec, out string, progress func(float64)) error {
	e.mu.Lock()
	e.encodes = append(e.encodes, spec)
	e.mu.Unlock()
	if err := e.fail("encode"); err != nil {
		return err
	}
	progress(0.5)
	progress(1)
	return os.WriteFile(out, []byte("final-video"), 0o600)
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeStore(keys ...string) *fakeStore {
	s := &fakeStore{objects: map[string][]byte{}}
	for _, k := range keys {
		s.objects[k] = []byte("data:" + k)
	}
	return s
}

func (s *fakeStore) Download(ctx context.Context, key, dst string) error {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
	}
	return os.WriteFile(dst, data, 0o600)
}

func (s *fakeStore) Upload(ctx context.Context, key, src, contentType string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://storage.example.com/" + key, nil
}

type fakeCatalog struct {
	mu       sync.Mutex
	missing  bool
	issueErr error
	tokens   map[uuid.UUID]*models.DownloadToken
}

func (c *fakeCatalog) JobExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return !c.missing, nil
}

func (c *fakeCatalog) IssueToken(ctx context.Context, jobID uuid.UUID, token string, expiresAt time.Time) (*models.DownloadToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.issueErr != nil {
		return nil, c.issueErr
	}
	if c.tokens == nil {
		c.tokens = map[uuid.UUID]*models.DownloadToken{}
	}
	if t, ok := c.tokens[jobID]; ok {
		return t, nil
	}
	t := &models.DownloadToken{Token: token, JobID: jobID, ExpiresAt: expiresAt}
	c.tokens[jobID] = t
	return t, nil
}

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) Report(ctx context.Context, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, percent)
}

func (p *progressLog) contains(v int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, x := range p.values {
		if x == v {
			return true
		}
	}
	return false
}

func strp(s string) *string { return &s }

func newTestPipeline(t *testing.T, engine Engine, store storage.ObjectStore, catalog Catalog) (*Pipeline, string) {
	t.Helper()
	audioDir := t.TempDir()
	registry, err := templates.Default(audioDir)
	if err != nil {
		t.Fatal(err)
	}
	p := New(engine, store, catalog, registry, t.TempDir(), 7*24*time.Hour, zaptest.NewLogger(t))
	p.newToken = func() (string, error) { return "tok-1", nil }
	p.now = func() time.Time { return time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC) }
	return p, audioDir
}

func testMessage(keys ...string) models.JobMessage {
	return models.JobMessage{
		JobID:         uuid.New(),
		TemplateID:    "forever-loved",
		SubjectName:   "Max",
		BirthDate:     strp("2010-03-03"),
		PassedDate:    strp("2024-06-01"),
		Message:       strp("Forever in our hearts, the goodest boy who ever chased a tennis ball"),
		Music:         models.MusicSelection{Source: models.MusicSourceUploaded, Ref: "uploads/j/song.mp3"},
		AssetKeys:     keys,
		Tier:          models.TierPremium,
		NotifyAddress: "owner@example.com",
	}
}

func TestExecuteRendersAndPublishes(t *testing.T) {
	keys := []string{"uploads/j/1.jpg", "uploads/j/2.mov", "uploads/j/3.png"}
	engine := &fakeEngine{}
	store := newFakeStore(append(keys, "uploads/j/song.mp3")...)
	catalog := &fakeCatalog{}
	p, _ := newTestPipeline(t, engine, store, catalog)

	msg := testMessage(keys...)
	run, err := p.Prepare(msg, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer run.Close()

	progress := &progressLog{}
	if err := p.Execute(context.Background(), run, progress); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// forever-loved: 5.0s title, 4.5s photos, 1.0s fade
	if run.TitleFrames != 125 || run.SlotFrames != 113 || run.TotalFrames != 125+3*113 {
		t.Errorf("frames = %d/%d/%d", run.TitleFrames, run.SlotFrames, run.TotalFrames)
	}

	if run.OutputKey != storage.RenderKey(msg.JobID) {
		t.Errorf("OutputKey = %s", run.OutputKey)
	}
	if string(store.objects[run.OutputKey]) != "final-video" {
		t.Error("artifact not uploaded")
	}
	if run.Token == nil || run.Token.Token != "tok-1" {
		t.Fatalf("token = %+v", run.Token)
	}
	if want := p.now().Add(7 * 24 * time.Hour); !run.Token.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", run.Token.ExpiresAt, want)
	}

	if len(engine.titles) != 1 {
		t.Fatalf("title cards = %d", len(engine.titles))
	}
	title := engine.titles[0]
	if title.DateLine != "March 3, 2010 - June 1, 2024" || title.Output.Height != 1080 || len(title.Message) < 2 {
		t.Errorf("title spec = %+v", title)
	}

	if len(engine.normalized) != 4 {
		t.Fatalf("normalized %d slots, want 4", len(engine.normalized))
	}
	kinds := []services.MediaKind{services.KindStill, services.KindStill, services.KindMotion, services.KindStill}
	for i, spec := range engine.normalized {
		if spec.Kind != kinds[i] {
			t.Errorf("slot %d kind = %s, want %s", i, spec.Kind, kinds[i])
		}
		if spec.FadeFrames != 13 {
			t.Errorf("slot %d fade = %d", i, spec.FadeFrames)
		}
	}
	if engine.normalized[0].Frames != 125 || engine.normalized[1].Frames != 113 {
		t.Error("title slot must be longer than a photo slot")
	}

	if len(engine.audio) != 1 || engine.audio[0].Target != run.Duration() || engine.audio[0].Plays != 1 {
		t.Errorf("audio plan = %+v, want target %v", engine.audio, run.Duration())
	}
	if len(engine.encodes) != 1 || engine.encodes[0].Frames != run.TotalFrames {
		t.Errorf("encode = %+v", engine.encodes)
	}

	playlist, err := os.ReadFile(run.Playlist)
	if err != nil {
		t.Fatal(err)
	}
	var files []string
	for _, line := range strings.Split(string(playlist), "\n") {
		if strings.HasPrefix(line, "file ") {
			files = append(files, filepath.Base(strings.Trim(strings.TrimPrefix(line, "file "), "'")))
		}
	}
	want := []string{"clip_title.mp4", "clip_000.mp4", "clip_001.mp4", "clip_002.mp4"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("playlist order = %v, want %v", files, want)
	}

	for _, checkpoint := range []int{10, 20, 25, 50, 55, 60, 85, 90, 95} {
		if !progress.contains(checkpoint) {
			t.Errorf("checkpoint %d not reported", checkpoint)
		}
	}
	if last := progress.values[len(progress.values)-1]; last != 95 {
		t.Errorf("last progress = %d", last)
	}

	dir := run.Area.Dir()
	if err := run.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("working area left behind")
	}
}

func TestExecuteFailsOnMissingAsset(t *testing.T) {
	engine := &fakeEngine{}
	store := newFakeStore("uploads/j/1.jpg", "uploads/j/song.mp3")
	p, _ := newTestPipeline(t, engine, store, &fakeCatalog{})

	run, err := p.Prepare(testMessage("uploads/j/1.jpg", "uploads/j/gone.jpg"), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer run.Close()

	err = p.Execute(context.Background(), run, &progressLog{})
	if !errors.Is(err, services.ErrInput) || !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected input error, got %v", err)
	}
	if !strings.Contains(err.Error(), "uploads/j/gone.jpg") {
		t.Errorf("error does not name the key: %v", err)
	}
	if len(engine.titles) != 0 {
		t.Error("no stage may run after a failed fetch")
	}
}

func TestExecuteFailsOnMissingUploadedMusic(t *testing.T) {
	engine := &fakeEngine{}
	store := newFakeStore("uploads/j/1.jpg")
	catalog := &fakeCatalog{}
	p, _ := newTestPipeline(t, engine, store, catalog)

	msg := testMessage("uploads/j/1.jpg")
	msg.Music.Ref = "uploads/j/missing-song.mp3"
	run, err := p.Prepare(msg, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer run.Close()

	err = p.Execute(context.Background(), run, &progressLog{})
	if !errors.Is(err, services.ErrInput) || !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected input error, got %v", err)
	}
	if !strings.Contains(err.Error(), "uploads/j/missing-song.mp3") {
		t.Errorf("error does not name the key: %v", err)
	}
	if len(engine.encodes) != 0 || len(engine.audio) != 0 {
		t.Error("no audio or encode work may follow a missing track")
	}
	if _, ok := store.objects[storage.RenderKey(msg.JobID)]; ok {
		t.Error("artifact uploaded for a failed job")
	}
	if len(catalog.tokens) != 0 {
		t.Errorf("tokens issued: %v", catalog.tokens)
	}
}

func TestExecuteStopsAtEngineFailure(t *testing.T) {
	engine := &fakeEngine{failOn: "normalize"}
	store := newFakeStore("uploads/j/1.jpg", "uploads/j/song.mp3")
	p, _ := newTestPipeline(t, engine, store, &fakeCatalog{})

	run, _ := p.Prepare(testMessage("uploads/j/1.jpg"), 1)
	defer run.Close()

	err := p.Execute(context.Background(), run, &progressLog{})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(engine.encodes) != 0 || len(store.objects) != 2 {
		t.Error("pipeline continued past the failed stage")
	}
}

func TestExecuteRejectsUndecodableAsset(t *testing.T) {
	engine := &fakeEngine{}
	store := newFakeStore("uploads/j/notes.txt", "uploads/j/song.mp3")
	p, _ := newTestPipeline(t, engine, store, &fakeCatalog{})

	run, _ := p.Prepare(testMessage("uploads/j/notes.txt"), 1)
	defer run.Close()

	if err := p.Execute(context.Background(), run, &progressLog{}); !errors.Is(err, services.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestLibraryMusic(t *testing.T) {
	engine := &fakeEngine{}
	store := newFakeStore("uploads/j/1.jpg")
	p, audioDir := newTestPipeline(t, engine, store, &fakeCatalog{})

	msg := testMessage("uploads/j/1.jpg")
	msg.Music = models.MusicSelection{Source: models.MusicSourceLibrary, Ref: "gentle-piano-01"}

	run, _ := p.Prepare(msg, 1)
	defer run.Close()
	if err := p.resolveAudio(context.Background(), run, Span{}); !errors.Is(err, services.ErrInput) {
		t.Fatalf("missing track file: expected input error, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(audioDir, "gentle-piano.mp3"), []byte("mp3"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.resolveAudio(context.Background(), run, Span{}); err != nil {
		t.Fatalf("resolveAudio: %v", err)
	}
	if run.MusicPath != filepath.Join(audioDir, "gentle-piano.mp3") {
		t.Errorf("MusicPath = %s", run.MusicPath)
	}

	msg.Music.Ref = "no-such-track"
	run2, _ := p.Prepare(msg, 1)
	defer run2.Close()
	if err := p.resolveAudio(context.Background(), run2, Span{}); !errors.Is(err, services.ErrInput) {
		t.Errorf("unknown track: expected input error, got %v", err)
	}
}

func TestPrepareRejectsUnknownTemplate(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeEngine{}, newFakeStore(), &fakeCatalog{})
	msg := testMessage("uploads/j/1.jpg")
	msg.TemplateID = "disco"

	if _, err := p.Prepare(msg, 1); !errors.Is(err, services.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
	entries, _ := os.ReadDir(p.workDir)
	if len(entries) != 0 {
		t.Error("working area created for a rejected job")
	}
}

func TestPublishSkipsDeletedJob(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(t, &fakeEngine{}, store, &fakeCatalog{missing: true})
	run, _ := p.Prepare(testMessage("uploads/j/1.jpg"), 1)
	defer run.Close()
	run.OutputPath = run.Area.Path("final.mp4")
	os.WriteFile(run.OutputPath, []byte("v"), 0o600)

	err := p.publish(context.Background(), run, Span{})
	if !errors.Is(err, services.ErrJobGone) {
		t.Fatalf("expected ErrJobGone, got %v", err)
	}
	if len(store.objects) != 0 {
		t.Error("artifact uploaded for a deleted job")
	}
}

func TestIssueTokenForDeletedJobDiscardsArtifact(t *testing.T) {
	store := newFakeStore()
	catalog := &fakeCatalog{issueErr: db.ErrJobNotFound}
	p, _ := newTestPipeline(t, &fakeEngine{}, store, catalog)
	run, _ := p.Prepare(testMessage("uploads/j/1.jpg"), 1)
	defer run.Close()
	run.OutputPath = run.Area.Path("final.mp4")
	os.WriteFile(run.OutputPath, []byte("v"), 0o600)

	if err := p.publish(context.Background(), run, Span{}); err != nil {
		t.Fatal(err)
	}
	err := p.issueToken(context.Background(), run, Span{})
	if !errors.Is(err, services.ErrJobGone) || services.Retryable(err) {
		t.Fatalf("expected non-retryable ErrJobGone, got %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != storage.RenderKey(run.Job.JobID) {
		t.Errorf("deleted = %v", store.deleted)
	}
}

func TestRepeatedPublishReusesToken(t *testing.T) {
	store := newFakeStore()
	catalog := &fakeCatalog{}
	p, _ := newTestPipeline(t, &fakeEngine{}, store, catalog)
	msg := testMessage("uploads/j/1.jpg")

	var tokens []string
	for attempt, value := range []string{"first", "second"} {
		p.newToken = func() (string, error) { return value, nil }
		run, _ := p.Prepare(msg, attempt+1)
		run.OutputPath = run.Area.Path("final.mp4")
		os.WriteFile(run.OutputPath, []byte(value), 0o600)

		if err := p.publish(context.Background(), run, Span{}); err != nil {
			t.Fatal(err)
		}
		if err := p.issueToken(context.Background(), run, Span{}); err != nil {
			t.Fatal(err)
		}
		tokens = append(tokens, run.Token.Token)
		run.Close()
	}

	if tokens[0] != "first" || tokens[1] != "first" {
		t.Errorf("tokens = %v, want the first token both times", tokens)
	}
	if len(store.objects) != 1 || string(store.objects[storage.RenderKey(msg.JobID)]) != "second" {
		t.Errorf("objects = %v", store.objects)
	}
}

func TestSpanFraction(t *testing.T) {
	log := &progressLog{}
	s := Span{sink: log, start: 65, end: 85}
	for _, f := range []float64{-1, 0, 0.5, 0.99, 2} {
		s.Fraction(context.Background(), f)
	}
	want := []int{65, 65, 75, 84, 85}
	if fmt.Sprint(log.values) != fmt.Sprint(want) {
		t.Errorf("values = %v, want %v", log.values, want)
	}
	Span{}.Fraction(context.Background(), 1)
}
