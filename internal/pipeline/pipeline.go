// Package pipeline turns one job message into a published video. Stages run
// strictly in order inside a private working area; each reads the files the
// previous one left behind.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"github.com/bobarin/memorial/internal/models"
	"github.com/bobarin/memorial/internal/services"
	"github.com/bobarin/memorial/internal/storage"
	"github.com/bobarin/memorial/internal/templates"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultFetchLimit  = 4
	defaultUploadSlots = 2
	tokenBytes         = 32
)

// Engine is the media toolchain. services.FFmpegService implements it.
type Engine interface {
	Probe(ctx context.Context, path string) (services.MediaInfo, error)
	RenderTitleCard(ctx context.Context, spec services.TitleCardSpec, out string) error
	Normalize(ctx context.Context, spec services.NormalizeSpec, out string) error
	ConditionAudio(ctx context.Context, input string, plan services.AudioPlan, out string) error
	Encode(ctx context.Context, spec services.EncodeSpec, out string, progress func(float64)) error
}

// Catalog is the part of the job catalog the publish stages touch.
type Catalog interface {
	JobExists(ctx context.Context, id uuid.UUID) (bool, error)
	IssueToken(ctx context.Context, jobID uuid.UUID, token string, expiresAt time.Time) (*models.DownloadToken, error)
}

// ProgressSink receives the job's overall percentage at stage checkpoints.
// Implementations must tolerate concurrent calls and must not fail the run.
type ProgressSink interface {
	Report(ctx context.Context, percent int)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ctx context.Context, percent int)

func (f ProgressFunc) Report(ctx context.Context, percent int) { f(ctx, percent) }

// Span maps a stage's own completion fraction onto its slice of the job's
// overall percentage.
type Span struct {
	sink       ProgressSink
	start, end int
}

func (s Span) Fraction(ctx context.Context, f float64) {
	if s.sink == nil {
		return
	}
	f = math.Max(0, math.Min(f, 1))
	s.sink.Report(ctx, s.start+int(math.Floor(f*float64(s.end-s.start))))
}

// Asset is one fetched customer file, in customer order.
type Asset struct {
	Key  string
	Path string
	Kind services.MediaKind
}

// Run is the state one execution attempt accumulates as stages complete.
type Run struct {
	Job      models.JobMessage
	Attempt  int
	Template templates.Profile
	Output   services.OutputSpec
	Area     *WorkingArea

	TitleFrames int
	SlotFrames  int
	TotalFrames int

	Assets     []Asset
	MusicPath  string
	TitleCard  string
	Clips      []services.PlaylistEntry
	Audio      services.AudioPlan
	AudioPath  string
	Playlist   string
	OutputPath string
	OutputKey  string
	Token      *models.DownloadToken
}

// Duration is the planned length of the video in seconds.
func (r *Run) Duration() float64 {
	return r.Output.Seconds(r.TotalFrames)
}

// Close removes the working area.
func (r *Run) Close() error {
	return r.Area.Remove()
}

// Stage is one ordered step. Start and End bound the percentage it reports;
// End is persisted once the stage returns.
type Stage struct {
	Name  string
	Start int
	End   int
	Run   func(ctx context.Context, run *Run, span Span) error
}

type Pipeline struct {
	engine    Engine
	store     storage.ObjectStore
	catalog   Catalog
	templates *templates.Registry
	workDir   string
	tokenTTL  time.Duration
	logger    *zap.Logger

	fetchLimit int
	uploadSem  chan struct{} // shared by all slots
	now        func() time.Time
	newToken   func() (string, error)
	stages     []Stage
}

func New(
	engine Engine,
	store storage.ObjectStore,
	catalog Catalog,
	registry *templates.Registry,
	workDir string,
	tokenTTL time.Duration,
	logger *zap.Logger,
) *Pipeline {
	p := &Pipeline{
		engine:     engine,
		store:      store,
		catalog:    catalog,
		templates:  registry,
		workDir:    workDir,
		tokenTTL:   tokenTTL,
		logger:     logger.With(zap.String("component", "pipeline")),
		fetchLimit: defaultFetchLimit,
		uploadSem:  make(chan struct{}, defaultUploadSlots),
		now:        time.Now,
		newToken:   newToken,
	}
	p.stages = []Stage{
		{Name: "fetch", Start: 0, End: 10, Run: p.fetchAssets},
		{Name: "resolve audio", Start: 10, End: 20, Run: p.resolveAudio},
		{Name: "title card", Start: 20, End: 25, Run: p.renderTitleCard},
		{Name: "normalize", Start: 30, End: 50, Run: p.normalizeAssets},
		{Name: "condition audio", Start: 50, End: 55, Run: p.conditionAudio},
		{Name: "plan", Start: 55, End: 60, Run: p.planSequence},
		{Name: "encode", Start: 65, End: 85, Run: p.encode},
		{Name: "publish", Start: 85, End: 90, Run: p.publish},
		{Name: "token", Start: 90, End: 95, Run: p.issueToken},
	}
	return p
}

// Stages lists the stage table in execution order.
func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Prepare validates the message, resolves its template and creates the
// working area. The caller owns the returned run and must Close it.
func (p *Pipeline) Prepare(msg models.JobMessage, attempt int) (*Run, error) {
	if err := msg.Validate(); err != nil {
		return nil, services.Wrap(services.ErrInput, "prepare", "", "invalid job message", err)
	}
	profile, ok := p.templates.Profile(msg.TemplateID)
	if !ok {
		return nil, services.Wrap(services.ErrInput, "prepare", msg.TemplateID, "unknown template", nil)
	}

	area, err := NewWorkingArea(p.workDir, msg.JobID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "prepare", "", "working area unavailable", err)
	}

	out := services.OutputFor(msg.Tier)
	run := &Run{
		Job:         msg,
		Attempt:     attempt,
		Template:    profile,
		Output:      out,
		Area:        area,
		TitleFrames: out.Frames(profile.TitleDuration),
		SlotFrames:  out.Frames(profile.PhotoDuration),
	}
	run.TotalFrames = run.TitleFrames + len(msg.AssetKeys)*run.SlotFrames
	return run, nil
}

// Execute runs every stage in order, reporting each checkpoint to sink. It
// stops at the first failure and returns it unchanged.
func (p *Pipeline) Execute(ctx context.Context, run *Run, sink ProgressSink) error {
	logger := p.logger.With(
		zap.String("job_id", run.Job.JobID.String()),
		zap.Int("attempt", run.Attempt),
		zap.String("tier", string(run.Job.Tier)),
	)

	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", stage.Name, err)
		}

		stageLogger := logger.With(zap.String("stage", stage.Name))
		start := time.Now()
		if err := stage.Run(ctx, run, Span{sink: sink, start: stage.Start, end: stage.End}); err != nil {
			stageLogger.Warn("stage failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return err
		}
		sink.Report(ctx, stage.End)
		stageLogger.Info("stage complete", zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// Discard deletes an artifact this run uploaded. It is used when the job
// vanished after publication and never fails the caller.
func (p *Pipeline) Discard(ctx context.Context, run *Run) {
	if run.OutputKey == "" {
		return
	}
	if err := p.store.Delete(ctx, run.OutputKey); err != nil {
		p.logger.Warn("failed to delete orphaned artifact",
			zap.String("job_id", run.Job.JobID.String()),
			zap.String("key", run.OutputKey),
			zap.Error(err),
		)
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
