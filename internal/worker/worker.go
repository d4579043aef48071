package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/memorial/internal/db"
	"github.com/bobarin/memorial/internal/models"
	"github.com/bobarin/memorial/internal/notifications"
	"github.com/bobarin/memorial/internal/pipeline"
	"github.com/bobarin/memorial/internal/queue"
	"github.com/bobarin/memorial/internal/services"
	"github.com/bobarin/memorial/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollTimeout      = 5 * time.Second
	defaultMaintainInterval = 5 * time.Second
	dequeueErrorBackoff     = 2 * time.Second
	finishTimeout           = 30 * time.Second

	// Completion is retried this many times before the delivery is left to
	// its lease. The delay doubles from completeBackoff.
	completeAttempts = 4
	completeBackoff  = 500 * time.Millisecond
)

// Catalog is the part of the job catalog the orchestrator mutates.
type Catalog interface {
	BeginAttempt(ctx context.Context, id uuid.UUID, attempt int) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error
	CompleteJob(ctx context.Context, id uuid.UUID, outputKey string) error
	FailJob(ctx context.Context, id uuid.UUID, errorMessage, reason string) error
	GetJobToken(ctx context.Context, id uuid.UUID) (*models.DownloadToken, error)
}

type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Extend(ctx context.Context, d *queue.Delivery) error
	Ack(ctx context.Context, d *queue.Delivery) error
	Retry(ctx context.Context, d *queue.Delivery, delay time.Duration, cause error) error
	Bury(ctx context.Context, d *queue.Delivery, cause error) error
	PromoteDue(ctx context.Context) (int, error)
	ReclaimExpired(ctx context.Context) (int, error)
}

// Runner executes the render stages. *pipeline.Pipeline implements it.
type Runner interface {
	Prepare(msg models.JobMessage, attempt int) (*pipeline.Run, error)
	Execute(ctx context.Context, run *pipeline.Run, sink pipeline.ProgressSink) error
	Discard(ctx context.Context, run *pipeline.Run)
}

type Options struct {
	Concurrency   int
	Policy        queue.RetryPolicy
	Heartbeat     time.Duration // lease renewal interval, normally a third of the visibility timeout
	PublicBaseURL string
	WorkDir       string
	StaleAge      time.Duration

	PollTimeout      time.Duration
	MaintainInterval time.Duration
}

// Worker is the job orchestrator: a fixed pool of slots, each taking one
// delivery at a time and driving it through the pipeline to a terminal state.
type Worker struct {
	catalog  Catalog
	queue    Queue
	runner   Runner
	notifier notifications.Notifier
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	completeBackoff time.Duration
}

func New(
	catalog Catalog,
	q Queue,
	runner Runner,
	notifier notifications.Notifier,
	opts Options,
	logger *zap.Logger,
) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.MaintainInterval <= 0 {
		opts.MaintainInterval = defaultMaintainInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Minute
	}
	return &Worker{
		catalog:  catalog,
		queue:    q,
		runner:   runner,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With(zap.String("component", "worker")),
		now:      time.Now,

		completeBackoff: completeBackoff,
	}
}

// Start runs the slots and the queue maintenance loop until ctx is canceled.
// In-flight jobs are abandoned at shutdown; their leases expire and the
// deliveries are redelivered.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started", zap.Int("concurrency", w.opts.Concurrency))

	// Clean up after workers that died mid-render
	if w.opts.WorkDir != "" && w.opts.StaleAge > 0 {
		removed, err := pipeline.SweepStale(w.opts.WorkDir, w.opts.StaleAge, w.now())
		if err != nil {
			w.logger.Warn("failed to sweep stale working areas", zap.Error(err))
		}
		for _, dir := range removed {
			w.logger.Info("removed stale working area", zap.String("dir", dir))
		}
	}

	// One goroutine per slot, plus the maintenance loop
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			w.runSlot(ctx, slot)
			return nil
		})
	}
	g.Go(func() error {
		w.maintain(ctx)
		return nil
	})
	err := g.Wait()

	w.logger.Info("worker shutting down")
	return err
}

func (w *Worker) runSlot(ctx context.Context, slot int) {
	logger := w.logger.With(zap.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return
		}

		// Block until a job arrives or the poll times out
		d, err := w.queue.Dequeue(ctx, w.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue", zap.Error(err))
			// Back off so a dead Redis doesn't spin the slot
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}
		if d == nil {
			continue // No job available
		}

		w.process(ctx, d)
	}
}

// maintain promotes due retries and reclaims expired leases.
func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.opts.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Move retries whose delay has elapsed back onto their lists
		if n, err := w.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("failed to promote retries", zap.Error(err))
		} else if n > 0 {
			w.logger.Info("promoted retries", zap.Int("count", n))
		}
		// Requeue deliveries whose worker stopped heartbeating
		if n, err := w.queue.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("failed to reclaim leases", zap.Error(err))
		} else if n > 0 {
			w.logger.Warn("reclaimed expired leases", zap.Int("count", n))
		}
	}
}

// process takes one delivery to a terminal outcome: acked, scheduled for
// retry, buried, or left leased when the worker is shutting down.
func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	attempt := d.Attempt()
	logger := w.logger.With(
		zap.String("job_id", msg.JobID.String()),
		zap.String("delivery_id", d.ID.String()),
		zap.Int("attempt", attempt),
		zap.String("tier", string(msg.Tier)),
	)
	logger.Info("processing job")

	// Mark as processing; completed or deleted jobs are stale redeliveries
	if err := w.catalog.BeginAttempt(ctx, msg.JobID, attempt); err != nil {
		switch {
		case errors.Is(err, db.ErrJobCompleted):
			logger.Info("job already completed, skipping redelivery")
			w.ack(ctx, d, logger)
			return
		case errors.Is(err, db.ErrJobNotFound):
			logger.Info("job no longer exists, dropping delivery")
			w.ack(ctx, d, logger)
			return
		case ctx.Err() != nil:
			return
		}
		w.fail(ctx, d, nil, services.Wrap(services.ErrTransient, "begin", "", "catalog unavailable", err), logger)
		return
	}

	// A token means an earlier attempt already published the artifact and
	// only lost the completion write. Finish it without rendering again.
	token, err := w.catalog.GetJobToken(ctx, msg.JobID)
	switch {
	case err == nil:
		logger.Info("job already published, recording completion")
		w.complete(ctx, d, publishedRun(msg, attempt, token), logger)
		return
	case errors.Is(err, db.ErrTokenNotFound):
	case ctx.Err() != nil:
		return
	default:
		w.fail(ctx, d, nil, services.Wrap(services.ErrTransient, "begin", "", "catalog unavailable", err), logger)
		return
	}

	run, err := w.runner.Prepare(msg, attempt)
	if err != nil {
		w.fail(ctx, d, nil, err, logger)
		return
	}
	defer func() {
		if err := run.Close(); err != nil {
			logger.Warn("failed to remove working area", zap.Error(err))
		}
	}()

	// Run every stage while the heartbeat keeps the lease alive
	sink := &progressSink{catalog: w.catalog, jobID: msg.JobID, logger: logger}
	err = w.withHeartbeat(ctx, d, logger, func(runCtx context.Context) error {
		return w.runner.Execute(runCtx, run, sink)
	})

	// Shutdown is not a job failure: the lease expires and another worker
	// picks the delivery up
	if err != nil && ctx.Err() != nil {
		logger.Warn("shutdown during render, leaving lease to expire", zap.Error(err))
		return
	}
	if err != nil {
		w.fail(ctx, d, run, err, logger)
		return
	}
	w.complete(ctx, d, run, logger)
}

// withHeartbeat runs fn while renewing the delivery's lease.
func (w *Worker) withHeartbeat(ctx context.Context, d *queue.Delivery, logger *zap.Logger, fn func(context.Context) error) error {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Extend(hbCtx, d); err != nil && hbCtx.Err() == nil {
					logger.Warn("failed to extend lease", zap.Error(err))
				}
			}
		}
	}()

	err := fn(ctx)
	stop()
	wg.Wait()
	return err
}

// complete runs after publication, which is the commit point: nothing here
// can turn the job back into a failure.
func (w *Worker) complete(ctx context.Context, d *queue.Delivery, run *pipeline.Run, logger *zap.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	id := run.Job.JobID
	if err := w.recordCompletion(fctx, id, run.OutputKey, logger); err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			logger.Info("job deleted during render, discarding artifact")
			w.runner.Discard(fctx, run)
			w.ack(fctx, d, logger)
			return
		}
		// Leave it unacked. The redelivery sees the token and only retries
		// this write.
		logger.Error("failed to record completion", zap.Error(err))
		return
	}
	logger.Info("job completed", zap.String("output_key", run.OutputKey))

	// Notification is best-effort; the job is already complete

	event := notifications.Event{
		Type:        notifications.EventCompleted,
		JobID:       id,
		Attempt:     run.Attempt,
		Address:     run.Job.NotifyAddress,
		SubjectName: run.Job.SubjectName,
		OccurredAt:  w.now().UTC(),
	}
	if run.Token != nil {
		event.DownloadURL = w.downloadURL(run.Token.Token)
		expires := run.Token.ExpiresAt
		event.ExpiresAt = &expires
	}
	if err := w.notifier.Notify(fctx, event); err != nil {
		logger.Error("failed to send completion event", zap.Error(err))
	}

	w.ack(fctx, d, logger)
}

// recordCompletion writes the completed state, retrying with backoff until
// the write succeeds, the job is gone, or ctx expires.
func (w *Worker) recordCompletion(ctx context.Context, id uuid.UUID, outputKey string, logger *zap.Logger) error {
	var err error
	for i := 0; i < completeAttempts; i++ {
		if i > 0 {
			delay := w.completeBackoff << (i - 1)
			logger.Warn("retrying completion write", zap.Int("try", i+1), zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
		}

		err = w.catalog.CompleteJob(ctx, id, outputKey)
		if err == nil || errors.Is(err, db.ErrJobNotFound) {
			return err
		}
	}
	return err
}

// publishedRun rebuilds the parts of a run that completion needs from the
// job's existing token.
func publishedRun(msg models.JobMessage, attempt int, token *models.DownloadToken) *pipeline.Run {
	return &pipeline.Run{
		Job:       msg,
		Attempt:   attempt,
		OutputKey: storage.RenderKey(msg.JobID),
		Token:     token,
	}
}

func (w *Worker) fail(ctx context.Context, d *queue.Delivery, run *pipeline.Run, cause error, logger *zap.Logger) {
	if run != nil {
		if err := run.Close(); err != nil {
			logger.Warn("failed to remove working area", zap.Error(err))
		}
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	msg := d.Message
	attempt := d.Attempt()

	// Deleted jobs are dropped silently
	if errors.Is(cause, services.ErrJobGone) {
		logger.Info("job no longer exists, dropping delivery", zap.Error(cause))
		w.ack(fctx, d, logger)
		return
	}

	retrying := w.opts.Policy.ShouldRetry(attempt, cause)
	reason := services.PublicReason(cause)
	logger.Warn("job failed", zap.Error(cause), zap.Bool("retrying", retrying))

	if err := w.catalog.FailJob(fctx, msg.JobID, cause.Error(), reason); err != nil {
		switch {
		case errors.Is(err, db.ErrJobCompleted):
			logger.Info("job completed by another delivery, ignoring failure")
			w.ack(fctx, d, logger)
			return
		case errors.Is(err, db.ErrJobNotFound):
			logger.Info("job no longer exists, dropping delivery")
			w.ack(fctx, d, logger)
			return
		case errors.Is(err, db.ErrJobPublished):
			// An earlier attempt published; that outcome stands.
			w.completePublished(fctx, d, logger)
			return
		}
		logger.Error("failed to record job failure", zap.Error(err))
	}

	// The customer hears about every failed attempt; Retrying says whether
	// another one is coming

	event := notifications.Event{
		Type:        notifications.EventFailed,
		JobID:       msg.JobID,
		Attempt:     attempt,
		Address:     msg.NotifyAddress,
		SubjectName: msg.SubjectName,
		Reason:      reason,
		Retrying:    retrying,
		OccurredAt:  w.now().UTC(),
	}
	if err := w.notifier.Notify(fctx, event); err != nil {
		logger.Error("failed to send failure event", zap.Error(err))
	}

	// Schedule the next attempt or move to the dead-letter list
	if retrying {
		delay := w.opts.Policy.Backoff(attempt)
		if err := w.queue.Retry(fctx, d, delay, cause); err != nil {
			logger.Error("failed to schedule retry", zap.Error(err))
			return
		}
		logger.Info("retry scheduled", zap.Duration("delay", delay))
		return
	}
	if err := w.queue.Bury(fctx, d, cause); err != nil {
		logger.Error("failed to bury delivery", zap.Error(err))
		return
	}
	logger.Warn("job permanently failed", zap.Int("attempts", attempt))
}

// completePublished finishes a job whose failure was refused because a
// download token already exists.
func (w *Worker) completePublished(ctx context.Context, d *queue.Delivery, logger *zap.Logger) {
	logger.Info("job already published, recording completion instead of failure")
	token, err := w.catalog.GetJobToken(ctx, d.Message.JobID)
	if err != nil {
		// The redelivery finds the token and completes the job.
		logger.Error("failed to load download token", zap.Error(err))
		return
	}
	w.complete(ctx, d, publishedRun(d.Message, d.Attempt(), token), logger)
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery, logger *zap.Logger) {
	if err := w.queue.Ack(ctx, d); err != nil {
		logger.Error("failed to ack delivery", zap.Error(err))
	}
}

func (w *Worker) downloadURL(token string) string {
	return fmt.Sprintf("%s/download/%s", w.opts.PublicBaseURL, token)
}

// progressSink persists checkpoints. Reports that do not raise the
// percentage are dropped, and catalog errors never fail the run.
type progressSink struct {
	catalog Catalog
	jobID   uuid.UUID
	logger  *zap.Logger

	mu   sync.Mutex
	last int
}

func (s *progressSink) Report(ctx context.Context, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if percent <= s.last {
		return
	}
	if err := s.catalog.UpdateProgress(ctx, s.jobID, percent); err != nil {
		s.logger.Warn("failed to persist progress", zap.Int("progress", percent), zap.Error(err))
		return
	}
	s.last = percent
}
