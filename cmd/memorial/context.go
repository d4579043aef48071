package main

import (
	"context"
	"fmt"

	"github.com/bobarin/memorial/internal/config"
	"github.com/bobarin/memorial/internal/db"
	"github.com/bobarin/memorial/internal/logging"
	"github.com/bobarin/memorial/internal/notifications"
	"github.com/bobarin/memorial/internal/pipeline"
	"github.com/bobarin/memorial/internal/queue"
	"github.com/bobarin/memorial/internal/services"
	"github.com/bobarin/memorial/internal/storage"
	"github.com/bobarin/memorial/internal/templates"
	"github.com/bobarin/memorial/internal/worker"
	"go.uber.org/zap"
)

// appContext lazily builds the shared dependencies of a command and closes
// them in reverse order.
type appContext struct {
	cfg     *config.Config
	logger  *zap.Logger
	closers []func() error
}

func (a *appContext) init() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})
	return nil
}

func (a *appContext) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *appContext) openDB() (*db.DB, error) {
	database, err := db.New(a.cfg.DatabaseDriver, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, database.Close)
	a.logger.Info("connected to database", zap.String("driver", a.cfg.DatabaseDriver))
	return database, nil
}

func (a *appContext) openQueue() (*queue.Queue, error) {
	q, err := queue.New(a.cfg.RedisURL, a.cfg.VisibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to queue: %w", err)
	}
	a.closers = append(a.closers, q.Close)
	a.logger.Info("connected to redis queue")
	return q, nil
}

func (a *appContext) openStore(ctx context.Context) (storage.ObjectStore, error) {
	switch a.cfg.StorageBackend {
	case "s3":
		store, err := storage.NewS3(ctx, a.cfg.S3Bucket, a.cfg.S3Region, a.cfg.S3Endpoint, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger.Info("initialized S3 storage", zap.String("bucket", a.cfg.S3Bucket))
		return store, nil
	default:
		a.logger.Info("initialized Supabase storage", zap.String("bucket", a.cfg.SupabaseStorageBucket))
		return storage.NewSupabase(a.cfg.SupabaseURL, a.cfg.SupabaseServiceKey, a.cfg.SupabaseStorageBucket, a.logger), nil
	}
}

func (a *appContext) registry() (*templates.Registry, error) {
	if a.cfg.TemplateCatalog != "" {
		return templates.LoadFile(a.cfg.TemplateCatalog, a.cfg.LibraryAudioDir)
	}
	return templates.Default(a.cfg.LibraryAudioDir)
}

func (a *appContext) retryPolicy() queue.RetryPolicy {
	policy := queue.DefaultRetryPolicy()
	policy.MaxAttempts = a.cfg.MaxAttempts
	policy.BaseDelay = a.cfg.RetryBaseDelay
	policy.MaxDelay = a.cfg.RetryMaxDelay
	return policy
}

func (a *appContext) newNotifier(q *queue.Queue) (notifications.Notifier, error) {
	switch a.cfg.Notifier {
	case "kafka":
		n, err := notifications.NewKafkaNotifier(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, n.Close)
		a.logger.Info("publishing render events to kafka", zap.String("topic", a.cfg.KafkaTopic))
		return n, nil
	case "log":
		return notifications.NewLogNotifier(a.logger), nil
	default:
		a.logger.Info("publishing render events to redis", zap.String("list", a.cfg.EventsList))
		return notifications.NewRedisNotifier(q.Client(), a.cfg.EventsList), nil
	}
}

// newWorker wires the render pipeline and the orchestrator around it.
func (a *appContext) newWorker(database *db.DB, q *queue.Queue, store storage.ObjectStore) (*worker.Worker, error) {
	registry, err := a.registry()
	if err != nil {
		return nil, err
	}
	notifier, err := a.newNotifier(q)
	if err != nil {
		return nil, err
	}

	engine := services.NewFFmpegService(a.cfg.FFmpegPath, a.cfg.FFprobePath, a.cfg.FontDir, a.logger)
	pipe := pipeline.New(engine, store, database, registry, a.cfg.WorkDir, a.cfg.TokenTTL, a.logger)

	return worker.New(database, q, pipe, notifier, worker.Options{
		Concurrency:   a.cfg.MaxConcurrentJobs,
		Policy:        a.retryPolicy(),
		Heartbeat:     q.Visibility() / 3,
		PublicBaseURL: a.cfg.PublicBaseURL,
		WorkDir:       a.cfg.WorkDir,
		StaleAge:      a.cfg.StaleWorkAreaAge,
	}, a.logger), nil
}
