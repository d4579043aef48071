// Package notifications emits render outcome events for the external mailer.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventType string

const (
	EventCompleted EventType = "render.completed"
	EventFailed    EventType = "render.failed"
)

// DefaultRedisList is where RedisNotifier pushes events.
const DefaultRedisList = "events:render"

// Event is one render outcome. Completed events carry DownloadURL; failed
// events carry Reason and whether another attempt is scheduled.
type Event struct {
	Type        EventType  `json:"type"`
	JobID       uuid.UUID  `json:"job_id"`
	Attempt     int        `json:"attempt"`
	Address     string     `json:"address"`
	SubjectName string     `json:"subject_name"`
	DownloadURL string     `json:"download_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Retrying    bool       `json:"retrying"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// RedisNotifier appends events as JSON to a Redis list.
type RedisNotifier struct {
	client redis.Cmdable
	list   string
}

func NewRedisNotifier(client redis.Cmdable, list string) *RedisNotifier {
	if list == "" {
		list = DefaultRedisList
	}
	return &RedisNotifier{client: client, list: list}
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.client.RPush(ctx, n.list, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// LogNotifier only logs events. Used in development.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notifications"))}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	n.logger.Info("render event",
		zap.String("type", string(event.Type)),
		zap.String("job_id", event.JobID.String()),
		zap.String("address", event.Address),
		zap.String("download_url", event.DownloadURL),
		zap.String("reason", event.Reason),
		zap.Bool("retrying", event.Retrying),
	)
	return nil
}
