package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

type fakeRedis struct {
	redis.Cmdable
	key    string
	values []interface{}
	err    error
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.key = key
	f.values = append(f.values, values...)
	return redis.NewIntResult(int64(len(f.values)), f.err)
}

func sampleEvent() Event {
	return Event{
		Type:        EventCompleted,
		JobID:       uuid.MustParse("5b1c3c1e-8d55-4a8e-9a4c-2f0f7e1d6a10"),
		Attempt:     1,
		Address:     "owner@example.com",
		SubjectName: "Max",
		DownloadURL: "https://memorials.example.com/download/tok",
		OccurredAt:  time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestRedisNotifierPushesJSON(t *testing.T) {
	client := &fakeRedis{}
	n := NewRedisNotifier(client, "")

	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	if client.key != DefaultRedisList || len(client.values) != 1 {
		t.Fatalf("pushed %v to %s", client.values, client.key)
	}

	var got Event
	if err := json.Unmarshal(client.values[0].([]byte), &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != EventCompleted || got.DownloadURL != "https://memorials.example.com/download/tok" || got.Retrying {
		t.Errorf("event = %+v", got)
	}
}

func TestRedisNotifierReportsFailure(t *testing.T) {
	n := NewRedisNotifier(&fakeRedis{err: errors.New("connection refused")}, "events:test")
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected error")
	}
}

func TestKafkaNotifierKeysByJob(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	event := sampleEvent()
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Event
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.JobID != event.JobID {
			return errors.New("wrong job id")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := NewKafkaNotifierWithProducer(producer, "render-events")
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.Notify(context.Background(), event); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected broker error, got %v", err)
	}
	if err := n.Close(); err != nil {
		t.Error(err)
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zaptest.NewLogger(t))
	ev := sampleEvent()
	ev.Type = EventFailed
	ev.Reason = "We're sorry"
	ev.Retrying = true
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}
