package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bobarin/memorial/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, visibility), mr
}

func testMessage(name string) models.JobMessage {
	return models.JobMessage{
		JobID:         uuid.New(),
		TemplateID:    "forever-loved",
		SubjectName:   name,
		Music:         models.MusicSelection{Source: models.MusicSourceLibrary, Ref: "gentle-piano-01"},
		AssetKeys:     []string{"uploads/j/1.jpg"},
		Tier:          models.TierStandard,
		NotifyAddress: "owner@example.com",
	}
}

func mustDequeue(t *testing.T, q *Queue) *Delivery {
	t.Helper()
	d, err := q.Dequeue(context.Background(), 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d == nil {
		t.Fatal("Dequeue returned nothing")
	}
	return d
}

func TestDequeueHonorsPriority(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx := context.Background()

	// Enqueued lowest class first so arrival order cannot explain the result.
	for _, c := range []struct {
		name string
		p    Priority
	}{
		{"standard", PriorityStandard},
		{"premium", PriorityPremium},
		{"rush", PriorityRush},
	} {
		if _, err := q.Enqueue(ctx, testMessage(c.name), c.p); err != nil {
			t.Fatalf("Enqueue(%s): %v", c.name, err)
		}
	}

	for _, want := range []string{"rush", "premium", "standard"} {
		d := mustDequeue(t, q)
		if d.Message.SubjectName != want || d.Priority.String() != want {
			t.Errorf("dequeued %s (%s), want %s", d.Message.SubjectName, d.Priority, want)
		}
		if d.Attempt() != 1 {
			t.Errorf("Attempt() = %d", d.Attempt())
		}
	}

	d, err := q.Dequeue(ctx, 0)
	if err != nil || d != nil {
		t.Errorf("empty queue: d=%v err=%v", d, err)
	}
}

func TestAckReleasesLease(t *testing.T) {
	q, mr := newTestQueue(t, time.Minute)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testMessage("Max"), PriorityStandard); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d := mustDequeue(t, q)
	if !mr.Exists(KeyInflight) {
		t.Fatal("dequeued delivery is not leased")
	}
	if err := q.Extend(ctx, d); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Inflight != 0 || stats.Pending[PriorityStandard] != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if n, err := q.ReclaimExpired(ctx); err != nil || n != 0 {
		t.Errorf("reclaimed %d after ack, err %v", n, err)
	}
}

func TestRetryPromotesAfterDelay(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testMessage("Max"), PriorityPremium); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d := mustDequeue(t, q)
	if err := q.Retry(ctx, d, 0, errors.New("encode: ffmpeg crashed")); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Delayed != 1 || stats.Inflight != 0 {
		t.Fatalf("after retry: %+v", stats)
	}

	n, err := q.PromoteDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PromoteDue = %d, %v", n, err)
	}
	again := mustDequeue(t, q)
	if again.ID != d.ID || again.Attempts != 1 || again.Attempt() != 2 {
		t.Errorf("redelivered %+v", again)
	}
	if again.Priority != PriorityPremium || again.LastError != "encode: ffmpeg crashed" {
		t.Errorf("redelivered %+v", again)
	}
}

func TestRetryWaitsForBackoff(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testMessage("Max"), PriorityStandard); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d := mustDequeue(t, q)
	if err := q.Retry(ctx, d, time.Hour, nil); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if n, err := q.PromoteDue(ctx); err != nil || n != 0 {
		t.Errorf("promoted %d before the delay elapsed, err %v", n, err)
	}
}

func TestReclaimExpiredRequeuesAtHead(t *testing.T) {
	q, _ := newTestQueue(t, time.Millisecond)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testMessage("first"), PriorityStandard); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, testMessage("second"), PriorityStandard); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d := mustDequeue(t, q)
	time.Sleep(10 * time.Millisecond)

	n, err := q.ReclaimExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReclaimExpired = %d, %v", n, err)
	}

	// A reclaim is not a failed attempt and goes ahead of later arrivals.
	again := mustDequeue(t, q)
	if again.ID != d.ID || again.Attempts != 0 {
		t.Errorf("redelivered %+v, want %s with no attempts", again, d.ID)
	}
}

func TestBuryMovesToDeadLetters(t *testing.T) {
	q, mr := newTestQueue(t, time.Minute)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testMessage("Max"), PriorityRush); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d := mustDequeue(t, q)
	if err := q.Bury(ctx, d, errors.New("object not found")); err != nil {
		t.Fatalf("Bury: %v", err)
	}

	dead, err := mr.List(KeyDead)
	if err != nil || len(dead) != 1 {
		t.Fatalf("dead list = %v, %v", dead, err)
	}
	var got Delivery
	if err := json.Unmarshal([]byte(dead[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != d.ID || got.Attempts != 1 || got.LastError != "object not found" {
		t.Errorf("buried %+v", got)
	}

	stats, _ := q.Stats(ctx)
	if stats.Dead != 1 || stats.Inflight != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDequeueBuriesUndecodablePayload(t *testing.T) {
	q, mr := newTestQueue(t, time.Minute)

	if _, err := mr.Lpush(ListKey(PriorityStandard), "not json"); err != nil {
		t.Fatalf("Lpush: %v", err)
	}
	d, err := q.Dequeue(context.Background(), 0)
	if err != nil || d != nil {
		t.Errorf("d=%v err=%v", d, err)
	}
	if dead, _ := mr.List(KeyDead); len(dead) != 1 || dead[0] != "not json" {
		t.Errorf("dead list = %v", dead)
	}
}
