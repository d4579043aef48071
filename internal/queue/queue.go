package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/memorial/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	keyPrefix   = "queue:render"
	KeyInflight = keyPrefix + ":inflight"
	KeyLeases   = keyPrefix + ":leases"
	KeyDelayed  = keyPrefix + ":delayed"
	KeyDead     = keyPrefix + ":dead"

	defaultPollInterval = 500 * time.Millisecond
	sweepBatch          = 100
)

// ListKey is the pending list for a priority class.
func ListKey(p Priority) string {
	return keyPrefix + ":" + p.String()
}

// Queue is a priority-partitioned, at-least-once render queue. A dequeued
// delivery stays leased in the in-flight hash until it is acked, retried or
// buried; an expired lease puts it back at the head of its list.
type Queue struct {
	client       *redis.Client
	visibility   time.Duration
	pollInterval time.Duration
}

// Delivery is one queued render request plus its queue bookkeeping.
type Delivery struct {
	ID         uuid.UUID         `json:"id"`
	List       string            `json:"queue"`
	Priority   Priority          `json:"priority"`
	Attempts   int               `json:"attempts"` // failed attempts so far
	LastError  string            `json:"last_error,omitempty"`
	Message    models.JobMessage `json:"message"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Attempt is the 1-based number of the run this delivery starts.
func (d *Delivery) Attempt() int {
	return d.Attempts + 1
}

type Stats struct {
	Pending  map[Priority]int64
	Delayed  int64
	Inflight int64
	Dead     int64
}

func New(redisURL string, visibility time.Duration) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, visibility), nil
}

func NewWithClient(client *redis.Client, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	return &Queue{client: client, visibility: visibility, pollInterval: defaultPollInterval}
}

// Client exposes the connection for components that share it, such as the
// event publisher.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Visibility is how long a lease lasts without an Extend.
func (q *Queue) Visibility() time.Duration {
	return q.visibility
}

func (q *Queue) Enqueue(ctx context.Context, msg models.JobMessage, priority Priority) (*Delivery, error) {
	d := &Delivery{
		ID:         uuid.New(),
		List:       ListKey(priority),
		Priority:   priority,
		Message:    msg,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery: %w", err)
	}
	if err := q.client.RPush(ctx, d.List, data).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}
	return d, nil
}

// popScript takes the head of the first non-empty list in KEYS[4:] and leases
// it. Undecodable payloads are moved to the dead-letter list.
var popScript = redis.NewScript(`
for i = 4, #KEYS do
  local raw = redis.call('LPOP', KEYS[i])
  if raw then
    local ok, env = pcall(cjson.decode, raw)
    if ok and type(env) == 'table' and env['id'] then
      redis.call('HSET', KEYS[1], env['id'], raw)
      redis.call('ZADD', KEYS[2], ARGV[1], env['id'])
      return raw
    end
    redis.call('RPUSH', KEYS[3], raw)
  end
end
return false
`)

// Dequeue waits up to timeout for a delivery, preferring higher priority
// classes. It returns nil, nil when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	keys := []string{KeyInflight, KeyLeases, KeyDead}
	for _, p := range Priorities {
		keys = append(keys, ListKey(p))
	}

	deadline := time.Now().Add(timeout)
	for {
		leaseUntil := time.Now().Add(q.visibility).UnixMilli()
		raw, err := popScript.Run(ctx, q.client, keys, leaseUntil).Text()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}
		if err == nil {
			var d Delivery
			if err := json.Unmarshal([]byte(raw), &d); err != nil {
				return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
			}
			return &d, nil
		}

		if !time.Now().Before(deadline) {
			return nil, nil // No job available
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Extend pushes the lease deadline out by one visibility period.
func (q *Queue) Extend(ctx context.Context, d *Delivery) error {
	until := float64(time.Now().Add(q.visibility).UnixMilli())
	return q.client.ZAddXX(ctx, KeyLeases, &redis.Z{Score: until, Member: d.ID.String()}).Err()
}

// Ack releases a finished delivery.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, KeyInflight, d.ID.String())
		pipe.ZRem(ctx, KeyLeases, d.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack delivery %s: %w", d.ID, err)
	}
	return nil
}

// Retry schedules the delivery to run again after delay and counts the failed attempt.
func (q *Queue) Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	next := *d
	next.Attempts++
	if cause != nil {
		next.LastError = cause.Error()
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, KeyDelayed, &redis.Z{Score: due, Member: data})
		pipe.HDel(ctx, KeyInflight, d.ID.String())
		pipe.ZRem(ctx, KeyLeases, d.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry for %s: %w", d.ID, err)
	}
	return nil
}

// Bury moves an exhausted delivery to the dead-letter list.
func (q *Queue) Bury(ctx context.Context, d *Delivery, cause error) error {
	dead := *d
	dead.Attempts++
	if cause != nil {
		dead.LastError = cause.Error()
	}
	data, err := json.Marshal(&dead)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, KeyDead, data)
		pipe.HDel(ctx, KeyInflight, d.ID.String())
		pipe.ZRem(ctx, KeyLeases, d.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to bury delivery %s: %w", d.ID, err)
	}
	return nil
}

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, raw in ipairs(due) do
  redis.call('ZREM', KEYS[1], raw)
  local ok, env = pcall(cjson.decode, raw)
  if ok and type(env) == 'table' and env['queue'] then
    redis.call('RPUSH', env['queue'], raw)
  else
    redis.call('RPUSH', KEYS[2], raw)
  end
end
return #due
`)

// PromoteDue moves retries whose backoff has elapsed back onto their lists.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{KeyDelayed, KeyDead},
		time.Now().UnixMilli(), sweepBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed deliveries: %w", err)
	}
	return n, nil
}

var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local n = 0
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local raw = redis.call('HGET', KEYS[1], id)
  redis.call('HDEL', KEYS[1], id)
  if raw then
    local ok, env = pcall(cjson.decode, raw)
    if ok and type(env) == 'table' and env['queue'] then
      redis.call('LPUSH', env['queue'], raw)
    else
      redis.call('RPUSH', KEYS[3], raw)
    end
    n = n + 1
  end
end
return n
`)

// ReclaimExpired requeues deliveries whose worker stopped renewing the lease.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client, []string{KeyInflight, KeyLeases, KeyDead},
		time.Now().UnixMilli(), sweepBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := make(map[Priority]*redis.IntCmd, len(Priorities))
	for _, p := range Priorities {
		pending[p] = pipe.LLen(ctx, ListKey(p))
	}
	delayed := pipe.ZCard(ctx, KeyDelayed)
	inflight := pipe.HLen(ctx, KeyInflight)
	dead := pipe.LLen(ctx, KeyDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	s := &Stats{
		Pending:  make(map[Priority]int64, len(Priorities)),
		Delayed:  delayed.Val(),
		Inflight: inflight.Val(),
		Dead:     dead.Val(),
	}
	for p, cmd := range pending {
		s.Pending[p] = cmd.Val()
	}
	return s, nil
}
