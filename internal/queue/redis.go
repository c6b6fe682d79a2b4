package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "stream:catalog_crawl_jobs"
	DefaultGroup  = "catalog-workers"

	jobKeyPrefix  = "catalog:job:"
	triggersKey   = "catalog:triggers"
	firingPrefix  = "catalog:trigger_fire:"
	fieldPayload  = "payload"
	fieldJobID    = "job_id"
	fieldStatus   = "status"
	fieldProgress = "progress"
	fieldUpdated  = "updated_at"
)

// RedisConfig configures the stream-backed queue.
type RedisConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Block is how long one XREADGROUP call waits before re-checking ctx.
	Block time.Duration
	// ClaimIdle is how long a delivered but unacked message may sit before
	// another consumer takes it over.
	ClaimIdle time.Duration
	StateTTL  time.Duration
}

func (c *RedisConfig) defaults() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "worker-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 15 * time.Minute
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 7 * 24 * time.Hour
	}
}

// RedisQueue implements Queue on a Redis stream with a consumer group, keeps
// job state in hashes and triggers in a single hash.
type RedisQueue struct {
	client redis.Cmdable
	cfg    RedisConfig
	logger *slog.Logger
}

func NewRedisQueue(ctx context.Context, client redis.Cmdable, cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	q := &RedisQueue{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "redis_queue", "consumer", cfg.Consumer),
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg *models.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	key := jobKeyPrefix + msg.JobID
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.Stream,
			Values: map[string]interface{}{
				fieldJobID:   msg.JobID,
				fieldPayload: string(payload),
			},
		})
		p.HSet(ctx, key,
			fieldStatus, string(models.JobStatusWaiting),
			fieldProgress, 0,
			fieldUpdated, time.Now().UTC().Format(time.RFC3339Nano))
		p.Expire(ctx, key, q.cfg.StateTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := q.claimAbandoned(ctx)
		if err != nil {
			q.logger.Warn("failed to claim abandoned messages", "error", err)
		} else if d != nil {
			return d, nil
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				if d := q.decode(ctx, m); d != nil {
					return d, nil
				}
			}
		}
	}
}

func (q *RedisQueue) claimAbandoned(ctx context.Context) (*Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if d := q.decode(ctx, m); d != nil {
			q.logger.Info("claimed abandoned message", "stream_id", m.ID, "job_id", d.Message.JobID)
			return d, nil
		}
	}
	return nil, nil
}

// decode acks and drops messages that cannot be decoded so they are not redelivered forever.
func (q *RedisQueue) decode(ctx context.Context, m redis.XMessage) *Delivery {
	raw, _ := m.Values[fieldPayload].(string)
	var msg models.JobMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.JobID == "" {
		q.logger.Error("dropping undecodable message", "stream_id", m.ID, "error", err)
		if ackErr := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, m.ID).Err(); ackErr != nil {
			q.logger.Error("failed to ack undecodable message", "stream_id", m.ID, "error", ackErr)
		}
		return nil
	}
	return &Delivery{ID: m.ID, Message: &msg}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

func (q *RedisQueue) ReportProgress(ctx context.Context, jobID string, progress int) error {
	return q.setFields(ctx, jobID, fieldProgress, Clamp(progress))
}

func (q *RedisQueue) SetJobState(ctx context.Context, jobID string, status models.JobStatus) error {
	return q.setFields(ctx, jobID, fieldStatus, string(status))
}

func (q *RedisQueue) setFields(ctx context.Context, jobID string, kv ...interface{}) error {
	key := jobKeyPrefix + jobID
	kv = append(kv, fieldUpdated, time.Now().UTC().Format(time.RFC3339Nano))
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, kv...)
		p.Expire(ctx, key, q.cfg.StateTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) JobState(ctx context.Context, jobID string) (*JobState, error) {
	vals, err := q.client.HGetAll(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	st := &JobState{JobID: jobID, Status: models.JobStatus(vals[fieldStatus])}
	st.Progress, _ = strconv.Atoi(vals[fieldProgress])
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, vals[fieldUpdated])
	return st, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }

func (q *RedisQueue) UpsertTrigger(ctx context.Context, t *models.ScheduledTrigger) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	if err := q.client.HSet(ctx, triggersKey, t.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("upsert trigger %s: %w", t.ID, err)
	}
	return nil
}

var advanceScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

func (q *RedisQueue) AdvanceTrigger(ctx context.Context, t *models.ScheduledTrigger) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal trigger: %w", err)
	}
	n, err := advanceScript.Run(ctx, q.client, []string{triggersKey}, t.ID, string(data)).Int()
	if err != nil {
		return false, fmt.Errorf("advance trigger %s: %w", t.ID, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) RemoveTrigger(ctx context.Context, id string) (bool, error) {
	n, err := q.client.HDel(ctx, triggersKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("remove trigger %s: %w", id, err)
	}
	return n > 0, nil
}

func (q *RedisQueue) ListTriggers(ctx context.Context) ([]*models.ScheduledTrigger, error) {
	vals, err := q.client.HGetAll(ctx, triggersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}

	out := make([]*models.ScheduledTrigger, 0, len(vals))
	for id, raw := range vals {
		var t models.ScheduledTrigger
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			q.logger.Warn("skipping malformed trigger", "trigger_id", id, "error", err)
			continue
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *RedisQueue) ClaimFiring(ctx context.Context, id string, at time.Time, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, firingPrefix+firingKey(id, at), q.cfg.Consumer, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim firing %s: %w", id, err)
	}
	return ok, nil
}
