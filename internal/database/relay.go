package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relaySource = "catalog-scraper"

// RedisClient is the slice of the Redis client the relay publishes through.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxRepo is the outbox access the relay needs.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxBatches bounds how many full batches one poll drains. A large crawl
	// writes one product event per new product, so a single batch per poll
	// would fall behind.
	MaxBatches int
	// StreamMaxLen trims each target stream to roughly this many entries.
	// Negative disables trimming.
	StreamMaxLen int64
	// FlushTimeout bounds the final drain after shutdown is requested.
	FlushTimeout time.Duration
}

func (c *RelayConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 10
	}
	if c.StreamMaxLen == 0 {
		c.StreamMaxLen = 100_000
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
}

// Relay moves outbox events (job completions and new products) to their
// Redis streams.
type Relay struct {
	redis  RedisClient
	outbox OutboxRepo
	cfg    RelayConfig
	logger *slog.Logger
}

func NewRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, cfg RelayConfig) *Relay {
	cfg.defaults()
	return &Relay{
		redis:  redisClient,
		outbox: outbox,
		cfg:    cfg,
		logger: logger.With("component", "relay"),
	}
}

// Start polls the outbox until ctx is done, then drains once more so events
// written during shutdown are not held until the next start.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"stream_max_len", r.cfg.StreamMaxLen)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FlushTimeout)
			r.poll(flushCtx)
			cancel()
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Relay) poll(ctx context.Context) {
	published, err := r.drain(ctx)
	if err != nil {
		r.logger.Error("failed to process events", "error", err)
	}
	if published > 0 {
		r.logger.Info("outbox drained", "published", published)
	}
}

// drain publishes batches until one comes back short or MaxBatches is hit.
// Failed events get a later retry time, so they are not picked up again in
// the same drain. A failing event does not stop the batch.
func (r *Relay) drain(ctx context.Context) (int, error) {
	published := 0
	for i := 0; i < r.cfg.MaxBatches; i++ {
		events, err := r.outbox.GetPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return published, fmt.Errorf("failed to get pending events: %w", err)
		}

		for _, event := range events {
			if err := r.processEvent(ctx, event); err != nil {
				r.logger.Error("failed to process event",
					"event_id", event.ID,
					"event_type", event.EventType,
					"aggregate_id", event.AggregateID,
					"error", err)
				continue
			}
			published++
		}

		if len(events) < r.cfg.BatchSize {
			break
		}
	}
	return published, nil
}

func (r *Relay) processEvent(ctx context.Context, event *OutboxEvent) error {
	if err := r.publish(ctx, event); err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to mark event as failed",
				"event_id", event.ID,
				"error", markErr)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	r.logger.Debug("event published",
		"event_id", event.ID,
		"event_type", event.EventType,
		"aggregate_id", event.AggregateID,
		"target_stream", event.TargetStream)
	return nil
}

// publish writes the event as one stream entry: a JSON envelope under "data"
// plus flat routing fields for consumers that filter without decoding.
func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	envelope := map[string]interface{}{
		"id":             event.ID.String(),
		"type":           event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"timestamp":      event.CreatedAt.Format(time.RFC3339),
		"payload":        payload,
		"metadata": map[string]interface{}{
			"source":      relaySource,
			"outbox_id":   event.ID.String(),
			"retry_count": event.RetryCount,
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal stream data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: map[string]interface{}{
			"data":           string(data),
			"event_type":     event.EventType,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
			"timestamp":      strconv.FormatInt(event.CreatedAt.UnixNano(), 10),
		},
	}
	if r.cfg.StreamMaxLen > 0 {
		args.MaxLen = r.cfg.StreamMaxLen
		args.Approx = true
	}
	if _, err := r.redis.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}
