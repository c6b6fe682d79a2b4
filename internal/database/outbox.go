package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/catalog-scraper/internal/models"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed publishes before an event is dead-lettered.
	MaxRetryCount = 5

	JobEventsStream       = "stream:catalog_jobs"
	AggregateCrawlJob     = "crawl_job"
	EventCrawlJobFinished = "CRAWL_JOB_FINISHED"

	ProductEventsStream = "stream:catalog_products"
	AggregateProduct    = "product"
	EventProductAdded   = "CATALOG_PRODUCT_ADDED"
)

// OutboxEvent is a row of the transactional outbox.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

// JobFinishedPayload is published when a crawl job reaches COMPLETED or FAILED.
type JobFinishedPayload struct {
	JobID           string           `json:"job_id"`
	SellerID        int64            `json:"seller_id"`
	ScraperSource   string           `json:"scraper_source"`
	Mode            models.JobMode   `json:"mode"`
	Status          models.JobStatus `json:"status"`
	Attempt         int              `json:"attempt"`
	PagesCrawled    int              `json:"pages_crawled"`
	ProductsScraped int              `json:"products_scraped"`
	ProductsSaved   int              `json:"products_saved"`
	ProductsUpdated int              `json:"products_updated"`
	Errors          int              `json:"errors"`
	DurationMS      int64            `json:"duration_ms"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

// NewJobFinishedEvent builds the outbox row for a job that just reached a
// terminal status.
func NewJobFinishedEvent(job *models.CrawlJob) (*OutboxEvent, error) {
	payload, err := json.Marshal(JobFinishedPayload{
		JobID:           job.ID,
		SellerID:        job.SellerID,
		ScraperSource:   job.ScraperSource,
		Mode:            job.Mode,
		Status:          job.Status,
		Attempt:         job.Attempt,
		PagesCrawled:    job.PagesCrawled,
		ProductsScraped: job.ProductsScraped,
		ProductsSaved:   job.ProductsSaved,
		ProductsUpdated: job.ProductsUpdated,
		Errors:          job.ErrorCount,
		DurationMS:      job.DurationMS,
		ErrorMessage:    job.ErrorMessage,
		FinishedAt:      job.CompletedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job event: %w", err)
	}
	return &OutboxEvent{
		AggregateType: AggregateCrawlJob,
		AggregateID:   job.ID,
		EventType:     EventCrawlJobFinished,
		Payload:       payload,
		TargetStream:  JobEventsStream,
	}, nil
}

// ProductAddedPayload is published the first time a product URL is stored for a seller.
type ProductAddedPayload struct {
	EventID    string                    `json:"event_id"`
	Timestamp  time.Time                 `json:"timestamp"`
	ProductID  int64                     `json:"product_id"`
	SellerID   int64                     `json:"seller_id"`
	SellerName string                    `json:"seller_name,omitempty"`
	SourceURL  string                    `json:"source_url"`
	Name       string                    `json:"name"`
	Price      float64                   `json:"price"`
	Currency   string                    `json:"currency"`
	Category   string                    `json:"category,omitempty"`
	ImageURL   string                    `json:"image_url,omitempty"`
	Provenance models.Provenance         `json:"provenance"`
	Cannabis   models.CannabisAttributes `json:"cannabis"`
}

func NewProductAddedEvent(productID, sellerID int64, sellerName string, p *models.ExtractedProduct) (*OutboxEvent, error) {
	payload, err := json.Marshal(ProductAddedPayload{
		EventID:    uuid.New().String(),
		Timestamp:  time.Now(),
		ProductID:  productID,
		SellerID:   sellerID,
		SellerName: sellerName,
		SourceURL:  p.SourceURL,
		Name:       p.Name,
		Price:      p.Price,
		Currency:   p.Currency,
		Category:   p.Category,
		ImageURL:   p.ImageURL,
		Provenance: p.Provenance,
		Cannabis:   p.Cannabis,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal product event: %w", err)
	}
	return &OutboxEvent{
		AggregateType: AggregateProduct,
		AggregateID:   strconv.FormatInt(productID, 10),
		EventType:     EventProductAdded,
		Payload:       payload,
		TargetStream:  ProductEventsStream,
	}, nil
}

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx stages event in the caller's transaction so it commits or
// rolls back together with the state change it describes.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if event.AggregateType == "" || event.AggregateID == "" || event.EventType == "" {
		return errors.New("outbox event needs aggregate type, aggregate id and event type")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = JobEventsStream
	}
	event.CreatedAt = time.Now()
	if event.NextRetryAt == nil {
		due := event.CreatedAt
		event.NextRetryAt = &due
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (id, aggregate_type, aggregate_id, event_type, payload,
			target_stream, status, retry_count, created_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Payload,
		event.TargetStream, event.Status, event.RetryCount, event.CreatedAt, event.NextRetryAt)
	if err != nil {
		return fmt.Errorf("insert %s outbox event: %w", event.EventType, err)
	}
	return nil
}

// claimLease hides a fetched event from other relays while it is published.
const claimLease = 30 * time.Second

// GetPending claims up to limit due events, oldest first. Claimed rows have
// their next_retry_at pushed out by claimLease, so replicas running their own
// relay never pick up the same row, and a relay that dies mid-batch releases
// its rows when the lease runs out.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_event
			WHERE status IN ($1, $2) AND next_retry_at <= $3
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_event o
		SET next_retry_at = $5
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.aggregate_type, o.aggregate_id, o.event_type,
			o.payload, o.target_stream, o.status, o.retry_count,
			o.error_message, o.created_at, o.processed_at, o.next_retry_at`,
		OutboxStatusPending, OutboxStatusFailed, time.Now(), limit, time.Now().Add(claimLease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}

	events, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("scan outbox events: %w", err)
	}
	// UPDATE ... RETURNING does not keep the CTE order.
	sort.Slice(events, func(a, b int) bool { return events[a].CreatedAt.Before(events[b].CreatedAt) })
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE outbox_event SET status = $1, processed_at = $2, error_message = NULL WHERE id = $3`,
		OutboxStatusProcessed, time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark outbox event %s processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// MarkFailed records a failed publish. The event is retried with backoff and
// dead-lettered on its MaxRetryCount-th failure.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, processErr error) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var attempts int
		if err := tx.QueryRow(ctx,
			`SELECT retry_count FROM outbox_event WHERE id = $1 FOR UPDATE`, id,
		).Scan(&attempts); err != nil {
			return fmt.Errorf("lock outbox event %s: %w", id, err)
		}
		attempts++

		status := OutboxStatusFailed
		if attempts >= MaxRetryCount {
			status = OutboxStatusDeadLetter
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox_event
			SET status = $2, retry_count = $3, error_message = $4, next_retry_at = $5
			WHERE id = $1`,
			id, status, attempts, processErr.Error(), nextRetryTime(time.Now(), attempts),
		); err != nil {
			return fmt.Errorf("mark outbox event %s failed: %w", id, err)
		}
		return nil
	})
}

// nextRetryTime backs off exponentially from 2s, capped at five minutes.
func nextRetryTime(now time.Time, retryCount int) time.Time {
	backoff := 300
	if retryCount < 9 {
		backoff = min(1<<retryCount, 300)
	}
	return now.Add(time.Duration(backoff) * time.Second)
}

// Counts returns the number of events waiting for publish and in dead letter.
func (r *OutboxRepository) Counts(ctx context.Context) (pending, deadLetter int64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $3)
		FROM outbox_event`,
		OutboxStatusPending, OutboxStatusFailed, OutboxStatusDeadLetter,
	).Scan(&pending, &deadLetter)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count outbox events: %w", err)
	}
	return pending, deadLetter, nil
}
