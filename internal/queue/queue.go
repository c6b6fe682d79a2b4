// Package queue is the durable job transport: at-least-once delivery of crawl
// job messages, per-job state and progress, and the recurring trigger registry.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/maltedev/catalog-scraper/internal/models"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrJobNotFound = errors.New("job not known to queue")
)

// Delivery is one received message. It must be acked once handled.
type Delivery struct {
	ID      string
	Message *models.JobMessage
}

// JobState is the queue's own view of a job.
type JobState struct {
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Queue delivers job messages at least once.
type Queue interface {
	Enqueue(ctx context.Context, msg *models.JobMessage) error
	// Dequeue blocks until a message is available, ctx is done or the queue closes.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	ReportProgress(ctx context.Context, jobID string, progress int) error
	SetJobState(ctx context.Context, jobID string, status models.JobStatus) error
	// JobState returns ErrJobNotFound for ids the queue has never seen or has expired.
	JobState(ctx context.Context, jobID string) (*JobState, error)
	Close() error
}

// TriggerRegistry stores recurring triggers keyed by id. It is the source of
// truth for whether a seller is scheduled.
type TriggerRegistry interface {
	// UpsertTrigger creates or overwrites the trigger with t.ID.
	UpsertTrigger(ctx context.Context, t *models.ScheduledTrigger) error
	// AdvanceTrigger overwrites t only if a trigger with t.ID still exists,
	// so a trigger removed concurrently is not resurrected.
	AdvanceTrigger(ctx context.Context, t *models.ScheduledTrigger) (bool, error)
	// RemoveTrigger reports whether a trigger existed.
	RemoveTrigger(ctx context.Context, id string) (bool, error)
	ListTriggers(ctx context.Context) ([]*models.ScheduledTrigger, error)
	// ClaimFiring returns true for exactly one caller per (id, at) pair within ttl.
	ClaimFiring(ctx context.Context, id string, at time.Time, ttl time.Duration) (bool, error)
}

// Clamp keeps progress in 0..100.
func Clamp(progress int) int {
	return max(0, min(progress, 100))
}
