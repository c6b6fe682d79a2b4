package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
)

var ErrInvalidRequest = errors.New("invalid job request")

type SellerReader interface {
	GetSeller(ctx context.Context, id int64) (*models.Seller, error)
}

// Request describes a job to create.
type Request struct {
	SellerID      int64                   `json:"seller_id"`
	ScraperSource string                  `json:"scraper_source"`
	Mode          models.JobMode          `json:"mode"`
	Sources       []models.ScrapingSource `json:"sources"`
	Config        models.JobConfig        `json:"config"`
	Attempt       int                     `json:"-"`
}

func (r Request) validate() error {
	switch {
	case r.SellerID <= 0:
		return fmt.Errorf("%w: seller id is required", ErrInvalidRequest)
	case r.ScraperSource == "":
		return fmt.Errorf("%w: scraper source is required", ErrInvalidRequest)
	case !r.Mode.Valid():
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	case r.Config.StartPage != nil && *r.Config.StartPage < 1:
		return fmt.Errorf("%w: start page must be at least 1", ErrInvalidRequest)
	case r.Config.StartPage != nil && r.Config.EndPage != nil && *r.Config.EndPage < *r.Config.StartPage:
		return fmt.Errorf("%w: end page before start page", ErrInvalidRequest)
	}
	return nil
}

// Stats summarizes recent jobs.
type Stats struct {
	TotalJobs     int     `json:"total_jobs"`
	WaitingJobs   int     `json:"waiting_jobs"`
	ActiveJobs    int     `json:"active_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	CancelledJobs int     `json:"cancelled_jobs"`
	SuccessRate   float64 `json:"success_rate"`
}

// Manager creates job records and enqueues them.
type Manager struct {
	store   JobStore
	sellers SellerReader
	queue   queue.Queue
	logger  *slog.Logger
}

func NewManager(store JobStore, sellers SellerReader, q queue.Queue, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		sellers: sellers,
		queue:   q,
		logger:  logger.With("component", "job_manager"),
	}
}

// Submit persists a WAITING job and enqueues its message. A job that cannot
// be enqueued is cancelled so it does not linger as waiting.
func (m *Manager) Submit(ctx context.Context, req Request) (*models.CrawlJob, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	job := &models.CrawlJob{
		ID:            uuid.New().String(),
		SellerID:      req.SellerID,
		ScraperSource: req.ScraperSource,
		Mode:          req.Mode,
		Sources:       req.Sources,
		Config:        req.Config,
		Status:        models.JobStatusWaiting,
		Attempt:       req.Attempt,
		CreatedAt:     time.Now(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := m.queue.Enqueue(ctx, job.Message()); err != nil {
		msg := "enqueue failed: " + err.Error()
		if cerr := m.store.Transition(context.WithoutCancel(ctx), job.ID, models.JobStatusCancelled, models.JobPatch{ErrorMessage: &msg}); cerr != nil {
			m.logger.Error("failed to cancel unqueued job", "job_id", job.ID, "error", cerr)
		}
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	m.logger.Info("job created",
		"job_id", job.ID,
		"seller_id", job.SellerID,
		"mode", job.Mode,
		"sources", len(job.Sources),
		"attempt", job.Attempt)
	return job, nil
}

// SubmitForSeller creates a job for all of a seller's current sources.
func (m *Manager) SubmitForSeller(ctx context.Context, sellerID int64, mode models.JobMode, cfg models.JobConfig) (*models.CrawlJob, error) {
	seller, err := m.sellers.GetSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	return m.Submit(ctx, Request{
		SellerID:      seller.ID,
		ScraperSource: seller.ScraperSource,
		Mode:          mode,
		Sources:       seller.Sources,
		Config:        cfg,
	})
}

// Retry creates a fresh job for another attempt of prev. The failed job
// itself is never resumed.
func (m *Manager) Retry(ctx context.Context, prev *models.CrawlJob) (*models.CrawlJob, error) {
	job, err := m.Submit(ctx, Request{
		SellerID:      prev.SellerID,
		ScraperSource: prev.ScraperSource,
		Mode:          prev.Mode,
		Sources:       prev.Sources,
		Config:        prev.Config,
		Attempt:       prev.Attempt + 1,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("job re-enqueued", "previous_job_id", prev.ID, "job_id", job.ID, "attempt", job.Attempt)
	return job, nil
}

// Cancel moves a WAITING job to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, jobID, reason string) error {
	patch := models.JobPatch{}
	if reason != "" {
		patch.ErrorMessage = &reason
	}
	if err := m.store.Transition(ctx, jobID, models.JobStatusCancelled, patch); err != nil {
		return err
	}
	if err := m.queue.SetJobState(ctx, jobID, models.JobStatusCancelled); err != nil {
		m.logger.Warn("failed to mirror cancellation to queue", "job_id", jobID, "error", err)
	}
	m.logger.Info("job cancelled", "job_id", jobID, "reason", reason)
	return nil
}

func (m *Manager) GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	return m.store.GetJob(ctx, jobID)
}

func (m *Manager) ListJobs(ctx context.Context, f models.JobFilter) ([]*models.CrawlJob, error) {
	return m.store.ListJobs(ctx, f)
}

// Progress returns the queue's progress view of a job.
func (m *Manager) Progress(ctx context.Context, jobID string) (*queue.JobState, error) {
	return m.queue.JobState(ctx, jobID)
}

// GetStats counts the most recent jobs by status.
func (m *Manager) GetStats(ctx context.Context, window int) (*Stats, error) {
	jobs, err := m.store.ListJobs(ctx, models.JobFilter{Limit: window})
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := &Stats{TotalJobs: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case models.JobStatusWaiting:
			stats.WaitingJobs++
		case models.JobStatusActive:
			stats.ActiveJobs++
		case models.JobStatusCompleted:
			stats.CompletedJobs++
		case models.JobStatusFailed:
			stats.FailedJobs++
		case models.JobStatusCancelled:
			stats.CancelledJobs++
		}
	}
	if finished := stats.CompletedJobs + stats.FailedJobs; finished > 0 {
		stats.SuccessRate = float64(stats.CompletedJobs) / float64(finished) * 100
	}
	return stats, nil
}
