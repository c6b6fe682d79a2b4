package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthError     HealthStatus = "error"
)

// SyncResult summarizes one pass of job status synchronization.
type SyncResult struct {
	Checked   int `json:"checked"`
	Advanced  int `json:"advanced"`
	Cancelled int `json:"cancelled"`
	Errors    int `json:"errors"`
}

type Health struct {
	ScheduledJobs int          `json:"scheduled_jobs"`
	ActiveSellers int          `json:"active_sellers"`
	TotalSellers  int          `json:"total_sellers"`
	PendingJobs   int          `json:"pending_jobs"`
	Coverage      float64      `json:"coverage"`
	Status        HealthStatus `json:"status"`
	Sync          SyncResult   `json:"sync"`
	Error         string       `json:"error,omitempty"`
}

// GetAutoScraperHealth syncs job records with the queue and then reports
// trigger coverage of the active sellers. Failures are reported through
// Status and Error rather than returned.
func (s *Scheduler) GetAutoScraperHealth(ctx context.Context) *Health {
	h := &Health{}
	if err := s.health(ctx, h); err != nil {
		s.logger.Error("health check failed", "error", err)
		h.Status = HealthError
		h.Error = err.Error()
	}
	return h
}

func (s *Scheduler) health(ctx context.Context, h *Health) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	synced, err := s.SyncJobStatuses(ctx)
	if err != nil {
		return err
	}
	h.Sync = *synced

	sellers, err := s.sellers.ListSellers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sellers: %w", err)
	}
	active := make(map[int64]bool)
	for _, seller := range sellers {
		h.TotalSellers++
		if seller.IsActive {
			h.ActiveSellers++
			active[seller.ID] = true
		}
	}

	scheduled, err := s.scheduledSellers(ctx)
	if err != nil {
		return err
	}
	// triggers of inactive sellers do not count toward coverage
	for id := range scheduled {
		if active[id] {
			h.ScheduledJobs++
		}
	}

	open, err := s.jobs.ListOpenJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open jobs: %w", err)
	}
	h.PendingJobs = len(open)

	h.Coverage = coverage(h.ScheduledJobs, h.ActiveSellers)
	h.Status = statusFor(h.Coverage)
	return nil
}

// SyncJobStatuses moves open job records forward to the terminal state the
// queue already reports, and cancels WAITING records the queue does not know
// once they are older than the staleness threshold.
func (s *Scheduler) SyncJobStatuses(ctx context.Context) (*SyncResult, error) {
	open, err := s.jobs.ListOpenJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open jobs: %w", err)
	}

	res := &SyncResult{}
	now := s.now()
	for _, job := range open {
		res.Checked++

		st, err := s.states.JobState(ctx, job.ID)
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			if job.Status == models.JobStatusWaiting && now.Sub(job.CreatedAt) > s.cfg.StaleAfter {
				if s.moveJob(ctx, job, models.JobStatusCancelled, "stale: job unknown to queue", res) {
					res.Cancelled++
				}
			}
		case err != nil:
			res.Errors++
			s.logger.Warn("failed to read queue job state", "job_id", job.ID, "error", err)
		case st.Status.Terminal() && st.Status != job.Status:
			if s.moveJob(ctx, job, st.Status, "synchronized from queue state", res) {
				res.Advanced++
			}
		}
	}

	if res.Advanced > 0 || res.Cancelled > 0 {
		s.logger.Info("job statuses synchronized",
			"checked", res.Checked,
			"advanced", res.Advanced,
			"cancelled", res.Cancelled,
			"errors", res.Errors)
	}
	return res, nil
}

// moveJob walks a record to target through the allowed transitions. An
// ACTIVE record cannot be cancelled and a WAITING record can only reach
// COMPLETED or FAILED through ACTIVE.
func (s *Scheduler) moveJob(ctx context.Context, job *models.CrawlJob, target models.JobStatus, reason string, res *SyncResult) bool {
	var path []models.JobStatus
	switch {
	case models.CanTransition(job.Status, target):
		path = []models.JobStatus{target}
	case job.Status == models.JobStatusWaiting && models.CanTransition(models.JobStatusActive, target):
		path = []models.JobStatus{models.JobStatusActive, target}
	default:
		return false
	}

	now := s.now()
	for _, to := range path {
		patch := models.JobPatch{}
		if to.Terminal() {
			patch.CompletedAt = &now
			if to != models.JobStatusCompleted {
				patch.ErrorMessage = &reason
			}
		} else {
			patch.StartedAt = &now
		}
		if err := s.jobs.Transition(ctx, job.ID, to, patch); err != nil {
			if !errors.Is(err, models.ErrInvalidTransition) {
				res.Errors++
				s.logger.Warn("failed to synchronize job", "job_id", job.ID, "to", to, "error", err)
			}
			return false
		}
	}
	s.logger.Info("job status synchronized", "job_id", job.ID, "from", job.Status, "to", target, "reason", reason)
	return true
}

func coverage(scheduled, active int) float64 {
	if active == 0 {
		return 100
	}
	return min(float64(scheduled)/float64(active)*100, 100)
}

func statusFor(coverage float64) HealthStatus {
	switch {
	case coverage >= 90:
		return HealthHealthy
	case coverage >= 50:
		return HealthDegraded
	}
	return HealthUnhealthy
}
