package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
)

const (
	progressStarted     = 5
	progressSetup       = 10
	progressCrawlBudget = 80
	progressDone        = 100
)

// ProgressReporter receives job progress and the ACTIVE status mirror.
// queue.Queue satisfies it.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, jobID string, progress int) error
	SetJobState(ctx context.Context, jobID string, status models.JobStatus) error
}

// progressTracker only ever moves forward; lower values are dropped.
// Reporting is best-effort.
type progressTracker struct {
	mu       sync.Mutex
	jobID    string
	current  int
	reporter ProgressReporter
	logger   *slog.Logger
}

func newProgressTracker(jobID string, reporter ProgressReporter, logger *slog.Logger) *progressTracker {
	return &progressTracker{jobID: jobID, reporter: reporter, logger: logger}
}

func (t *progressTracker) Set(ctx context.Context, progress int) {
	progress = queue.Clamp(progress)

	t.mu.Lock()
	if progress <= t.current {
		t.mu.Unlock()
		return
	}
	t.current = progress
	t.mu.Unlock()

	if t.reporter == nil {
		return
	}
	if err := t.reporter.ReportProgress(ctx, t.jobID, progress); err != nil {
		t.logger.Warn("failed to report progress", "job_id", t.jobID, "progress", progress, "error", err)
	}
}

func (t *progressTracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// sourceProgress is the progress after finishing source i (0-based) of n.
func sourceProgress(i, n int) int {
	if n <= 0 {
		return progressSetup + progressCrawlBudget
	}
	return progressSetup + progressCrawlBudget*(i+1)/n
}
