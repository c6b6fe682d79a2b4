package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
)

// JobSubmitter creates and enqueues a job for a seller. jobs.Manager satisfies it.
type JobSubmitter interface {
	SubmitForSeller(ctx context.Context, sellerID int64, mode models.JobMode, cfg models.JobConfig) (*models.CrawlJob, error)
}

type SellerReader interface {
	GetSeller(ctx context.Context, id int64) (*models.Seller, error)
}

type DispatcherConfig struct {
	// Interval is how often the trigger registry is polled.
	Interval time.Duration
	// ClaimTTL bounds how long a firing claim blocks other dispatchers.
	ClaimTTL time.Duration
}

// Dispatcher turns due recurring triggers into auto-mode crawl jobs. Several
// dispatchers may poll the same registry; each firing is claimed so only one
// of them submits it.
type Dispatcher struct {
	triggers queue.TriggerRegistry
	sellers  SellerReader
	jobs     JobSubmitter
	cfg      DispatcherConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(triggers queue.TriggerRegistry, sellers SellerReader, jobs JobSubmitter, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Hour
	}
	return &Dispatcher{
		triggers: triggers,
		sellers:  sellers,
		jobs:     jobs,
		cfg:      cfg,
		logger:   logger.With("component", "trigger_dispatcher"),
		now:      time.Now,
	}
}

// Start polls until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("trigger dispatcher started", "interval", d.cfg.Interval)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch failed", "error", err)
		}

		select {
		case <-ctx.Done():
			d.logger.Info("trigger dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick fires every due trigger once and returns how many jobs it submitted.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	triggers, err := d.triggers.ListTriggers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list triggers: %w", err)
	}

	now := d.now()
	fired := 0
	for _, t := range triggers {
		if !t.Due(now) {
			continue
		}
		if d.fire(ctx, t, now) {
			fired++
		}
	}
	return fired, nil
}

func (d *Dispatcher) fire(ctx context.Context, t *models.ScheduledTrigger, now time.Time) bool {
	logger := d.logger.With("trigger_id", t.ID, "seller_id", t.SellerID)

	claimed, err := d.triggers.ClaimFiring(ctx, t.ID, t.NextRunAt, d.cfg.ClaimTTL)
	if err != nil {
		logger.Error("failed to claim firing", "error", err)
		return false
	}
	if !claimed {
		logger.Debug("firing claimed elsewhere", "run_at", t.NextRunAt)
		return false
	}

	submitted := d.submit(ctx, t, logger)

	// advance from now so a long outage fires once instead of catching up
	next, err := NextRun(t.Pattern, now)
	if err != nil {
		logger.Error("failed to compute next run", "pattern", t.Pattern, "error", err)
		return submitted
	}
	t.NextRunAt = next
	ok, err := d.triggers.AdvanceTrigger(ctx, t)
	switch {
	case err != nil:
		logger.Error("failed to advance trigger", "error", err)
	case !ok:
		logger.Info("trigger removed while firing")
	}
	return submitted
}

func (d *Dispatcher) submit(ctx context.Context, t *models.ScheduledTrigger, logger *slog.Logger) bool {
	sellerID := t.SellerID
	if id, ok := ParseTriggerID(t.ID); ok {
		sellerID = id
	}

	seller, err := d.sellers.GetSeller(ctx, sellerID)
	if err != nil {
		logger.Error("failed to load seller for trigger", "error", err)
		return false
	}
	if !seller.IsActive || len(seller.Sources) == 0 {
		logger.Warn("skipping trigger of ineligible seller", "active", seller.IsActive, "sources", len(seller.Sources))
		return false
	}

	job, err := d.jobs.SubmitForSeller(ctx, sellerID, models.JobModeAuto, models.JobConfig{})
	if err != nil {
		logger.Error("failed to submit auto job", "error", err)
		return false
	}
	logger.Info("auto job submitted", "job_id", job.ID, "run_at", t.NextRunAt)
	return true
}
