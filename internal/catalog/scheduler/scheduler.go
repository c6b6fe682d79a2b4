// Package scheduler keeps the queue's recurring crawl triggers in line with
// seller configuration and reports how well the auto-scraper covers the
// active sellers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
)

var ErrSellerInactive = errors.New("seller is not active")

// DefaultStaleAfter is how long a WAITING job may be unknown to the queue
// before health sync cancels it.
const DefaultStaleAfter = 30 * time.Minute

type SellerStore interface {
	GetSeller(ctx context.Context, id int64) (*models.Seller, error)
	ListSellers(ctx context.Context) ([]*models.Seller, error)
	SetAutoScrapeInterval(ctx context.Context, id int64, hours *int) error
}

// JobSyncStore is the part of the job store health sync needs.
type JobSyncStore interface {
	ListOpenJobs(ctx context.Context) ([]*models.CrawlJob, error)
	Transition(ctx context.Context, id string, to models.JobStatus, patch models.JobPatch) error
}

type JobStateReader interface {
	JobState(ctx context.Context, jobID string) (*queue.JobState, error)
}

type Config struct {
	StaleAfter time.Duration
}

type Scheduler struct {
	sellers  SellerStore
	jobs     JobSyncStore
	triggers queue.TriggerRegistry
	states   JobStateReader
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(sellers SellerStore, jobs JobSyncStore, triggers queue.TriggerRegistry, states JobStateReader, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Scheduler{
		sellers:  sellers,
		jobs:     jobs,
		triggers: triggers,
		states:   states,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// SellerOutcome is the per-seller line of a bulk operation.
type SellerOutcome struct {
	SellerID   int64  `json:"seller_id"`
	SellerName string `json:"seller_name,omitempty"`
	TriggerID  string `json:"trigger_id,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	Error      string `json:"error,omitempty"`
}

type BulkResult struct {
	Scheduled int             `json:"scheduled"`
	Failed    int             `json:"failed"`
	Details   []SellerOutcome `json:"details"`
}

type StopResult struct {
	Stopped int             `json:"stopped"`
	Failed  int             `json:"failed"`
	Details []SellerOutcome `json:"details"`
}

type ScheduleResult struct {
	SellerID      int64     `json:"seller_id"`
	TriggerID     string    `json:"trigger_id"`
	Pattern       string    `json:"pattern"`
	IntervalHours int       `json:"interval_hours"`
	NextRunAt     time.Time `json:"next_run_at"`
}

// ReconcileReport is the diff computed by InitializeOnServerStart.
type ReconcileReport struct {
	Expected  int             `json:"expected"`
	Existing  int             `json:"existing"`
	Missing   int             `json:"missing"`
	Scheduled int             `json:"scheduled"`
	Skipped   []int64         `json:"skipped_no_sources,omitempty"`
	Errors    []SellerOutcome `json:"errors,omitempty"`
}

// InitializeAllAutoJobs schedules every active seller that has at least one
// source. Sellers without an interval get the 24 hour default first.
func (s *Scheduler) InitializeAllAutoJobs(ctx context.Context) (*BulkResult, error) {
	sellers, err := s.sellers.ListSellers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sellers: %w", err)
	}

	res := &BulkResult{Details: []SellerOutcome{}}
	for _, seller := range sellers {
		if !seller.IsActive || len(seller.Sources) == 0 {
			continue
		}

		out := SellerOutcome{SellerID: seller.ID, SellerName: seller.Name}
		err := safely(func() error {
			if seller.Interval() <= 0 {
				hours := models.DefaultAutoScrapeIntervalHours
				if err := s.sellers.SetAutoScrapeInterval(ctx, seller.ID, &hours); err != nil {
					return fmt.Errorf("set default interval: %w", err)
				}
			}
			sr, err := s.ScheduleSellerAutoJob(ctx, seller.ID)
			if err != nil {
				return err
			}
			out.TriggerID, out.Pattern = sr.TriggerID, sr.Pattern
			return nil
		})
		if err != nil {
			res.Failed++
			out.Error = err.Error()
			s.logger.Error("failed to schedule seller", "seller_id", seller.ID, "error", err)
		} else {
			res.Scheduled++
		}
		res.Details = append(res.Details, out)
	}

	s.logger.Info("auto jobs initialized", "scheduled", res.Scheduled, "failed", res.Failed)
	return res, nil
}

// StopAllAutoJobs removes every auto-scrape trigger and clears the owning
// sellers' intervals. Triggers with foreign ids are left alone.
func (s *Scheduler) StopAllAutoJobs(ctx context.Context) (*StopResult, error) {
	triggers, err := s.triggers.ListTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}

	res := &StopResult{Details: []SellerOutcome{}}
	for _, t := range triggers {
		sellerID, ok := ParseTriggerID(t.ID)
		if !ok {
			s.logger.Warn("ignoring trigger with unknown id", "trigger_id", t.ID)
			continue
		}

		out := SellerOutcome{SellerID: sellerID, TriggerID: t.ID, Pattern: t.Pattern}
		err := safely(func() error {
			if _, err := s.triggers.RemoveTrigger(ctx, t.ID); err != nil {
				return fmt.Errorf("remove trigger: %w", err)
			}
			return s.clearInterval(ctx, sellerID)
		})
		if err != nil {
			res.Failed++
			out.Error = err.Error()
			s.logger.Error("failed to stop auto job", "seller_id", sellerID, "error", err)
		} else {
			res.Stopped++
		}
		res.Details = append(res.Details, out)
	}

	s.logger.Info("auto jobs stopped", "stopped", res.Stopped, "failed", res.Failed)
	return res, nil
}

// ScheduleSellerAutoJob creates or overwrites the seller's recurring trigger.
func (s *Scheduler) ScheduleSellerAutoJob(ctx context.Context, sellerID int64) (*ScheduleResult, error) {
	seller, err := s.sellers.GetSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	switch {
	case !seller.IsActive:
		return nil, fmt.Errorf("seller %d: %w", sellerID, ErrSellerInactive)
	case seller.Interval() <= 0:
		return nil, fmt.Errorf("seller %d: %w", sellerID, ErrInvalidInterval)
	case len(seller.Sources) == 0:
		return nil, fmt.Errorf("seller %d: %w", sellerID, models.ErrNoSources)
	}

	trigger, err := newTrigger(seller.ID, seller.Interval(), s.now())
	if err != nil {
		return nil, err
	}
	if err := s.triggers.UpsertTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to store trigger %s: %w", trigger.ID, err)
	}

	s.logger.Info("seller auto job scheduled",
		"seller_id", seller.ID,
		"trigger_id", trigger.ID,
		"pattern", trigger.Pattern,
		"next_run_at", trigger.NextRunAt)
	return &ScheduleResult{
		SellerID:      seller.ID,
		TriggerID:     trigger.ID,
		Pattern:       trigger.Pattern,
		IntervalHours: trigger.IntervalHours,
		NextRunAt:     trigger.NextRunAt,
	}, nil
}

// UnscheduleSellerAutoJob removes the seller's trigger, if any, and clears
// its interval. It reports whether a trigger existed.
func (s *Scheduler) UnscheduleSellerAutoJob(ctx context.Context, sellerID int64) (bool, error) {
	if _, err := s.sellers.GetSeller(ctx, sellerID); err != nil {
		return false, err
	}

	removed, err := s.triggers.RemoveTrigger(ctx, TriggerID(sellerID))
	if err != nil {
		return false, fmt.Errorf("failed to remove trigger: %w", err)
	}
	if err := s.clearInterval(ctx, sellerID); err != nil {
		return removed, err
	}

	s.logger.Info("seller auto job unscheduled", "seller_id", sellerID, "removed", removed)
	return removed, nil
}

// InitializeOnServerStart schedules every eligible seller that has no
// trigger yet. Running it again without changes schedules nothing.
func (s *Scheduler) InitializeOnServerStart(ctx context.Context) (*ReconcileReport, error) {
	sellers, err := s.sellers.ListSellers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sellers: %w", err)
	}
	existing, err := s.scheduledSellers(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Existing: len(existing)}
	var missing []*models.Seller
	for _, seller := range sellers {
		if !seller.IsActive || seller.Interval() <= 0 {
			continue
		}
		if len(seller.Sources) == 0 {
			report.Skipped = append(report.Skipped, seller.ID)
			continue
		}
		report.Expected++
		if !existing[seller.ID] {
			missing = append(missing, seller)
		}
	}
	report.Missing = len(missing)

	for _, seller := range missing {
		var sr *ScheduleResult
		err := safely(func() error {
			var err error
			sr, err = s.ScheduleSellerAutoJob(ctx, seller.ID)
			return err
		})
		if err != nil {
			report.Errors = append(report.Errors, SellerOutcome{SellerID: seller.ID, SellerName: seller.Name, Error: err.Error()})
			s.logger.Error("failed to reconcile seller", "seller_id", seller.ID, "error", err)
			continue
		}
		report.Scheduled++
		s.logger.Info("missing trigger restored", "seller_id", seller.ID, "trigger_id", sr.TriggerID)
	}

	s.logger.Info("trigger reconciliation finished",
		"expected", report.Expected,
		"existing", report.Existing,
		"missing", report.Missing,
		"scheduled", report.Scheduled,
		"skipped", len(report.Skipped),
		"errors", len(report.Errors))
	return report, nil
}

// scheduledSellers reads the trigger registry fresh on every call.
func (s *Scheduler) scheduledSellers(ctx context.Context) (map[int64]bool, error) {
	triggers, err := s.triggers.ListTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	ids := make(map[int64]bool, len(triggers))
	for _, t := range triggers {
		if id, ok := ParseTriggerID(t.ID); ok {
			ids[id] = true
		}
	}
	return ids, nil
}

func (s *Scheduler) clearInterval(ctx context.Context, sellerID int64) error {
	err := s.sellers.SetAutoScrapeInterval(ctx, sellerID, nil)
	if errors.Is(err, models.ErrSellerNotFound) {
		s.logger.Warn("trigger belonged to a deleted seller", "seller_id", sellerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("clear interval: %w", err)
	}
	return nil
}

// safely turns a panic in one seller's step into an error so bulk loops continue.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
