// Package jobs runs crawl jobs: the executor that crawls one seller's sources,
// the manager that creates and enqueues jobs, and the worker loop that feeds
// queued messages to the executor.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/maltedev/catalog-scraper/internal/catalog/errclass"
	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/ratelimit"
)

var (
	ErrAllSourcesFailed = errors.New("all sources failed")
	ErrExecutorPanic    = errors.New("executor panic")
)

// testModePages is the page cap of a test-mode crawl without an explicit end page.
const testModePages = 2

// JobStore is the job record store.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.CrawlJob) error
	GetJob(ctx context.Context, id string) (*models.CrawlJob, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]*models.CrawlJob, error)
	Transition(ctx context.Context, id string, to models.JobStatus, patch models.JobPatch) error
}

type ActivityLogger interface {
	LogActivity(ctx context.Context, e models.ActivityEntry) error
}

// SiteResolver selects the site implementation for a scraper source name.
type SiteResolver interface {
	Get(name string) (sites.Site, error)
}

type ExecutorConfig struct {
	PolitenessMin   time.Duration
	PolitenessMax   time.Duration
	FrequencyWindow time.Duration
}

// ErrorDetails is stored on failed jobs.
type ErrorDetails struct {
	Stack          string                  `json:"stack"`
	ErrorChain     []string                `json:"errorChain"`
	Classification errclass.Classification `json:"classification"`
}

type Executor struct {
	store      JobStore
	sites      SiteResolver
	progress   ProgressReporter
	activity   ActivityLogger
	classifier *errclass.Classifier
	frequency  *errclass.FrequencyTracker
	cfg        ExecutorConfig
	logger     *slog.Logger
	now        func() time.Time
	newLimiter func() ratelimit.Limiter
}

func NewExecutor(store JobStore, resolver SiteResolver, progress ProgressReporter, activity ActivityLogger, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	e := &Executor{
		store:      store,
		sites:      resolver,
		progress:   progress,
		activity:   activity,
		classifier: errclass.New(logger),
		frequency:  errclass.NewFrequencyTracker(cfg.FrequencyWindow),
		cfg:        cfg,
		logger:     logger.With("component", "job_executor"),
		now:        time.Now,
	}
	e.newLimiter = func() ratelimit.Limiter {
		return ratelimit.NewPoliteness(e.cfg.PolitenessMin, e.cfg.PolitenessMax)
	}
	return e
}

// Execute runs one job end to end. Per-source failures are counted and the
// job still completes; setup failures, persistence failures and the failure
// of every source move the job to FAILED and are returned wrapped in an
// *errclass.ClassifiedError.
func (e *Executor) Execute(ctx context.Context, msg *models.JobMessage) (*models.JobResult, error) {
	logger := e.logger.With("job_id", msg.JobID, "seller_id", msg.SellerID, "scraper_source", msg.ScraperSource)

	started := e.now()
	if err := e.store.Transition(ctx, msg.JobID, models.JobStatusActive, models.JobPatch{StartedAt: &started}); err != nil {
		return nil, fmt.Errorf("activate job %s: %w", msg.JobID, err)
	}
	// mirrored only once the job is ours, so a concurrent cancel is never overwritten
	if err := e.progress.SetJobState(ctx, msg.JobID, models.JobStatusActive); err != nil {
		logger.Warn("failed to mirror active state to queue", "error", err)
	}

	tracker := newProgressTracker(msg.JobID, e.progress, logger)
	tracker.Set(ctx, progressStarted)
	logger.Info("job started", "mode", msg.Mode, "sources", len(msg.Sources), "attempt", msg.Attempt)

	result, err := e.runRecovered(ctx, msg, tracker, logger)
	result.DurationMS = e.now().Sub(started).Milliseconds()

	// status writes must land even when the worker is shutting down
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		return result, e.fail(writeCtx, msg, result, err, logger)
	}

	completed := e.now()
	if err := e.store.Transition(writeCtx, msg.JobID, models.JobStatusCompleted, models.JobPatch{
		CompletedAt: &completed,
		Result:      result,
	}); err != nil {
		return result, fmt.Errorf("complete job %s: %w", msg.JobID, err)
	}
	tracker.Set(writeCtx, progressDone)

	logger.Info("job completed",
		"pages", result.PagesCrawled,
		"products", result.ProductsScraped,
		"saved", result.ProductsSaved,
		"updated", result.ProductsUpdated,
		"errors", result.Errors,
		"duration_ms", result.DurationMS)

	e.logActivity(writeCtx, models.ActivityEntry{
		SellerID: msg.SellerID,
		JobID:    msg.JobID,
		Level:    models.ActivityInfo,
		Action:   "crawl_completed",
		Message: fmt.Sprintf("crawled %d pages, %d products (%d saved, %d updated, %d errors)",
			result.PagesCrawled, result.ProductsScraped, result.ProductsSaved, result.ProductsUpdated, result.Errors),
	}, logger)
	return result, nil
}

type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("%s: %v", ErrExecutorPanic, p.value) }
func (p *panicError) Unwrap() error { return ErrExecutorPanic }

func (e *Executor) runRecovered(ctx context.Context, msg *models.JobMessage, tracker *progressTracker, logger *slog.Logger) (result *models.JobResult, err error) {
	result = &models.JobResult{}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	err = e.run(ctx, msg, tracker, result, logger)
	return result, err
}

func (e *Executor) run(ctx context.Context, msg *models.JobMessage, tracker *progressTracker, result *models.JobResult, logger *slog.Logger) error {
	site, err := e.sites.Get(msg.ScraperSource)
	if err != nil {
		return fmt.Errorf("resolve site: %w", err)
	}
	if len(msg.Sources) == 0 {
		return fmt.Errorf("seller %d: %w", msg.SellerID, models.ErrNoSources)
	}
	sc, err := site.InitializeSeller(ctx, msg.SellerID)
	if err != nil {
		return fmt.Errorf("initialize seller: %w", err)
	}
	tracker.Set(ctx, progressSetup)

	limiter := e.newLimiter()
	startPage, endPage := pageRange(msg.Mode, msg.Config)
	base := site.Config()

	var products []*models.ExtractedProduct
	var sourceErrors int
	var lastErr error
	for i, src := range msg.Sources {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("politeness delay: %w", err)
		}

		crawl, err := site.Crawl(ctx, base.ForSource(src), startPage, endPage)
		if err != nil {
			sourceErrors++
			lastErr = err
			limiter.RecordError()
			e.reportSourceError(msg, src, err, logger)
		} else {
			limiter.RecordSuccess()
			result.PagesCrawled += crawl.TotalPages
			result.Errors += crawl.Errors
			products = append(products, crawl.Products...)
			logger.Info("source crawled",
				"source_url", src.URL,
				"pages", crawl.TotalPages,
				"products", len(crawl.Products),
				"page_errors", crawl.Errors)
		}
		tracker.Set(ctx, sourceProgress(i, len(msg.Sources)))
	}

	result.ProductsScraped = len(products)
	result.Errors += sourceErrors
	if sourceErrors == len(msg.Sources) {
		return fmt.Errorf("%w (%d of %d): %w", ErrAllSourcesFailed, sourceErrors, len(msg.Sources), lastErr)
	}

	if len(products) > 0 {
		saved, err := site.SaveProducts(ctx, sc, products)
		if err != nil {
			return fmt.Errorf("save products: %w", err)
		}
		result.ProductsSaved = saved.Saved
		result.ProductsUpdated = saved.Updated
		result.Errors += saved.Errors
	}
	return nil
}

// pageRange maps the job mode to the crawler's page arguments. Nil bounds
// leave pagination to the crawler and the source's page cap.
func pageRange(mode models.JobMode, cfg models.JobConfig) (start, end *int) {
	if mode == models.JobModeTest {
		first := 1
		if cfg.StartPage != nil && *cfg.StartPage > 0 {
			first = *cfg.StartPage
		}
		last := first + testModePages - 1
		if cfg.EndPage != nil {
			last = *cfg.EndPage
		}
		return &first, &last
	}
	if cfg.FullSiteCrawl {
		return nil, nil
	}
	return cfg.StartPage, cfg.EndPage
}

// classify counts err against its type for this scraper source and then
// classifies it with that frequency. Job-level failures are counted but
// classified without the job id so unmatched setup errors stay UNKNOWN.
func (e *Executor) classify(msg *models.JobMessage, source string, err error, perSource bool) (errclass.Classification, int) {
	base := e.classifier.Classify(err, errclass.Context{Source: source})
	key := msg.ScraperSource + "|" + string(base.Type)

	c := errclass.Context{Source: source}
	if perSource {
		c.Frequency = e.frequency.Record(key)
		c.JobID = msg.JobID
	} else {
		c.Frequency = e.frequency.Count(key)
	}
	return e.classifier.Classify(err, c), c.Frequency
}

func (e *Executor) reportSourceError(msg *models.JobMessage, src models.ScrapingSource, err error, logger *slog.Logger) {
	cls, frequency := e.classify(msg, src.URL, err, true)

	attrs := []interface{}{
		"source_url", src.URL,
		"error", err,
		"error_type", cls.Type,
		"severity", cls.Severity,
		"auto_retryable", cls.AutoRetryable,
		"confidence", cls.Confidence,
		"recommended_action", cls.Action,
		"frequency", frequency,
	}
	if errclass.ShouldAlert(cls.Type, frequency) {
		logger.Error("source crawl failed", append(attrs, "alert", true)...)
		return
	}
	logger.Warn("source crawl failed", attrs...)
}

// fail records the terminal FAILED state and returns err annotated with its
// classification.
func (e *Executor) fail(ctx context.Context, msg *models.JobMessage, result *models.JobResult, err error, logger *slog.Logger) error {
	cls, frequency := e.classify(msg, "executor", err, false)

	details := ErrorDetails{
		ErrorChain:     errorChain(err),
		Classification: cls,
	}
	var pe *panicError
	if errors.As(err, &pe) {
		details.Stack = string(pe.stack)
	} else {
		details.Stack = string(debug.Stack())
	}
	raw, marshalErr := json.Marshal(details)
	if marshalErr != nil {
		logger.Warn("failed to encode error details", "error", marshalErr)
	}

	completed := e.now()
	message := err.Error()
	if terr := e.store.Transition(ctx, msg.JobID, models.JobStatusFailed, models.JobPatch{
		CompletedAt:  &completed,
		Result:       result,
		ErrorMessage: &message,
		ErrorDetails: raw,
	}); terr != nil {
		logger.Error("failed to mark job failed", "error", terr)
	}

	logger.Error("job failed",
		"error", err,
		"error_type", cls.Type,
		"severity", cls.Severity,
		"auto_retryable", cls.AutoRetryable,
		"alert", errclass.ShouldAlert(cls.Type, frequency),
		"duration_ms", result.DurationMS)

	e.logActivity(ctx, models.ActivityEntry{
		SellerID: msg.SellerID,
		JobID:    msg.JobID,
		Level:    models.ActivityError,
		Action:   "crawl_failed",
		Message:  message,
		Details:  raw,
	}, logger)

	return &errclass.ClassifiedError{Err: err, Classification: cls}
}

// logActivity never fails the caller.
func (e *Executor) logActivity(ctx context.Context, entry models.ActivityEntry, logger *slog.Logger) {
	if e.activity == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("activity logger panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := e.activity.LogActivity(ctx, entry); err != nil {
		logger.Warn("failed to write activity log", "action", entry.Action, "error", err)
	}
}

// errorChain lists the messages of err and everything it wraps, outermost first.
func errorChain(err error) []string {
	var chain []string
	queue := []error{err}
	for len(queue) > 0 && len(chain) < 16 {
		cur := queue[0]
		queue = queue[1:]
		if cur == nil {
			continue
		}
		chain = append(chain, cur.Error())
		switch u := cur.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, u.Unwrap()...)
		case interface{ Unwrap() error }:
			queue = append(queue, u.Unwrap())
		}
	}
	return chain
}
