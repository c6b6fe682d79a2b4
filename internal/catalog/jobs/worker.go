package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/catalog-scraper/internal/catalog/errclass"
	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
)

type WorkerConfig struct {
	Concurrency int
	MaxRetries  int
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Worker pulls job messages off the queue and runs them through the executor.
type Worker struct {
	queue      queue.Queue
	store      JobStore
	executor   *Executor
	manager    *Manager
	classifier *errclass.Classifier
	cfg        WorkerConfig
	logger     *slog.Logger
}

func NewWorker(q queue.Queue, store JobStore, executor *Executor, manager *Manager, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		queue:      q,
		store:      store,
		executor:   executor,
		manager:    manager,
		classifier: errclass.New(logger),
		cfg:        cfg,
		logger:     logger.With("component", "job_worker"),
	}
}

// Start runs Concurrency consumers until ctx is done or the queue closes.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("job worker started", "concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
	w.logger.Info("job worker stopped")
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			w.logger.Error("failed to dequeue", "slot", slot, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.handle(ctx, d)
	}
}

// handle processes one delivery and acks it. Deliveries whose job is no longer
// WAITING are duplicates and are acked without running.
func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	logger := w.logger.With("job_id", msg.JobID, "delivery_id", d.ID)

	job, err := w.store.GetJob(ctx, msg.JobID)
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		logger.Warn("dropping message for unknown job")
		w.ack(ctx, d, logger)
		return
	case err != nil:
		// left unacked so the queue redelivers it
		logger.Error("failed to load job", "error", err)
		return
	case job.Status != models.JobStatusWaiting:
		logger.Info("skipping duplicate delivery", "status", job.Status)
		w.ack(ctx, d, logger)
		return
	}

	_, err = w.executor.Execute(ctx, msg)
	switch {
	case err == nil:
		w.setState(ctx, msg.JobID, models.JobStatusCompleted, logger)
	case errors.Is(err, models.ErrInvalidTransition):
		// another consumer activated it first, or it was cancelled meanwhile
		logger.Info("job no longer waiting", "error", err)
	default:
		w.setState(ctx, msg.JobID, models.JobStatusFailed, logger)
		w.maybeRetry(ctx, job, err, logger)
	}
	w.ack(ctx, d, logger)
}

func (w *Worker) maybeRetry(ctx context.Context, job *models.CrawlJob, err error, logger *slog.Logger) {
	if !w.classifier.Retryable(err) {
		return
	}
	if job.Attempt >= w.cfg.MaxRetries {
		logger.Warn("retries exhausted", "attempt", job.Attempt, "max_retries", w.cfg.MaxRetries)
		return
	}
	if _, rerr := w.manager.Retry(context.WithoutCancel(ctx), job); rerr != nil {
		logger.Error("failed to re-enqueue job", "error", rerr)
	}
}

func (w *Worker) setState(ctx context.Context, jobID string, status models.JobStatus, logger *slog.Logger) {
	if err := w.queue.SetJobState(context.WithoutCancel(ctx), jobID, status); err != nil {
		logger.Warn("failed to update queue job state", "status", status, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	if err := w.queue.Ack(context.WithoutCancel(ctx), d); err != nil {
		logger.Error("failed to ack delivery", "error", err)
	}
}
