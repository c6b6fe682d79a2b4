package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/catalog-scraper/internal/models"
)

const jobColumns = `
	id, seller_id, scraper_source, mode, sources, config, status, attempt,
	created_at, started_at, completed_at, pages_crawled, products_scraped,
	products_saved, products_updated, error_count, duration_ms,
	error_message, error_details`

// JobRepository persists crawl jobs. Status changes are conditional updates so
// the state machine holds across concurrent workers.
type JobRepository struct {
	db     *DB
	outbox *OutboxRepository
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, outbox: NewOutboxRepository(db)}
}

func (r *JobRepository) CreateJob(ctx context.Context, job *models.CrawlJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusWaiting
	}
	sources, err := json.Marshal(job.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	query := `
		INSERT INTO crawl_jobs (id, seller_id, scraper_source, mode, sources, config, status, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err = r.db.QueryRow(ctx, query,
		job.ID, job.SellerID, job.ScraperSource, job.Mode, sources, cfg, job.Status, job.Attempt,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.CrawlJob, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) ListJobs(ctx context.Context, f models.JobFilter) ([]*models.CrawlJob, error) {
	var where []string
	var args []interface{}
	if f.SellerID != 0 {
		args = append(args, f.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM crawl_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	return r.list(ctx, query, args...)
}

// ListOpenJobs returns waiting and active jobs, oldest first.
func (r *JobRepository) ListOpenJobs(ctx context.Context) ([]*models.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE status IN ($1, $2) ORDER BY created_at`
	return r.list(ctx, query, models.JobStatusWaiting, models.JobStatusActive)
}

func (r *JobRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.CrawlJob, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return jobs, nil
}

// Transition moves the job to status to when its current status allows it.
// Reaching COMPLETED or FAILED also writes a CRAWL_JOB_FINISHED outbox event
// in the same transaction.
func (r *JobRepository) Transition(ctx context.Context, id string, to models.JobStatus, patch models.JobPatch) error {
	allowed := models.AllowedFrom(to)
	if len(allowed) == 0 {
		return fmt.Errorf("%w: no transition into %s", models.ErrInvalidTransition, to)
	}
	from := make([]string, len(allowed))
	for i, s := range allowed {
		from[i] = string(s)
	}

	sets := []string{"status = $1"}
	args := []interface{}{to}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if res := patch.Result; res != nil {
		add("pages_crawled", res.PagesCrawled)
		add("products_scraped", res.ProductsScraped)
		add("products_saved", res.ProductsSaved)
		add("products_updated", res.ProductsUpdated)
		add("error_count", res.Errors)
		add("duration_ms", res.DurationMS)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if len(patch.ErrorDetails) > 0 {
		add("error_details", []byte(patch.ErrorDetails))
	}
	args = append(args, id, from)
	query := fmt.Sprintf(`UPDATE crawl_jobs SET %s WHERE id = $%d AND status = ANY($%d) RETURNING `+jobColumns,
		strings.Join(sets, ", "), len(args)-1, len(args))

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.rejected(ctx, tx, id, to)
		}
		if err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}

		if to != models.JobStatusCompleted && to != models.JobStatusFailed {
			return nil
		}
		event, err := NewJobFinishedEvent(job)
		if err != nil {
			return err
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})
}

// rejected explains why a conditional update matched no row.
func (r *JobRepository) rejected(ctx context.Context, tx pgx.Tx, id string, to models.JobStatus) error {
	var current models.JobStatus
	err := tx.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("%w: %s %s -> %s", models.ErrInvalidTransition, id, current, to)
}

func scanJob(row pgx.Row) (*models.CrawlJob, error) {
	job := &models.CrawlJob{}
	var sources, cfg, details []byte
	err := row.Scan(
		&job.ID, &job.SellerID, &job.ScraperSource, &job.Mode, &sources, &cfg, &job.Status, &job.Attempt,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.PagesCrawled, &job.ProductsScraped,
		&job.ProductsSaved, &job.ProductsUpdated, &job.ErrorCount, &job.DurationMS,
		&job.ErrorMessage, &details,
	)
	if err != nil {
		return nil, err
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &job.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &job.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if len(details) > 0 {
		job.ErrorDetails = json.RawMessage(details)
	}
	return job, nil
}
