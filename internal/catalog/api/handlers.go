package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/catalog-scraper/internal/catalog/jobs"
	"github.com/maltedev/catalog-scraper/internal/catalog/scheduler"
	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
)

type SchedulerService interface {
	InitializeAllAutoJobs(ctx context.Context) (*scheduler.BulkResult, error)
	StopAllAutoJobs(ctx context.Context) (*scheduler.StopResult, error)
	ScheduleSellerAutoJob(ctx context.Context, sellerID int64) (*scheduler.ScheduleResult, error)
	UnscheduleSellerAutoJob(ctx context.Context, sellerID int64) (bool, error)
	InitializeOnServerStart(ctx context.Context) (*scheduler.ReconcileReport, error)
	GetAutoScraperHealth(ctx context.Context) *scheduler.Health
}

type JobService interface {
	SubmitForSeller(ctx context.Context, sellerID int64, mode models.JobMode, cfg models.JobConfig) (*models.CrawlJob, error)
	GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]*models.CrawlJob, error)
	Progress(ctx context.Context, jobID string) (*queue.JobState, error)
	Cancel(ctx context.Context, jobID, reason string) error
	GetStats(ctx context.Context, window int) (*jobs.Stats, error)
}

type ActivityReader interface {
	RecentActivity(ctx context.Context, sellerID int64, limit int) ([]models.ActivityEntry, error)
}

// OutboxStats is optional; the file store has no outbox.
type OutboxStats interface {
	Counts(ctx context.Context) (pending, deadLetter int64, err error)
}

type Handlers struct {
	scheduler SchedulerService
	jobs      JobService
	activity  ActivityReader
	outbox    OutboxStats
	logger    *slog.Logger
}

func NewHandlers(sched SchedulerService, jobs JobService, activity ActivityReader, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		scheduler: sched,
		jobs:      jobs,
		activity:  activity,
		outbox:    outbox,
		logger:    logger.With("component", "api"),
	}
}

// Health reports process liveness and, when available, outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		pending, deadLetter, err := h.outbox.Counts(r.Context())
		if err != nil {
			h.logger.Error("failed to read outbox counts", "error", err)
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			h.respondJSON(w, http.StatusServiceUnavailable, health)
			return
		}
		health["outbox"] = map[string]int64{"pending": pending, "dead_letter": deadLetter}
		if pending > 1000 {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetter > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) InitializeAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.InitializeAllAutoJobs(r.Context())
	if err != nil {
		h.respondServiceError(w, "failed to initialize auto jobs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) StopAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.StopAllAutoJobs(r.Context())
	if err != nil {
		h.respondServiceError(w, "failed to stop auto jobs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.InitializeOnServerStart(r.Context())
	if err != nil {
		h.respondServiceError(w, "failed to reconcile triggers", err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) SchedulerHealth(w http.ResponseWriter, r *http.Request) {
	health := h.scheduler.GetAutoScraperHealth(r.Context())
	status := http.StatusOK
	if health.Status == scheduler.HealthError {
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, health)
}

func (h *Handlers) ScheduleSeller(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.sellerID(w, r)
	if !ok {
		return
	}
	res, err := h.scheduler.ScheduleSellerAutoJob(r.Context(), sellerID)
	if err != nil {
		h.respondServiceError(w, "failed to schedule seller", err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) UnscheduleSeller(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.sellerID(w, r)
	if !ok {
		return
	}
	removed, err := h.scheduler.UnscheduleSellerAutoJob(r.Context(), sellerID)
	if err != nil {
		h.respondServiceError(w, "failed to unschedule seller", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"seller_id":  sellerID,
		"trigger_id": scheduler.TriggerID(sellerID),
		"removed":    removed,
	})
}

func (h *Handlers) SellerActivity(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.sellerID(w, r)
	if !ok {
		return
	}
	entries, err := h.activity.RecentActivity(r.Context(), sellerID, queryInt(r, "limit", 50))
	if err != nil {
		h.respondServiceError(w, "failed to read activity", err)
		return
	}
	if entries == nil {
		entries = []models.ActivityEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// CreateJobRequest starts a crawl of all of a seller's sources.
type CreateJobRequest struct {
	SellerID int64            `json:"seller_id"`
	Mode     models.JobMode   `json:"mode"`
	Config   models.JobConfig `json:"config"`
}

type CreateJobResponse struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SellerID <= 0 {
		h.respondError(w, http.StatusBadRequest, "seller_id is required")
		return
	}
	if req.Mode == "" {
		req.Mode = models.JobModeManual
	}

	job, err := h.jobs.SubmitForSeller(r.Context(), req.SellerID, req.Mode, req.Config)
	if err != nil {
		h.respondServiceError(w, "failed to create job", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Job created successfully",
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondServiceError(w, "failed to get job", err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{
		SellerID: int64(queryInt(r, "seller_id", 0)),
		Status:   models.JobStatus(r.URL.Query().Get("status")),
		Limit:    queryInt(r, "limit", 100),
	}
	list, err := h.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, "failed to list jobs", err)
		return
	}
	if list == nil {
		list = []*models.CrawlJob{}
	}
	h.respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) JobProgress(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Progress(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondServiceError(w, "failed to get job progress", err)
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	jobID := chi.URLParam(r, "jobID")
	if err := h.jobs.Cancel(r.Context(), jobID, req.Reason); err != nil {
		h.respondServiceError(w, "failed to cancel job", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(models.JobStatusCancelled)})
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.GetStats(r.Context(), queryInt(r, "window", 100))
	if err != nil {
		h.respondServiceError(w, "failed to get stats", err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) sellerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sellerID"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid seller id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrSellerNotFound), errors.Is(err, models.ErrJobNotFound), errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrSellerInactive), errors.Is(err, scheduler.ErrInvalidInterval), errors.Is(err, models.ErrNoSources):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handlers) respondServiceError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
		h.respondError(w, status, message)
		return
	}
	h.respondError(w, status, err.Error())
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
