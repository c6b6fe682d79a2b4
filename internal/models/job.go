package models

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStatus is the lifecycle state of a CrawlJob.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// transitions lists, for each target status, the statuses it may be entered from.
var transitions = map[JobStatus][]JobStatus{
	JobStatusActive:    {JobStatusWaiting},
	JobStatusCompleted: {JobStatusActive},
	JobStatusFailed:    {JobStatusActive},
	JobStatusCancelled: {JobStatusWaiting},
}

// AllowedFrom returns the statuses from which to may be entered.
func AllowedFrom(to JobStatus) []JobStatus {
	return transitions[to]
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobMode selects how page ranges are derived for a crawl.
type JobMode string

const (
	JobModeManual JobMode = "manual"
	JobModeAuto   JobMode = "auto"
	JobModeTest   JobMode = "test"
	JobModeBatch  JobMode = "batch"
)

// Valid reports whether m is a known mode.
func (m JobMode) Valid() bool {
	switch m {
	case JobModeManual, JobModeAuto, JobModeTest, JobModeBatch:
		return true
	}
	return false
}

// JobConfig carries per-job crawl options.
type JobConfig struct {
	FullSiteCrawl bool `json:"full_site_crawl"`
	StartPage     *int `json:"start_page,omitempty"`
	EndPage       *int `json:"end_page,omitempty"`
}

// CrawlJob is the persisted record of one crawl of one seller.
type CrawlJob struct {
	ID              string           `json:"id"`
	SellerID        int64            `json:"seller_id"`
	ScraperSource   string           `json:"scraper_source"`
	Mode            JobMode          `json:"mode"`
	Sources         []ScrapingSource `json:"sources"`
	Config          JobConfig        `json:"config"`
	Status          JobStatus        `json:"status"`
	Attempt         int              `json:"attempt"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	PagesCrawled    int              `json:"pages_crawled"`
	ProductsScraped int              `json:"products_scraped"`
	ProductsSaved   int              `json:"products_saved"`
	ProductsUpdated int              `json:"products_updated"`
	ErrorCount      int              `json:"error_count"`
	DurationMS      int64            `json:"duration_ms"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	ErrorDetails    json.RawMessage  `json:"error_details,omitempty"`
}

// JobMessage is the queue payload that drives one executor run.
type JobMessage struct {
	JobID         string           `json:"job_id"`
	SellerID      int64            `json:"seller_id"`
	ScraperSource string           `json:"scraper_source"`
	Mode          JobMode          `json:"mode"`
	Sources       []ScrapingSource `json:"sources"`
	Config        JobConfig        `json:"config"`
	Attempt       int              `json:"attempt"`
}

// Message builds the queue payload for the job.
func (j *CrawlJob) Message() *JobMessage {
	return &JobMessage{
		JobID:         j.ID,
		SellerID:      j.SellerID,
		ScraperSource: j.ScraperSource,
		Mode:          j.Mode,
		Sources:       j.Sources,
		Config:        j.Config,
		Attempt:       j.Attempt,
	}
}

// JobResult is the aggregate outcome written when a job finishes.
type JobResult struct {
	PagesCrawled    int   `json:"pages_crawled"`
	ProductsScraped int   `json:"products_scraped"`
	ProductsSaved   int   `json:"products_saved"`
	ProductsUpdated int   `json:"products_updated"`
	Errors          int   `json:"errors"`
	DurationMS      int64 `json:"duration_ms"`
}

// JobPatch carries the columns written alongside a status transition. Nil
// fields are left untouched.
type JobPatch struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       *JobResult
	ErrorMessage *string
	ErrorDetails json.RawMessage
}

// Apply copies the patch onto j.
func (p JobPatch) Apply(j *CrawlJob) {
	if p.StartedAt != nil {
		j.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		j.CompletedAt = p.CompletedAt
	}
	if r := p.Result; r != nil {
		j.PagesCrawled = r.PagesCrawled
		j.ProductsScraped = r.ProductsScraped
		j.ProductsSaved = r.ProductsSaved
		j.ProductsUpdated = r.ProductsUpdated
		j.ErrorCount = r.Errors
		j.DurationMS = r.DurationMS
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = *p.ErrorMessage
	}
	if len(p.ErrorDetails) > 0 {
		j.ErrorDetails = p.ErrorDetails
	}
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	SellerID int64
	Status   JobStatus
	Limit    int
}
