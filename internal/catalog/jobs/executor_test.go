package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/maltedev/catalog-scraper/internal/catalog/errclass"
	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	feminized  = "https://sv.example/feminized"
	autoflower = "https://sv.example/autoflower"
)

func TestExecuteAllSourcesSucceed(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = products(feminized, 3)
	f.site.crawls[autoflower] = products(autoflower, 2)
	msg := f.createJob(t, models.JobModeAuto, feminized, autoflower)

	res, err := f.executor.Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 4, res.PagesCrawled)
	assert.Equal(t, 5, res.ProductsScraped)
	assert.Equal(t, 5, res.ProductsSaved)
	assert.Equal(t, 0, res.Errors)

	job, err := f.store.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 5, job.ProductsSaved)

	assert.Equal(t, []int{5, 10, 50, 90, 100}, f.progress.Values())

	calls := f.site.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, feminized, calls[0].URL)
	assert.Equal(t, autoflower, calls[1].URL)

	activity := f.store.Activity(7)
	require.Len(t, activity, 1)
	assert.Equal(t, "crawl_completed", activity[0].Action)
}

func TestExecutePartialFailureCompletes(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = failing("dial tcp: connection refused")
	f.site.crawls[autoflower] = products(autoflower, 2)
	msg := f.createJob(t, models.JobModeAuto, feminized, autoflower)

	res, err := f.executor.Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 2, res.ProductsSaved)

	job, err := f.store.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.ErrorCount)
}

func TestExecuteZeroProductsStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = products(feminized, 0)
	msg := f.createJob(t, models.JobModeAuto, feminized)

	res, err := f.executor.Execute(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ProductsScraped)

	job, err := f.store.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestExecuteAllSourcesFail(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = failing("dial tcp: connection refused")
	f.site.crawls[autoflower] = failing("dial tcp: connection refused")
	msg := f.createJob(t, models.JobModeAuto, feminized, autoflower)

	_, err := f.executor.Execute(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllSourcesFailed)

	var ce *errclass.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, errclass.NetworkError, ce.Classification.Type)
	assert.True(t, ce.Classification.AutoRetryable)

	job, err := f.store.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.ErrorCount)
	assert.Contains(t, job.ErrorMessage, "all sources failed")

	var details ErrorDetails
	require.NoError(t, json.Unmarshal(job.ErrorDetails, &details))
	assert.NotEmpty(t, details.Stack)
	assert.Equal(t, errclass.NetworkError, details.Classification.Type)
	require.GreaterOrEqual(t, len(details.ErrorChain), 2)
	assert.Contains(t, details.ErrorChain, "all sources failed")

	activity := f.store.Activity(7)
	require.Len(t, activity, 1)
	assert.Equal(t, "crawl_failed", activity[0].Action)
	assert.Equal(t, models.ActivityError, activity[0].Level)
}

func TestExecuteSetupFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture, msg *models.JobMessage)
		target error
	}{
		{
			name:   "unknown scraper source",
			setup:  func(_ *fixture, msg *models.JobMessage) { msg.ScraperSource = "nope" },
			target: sites.ErrUnknownSite,
		},
		{
			name:   "no sources",
			setup:  func(_ *fixture, msg *models.JobMessage) { msg.Sources = nil },
			target: models.ErrNoSources,
		},
		{
			name:   "unknown seller",
			setup:  func(_ *fixture, msg *models.JobMessage) { msg.SellerID = 404 },
			target: models.ErrSellerNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.site.crawls[feminized] = products(feminized, 1)
			msg := f.createJob(t, models.JobModeManual, feminized)
			tt.setup(f, msg)

			_, err := f.executor.Execute(context.Background(), msg)
			assert.ErrorIs(t, err, tt.target)

			var ce *errclass.ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.False(t, ce.Classification.AutoRetryable)

			job, err := f.store.GetJob(context.Background(), msg.JobID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusFailed, job.Status)
			assert.Empty(t, f.site.Calls())
		})
	}
}

func TestExecuteSaveFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = products(feminized, 2)
	f.site.saveErr = errors.New("duplicate key value violates unique constraint")
	msg := f.createJob(t, models.JobModeAuto, feminized)

	_, err := f.executor.Execute(context.Background(), msg)
	require.Error(t, err)

	var ce *errclass.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, errclass.SaveError, ce.Classification.Type)

	job, err := f.store.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.ProductsScraped)
}

func TestExecuteRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = func(sites.SiteConfig, *int, *int) (*sites.CrawlResult, error) {
		panic("nil selector map")
	}
	msg := f.createJob(t, models.JobModeAuto, feminized)

	_, err := f.executor.Execute(context.Background(), msg)
	assert.ErrorIs(t, err, ErrExecutorPanic)

	job, err := f.store.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	var details ErrorDetails
	require.NoError(t, json.Unmarshal(job.ErrorDetails, &details))
	assert.Contains(t, details.Stack, "runRecovered")
}

func TestExecuteActivityFailureDoesNotMaskError(t *testing.T) {
	f := newFixture(t)
	f.executor.activity = failingActivity{}
	f.site.crawls[feminized] = failing("dial tcp: connection refused")
	msg := f.createJob(t, models.JobModeAuto, feminized)

	_, err := f.executor.Execute(context.Background(), msg)
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestExecuteRejectsNonWaitingJob(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = products(feminized, 1)
	msg := f.createJob(t, models.JobModeAuto, feminized)

	_, err := f.executor.Execute(context.Background(), msg)
	require.NoError(t, err)

	_, err = f.executor.Execute(context.Background(), msg)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Len(t, f.site.Calls(), 1)
	// ACTIVE is mirrored only for the run that won the transition
	assert.Equal(t, []models.JobStatus{models.JobStatusActive}, f.progress.Statuses())

	job, err := f.store.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestExecuteRepeatedParseErrorsBecomeSiteChanged(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = failing("selector not found: .product-card")
	f.site.crawls[autoflower] = products(autoflower, 1)

	for i := 0; i < 3; i++ {
		msg := f.createJobID(t, fmt.Sprintf("parse-%d", i), models.JobModeAuto, feminized, autoflower)
		_, err := f.executor.Execute(context.Background(), msg)
		require.NoError(t, err)
	}

	cls, freq := f.executor.classify(&models.JobMessage{ScraperSource: "seedvault"}, feminized, errors.New("selector not found"), false)
	assert.Equal(t, 3, freq)
	assert.Equal(t, errclass.SiteChanged, cls.Type)
	assert.False(t, cls.AutoRetryable)
}

func TestExecuteTestModePageRange(t *testing.T) {
	f := newFixture(t)
	f.site.crawls[feminized] = products(feminized, 1)
	msg := f.createJob(t, models.JobModeTest, feminized)

	_, err := f.executor.Execute(context.Background(), msg)
	require.NoError(t, err)

	calls := f.site.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Start)
	require.NotNil(t, calls[0].End)
	assert.Equal(t, 1, *calls[0].Start)
	assert.Equal(t, 2, *calls[0].End)
}

func TestPageRange(t *testing.T) {
	p := func(n int) *int { return &n }
	deref := func(v *int) int {
		if v == nil {
			return 0
		}
		return *v
	}

	tests := []struct {
		name       string
		mode       models.JobMode
		cfg        models.JobConfig
		start, end int
	}{
		{"test default", models.JobModeTest, models.JobConfig{}, 1, 2},
		{"test from page 3", models.JobModeTest, models.JobConfig{StartPage: p(3)}, 3, 4},
		{"test explicit", models.JobModeTest, models.JobConfig{StartPage: p(2), EndPage: p(5)}, 2, 5},
		{"auto full range", models.JobModeAuto, models.JobConfig{}, 0, 0},
		{"manual explicit", models.JobModeManual, models.JobConfig{StartPage: p(4), EndPage: p(6)}, 4, 6},
		{"full site crawl ignores range", models.JobModeManual, models.JobConfig{FullSiteCrawl: true, StartPage: p(4)}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := pageRange(tt.mode, tt.cfg)
			assert.Equal(t, tt.start, deref(start))
			assert.Equal(t, tt.end, deref(end))
		})
	}
}

func TestProgressTrackerIsMonotonic(t *testing.T) {
	r := &recordingReporter{}
	tr := newProgressTracker("j", r, newFixture(t).logger)
	ctx := context.Background()

	for _, p := range []int{5, 10, 7, 50, 50, 130, 90} {
		tr.Set(ctx, p)
	}
	assert.Equal(t, []int{5, 10, 50, 100}, r.Values())
	assert.Equal(t, 100, tr.Current())
}

func TestSourceProgress(t *testing.T) {
	assert.Equal(t, 90, sourceProgress(0, 1))
	assert.Equal(t, 36, sourceProgress(0, 3))
	assert.Equal(t, 63, sourceProgress(1, 3))
	assert.Equal(t, 90, sourceProgress(2, 3))
}

func TestErrorChain(t *testing.T) {
	inner := errors.New("connection refused")
	err := errors.Join(errors.New("first"), inner)
	chain := errorChain(err)
	assert.Equal(t, []string{err.Error(), "first", "connection refused"}, chain)
}
