package jobs

import (
	"context"
	"testing"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitValidation(t *testing.T) {
	p := func(n int) *int { return &n }
	valid := Request{SellerID: 7, ScraperSource: "seedvault", Mode: models.JobModeManual}

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"missing seller", func(r *Request) { r.SellerID = 0 }},
		{"missing source", func(r *Request) { r.ScraperSource = "" }},
		{"unknown mode", func(r *Request) { r.Mode = "nightly" }},
		{"start page zero", func(r *Request) { r.Config.StartPage = p(0) }},
		{"end before start", func(r *Request) { r.Config.StartPage, r.Config.EndPage = p(5), p(2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := valid
			tt.mutate(&req)

			_, err := f.manager.Submit(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, 0, f.queue.Size())
		})
	}
}

func TestSubmitForSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.manager.SubmitForSeller(ctx, 7, models.JobModeAuto, models.JobConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusWaiting, job.Status)
	assert.Equal(t, "seedvault", job.ScraperSource)
	assert.Len(t, job.Sources, 2)
	assert.Equal(t, 0, job.Attempt)

	stored, err := f.manager.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWaiting, stored.Status)

	assert.Equal(t, 1, f.queue.Size())
	st, err := f.manager.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWaiting, st.Status)
}

func TestSubmitForUnknownSeller(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.SubmitForSeller(context.Background(), 99, models.JobModeAuto, models.JobConfig{})
	assert.ErrorIs(t, err, models.ErrSellerNotFound)
}

func TestSubmitCancelsJobWhenEnqueueFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.queue.Close())

	_, err := f.manager.SubmitForSeller(context.Background(), 7, models.JobModeManual, models.JobConfig{})
	assert.ErrorIs(t, err, queue.ErrQueueClosed)

	jobs, err := f.manager.ListJobs(context.Background(), models.JobFilter{SellerID: 7})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusCancelled, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, "enqueue failed")
}

func TestRetryCreatesNewJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prev, err := f.manager.SubmitForSeller(ctx, 7, models.JobModeAuto, models.JobConfig{})
	require.NoError(t, err)
	prev.Attempt = 1

	next, err := f.manager.Retry(ctx, prev)
	require.NoError(t, err)
	assert.NotEqual(t, prev.ID, next.ID)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, prev.Sources, next.Sources)
	assert.Equal(t, prev.Mode, next.Mode)
	assert.Equal(t, 2, f.queue.Size())
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.manager.SubmitForSeller(ctx, 7, models.JobModeManual, models.JobConfig{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Cancel(ctx, job.ID, "operator request"))

	stored, err := f.manager.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
	assert.Equal(t, "operator request", stored.ErrorMessage)

	st, err := f.manager.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, st.Status)

	assert.ErrorIs(t, f.manager.Cancel(ctx, job.ID, ""), models.ErrInvalidTransition)
	assert.ErrorIs(t, f.manager.Cancel(ctx, "missing", ""), models.ErrJobNotFound)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	move := func(id string, path ...models.JobStatus) {
		for _, s := range path {
			require.NoError(t, f.store.Transition(ctx, id, s, models.JobPatch{}))
		}
	}
	ids := make([]string, 5)
	for i := range ids {
		job, err := f.manager.SubmitForSeller(ctx, 7, models.JobModeAuto, models.JobConfig{})
		require.NoError(t, err)
		ids[i] = job.ID
	}
	move(ids[0], models.JobStatusActive, models.JobStatusCompleted)
	move(ids[1], models.JobStatusActive, models.JobStatusCompleted)
	move(ids[2], models.JobStatusActive, models.JobStatusCompleted)
	move(ids[3], models.JobStatusActive, models.JobStatusFailed)

	stats, err := f.manager.GetStats(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalJobs)
	assert.Equal(t, 1, stats.WaitingJobs)
	assert.Equal(t, 3, stats.CompletedJobs)
	assert.Equal(t, 1, stats.FailedJobs)
	assert.InDelta(t, 75.0, stats.SuccessRate, 0.001)
}
