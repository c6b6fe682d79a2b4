package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSellers(t *testing.T) {
	ctx := context.Background()
	s, err := New("")
	require.NoError(t, err)

	h := 12
	require.NoError(t, s.PutSeller(ctx, &models.Seller{ID: 2, Name: "Seed Vault", IsActive: true, AutoScrapeIntervalHours: &h}))
	require.NoError(t, s.PutSeller(ctx, &models.Seller{ID: 1, Name: "Herbies"}))

	list, err := s.ListSellers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].ID)

	require.NoError(t, s.SetAutoScrapeInterval(ctx, 2, nil))
	got, err := s.GetSeller(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, got.AutoScrapeIntervalHours)

	_, err = s.GetSeller(ctx, 99)
	assert.ErrorIs(t, err, models.ErrSellerNotFound)
	assert.ErrorIs(t, s.SetAutoScrapeInterval(ctx, 99, &h), models.ErrSellerNotFound)
}

func TestJobTransitions(t *testing.T) {
	ctx := context.Background()
	s, err := New("")
	require.NoError(t, err)

	require.NoError(t, s.CreateJob(ctx, &models.CrawlJob{ID: "j1", SellerID: 1}))
	assert.Error(t, s.CreateJob(ctx, &models.CrawlJob{ID: "j1", SellerID: 1}))

	now := time.Now()
	require.NoError(t, s.Transition(ctx, "j1", models.JobStatusActive, models.JobPatch{StartedAt: &now}))

	err = s.Transition(ctx, "j1", models.JobStatusCancelled, models.JobPatch{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, s.Transition(ctx, "j1", models.JobStatusCompleted, models.JobPatch{
		CompletedAt: &now,
		Result:      &models.JobResult{PagesCrawled: 3, ProductsScraped: 10, ProductsSaved: 8, ProductsUpdated: 2},
	}))

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.PagesCrawled)
	assert.Equal(t, 8, job.ProductsSaved)
	require.NotNil(t, job.StartedAt)

	// terminal states are absorbing
	err = s.Transition(ctx, "j1", models.JobStatusFailed, models.JobPatch{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	err = s.Transition(ctx, "missing", models.JobStatusActive, models.JobPatch{})
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()
	s, err := New("")
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateJob(ctx, &models.CrawlJob{ID: "a", SellerID: 1, CreatedAt: base}))
	require.NoError(t, s.CreateJob(ctx, &models.CrawlJob{ID: "b", SellerID: 2, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.CreateJob(ctx, &models.CrawlJob{ID: "c", SellerID: 1, CreatedAt: base.Add(2 * time.Minute)}))
	require.NoError(t, s.Transition(ctx, "c", models.JobStatusCancelled, models.JobPatch{}))

	all, err := s.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	seller1, err := s.ListJobs(ctx, models.JobFilter{SellerID: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, seller1, 1)
	assert.Equal(t, "c", seller1[0].ID)

	open, err := s.ListOpenJobs(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
}

func TestSaveProductsUpserts(t *testing.T) {
	ctx := context.Background()
	s, err := New("")
	require.NoError(t, err)
	require.NoError(t, s.PutSeller(ctx, &models.Seller{ID: 5, Name: "Seed Vault"}))

	sc, err := s.InitializeSeller(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Seed Vault", sc.SellerName)

	_, err = s.InitializeSeller(ctx, 6)
	assert.ErrorIs(t, err, models.ErrSellerNotFound)

	products := []*models.ExtractedProduct{
		{Name: "Gorilla Glue Auto", Price: 30, SourceURL: "https://sv.example/p/1", Category: "Autoflower"},
		{Name: "Amnesia Haze", Price: 35, SourceURL: "https://sv.example/p/2"},
		{Name: "No URL", Price: 10},
	}
	res, err := s.SaveProducts(ctx, sc, products)
	require.NoError(t, err)
	assert.Equal(t, sites.SaveResult{Saved: 2, Updated: 0, Errors: 1}, *res)

	res, err = s.SaveProducts(ctx, sc, products[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	saved := s.Products(5)
	require.Len(t, saved, 2)
	auto, err := s.GetOrCreateCategory(ctx, sc, sites.CategoryDescriptor{Name: "autoflower"})
	require.NoError(t, err)
	assert.Equal(t, auto, saved[0].CategoryID)
	assert.NotEqual(t, saved[0].CategoryID, saved[1].CategoryID)
}

func TestPersistsToFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.json")

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.PutSeller(ctx, &models.Seller{ID: 1, Name: "Herbies", IsActive: true}))
	require.NoError(t, s.CreateJob(ctx, &models.CrawlJob{ID: "j1", SellerID: 1}))
	require.NoError(t, s.LogActivity(ctx, models.ActivityEntry{SellerID: 1, Action: "crawl_failed", Level: models.ActivityError}))

	reopened, err := New(path)
	require.NoError(t, err)
	seller, err := reopened.GetSeller(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Herbies", seller.Name)

	job, err := reopened.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWaiting, job.Status)
	assert.Len(t, reopened.Activity(1), 1)
}

func TestRecentActivity(t *testing.T) {
	ctx := context.Background()
	s, err := New("")
	require.NoError(t, err)

	for _, action := range []string{"crawl_completed", "crawl_failed", "crawl_completed"} {
		require.NoError(t, s.LogActivity(ctx, models.ActivityEntry{SellerID: 1, Action: action}))
	}
	require.NoError(t, s.LogActivity(ctx, models.ActivityEntry{SellerID: 2, Action: "crawl_failed"}))

	recent, err := s.RecentActivity(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "crawl_completed", recent[0].Action)
	assert.Equal(t, "crawl_failed", recent[1].Action)
	assert.Len(t, s.Activity(1), 3)
}

func TestFailedWriteLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "catalog.json"))
	require.NoError(t, err)
	require.NoError(t, s.PutSeller(ctx, &models.Seller{ID: 3, Name: "Herbies"}))
	require.NoError(t, s.CreateJob(ctx, &models.CrawlJob{ID: "j1", SellerID: 3}))
	sc, err := s.InitializeSeller(ctx, 3)
	require.NoError(t, err)
	_, err = s.SaveProducts(ctx, sc, []*models.ExtractedProduct{
		{Name: "Blue Dream", Price: 20, SourceURL: "https://hb.example/p/1"},
	})
	require.NoError(t, err)

	// every write from here on fails
	s.filename = filepath.Join(dir, "missing", "catalog.json")

	started := time.Now()
	err = s.Transition(ctx, "j1", models.JobStatusActive, models.JobPatch{StartedAt: &started})
	require.Error(t, err)
	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWaiting, job.Status)
	assert.Nil(t, job.StartedAt)

	_, err = s.SaveProducts(ctx, sc, []*models.ExtractedProduct{
		{Name: "Blue Dream XL", Price: 25, SourceURL: "https://hb.example/p/1", Category: "Feminized"},
		{Name: "Amnesia Haze", Price: 30, SourceURL: "https://hb.example/p/2"},
	})
	require.Error(t, err)
	saved := s.Products(3)
	require.Len(t, saved, 1)
	assert.Equal(t, "Blue Dream", saved[0].Product.Name)
	assert.Equal(t, 20.0, saved[0].Product.Price)
	assert.Len(t, s.data.Categories, 1)

	require.Error(t, s.CreateJob(ctx, &models.CrawlJob{ID: "j2", SellerID: 3}))
	_, err = s.GetJob(ctx, "j2")
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	hours := 6
	require.Error(t, s.SetAutoScrapeInterval(ctx, 3, &hours))
	seller, err := s.GetSeller(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, seller.AutoScrapeIntervalHours)

	require.Error(t, s.LogActivity(ctx, models.ActivityEntry{SellerID: 3, Action: "crawl_failed"}))
	assert.Empty(t, s.Activity(3))
}
