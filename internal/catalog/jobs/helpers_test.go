package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/catalog-scraper/internal/catalog/extractor"
	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/maltedev/catalog-scraper/internal/queue"
	"github.com/maltedev/catalog-scraper/internal/storage"
	"github.com/stretchr/testify/require"
)

type crawlFunc func(cfg sites.SiteConfig, start, end *int) (*sites.CrawlResult, error)

type crawlCall struct {
	URL        string
	Start, End *int
}

// fakeSite scripts crawl outcomes per source URL and persists through a real store.
type fakeSite struct {
	sites.Persister
	name    string
	mu      sync.Mutex
	crawls  map[string]crawlFunc
	calls   []crawlCall
	saveErr error
}

func newFakeSite(name string, store sites.Persister) *fakeSite {
	return &fakeSite{Persister: store, name: name, crawls: make(map[string]crawlFunc)}
}

func (f *fakeSite) Name() string { return f.name }

func (f *fakeSite) Config() sites.SiteConfig { return sites.SiteConfig{Name: f.name} }

func (f *fakeSite) Crawl(_ context.Context, cfg sites.SiteConfig, start, end *int) (*sites.CrawlResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, crawlCall{URL: cfg.StartURL, Start: start, End: end})
	fn := f.crawls[cfg.StartURL]
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no route to " + cfg.StartURL)
	}
	return fn(cfg, start, end)
}

func (f *fakeSite) Extract(*goquery.Document, sites.SiteConfig, string) *extractor.Result { return nil }

func (f *fakeSite) SaveProducts(ctx context.Context, sc *sites.SellerContext, products []*models.ExtractedProduct) (*sites.SaveResult, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	return f.Persister.SaveProducts(ctx, sc, products)
}

func (f *fakeSite) Calls() []crawlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawlCall(nil), f.calls...)
}

func products(base string, n int) crawlFunc {
	return func(sites.SiteConfig, *int, *int) (*sites.CrawlResult, error) {
		res := &sites.CrawlResult{TotalPages: 2}
		for i := 0; i < n; i++ {
			res.Products = append(res.Products, &models.ExtractedProduct{
				Name:       "Strain " + string(rune('A'+i)),
				Price:      20 + float64(i),
				Currency:   "USD",
				SourceURL:  base + "/p/" + string(rune('a'+i)),
				Provenance: models.ProvenanceJSONLD,
			})
		}
		return res, nil
	}
}

func failing(msg string) crawlFunc {
	return func(sites.SiteConfig, *int, *int) (*sites.CrawlResult, error) {
		return nil, errors.New(msg)
	}
}

type recordingReporter struct {
	mu       sync.Mutex
	values   []int
	statuses []models.JobStatus
}

func (r *recordingReporter) SetJobState(_ context.Context, _ string, status models.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *recordingReporter) ReportProgress(_ context.Context, _ string, p int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, p)
	return nil
}

func (r *recordingReporter) Statuses() []models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.JobStatus(nil), r.statuses...)
}

func (r *recordingReporter) Values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

type failingActivity struct{}

func (failingActivity) LogActivity(context.Context, models.ActivityEntry) error {
	return errors.New("activity table missing")
}

type fixture struct {
	store    *storage.Store
	site     *fakeSite
	registry *sites.Registry
	queue    *queue.InMemoryQueue
	progress *recordingReporter
	executor *Executor
	manager  *Manager
	logger   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.New("")
	require.NoError(t, err)
	require.NoError(t, store.PutSeller(context.Background(), &models.Seller{
		ID:            7,
		Name:          "Seed Vault",
		IsActive:      true,
		ScraperSource: "seedvault",
		Sources: []models.ScrapingSource{
			{ID: 1, SellerID: 7, URL: "https://sv.example/feminized"},
			{ID: 2, SellerID: 7, URL: "https://sv.example/autoflower"},
		},
	}))

	site := newFakeSite("seedvault", store)
	registry := sites.NewRegistry()
	require.NoError(t, registry.Register(site))

	q := queue.NewInMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })

	progress := &recordingReporter{}
	return &fixture{
		store:    store,
		site:     site,
		registry: registry,
		queue:    q,
		progress: progress,
		executor: NewExecutor(store, registry, progress, store, ExecutorConfig{}, logger),
		manager:  NewManager(store, store, q, logger),
		logger:   logger,
	}
}

// createJob stores a WAITING job for seller 7 without enqueueing it.
func (f *fixture) createJob(t *testing.T, mode models.JobMode, urls ...string) *models.JobMessage {
	t.Helper()
	return f.createJobID(t, "job-"+string(mode)+"-"+t.Name(), mode, urls...)
}

func (f *fixture) createJobID(t *testing.T, id string, mode models.JobMode, urls ...string) *models.JobMessage {
	t.Helper()
	job := &models.CrawlJob{
		ID:            id,
		SellerID:      7,
		ScraperSource: "seedvault",
		Mode:          mode,
	}
	for i, u := range urls {
		job.Sources = append(job.Sources, models.ScrapingSource{ID: int64(i + 1), SellerID: 7, URL: u})
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job.Message()
}
