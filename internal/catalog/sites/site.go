// Package sites binds per-shop crawling, extraction and persistence behind a
// single capability interface selected by scraper source name.
package sites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/catalog-scraper/internal/catalog/extractor"
	"github.com/maltedev/catalog-scraper/internal/models"
)

var ErrUnknownSite = errors.New("unknown scraper source")

// CrawlResult is what one source crawl produced.
type CrawlResult struct {
	Products   []*models.ExtractedProduct
	TotalPages int
	// Errors counts product pages that failed to load; listing failures after
	// the first page stop pagination and are counted here too.
	Errors int
}

// SellerContext is returned by InitializeSeller and threaded through the
// persistence calls of one job.
type SellerContext struct {
	SellerID   int64
	SellerName string
}

// CategoryDescriptor identifies a catalog category by name.
type CategoryDescriptor struct {
	Name      string
	SourceURL string
}

// SaveResult summarizes one SaveProducts call.
type SaveResult struct {
	Saved   int `json:"saved"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// PageCrawler fetches a source's listing pages and returns extracted products.
// A nil endPage lets the crawler detect pagination.
type PageCrawler interface {
	Crawl(ctx context.Context, cfg SiteConfig, startPage, endPage *int) (*CrawlResult, error)
}

// PageExtractor turns one fetched page into at most one product.
type PageExtractor interface {
	Extract(doc *goquery.Document, cfg SiteConfig, pageURL string) *extractor.Result
}

// Persister maps extracted products to storage.
type Persister interface {
	InitializeSeller(ctx context.Context, sellerID int64) (*SellerContext, error)
	GetOrCreateCategory(ctx context.Context, sc *SellerContext, d CategoryDescriptor) (int64, error)
	SaveProducts(ctx context.Context, sc *SellerContext, products []*models.ExtractedProduct) (*SaveResult, error)
}

// Site is one shop implementation.
type Site interface {
	Name() string
	Config() SiteConfig
	PageCrawler
	PageExtractor
	Persister
}

// ConfiguredSite is a Site driven entirely by a SiteConfig.
type ConfiguredSite struct {
	Persister
	cfg       SiteConfig
	crawler   PageCrawler
	extractor *extractor.Extractor
}

// NewConfiguredSite wires a colly crawler, the hybrid extractor and the given persister.
func NewConfiguredSite(cfg SiteConfig, store Persister, opts CrawlerOptions, logger *slog.Logger) *ConfiguredSite {
	s := &ConfiguredSite{
		Persister: store,
		cfg:       cfg,
		extractor: extractor.New(logger),
	}
	s.crawler = NewCollyCrawler(s, opts, logger)
	return s
}

func (s *ConfiguredSite) Name() string       { return s.cfg.Name }
func (s *ConfiguredSite) Config() SiteConfig { return s.cfg }

func (s *ConfiguredSite) Crawl(ctx context.Context, cfg SiteConfig, startPage, endPage *int) (*CrawlResult, error) {
	return s.crawler.Crawl(ctx, cfg, startPage, endPage)
}

func (s *ConfiguredSite) Extract(doc *goquery.Document, cfg SiteConfig, pageURL string) *extractor.Result {
	return s.extractor.Extract(doc, cfg.Selectors, pageURL, extractor.Options{CrossValidate: cfg.CrossValidate})
}

// Registry maps scraper source names to sites. It is built at startup.
type Registry struct {
	mu    sync.RWMutex
	sites map[string]Site
}

func NewRegistry() *Registry {
	return &Registry{sites: make(map[string]Site)}
}

func (r *Registry) Register(s Site) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sites[s.Name()]; exists {
		return fmt.Errorf("register %q: %w", s.Name(), ErrDuplicateSite)
	}
	r.sites[s.Name()] = s
	return nil
}

func (r *Registry) Get(name string) (Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSite, name)
	}
	return s, nil
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sites))
	for name := range r.sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry creates one ConfiguredSite per definition, all sharing store.
func BuildRegistry(configs []SiteConfig, store Persister, opts CrawlerOptions, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range configs {
		if err := r.Register(NewConfiguredSite(cfg, store, opts, logger)); err != nil {
			return nil, err
		}
	}
	return r, nil
}
