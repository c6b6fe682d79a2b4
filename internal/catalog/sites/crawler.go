package sites

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	colly "github.com/gocolly/colly/v2"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultUserAgent      = "Mozilla/5.0 (compatible; catalog-scraper/1.0)"
)

// CrawlerOptions tunes the HTTP side of a crawl.
type CrawlerOptions struct {
	UserAgent      string
	RequestTimeout time.Duration
	// Delay and RandomDelay space out requests to the same host.
	Delay       time.Duration
	RandomDelay time.Duration
}

// CollyCrawler walks listing pages with colly and extracts every linked product page.
type CollyCrawler struct {
	extract PageExtractor
	opts    CrawlerOptions
	logger  *slog.Logger
}

func NewCollyCrawler(extract PageExtractor, opts CrawlerOptions, logger *slog.Logger) *CollyCrawler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CollyCrawler{
		extract: extract,
		opts:    opts,
		logger:  logger.With("component", "colly_crawler"),
	}
}

type listingPage struct {
	links   []string
	hasNext bool
}

// Crawl visits pages startPage..endPage when endPage is set. Otherwise it
// follows pagination from startPage until the site stops offering a next page
// or cfg.PageCap() is reached. Failing to load the first page is an error.
func (c *CollyCrawler) Crawl(ctx context.Context, cfg SiteConfig, startPage, endPage *int) (*CrawlResult, error) {
	if strings.TrimSpace(cfg.StartURL) == "" {
		return nil, fmt.Errorf("site %q: start url is empty", cfg.Name)
	}

	first := 1
	if startPage != nil && *startPage > 1 {
		first = *startPage
	}
	last := cfg.PageCap()
	explicit := endPage != nil
	if explicit {
		last = *endPage
	}
	if last < first {
		return nil, fmt.Errorf("site %q: invalid page range %d-%d", cfg.Name, first, last)
	}

	listing := c.newCollector(ctx, cfg)
	products := listing.Clone()

	result := &CrawlResult{}
	seen := make(map[string]bool)

	var current *listingPage
	listing.OnResponse(func(r *colly.Response) {
		if cfg.ProductLinks != "" {
			return
		}
		// listing pages double as product pages
		c.extractPage(r, cfg, result)
	})
	if cfg.ProductLinks != "" {
		listing.OnHTML(cfg.ProductLinks, func(e *colly.HTMLElement) {
			href := strings.TrimSpace(e.Attr("href"))
			if href == "" {
				return
			}
			if abs := e.Request.AbsoluteURL(href); abs != "" && !seen[abs] {
				seen[abs] = true
				current.links = append(current.links, abs)
			}
		})
	}
	if cfg.NextPage != "" {
		listing.OnHTML(cfg.NextPage, func(_ *colly.HTMLElement) {
			current.hasNext = true
		})
	}
	products.OnResponse(func(r *colly.Response) {
		c.extractPage(r, cfg, result)
	})

	for page := first; page <= last; page++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		pageURL, err := cfg.PageURL(page)
		if err != nil {
			return result, err
		}

		current = &listingPage{}
		if err := listing.Visit(pageURL); err != nil {
			if page == first {
				return nil, fmt.Errorf("fetch listing page %d of %s: %w", page, cfg.StartURL, err)
			}
			c.logger.Warn("listing page failed, stopping pagination",
				"site", cfg.Name,
				"page", page,
				"error", err)
			result.Errors++
			break
		}
		result.TotalPages++

		for _, link := range current.links {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := products.Visit(link); err != nil && !alreadyVisited(err) {
				c.logger.Warn("product page failed",
					"site", cfg.Name,
					"url", link,
					"error", err)
				result.Errors++
			}
		}

		if !c.hasMore(cfg, current, explicit) {
			break
		}
	}

	c.logger.Info("source crawled",
		"site", cfg.Name,
		"start_url", cfg.StartURL,
		"pages", result.TotalPages,
		"products", len(result.Products),
		"errors", result.Errors)
	return result, nil
}

func (c *CollyCrawler) hasMore(cfg SiteConfig, page *listingPage, explicit bool) bool {
	if cfg.ProductLinks != "" && len(page.links) == 0 {
		return false
	}
	if explicit {
		return true
	}
	if cfg.NextPage != "" {
		return page.hasNext
	}
	return cfg.ProductLinks != ""
}

func (c *CollyCrawler) extractPage(r *colly.Response, cfg SiteConfig, result *CrawlResult) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		c.logger.Warn("unparseable page", "url", r.Request.URL.String(), "error", err)
		result.Errors++
		return
	}
	res := c.extract.Extract(doc, cfg, r.Request.URL.String())
	if res == nil || res.Product == nil {
		return
	}
	result.Products = append(result.Products, res.Product)
}

func (c *CollyCrawler) newCollector(ctx context.Context, cfg SiteConfig) *colly.Collector {
	ua := c.opts.UserAgent
	if cfg.UserAgent != "" {
		ua = cfg.UserAgent
	}
	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		colly.UserAgent(ua),
	}
	if len(cfg.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(cfg.AllowedDomains...))
	}

	col := colly.NewCollector(opts...)
	col.SetRequestTimeout(c.opts.RequestTimeout)
	if c.opts.Delay > 0 || c.opts.RandomDelay > 0 {
		_ = col.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: 1,
			Delay:       c.opts.Delay,
			RandomDelay: c.opts.RandomDelay,
		})
	}
	return col
}

// alreadyVisited reports a link shared by several listing pages.
func alreadyVisited(err error) bool {
	var ave *colly.AlreadyVisitedError
	return errors.As(err, &ave)
}
