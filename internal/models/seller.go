package models

import "time"

// DefaultAutoScrapeIntervalHours is applied when a seller is auto-scheduled without an interval.
const DefaultAutoScrapeIntervalHours = 24

// Seller is a shop whose catalog is crawled.
type Seller struct {
	ID                      int64            `json:"id"`
	Name                    string           `json:"name"`
	IsActive                bool             `json:"is_active"`
	AutoScrapeIntervalHours *int             `json:"auto_scrape_interval_hours,omitempty"`
	ScraperSource           string           `json:"scraper_source"`
	Sources                 []ScrapingSource `json:"sources"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// ScrapingSource is one catalog entry point of a seller.
type ScrapingSource struct {
	ID       int64  `json:"id"`
	SellerID int64  `json:"seller_id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	MaxPage  int    `json:"max_page"`
}

// Interval returns the configured auto-scrape interval, 0 when unset.
func (s *Seller) Interval() int {
	if s.AutoScrapeIntervalHours == nil {
		return 0
	}
	return *s.AutoScrapeIntervalHours
}

// Eligible reports whether the seller should carry a recurring crawl trigger.
func (s *Seller) Eligible() bool {
	return s.IsActive && len(s.Sources) > 0 && s.Interval() > 0
}
