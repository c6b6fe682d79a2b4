package sites

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/maltedev/catalog-scraper/internal/catalog/extractor"
	"github.com/maltedev/catalog-scraper/internal/models"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPageCap bounds site-detected pagination when neither the source nor the site sets a limit.
	DefaultPageCap   = 50
	defaultPageParam = "page"
)

var (
	ErrNoSites         = errors.New("no sites defined")
	ErrMissingSiteName = errors.New("site name is required")
	ErrDuplicateSite   = errors.New("duplicate site name")
)

// SiteConfig describes how one shop's catalog is paginated and parsed.
type SiteConfig struct {
	Name string `yaml:"name"`

	// ProductLinks selects anchors on a listing page that lead to product
	// pages. When empty each listing page is extracted as a product page.
	ProductLinks string `yaml:"product_links"`
	// NextPage selects the "next" pagination control. When empty pagination
	// continues while listing pages keep yielding product links.
	NextPage string `yaml:"next_page"`
	// PagePattern builds the URL of page n. It is either a template using
	// {url} and {page}, or a query parameter name ("page" by default).
	PagePattern string `yaml:"page_pattern"`
	MaxPages    int    `yaml:"max_pages"`

	AllowedDomains []string `yaml:"allowed_domains"`
	UserAgent      string   `yaml:"user_agent"`
	CrossValidate  bool     `yaml:"cross_validate"`

	Selectors extractor.SelectorConfig `yaml:"selectors"`

	// Filled per source at crawl time.
	StartURL string `yaml:"-"`
	MaxPage  int    `yaml:"-"`
}

// ForSource returns a copy of the config bound to one scraping source.
func (c SiteConfig) ForSource(src models.ScrapingSource) SiteConfig {
	c.StartURL = src.URL
	c.MaxPage = src.MaxPage
	return c
}

// PageCap is the highest page the crawler may visit without an explicit end page.
func (c SiteConfig) PageCap() int {
	switch {
	case c.MaxPage > 0:
		return c.MaxPage
	case c.MaxPages > 0:
		return c.MaxPages
	}
	return DefaultPageCap
}

// PageURL returns the listing URL of page n; page 1 is the start URL itself.
func (c SiteConfig) PageURL(n int) (string, error) {
	if n <= 1 {
		return c.StartURL, nil
	}
	pattern := strings.TrimSpace(c.PagePattern)
	if strings.Contains(pattern, "{page}") {
		r := strings.NewReplacer("{url}", strings.TrimRight(c.StartURL, "/"), "{page}", strconv.Itoa(n))
		return r.Replace(pattern), nil
	}
	if pattern == "" {
		pattern = defaultPageParam
	}
	u, err := url.Parse(c.StartURL)
	if err != nil {
		return "", fmt.Errorf("parse start url: %w", err)
	}
	q := u.Query()
	q.Set(pattern, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type sitesFile struct {
	Sites []SiteConfig `yaml:"sites"`
}

// LoadConfigs reads site definitions from a YAML file.
func LoadConfigs(path string) ([]SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}
	return ParseConfigs(data)
}

// ParseConfigs decodes and validates YAML site definitions.
func ParseConfigs(data []byte) ([]SiteConfig, error) {
	var f sitesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sites file: %w", err)
	}
	if len(f.Sites) == 0 {
		return nil, ErrNoSites
	}

	seen := make(map[string]bool, len(f.Sites))
	for i := range f.Sites {
		s := &f.Sites[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, fmt.Errorf("site %d: %w", i, ErrMissingSiteName)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("site %q: %w", s.Name, ErrDuplicateSite)
		}
		seen[s.Name] = true
	}
	return f.Sites, nil
}
