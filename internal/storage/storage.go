// Package storage is a single-node store for sellers, crawl jobs, activity and
// saved products. State lives in memory and, when a filename is given, is
// written to a JSON file after every mutation.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/maltedev/catalog-scraper/internal/models"
)

// SavedProduct is a product row keyed by seller and source URL.
type SavedProduct struct {
	SellerID   int64                    `json:"seller_id"`
	CategoryID int64                    `json:"category_id"`
	Product    *models.ExtractedProduct `json:"product"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

type category struct {
	ID       int64  `json:"id"`
	SellerID int64  `json:"seller_id"`
	Name     string `json:"name"`
}

type snapshot struct {
	Sellers    map[int64]*models.Seller    `json:"sellers"`
	Jobs       map[string]*models.CrawlJob `json:"jobs"`
	Activity   []models.ActivityEntry      `json:"activity"`
	Categories []category                  `json:"categories"`
	Products   map[string]*SavedProduct    `json:"products"`
}

type Store struct {
	mu       sync.RWMutex
	data     snapshot
	filename string
}

// New opens the store. An empty filename keeps everything in memory.
func New(filename string) (*Store, error) {
	s := &Store{
		filename: filename,
		data: snapshot{
			Sellers:  make(map[int64]*models.Seller),
			Jobs:     make(map[string]*models.CrawlJob),
			Products: make(map[string]*SavedProduct),
		},
	}

	if filename != "" {
		if err := s.Load(); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return s, nil
}

// PutSeller inserts or replaces a seller.
func (s *Store) PutSeller(_ context.Context, seller *models.Seller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seller.ID == 0 {
		return fmt.Errorf("seller id is required")
	}
	cp := *seller
	cp.UpdatedAt = time.Now()
	prev, existed := s.data.Sellers[seller.ID]
	s.data.Sellers[seller.ID] = &cp
	return s.commit(func() {
		if existed {
			s.data.Sellers[seller.ID] = prev
		} else {
			delete(s.data.Sellers, seller.ID)
		}
	})
}

func (s *Store) GetSeller(_ context.Context, id int64) (*models.Seller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seller, ok := s.data.Sellers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrSellerNotFound, id)
	}
	cp := *seller
	return &cp, nil
}

// ListSellers returns all sellers ordered by id.
func (s *Store) ListSellers(_ context.Context) ([]*models.Seller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Seller, 0, len(s.data.Sellers))
	for _, seller := range s.data.Sellers {
		cp := *seller
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetAutoScrapeInterval(_ context.Context, id int64, hours *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seller, ok := s.data.Sellers[id]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrSellerNotFound, id)
	}
	next := *seller
	next.AutoScrapeIntervalHours = nil
	if hours != nil {
		h := *hours
		next.AutoScrapeIntervalHours = &h
	}
	next.UpdatedAt = time.Now()
	s.data.Sellers[id] = &next
	return s.commit(func() { s.data.Sellers[id] = seller })
}

func (s *Store) CreateJob(_ context.Context, job *models.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if _, exists := s.data.Jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = models.JobStatusWaiting
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	cp := *job
	s.data.Jobs[job.ID] = &cp
	return s.commit(func() { delete(s.data.Jobs, job.ID) })
}

func (s *Store) GetJob(_ context.Context, id string) (*models.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(_ context.Context, f models.JobFilter) ([]*models.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CrawlJob
	for _, job := range s.data.Jobs {
		if f.SellerID != 0 && job.SellerID != f.SellerID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListOpenJobs returns waiting and active jobs, oldest first.
func (s *Store) ListOpenJobs(_ context.Context) ([]*models.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CrawlJob
	for _, job := range s.data.Jobs {
		if job.Status.Terminal() {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Transition moves a job to status to and applies patch, or returns
// models.ErrInvalidTransition when the current status does not allow it.
func (s *Store) Transition(_ context.Context, id string, to models.JobStatus, patch models.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.Jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if !models.CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", models.ErrInvalidTransition, id, job.Status, to)
	}
	next := *job
	next.Status = to
	patch.Apply(&next)
	s.data.Jobs[id] = &next
	return s.commit(func() { s.data.Jobs[id] = job })
}

func (s *Store) LogActivity(_ context.Context, e models.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	n := len(s.data.Activity)
	s.data.Activity = append(s.data.Activity, e)
	return s.commit(func() { s.data.Activity = s.data.Activity[:n] })
}

// Activity returns the log entries of one seller in insertion order.
func (s *Store) Activity(sellerID int64) []models.ActivityEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ActivityEntry
	for _, e := range s.data.Activity {
		if e.SellerID == sellerID {
			out = append(out, e)
		}
	}
	return out
}

// RecentActivity returns up to limit entries of a seller, newest first.
func (s *Store) RecentActivity(_ context.Context, sellerID int64, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ActivityEntry
	for i := len(s.data.Activity) - 1; i >= 0 && len(out) < limit; i-- {
		if e := s.data.Activity[i]; e.SellerID == sellerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) InitializeSeller(_ context.Context, sellerID int64) (*sites.SellerContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seller, ok := s.data.Sellers[sellerID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrSellerNotFound, sellerID)
	}
	return &sites.SellerContext{SellerID: seller.ID, SellerName: seller.Name}, nil
}

func (s *Store) GetOrCreateCategory(_ context.Context, sc *sites.SellerContext, d sites.CategoryDescriptor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.data.Categories)
	id := s.categoryLocked(sc.SellerID, d.Name)
	if len(s.data.Categories) == n {
		return id, nil
	}
	if err := s.commit(func() { s.data.Categories = s.data.Categories[:n] }); err != nil {
		return 0, err
	}
	return id, nil
}

// categoryLocked finds or appends a category without persisting it.
func (s *Store) categoryLocked(sellerID int64, name string) int64 {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Uncategorized"
	}
	for _, c := range s.data.Categories {
		if c.SellerID == sellerID && strings.EqualFold(c.Name, name) {
			return c.ID
		}
	}
	c := category{ID: int64(len(s.data.Categories) + 1), SellerID: sellerID, Name: name}
	s.data.Categories = append(s.data.Categories, c)
	return c.ID
}

// SaveProducts upserts by (seller, source URL). Products without a source URL
// are counted as errors.
func (s *Store) SaveProducts(_ context.Context, sc *sites.SellerContext, products []*models.ExtractedProduct) (*sites.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &sites.SaveResult{}
	now := time.Now()
	categories := len(s.data.Categories)
	// previous row per touched key; nil marks an insert
	previous := make(map[string]*SavedProduct)
	for _, p := range products {
		if p == nil || p.SourceURL == "" {
			res.Errors++
			continue
		}
		catID := s.categoryLocked(sc.SellerID, p.Category)

		key := productKey(sc.SellerID, p.SourceURL)
		cp := *p
		existing, ok := s.data.Products[key]
		if _, touched := previous[key]; !touched {
			previous[key] = existing
		}
		if ok {
			next := *existing
			next.Product = &cp
			next.CategoryID = catID
			next.UpdatedAt = now
			s.data.Products[key] = &next
			res.Updated++
			continue
		}
		s.data.Products[key] = &SavedProduct{
			SellerID:   sc.SellerID,
			CategoryID: catID,
			Product:    &cp,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		res.Saved++
	}
	err := s.commit(func() {
		s.data.Categories = s.data.Categories[:categories]
		for key, prev := range previous {
			if prev == nil {
				delete(s.data.Products, key)
			} else {
				s.data.Products[key] = prev
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("save products: %w", err)
	}
	return res, nil
}

// Products returns the saved products of one seller ordered by source URL.
func (s *Store) Products(sellerID int64) []*SavedProduct {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SavedProduct
	for _, p := range s.data.Products {
		if p.SellerID == sellerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product.SourceURL < out[j].Product.SourceURL })
	return out
}

func productKey(sellerID int64, url string) string {
	return fmt.Sprintf("%d|%s", sellerID, url)
}

// commit persists the current state. When the write fails it runs undo, so
// memory never holds a change the file does not.
func (s *Store) commit(undo func()) error {
	if err := s.save(); err != nil {
		undo()
		return err
	}
	return nil
}

func (s *Store) save() error {
	if s.filename == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := s.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filename)
}

func (s *Store) Load() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.Unmarshal(data, &s.data); err != nil {
		return fmt.Errorf("decode %s: %w", s.filename, err)
	}
	if s.data.Sellers == nil {
		s.data.Sellers = make(map[int64]*models.Seller)
	}
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]*models.CrawlJob)
	}
	if s.data.Products == nil {
		s.data.Products = make(map[string]*SavedProduct)
	}
	return nil
}
