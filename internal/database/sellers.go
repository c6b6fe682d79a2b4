package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/catalog-scraper/internal/models"
)

// SellerRepository reads sellers with their ordered sources and maintains the
// advisory auto-scrape interval.
type SellerRepository struct {
	db *DB
}

func NewSellerRepository(db *DB) *SellerRepository {
	return &SellerRepository{db: db}
}

func (r *SellerRepository) GetSeller(ctx context.Context, id int64) (*models.Seller, error) {
	query := `
		SELECT id, name, is_active, auto_scrape_interval_hours, scraper_source, updated_at
		FROM sellers
		WHERE id = $1`

	s := &models.Seller{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.IsActive, &s.AutoScrapeIntervalHours, &s.ScraperSource, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrSellerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seller: %w", err)
	}

	sources, err := r.sources(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	s.Sources = sources[id]
	return s, nil
}

// ListSellers returns every seller, active or not, ordered by id.
func (r *SellerRepository) ListSellers(ctx context.Context) ([]*models.Seller, error) {
	query := `
		SELECT id, name, is_active, auto_scrape_interval_hours, scraper_source, updated_at
		FROM sellers
		ORDER BY id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sellers: %w", err)
	}
	defer rows.Close()

	var sellers []*models.Seller
	var ids []int64
	for rows.Next() {
		s := &models.Seller{}
		if err := rows.Scan(&s.ID, &s.Name, &s.IsActive, &s.AutoScrapeIntervalHours, &s.ScraperSource, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan seller: %w", err)
		}
		sellers = append(sellers, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	sources, err := r.sources(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, s := range sellers {
		s.Sources = sources[s.ID]
	}
	return sellers, nil
}

func (r *SellerRepository) sources(ctx context.Context, sellerIDs []int64) (map[int64][]models.ScrapingSource, error) {
	out := make(map[int64][]models.ScrapingSource, len(sellerIDs))
	if len(sellerIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT id, seller_id, url, name, max_page
		FROM scraping_sources
		WHERE seller_id = ANY($1)
		ORDER BY seller_id, position, id`

	rows, err := r.db.Query(ctx, query, sellerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src models.ScrapingSource
		if err := rows.Scan(&src.ID, &src.SellerID, &src.URL, &src.Name, &src.MaxPage); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out[src.SellerID] = append(out[src.SellerID], src)
	}
	return out, rows.Err()
}

func (r *SellerRepository) SetAutoScrapeInterval(ctx context.Context, id int64, hours *int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sellers SET auto_scrape_interval_hours = $1, updated_at = NOW() WHERE id = $2`,
		hours, id)
	if err != nil {
		return fmt.Errorf("failed to update seller interval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", models.ErrSellerNotFound, id)
	}
	return nil
}
