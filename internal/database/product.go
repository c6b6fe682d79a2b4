package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/maltedev/catalog-scraper/internal/models"
)

const defaultCategory = "Uncategorized"

// ProductRepository is the relational persistence adapter used by every site.
// It keeps no per-seller state; callers thread the SellerContext through.
type ProductRepository struct {
	db     *DB
	outbox *OutboxRepository
	logger *slog.Logger
}

func NewProductRepository(db *DB, logger *slog.Logger) *ProductRepository {
	return &ProductRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
		logger: logger.With("component", "product_repository"),
	}
}

func (r *ProductRepository) InitializeSeller(ctx context.Context, sellerID int64) (*sites.SellerContext, error) {
	sc := &sites.SellerContext{SellerID: sellerID}
	err := r.db.QueryRow(ctx, `SELECT name FROM sellers WHERE id = $1`, sellerID).Scan(&sc.SellerName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrSellerNotFound, sellerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize seller: %w", err)
	}
	return sc, nil
}

func (r *ProductRepository) GetOrCreateCategory(ctx context.Context, sc *sites.SellerContext, d sites.CategoryDescriptor) (int64, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = defaultCategory
	}

	// the no-op update makes RETURNING yield the id on conflict too
	query := `
		INSERT INTO categories (seller_id, name, source_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (seller_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	var id int64
	if err := r.db.QueryRow(ctx, query, sc.SellerID, name, d.SourceURL).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get or create category %q: %w", name, err)
	}
	return id, nil
}

// SaveProducts upserts each product by (seller, source URL). A first insert
// writes a CATALOG_PRODUCT_ADDED outbox event in the same transaction.
// Row-level failures are counted; a cancelled context aborts the batch.
func (r *ProductRepository) SaveProducts(ctx context.Context, sc *sites.SellerContext, products []*models.ExtractedProduct) (*sites.SaveResult, error) {
	res := &sites.SaveResult{}
	categories := make(map[string]int64)

	query := `
		INSERT INTO products (
			seller_id, category_id, source_url, name, price, currency,
			image_url, description, sku, availability, provenance, attributes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (seller_id, source_url) DO UPDATE SET
			category_id = EXCLUDED.category_id,
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			image_url = EXCLUDED.image_url,
			description = EXCLUDED.description,
			sku = EXCLUDED.sku,
			availability = EXCLUDED.availability,
			provenance = EXCLUDED.provenance,
			attributes = EXCLUDED.attributes,
			updated_at = NOW()
		RETURNING id, (xmax = 0)`

	for _, p := range products {
		if p == nil || p.SourceURL == "" {
			res.Errors++
			continue
		}

		catName := p.Category
		catID, ok := categories[catName]
		if !ok {
			id, err := r.GetOrCreateCategory(ctx, sc, sites.CategoryDescriptor{Name: catName, SourceURL: p.SourceURL})
			if err != nil {
				return nil, err
			}
			categories[catName] = id
			catID = id
		}

		attrs, err := json.Marshal(p.Cannabis)
		if err != nil {
			res.Errors++
			continue
		}

		var inserted bool
		err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
			var productID int64
			err := tx.QueryRow(ctx, query,
				sc.SellerID, catID, p.SourceURL, p.Name, p.Price, p.Currency,
				p.ImageURL, p.Description, p.SKU, p.Availability, string(p.Provenance), attrs,
			).Scan(&productID, &inserted)
			if err != nil || !inserted {
				return err
			}
			event, err := NewProductAddedEvent(productID, sc.SellerID, sc.SellerName, p)
			if err != nil {
				return err
			}
			return r.outbox.InsertWithTx(ctx, tx, event)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("save products: %w", ctx.Err())
			}
			r.logger.Warn("failed to save product",
				"seller_id", sc.SellerID,
				"source_url", p.SourceURL,
				"error", err)
			res.Errors++
			continue
		}
		if inserted {
			res.Saved++
		} else {
			res.Updated++
		}
	}

	return res, nil
}
