package database

import (
	"context"
	"fmt"

	"github.com/maltedev/catalog-scraper/internal/models"
)

type ActivityRepository struct {
	db *DB
}

func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) LogActivity(ctx context.Context, e models.ActivityEntry) error {
	var details []byte
	if len(e.Details) > 0 {
		details = e.Details
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO seller_activity (seller_id, job_id, level, action, message, details)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6)`,
		e.SellerID, e.JobID, e.Level, e.Action, e.Message, details)
	if err != nil {
		return fmt.Errorf("failed to write activity log: %w", err)
	}
	return nil
}

// RecentActivity returns the newest entries for a seller.
func (r *ActivityRepository) RecentActivity(ctx context.Context, sellerID int64, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT seller_id, COALESCE(job_id::text, ''), level, action, message, details, created_at
		FROM seller_activity
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read activity log: %w", err)
	}
	defer rows.Close()

	var out []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var details []byte
		if err := rows.Scan(&e.SellerID, &e.JobID, &e.Level, &e.Action, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		e.Details = details
		out = append(out, e)
	}
	return out, rows.Err()
}
