package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to CATALOG_TEST_DATABASE_URL and applies the schema.
// Tests that need it are skipped when the variable is unset.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("CATALOG_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CATALOG_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	db := &DB{pool: pool}
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))
	return db
}

func seedSeller(t *testing.T, db *DB, name string, sources ...string) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	require.NoError(t, db.QueryRow(ctx,
		`INSERT INTO sellers (name, is_active, scraper_source) VALUES ($1, TRUE, 'seedbank') RETURNING id`,
		name).Scan(&id))
	for i, url := range sources {
		_, err := db.Exec(ctx,
			`INSERT INTO scraping_sources (seller_id, url, name, position) VALUES ($1, $2, $3, $4)`,
			id, url, url, i)
		require.NoError(t, err)
	}
	return id
}

func TestSellerRepository(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewSellerRepository(db)

	id := seedSeller(t, db, "Seed Vault "+uuid.NewString(), "https://sv.example/a", "https://sv.example/b")

	hours := 12
	require.NoError(t, repo.SetAutoScrapeInterval(ctx, id, &hours))

	seller, err := repo.GetSeller(ctx, id)
	require.NoError(t, err)
	require.Len(t, seller.Sources, 2)
	assert.Equal(t, "https://sv.example/a", seller.Sources[0].URL)
	assert.Equal(t, 12, seller.Interval())

	_, err = repo.GetSeller(ctx, -1)
	assert.ErrorIs(t, err, models.ErrSellerNotFound)
	assert.ErrorIs(t, repo.SetAutoScrapeInterval(ctx, -1, nil), models.ErrSellerNotFound)
}

func TestJobRepositoryTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobRepository(db)
	sellerID := seedSeller(t, db, "Herbies "+uuid.NewString(), "https://hb.example/seeds")

	job := &models.CrawlJob{
		ID:            uuid.NewString(),
		SellerID:      sellerID,
		ScraperSource: "seedbank",
		Mode:          models.JobModeAuto,
		Sources:       []models.ScrapingSource{{URL: "https://hb.example/seeds"}},
	}
	require.NoError(t, repo.CreateJob(ctx, job))

	now := time.Now()
	require.NoError(t, repo.Transition(ctx, job.ID, models.JobStatusActive, models.JobPatch{StartedAt: &now}))
	err := repo.Transition(ctx, job.ID, models.JobStatusCancelled, models.JobPatch{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, repo.Transition(ctx, job.ID, models.JobStatusCompleted, models.JobPatch{
		CompletedAt: &now,
		Result:      &models.JobResult{PagesCrawled: 2, ProductsSaved: 5},
	}))

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 5, got.ProductsSaved)
	require.Len(t, got.Sources, 1)

	var events int
	require.NoError(t, db.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_event WHERE aggregate_id = $1 AND event_type = $2`,
		job.ID, EventCrawlJobFinished).Scan(&events))
	assert.Equal(t, 1, events)

	err = repo.Transition(ctx, uuid.NewString(), models.JobStatusActive, models.JobPatch{})
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestProductRepositorySaveProducts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewProductRepository(db, discardLogger())
	sellerID := seedSeller(t, db, "Crop King "+uuid.NewString())

	sc, err := repo.InitializeSeller(ctx, sellerID)
	require.NoError(t, err)

	products := []*models.ExtractedProduct{
		{Name: "Blue Dream", Price: 40, Currency: "USD", SourceURL: "https://ck.example/p/1", Provenance: models.ProvenanceJSONLD},
		{Name: "No URL", Price: 1},
	}
	res, err := repo.SaveProducts(ctx, sc, products)
	require.NoError(t, err)
	assert.Equal(t, sites.SaveResult{Saved: 1, Errors: 1}, *res)

	res, err = repo.SaveProducts(ctx, sc, products[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	// only the first insert is announced
	var events int
	require.NoError(t, db.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_event WHERE event_type = $1 AND (payload->>'seller_id')::bigint = $2`,
		EventProductAdded, sellerID).Scan(&events))
	assert.Equal(t, 1, events)
}

func TestOutboxRepositoryClaimAndDeadLetter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewOutboxRepository(db)

	event := &OutboxEvent{
		AggregateType: AggregateCrawlJob,
		AggregateID:   uuid.NewString(),
		EventType:     EventCrawlJobFinished,
		Payload:       []byte(`{"status":"completed"}`),
	}
	require.NoError(t, db.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.InsertWithTx(ctx, tx, event)
	}))
	assert.Equal(t, JobEventsStream, event.TargetStream)

	contains := func(events []*OutboxEvent) bool {
		for _, e := range events {
			if e.ID == event.ID {
				return true
			}
		}
		return false
	}

	claimed, err := repo.GetPending(ctx, 1000)
	require.NoError(t, err)
	require.True(t, contains(claimed))

	again, err := repo.GetPending(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, contains(again), "leased event must not be claimed twice")

	for i := 0; i < MaxRetryCount; i++ {
		require.NoError(t, repo.MarkFailed(ctx, event.ID, errors.New("stream unavailable")))
	}
	var status string
	var retries int
	require.NoError(t, db.QueryRow(ctx,
		`SELECT status, retry_count FROM outbox_event WHERE id = $1`, event.ID).Scan(&status, &retries))
	assert.Equal(t, OutboxStatusDeadLetter, status)
	assert.Equal(t, MaxRetryCount, retries)

	require.NoError(t, repo.MarkProcessed(ctx, event.ID))
	assert.ErrorIs(t, repo.MarkProcessed(ctx, uuid.New()), pgx.ErrNoRows)
}
