package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string) *models.JobMessage {
	return &models.JobMessage{JobID: id, SellerID: 7, ScraperSource: "seedbank", Mode: models.JobModeAuto}
}

func TestInMemoryQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, msg("a")))
	require.NoError(t, q.Enqueue(ctx, msg("b")))
	assert.Equal(t, 2, q.Size())

	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", d1.Message.JobID)
	assert.Equal(t, "b", d2.Message.JobID)

	st, err := q.JobState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWaiting, st.Status)
}

func TestInMemoryQueueBlocksUntilEnqueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := NewInMemoryQueue()

	var got *Delivery
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _ = q.Dequeue(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, msg("late")))
	wg.Wait()

	require.NotNil(t, got)
	assert.Equal(t, "late", got.Message.JobID)
}

func TestInMemoryQueueDequeueHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewInMemoryQueue().Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryQueueClose(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(ctx, msg("x")), ErrQueueClosed)
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestInMemoryQueueRedeliver(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()
	require.NoError(t, q.Enqueue(ctx, msg("a")))
	require.NoError(t, q.Enqueue(ctx, msg("b")))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, second))

	assert.Equal(t, 1, q.Redeliver())
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestInMemoryQueueStateAndProgress(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()

	_, err := q.JobState(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, q.Enqueue(ctx, msg("j")))
	require.NoError(t, q.SetJobState(ctx, "j", models.JobStatusActive))
	require.NoError(t, q.ReportProgress(ctx, "j", 150))

	st, err := q.JobState(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, st.Status)
	assert.Equal(t, 100, st.Progress)
}

func TestInMemoryTriggers(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()

	tr := &models.ScheduledTrigger{ID: "auto_scrape_1", SellerID: 1, IntervalHours: 24, Pattern: "0 0 * * *"}
	require.NoError(t, q.UpsertTrigger(ctx, tr))
	tr.Pattern = "0 */6 * * *"
	require.NoError(t, q.UpsertTrigger(ctx, tr))

	list, err := q.ListTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "0 */6 * * *", list[0].Pattern)

	removed, err := q.RemoveTrigger(ctx, "auto_scrape_1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = q.RemoveTrigger(ctx, "auto_scrape_1")
	require.NoError(t, err)
	assert.False(t, removed)

	advanced, err := q.AdvanceTrigger(ctx, tr)
	require.NoError(t, err)
	assert.False(t, advanced)
	list, err = q.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInMemoryClaimFiring(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ok, err := q.ClaimFiring(ctx, "auto_scrape_1", at, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.ClaimFiring(ctx, "auto_scrape_1", at, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.ClaimFiring(ctx, "auto_scrape_1", at.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
