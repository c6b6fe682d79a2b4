package models

import "time"

// ScheduledTrigger is a recurring crawl schedule for one seller, stored in the
// queue's trigger registry.
type ScheduledTrigger struct {
	ID            string    `json:"id"`
	SellerID      int64     `json:"seller_id"`
	IntervalHours int       `json:"interval_hours"`
	Pattern       string    `json:"pattern"`
	NextRunAt     time.Time `json:"next_run_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Due reports whether the trigger should fire at now.
func (t *ScheduledTrigger) Due(now time.Time) bool {
	return !t.NextRunAt.IsZero() && !now.Before(t.NextRunAt)
}
