package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/robfig/cron/v3"
)

const triggerPrefix = "auto_scrape_"

var ErrInvalidInterval = errors.New("auto-scrape interval must be positive")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TriggerID is the recurring trigger key of a seller.
func TriggerID(sellerID int64) string {
	return triggerPrefix + strconv.FormatInt(sellerID, 10)
}

// ParseTriggerID returns the seller id encoded in a trigger key. Keys not
// produced by TriggerID report false.
func ParseTriggerID(id string) (int64, bool) {
	raw, ok := strings.CutPrefix(id, triggerPrefix)
	if !ok || raw == "" {
		return 0, false
	}
	sellerID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sellerID <= 0 || TriggerID(sellerID) != id {
		return 0, false
	}
	return sellerID, true
}

// CronPattern derives the recurrence of an interval in hours.
func CronPattern(hours int) (string, error) {
	switch {
	case hours <= 0:
		return "", fmt.Errorf("%w: %d", ErrInvalidInterval, hours)
	case hours < 24:
		return fmt.Sprintf("0 */%d * * *", hours), nil
	case hours == 24:
		return "0 0 * * *", nil
	case hours%24 == 0:
		return fmt.Sprintf("0 0 */%d * *", hours/24), nil
	}
	return fmt.Sprintf("@every %dh", hours), nil
}

// NextRun returns the first activation of pattern strictly after t.
func NextRun(pattern string, t time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron pattern %q: %w", pattern, err)
	}
	return schedule.Next(t), nil
}

func newTrigger(sellerID int64, hours int, now time.Time) (*models.ScheduledTrigger, error) {
	pattern, err := CronPattern(hours)
	if err != nil {
		return nil, err
	}
	next, err := NextRun(pattern, now)
	if err != nil {
		return nil, err
	}
	return &models.ScheduledTrigger{
		ID:            TriggerID(sellerID),
		SellerID:      sellerID,
		IntervalHours: hours,
		Pattern:       pattern,
		NextRunAt:     next,
		CreatedAt:     now,
	}, nil
}
