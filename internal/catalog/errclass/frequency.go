package errclass

import (
	"sync"
	"time"
)

// FrequencyTracker counts recent occurrences per key inside a rolling window.
type FrequencyTracker struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
	now    func() time.Time
}

func NewFrequencyTracker(window time.Duration) *FrequencyTracker {
	if window <= 0 {
		window = time.Hour
	}
	return &FrequencyTracker{
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Record registers one occurrence of key and returns the count inside the window, this one included.
func (f *FrequencyTracker) Record(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	kept := f.prune(key, now)
	kept = append(kept, now)
	f.events[key] = kept
	return len(kept)
}

// Count returns the occurrences of key inside the window without recording a new one.
func (f *FrequencyTracker) Count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.prune(key, f.now())
	if len(kept) == 0 {
		delete(f.events, key)
	} else {
		f.events[key] = kept
	}
	return len(kept)
}

func (f *FrequencyTracker) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-f.window)
	events := f.events[key]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}
