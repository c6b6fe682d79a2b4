package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/maltedev/catalog-scraper/internal/models"
)

// InMemoryQueue implements Queue and TriggerRegistry inside one process. It
// backs tests and single-node runs without Redis.
type InMemoryQueue struct {
	mu       sync.Mutex
	messages []*Delivery
	inflight map[string]*Delivery
	states   map[string]*JobState
	triggers map[string]*models.ScheduledTrigger
	claims   map[string]time.Time
	notify   chan struct{}
	closed   bool
	seq      int
	now      func() time.Time
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		inflight: make(map[string]*Delivery),
		states:   make(map[string]*JobState),
		triggers: make(map[string]*models.ScheduledTrigger),
		claims:   make(map[string]time.Time),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *InMemoryQueue) Enqueue(_ context.Context, msg *models.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.seq++
	q.messages = append(q.messages, &Delivery{ID: strconv.Itoa(q.seq), Message: msg})
	q.states[msg.JobID] = &JobState{JobID: msg.JobID, Status: models.JobStatusWaiting, UpdatedAt: q.now()}
	q.signal()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.messages) > 0 {
			d := q.messages[0]
			q.messages = q.messages[1:]
			q.inflight[d.ID] = d
			if len(q.messages) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return d, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *InMemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.ID)
	return nil
}

// Redeliver puts every unacked delivery back at the head of the queue, as a
// broker would after a consumer crash.
func (q *InMemoryQueue) Redeliver() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]*Delivery, 0, len(q.inflight))
	for _, d := range q.inflight {
		pending = append(pending, d)
	}
	sort.Slice(pending, func(i, j int) bool {
		a, _ := strconv.Atoi(pending[i].ID)
		b, _ := strconv.Atoi(pending[j].ID)
		return a < b
	})
	q.messages = append(pending, q.messages...)
	q.inflight = make(map[string]*Delivery)
	if len(pending) > 0 {
		q.signal()
	}
	return len(pending)
}

func (q *InMemoryQueue) ReportProgress(_ context.Context, jobID string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(jobID)
	st.Progress = Clamp(progress)
	st.UpdatedAt = q.now()
	return nil
}

func (q *InMemoryQueue) SetJobState(_ context.Context, jobID string, status models.JobStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(jobID)
	st.Status = status
	st.UpdatedAt = q.now()
	return nil
}

func (q *InMemoryQueue) JobState(_ context.Context, jobID string) (*JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.states[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cp := *st
	return &cp, nil
}

// Size returns the number of messages waiting for delivery.
func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.notify)
	return nil
}

func (q *InMemoryQueue) UpsertTrigger(_ context.Context, t *models.ScheduledTrigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := *t
	q.triggers[t.ID] = &cp
	return nil
}

func (q *InMemoryQueue) AdvanceTrigger(_ context.Context, t *models.ScheduledTrigger) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.triggers[t.ID]; !ok {
		return false, nil
	}
	cp := *t
	q.triggers[t.ID] = &cp
	return true, nil
}

func (q *InMemoryQueue) RemoveTrigger(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.triggers[id]
	delete(q.triggers, id)
	return ok, nil
}

func (q *InMemoryQueue) ListTriggers(_ context.Context) ([]*models.ScheduledTrigger, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.ScheduledTrigger, 0, len(q.triggers))
	for _, t := range q.triggers {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *InMemoryQueue) ClaimFiring(_ context.Context, id string, at time.Time, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for k, exp := range q.claims {
		if now.After(exp) {
			delete(q.claims, k)
		}
	}

	key := firingKey(id, at)
	if _, taken := q.claims[key]; taken {
		return false, nil
	}
	q.claims[key] = now.Add(ttl)
	return true, nil
}

func (q *InMemoryQueue) state(jobID string) *JobState {
	st, ok := q.states[jobID]
	if !ok {
		st = &JobState{JobID: jobID}
		q.states[jobID] = st
	}
	return st
}

// signal wakes one waiting consumer without blocking. Callers hold q.mu.
func (q *InMemoryQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func firingKey(id string, at time.Time) string {
	return id + "@" + strconv.FormatInt(at.Unix(), 10)
}
