// Package ratelimit spaces out requests to third-party shops.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Limiter is the politeness delay applied between crawls of the same job.
type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError()
}

const (
	ceilingMin = 60 * time.Second
	ceilingMax = 120 * time.Second

	backoffStep     = 1.5
	errorsToBackoff = 3
	successToRelax  = 6
)

// Politeness holds a shop-friendly gap between consecutive sources. Every
// errorsToBackoff consecutive failures widen the gap by backoffStep, and a
// streak of successToRelax successes narrows it by one step again. The gap
// never drops below the configured bounds nor rises above the ceiling.
type Politeness struct {
	mu sync.Mutex

	baseMin, baseMax time.Duration
	level            int
	failStreak       int
	okStreak         int

	// next is the earliest time the following request may start.
	next time.Time
	rnd  func(n int64) int64
}

func NewPoliteness(minGap, maxGap time.Duration) *Politeness {
	if maxGap < minGap {
		maxGap = minGap
	}
	return &Politeness{
		baseMin: minGap,
		baseMax: maxGap,
		rnd:     rand.Int63n,
	}
}

// Wait blocks until the current gap has elapsed. The first call of a job
// never waits.
func (p *Politeness) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d := time.Until(p.next); !p.next.IsZero() && d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	p.next = time.Now().Add(p.draw())
	return nil
}

func (p *Politeness) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failStreak = 0
	p.okStreak++
	if p.okStreak >= successToRelax && p.level > 0 {
		p.level--
		p.okStreak = 0
	}
}

func (p *Politeness) RecordError() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.okStreak = 0
	p.failStreak++
	if p.failStreak >= errorsToBackoff {
		minGap, _ := p.window()
		if minGap < ceilingMin {
			p.level++
		}
		p.failStreak = 0
	}
}

// Window reports the gap bounds at the current backoff level.
func (p *Politeness) Window() (minGap, maxGap time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window()
}

func (p *Politeness) window() (time.Duration, time.Duration) {
	factor := math.Pow(backoffStep, float64(p.level))
	scale := func(d, ceiling time.Duration) time.Duration {
		if d >= ceiling {
			return d
		}
		return min(time.Duration(float64(d)*factor), ceiling)
	}
	return scale(p.baseMin, ceilingMin), scale(p.baseMax, ceilingMax)
}

func (p *Politeness) draw() time.Duration {
	minGap, maxGap := p.window()
	if maxGap <= minGap {
		return minGap
	}
	return minGap + time.Duration(p.rnd(int64(maxGap-minGap)))
}
