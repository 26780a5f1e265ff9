// Package pacer enforces a minimum gap between outbound mutating calls to
// the forum platform, shared by every worker in the process.
package pacer

import (
	"context"
	"sync"
	"time"
)

// DefaultMinGap is twice the empirically observed platform limit of one
// mutation per 10s, leaving headroom for actions outside this process.
const DefaultMinGap = 20 * time.Second

// Pacer serializes the pacing decision behind one mutex and one timestamp.
// The remaining-wait computation and the timestamp update happen under the
// same lock, so two callers can never compute overlapping wait windows.
type Pacer struct {
	mu     sync.Mutex
	minGap time.Duration
	last   time.Time

	onWait func(time.Duration)
}

// New returns a Pacer with the given minimum gap. Non-positive gaps fall
// back to DefaultMinGap.
func New(minGap time.Duration) *Pacer {
	if minGap <= 0 {
		minGap = DefaultMinGap
	}
	return &Pacer{minGap: minGap}
}

// MinGap returns the configured gap.
func (p *Pacer) MinGap() time.Duration { return p.minGap }

// SetWaitObserver registers a callback receiving the total time each
// Acquire spent waiting. Set once during wiring, before any Acquire.
func (p *Pacer) SetWaitObserver(fn func(time.Duration)) {
	p.onWait = fn
}

// Acquire blocks until at least minGap has elapsed since the last
// successful acquire by any caller, then claims the slot. It only delays;
// the sole failure mode is context cancellation while waiting.
func (p *Pacer) Acquire(ctx context.Context) error {
	start := time.Now()
	for {
		p.mu.Lock()
		now := time.Now()
		wait := p.minGap - now.Sub(p.last)
		if wait <= 0 {
			p.last = now
			p.mu.Unlock()
			if p.onWait != nil {
				p.onWait(now.Sub(start))
			}
			return nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// Re-check under the lock: another caller may have claimed
			// the slot while we slept.
		}
	}
}

// ReleaseNow resets the clock immediately so the next Acquire proceeds
// without delay. Used when an acquired slot was not spent on an external
// mutation (the call failed before reaching the network, or the platform
// confirmed completion out of band).
func (p *Pacer) ReleaseNow() {
	p.mu.Lock()
	p.last = time.Time{}
	p.mu.Unlock()
}
