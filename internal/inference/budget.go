package inference

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Budget is a date-scoped call counter with a daily cap. The count resets
// to zero on date rollover and never goes negative; once at cap, TryConsume
// refuses until the next day.
type Budget struct {
	mu    sync.Mutex
	cap   int
	date  string // YYYY-MM-DD the count belongs to
	count int
	kv    KVStore
	now   func() time.Time
}

// NewBudget creates a budget with the given daily cap. A cap <= 0 means
// unlimited.
func NewBudget(dailyCap int) *Budget {
	return &Budget{cap: dailyCap, now: time.Now}
}

// SetKVStore enables persistence across restarts.
func (b *Budget) SetKVStore(kv KVStore) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv = kv
}

// TryConsume reserves one call against today's budget. It returns false
// when the cap is already reached; the count is never incremented past cap.
func (b *Budget) TryConsume(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover()
	if b.cap > 0 && b.count >= b.cap {
		return false
	}
	b.count++
	b.persist(ctx)
	return true
}

// Refund returns one reserved call, used when the reserved attempt never
// produced text (all backends failed). The count never goes below zero.
func (b *Budget) Refund(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover()
	if b.count > 0 {
		b.count--
		b.persist(ctx)
	}
}

// Used returns today's call count.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.count
}

// rollover resets the count when the date has changed; must be called with
// b.mu held.
func (b *Budget) rollover() {
	today := b.now().Format("2006-01-02")
	if b.date != today {
		if b.date != "" {
			slog.Info("inference budget reset on date rollover", "previous_date", b.date, "used", b.count)
		}
		b.date = today
		b.count = 0
	}
}

type persistedBudget struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// persist must be called with b.mu held.
func (b *Budget) persist(ctx context.Context) {
	if b.kv == nil {
		return
	}
	data, err := json.Marshal(persistedBudget{Date: b.date, Count: b.count})
	if err != nil {
		return
	}
	_ = b.kv.KVSet(ctx, "budget", string(data))
}

// Load restores today's count from the KV store; a persisted count from a
// previous date is discarded.
func (b *Budget) Load(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kv == nil {
		return
	}
	val, err := b.kv.KVGet(ctx, "budget")
	if err != nil || val == "" {
		return
	}
	var p persistedBudget
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return
	}
	if p.Date == b.now().Format("2006-01-02") {
		b.date = p.Date
		b.count = p.Count
	}
}
