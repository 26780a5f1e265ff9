package inference

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker and budget
// persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// breakerState tracks consecutive rate-limit responses for one backend.
type breakerState struct {
	consecutive429 int
	lastFailure    time.Time
	tripped        bool
}

// BreakerSet holds per-backend circuit breakers. A breaker trips after
// threshold consecutive 429 responses and resets when the cooldown elapses;
// any successful call resets its backend's counter.
type BreakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*breakerState
	kv        KVStore
	onTrip    func(name string)
}

// NewBreakerSet creates breakers for the named backends.
func NewBreakerSet(names []string, threshold int, cooldown time.Duration) *BreakerSet {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	breakers := make(map[string]*breakerState, len(names))
	for _, n := range names {
		breakers[n] = &breakerState{}
	}
	return &BreakerSet{threshold: threshold, cooldown: cooldown, breakers: breakers}
}

// SetKVStore enables persistent breaker state across restarts.
func (bs *BreakerSet) SetKVStore(kv KVStore) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.kv = kv
}

// SetTripObserver registers a callback fired each time a breaker trips.
// Set once during wiring, before any traffic.
func (bs *BreakerSet) SetTripObserver(fn func(name string)) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.onTrip = fn
}

// IsTripped reports whether the named backend's breaker is open. An open
// breaker whose cooldown has elapsed resets and reports closed.
func (bs *BreakerSet) IsTripped(name string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	st, ok := bs.breakers[name]
	if !ok || !st.tripped {
		return false
	}
	if time.Since(st.lastFailure) >= bs.cooldown {
		st.tripped = false
		st.consecutive429 = 0
		slog.Info("circuit breaker reset after cooldown", "backend", name)
		bs.persist(name, st)
		return false
	}
	return true
}

// RecordRateLimit counts one 429 from the named backend, tripping the
// breaker at the threshold. Returns true if this call tripped it.
func (bs *BreakerSet) RecordRateLimit(name string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	st, ok := bs.breakers[name]
	if !ok {
		st = &breakerState{}
		bs.breakers[name] = st
	}
	st.consecutive429++
	st.lastFailure = time.Now()
	tripped := false
	if st.consecutive429 >= bs.threshold && !st.tripped {
		st.tripped = true
		tripped = true
		slog.Warn("circuit breaker tripped", "backend", name, "consecutive_429", st.consecutive429)
		if bs.onTrip != nil {
			bs.onTrip(name)
		}
	}
	bs.persist(name, st)
	return tripped
}

// RecordSuccess resets the named backend's counter.
func (bs *BreakerSet) RecordSuccess(name string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	st, ok := bs.breakers[name]
	if !ok {
		return
	}
	if st.consecutive429 == 0 && !st.tripped {
		return
	}
	st.consecutive429 = 0
	st.tripped = false
	bs.persist(name, st)
}

type persistedBreaker struct {
	Consecutive429 int       `json:"consecutive_429"`
	LastFailure    time.Time `json:"last_failure"`
	Tripped        bool      `json:"tripped"`
}

// persist writes one breaker's state; must be called with bs.mu held.
func (bs *BreakerSet) persist(name string, st *breakerState) {
	if bs.kv == nil {
		return
	}
	data, err := json.Marshal(persistedBreaker{
		Consecutive429: st.consecutive429,
		LastFailure:    st.lastFailure,
		Tripped:        st.tripped,
	})
	if err != nil {
		return
	}
	_ = bs.kv.KVSet(context.Background(), "breaker:"+name, string(data))
}

// Load restores breaker state from the KV store at startup.
func (bs *BreakerSet) Load(ctx context.Context) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.kv == nil {
		return
	}
	for name, st := range bs.breakers {
		val, err := bs.kv.KVGet(ctx, "breaker:"+name)
		if err != nil || val == "" {
			continue
		}
		var p persistedBreaker
		if err := json.Unmarshal([]byte(val), &p); err != nil {
			continue
		}
		st.consecutive429 = p.Consecutive429
		st.lastFailure = p.LastFailure
		st.tripped = p.Tripped
	}
}
