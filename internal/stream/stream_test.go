package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quorumlabs/agora/internal/forum"
	"github.com/quorumlabs/agora/internal/inference"
	"github.com/quorumlabs/agora/internal/pacer"
)

func TestPartition_RoundRobin(t *testing.T) {
	tests := []struct {
		name  string
		items []string
		n     int
		sizes []int
	}{
		{"seven across three", []string{"a", "b", "c", "d", "e", "f", "g"}, 3, []int{3, 2, 2}},
		{"fewer items than buckets", []string{"a", "b"}, 4, []int{1, 1, 0, 0}},
		{"single bucket", []string{"a", "b", "c"}, 1, []int{3}},
		{"empty input", nil, 3, []int{0, 0, 0}},
		{"n below one clamps", []string{"a"}, 0, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partition(tt.items, tt.n)
			if len(got) != len(tt.sizes) {
				t.Fatalf("buckets = %d, want %d", len(got), len(tt.sizes))
			}
			var flat []string
			for i, b := range got {
				if len(b) != tt.sizes[i] {
					t.Errorf("bucket %d size = %d, want %d", i, len(b), tt.sizes[i])
				}
				flat = append(flat, b...)
			}
			sort.Strings(flat)
			want := append([]string(nil), tt.items...)
			sort.Strings(want)
			if fmt.Sprint(flat) != fmt.Sprint(want) {
				t.Errorf("items lost or duplicated: got %v, want %v", flat, want)
			}
		})
	}
}

type fixedDecider struct {
	dec Decision
	err error
}

func (d fixedDecider) Decide(_ context.Context, _ string, _ *Snapshot) (Decision, error) {
	return d.dec, d.err
}

type panicDecider struct{}

func (panicDecider) Decide(_ context.Context, _ string, _ *Snapshot) (Decision, error) {
	panic("decider exploded")
}

func testGateway(t *testing.T, text string) *inference.Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": text}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	b := inference.NewBackend(inference.BackendConfig{Name: "stub", BaseURL: srv.URL, Model: "m"}, 0)
	return inference.NewGateway(
		[]*inference.Backend{b},
		inference.NewBreakerSet([]string{"stub"}, 3, time.Minute),
		inference.NewBudget(0),
		inference.Options{MaxTries: 1},
		nil,
	)
}

func testForum(t *testing.T, dryRun bool) *forum.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "d-1"})
	}))
	t.Cleanup(srv.Close)
	return forum.New(forum.Config{BaseURL: srv.URL, DryRun: dryRun})
}

func TestWorker_PostProducesOKResult(t *testing.T) {
	w := NewWorker(0,
		fixedDecider{dec: Decision{Kind: ActionPost, Channel: "general", Topic: "crows"}},
		testGateway(t, "a post about crows"),
		testForum(t, false),
		pacer.New(time.Millisecond),
		nil,
	)
	results := w.Run(context.Background(), []string{"agent-1"}, &Snapshot{}, nil)
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	r := results[0]
	if r.Status != StatusOK || r.Kind != ActionPost || r.Ref != "d-1" {
		t.Errorf("result = %+v", r)
	}
	if r.ContentHash != Fingerprint("a post about crows") {
		t.Errorf("ContentHash = %d, want hash of the generated body", r.ContentHash)
	}
}

func TestWorker_DryRunStatus(t *testing.T) {
	w := NewWorker(0,
		fixedDecider{dec: Decision{Kind: ActionPost, Channel: "general", Topic: "t"}},
		testGateway(t, "text"),
		testForum(t, true),
		pacer.New(time.Millisecond),
		nil,
	)
	results := w.Run(context.Background(), []string{"a"}, &Snapshot{}, nil)
	if results[0].Status != StatusDryRun {
		t.Errorf("status = %s, want dry_run", results[0].Status)
	}
	if results[0].Ref == "" {
		t.Error("dry run should still carry a synthetic ref")
	}
}

func TestWorker_FingerprintCollisionSkips(t *testing.T) {
	const text = "the same text every time"
	snap := &Snapshot{Fingerprints: map[uint64]bool{Fingerprint(text): true}}
	w := NewWorker(0,
		fixedDecider{dec: Decision{Kind: ActionPost, Channel: "g", Topic: "t"}},
		testGateway(t, text),
		testForum(t, false),
		pacer.New(time.Millisecond),
		nil,
	)
	results := w.Run(context.Background(), []string{"a"}, snap, nil)
	if results[0].Status != StatusSkip {
		t.Errorf("status = %s, want skipped after regenerate also collides", results[0].Status)
	}
	if results[0].Ref != "" {
		t.Error("skipped action must not reach the forum")
	}
}

func TestWorker_PanicBecomesErrorResult(t *testing.T) {
	w := NewWorker(0, panicDecider{}, testGateway(t, "x"), testForum(t, false), pacer.New(time.Millisecond), nil)
	results := w.Run(context.Background(), []string{"a", "b"}, &Snapshot{}, nil)
	if len(results) != 2 {
		t.Fatalf("panic must not abort the stream: results = %d", len(results))
	}
	for _, r := range results {
		if r.Status != StatusError {
			t.Errorf("result = %+v, want error status", r)
		}
	}
}

func TestWorker_ServerFailureKeepsSlotSpent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	fc := forum.New(forum.Config{BaseURL: srv.URL})

	p := pacer.New(30 * time.Second)
	w := NewWorker(0,
		fixedDecider{dec: Decision{Kind: ActionPost, Channel: "g", Topic: "t"}},
		testGateway(t, "text"),
		fc, p, nil,
	)
	results := w.Run(context.Background(), []string{"a"}, &Snapshot{}, nil)
	if results[0].Status != StatusError {
		t.Fatalf("result = %+v, want error status", results[0])
	}

	// The request reached the platform, so the rate allowance is spent
	// regardless of the 500. The next acquire must still wait out the gap.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx); err == nil {
		t.Error("slot was released after a server-side failure")
	}
}

func TestWorker_UnsentRequestReleasesSlot(t *testing.T) {
	// A space in the base URL makes request construction fail before
	// anything is sent; that failure must hand the slot back.
	fc := forum.New(forum.Config{BaseURL: "http://bad host.invalid"})

	p := pacer.New(30 * time.Second)
	w := NewWorker(0,
		fixedDecider{dec: Decision{Kind: ActionPost, Channel: "g", Topic: "t"}},
		testGateway(t, "text"),
		fc, p, nil,
	)
	results := w.Run(context.Background(), []string{"a"}, &Snapshot{}, nil)
	if results[0].Status != StatusError {
		t.Fatalf("result = %+v, want error status", results[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx); err != nil {
		t.Errorf("acquire after unsent request = %v, want immediate slot", err)
	}
}

func TestWorker_StopFlagBetweenAgents(t *testing.T) {
	var stop atomic.Bool
	count := 0
	d := decideFunc(func(_ context.Context, _ string, _ *Snapshot) (Decision, error) {
		count++
		stop.Store(true) // requested mid-batch; current agent still completes
		return Decision{Kind: ActionLurk}, nil
	})
	w := NewWorker(0, d, testGateway(t, "x"), testForum(t, false), pacer.New(time.Millisecond), nil)
	results := w.Run(context.Background(), []string{"a", "b", "c"}, &Snapshot{}, &stop)
	if len(results) != 1 || count != 1 {
		t.Errorf("results = %d decides = %d, want 1 each", len(results), count)
	}
	if results[0].Status != StatusOK {
		t.Errorf("in-flight action should finish cleanly: %+v", results[0])
	}
}

type decideFunc func(ctx context.Context, agentID string, snap *Snapshot) (Decision, error)

func (f decideFunc) Decide(ctx context.Context, agentID string, snap *Snapshot) (Decision, error) {
	return f(ctx, agentID, snap)
}

func TestWorker_LurkAndPokeNeedNoForum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("lurk/poke must not reach the forum")
	}))
	defer srv.Close()
	fc := forum.New(forum.Config{BaseURL: srv.URL})

	for _, dec := range []Decision{
		{Kind: ActionLurk},
		{Kind: ActionPoke, TargetID: "agent-2"},
	} {
		w := NewWorker(0, fixedDecider{dec: dec}, testGateway(t, "x"), fc, pacer.New(time.Millisecond), nil)
		results := w.Run(context.Background(), []string{"agent-1"}, &Snapshot{}, nil)
		if results[0].Status != StatusOK {
			t.Errorf("%s: result = %+v", dec.Kind, results[0])
		}
	}
}

func TestPool_ForkJoinAllAgents(t *testing.T) {
	gw := testGateway(t, "x")
	fc := testForum(t, false)
	p := pacer.New(time.Millisecond)
	d := fixedDecider{dec: Decision{Kind: ActionLurk}}

	workers := make([]*Worker, 3)
	for i := range workers {
		workers[i] = NewWorker(i, d, gw, fc, p, nil)
	}
	pool := NewPool(workers)

	agents := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"}
	results := pool.Run(context.Background(), agents, &Snapshot{}, nil)
	if len(results) != 7 {
		t.Fatalf("results = %d, want 7", len(results))
	}
	seen := map[string]int{}
	for _, r := range results {
		seen[r.AgentID]++
	}
	for _, id := range agents {
		if seen[id] != 1 {
			t.Errorf("agent %s processed %d times", id, seen[id])
		}
	}
}
