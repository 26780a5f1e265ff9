package forum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestCreateDiscussion_RecordsRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/discussions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "d-100"})
	}))
	defer srv.Close()

	idx := newTestIndex(t)
	c := New(Config{BaseURL: srv.URL, Token: "tok", Index: idx})

	ref, err := c.CreateDiscussion(context.Background(), "general", "Hello", "body")
	if err != nil {
		t.Fatalf("CreateDiscussion: %v", err)
	}
	if ref != "d-100" {
		t.Errorf("ref = %q, want d-100", ref)
	}

	entry, ok, err := idx.Lookup(context.Background(), "d-100")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if entry.Kind != "post" || entry.Channel != "general" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestAddComment_InheritsChannelFromParent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "c-1"})
	}))
	defer srv.Close()

	idx := newTestIndex(t)
	if err := idx.Upsert(context.Background(), IndexEntry{Ref: "d-1", Kind: "post", Channel: "ideas"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	c := New(Config{BaseURL: srv.URL, Index: idx})

	ref, err := c.AddComment(context.Background(), "d-1", "nice")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	entry, ok, _ := idx.Lookup(context.Background(), ref)
	if !ok || entry.Channel != "ideas" {
		t.Errorf("comment entry = %+v ok=%v, want channel ideas", entry, ok)
	}
}

func TestDryRun_NoNetworkSyntheticRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry-run client must not reach the network")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, DryRun: true})
	ref, err := c.CreateDiscussion(context.Background(), "general", "t", "b")
	if err != nil {
		t.Fatalf("CreateDiscussion: %v", err)
	}
	if !strings.HasPrefix(ref, "dry-") {
		t.Errorf("ref = %q, want dry- prefix", ref)
	}

	ref2, _ := c.AddReaction(context.Background(), "d-1", "up")
	if ref == ref2 {
		t.Error("synthetic refs must be unique")
	}
}

func TestDryRun_SyntheticRefReachesIndex(t *testing.T) {
	idx := newTestIndex(t)
	c := New(Config{BaseURL: "http://unreachable.invalid", DryRun: true, Index: idx})

	ref, err := c.CreateDiscussion(context.Background(), "general", "dry title", "b")
	if err != nil {
		t.Fatalf("CreateDiscussion: %v", err)
	}

	e, ok, err := idx.Lookup(context.Background(), ref)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("synthetic ref not recorded in the index")
	}
	if e.Channel != "general" || e.Title != "dry title" {
		t.Errorf("indexed entry = %+v", e)
	}

	// Channel inheritance works for dry comments too.
	cref, err := c.AddComment(context.Background(), ref, "reply")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	ce, ok, _ := idx.Lookup(context.Background(), cref)
	if !ok || ce.Channel != "general" {
		t.Errorf("dry comment entry = %+v ok=%v, want inherited channel", ce, ok)
	}
}

func TestMutation_ErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.CreateDiscussion(context.Background(), "g", "t", "b"); err == nil {
		t.Fatal("want error on 429")
	} else if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry status: %v", err)
	}
}

func TestListDiscussions_CachedWithinTTL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"discussions": []Discussion{{Ref: "d-1", Channel: "general", Title: "first"}},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, CacheTTL: time.Minute})
	for i := 0; i < 3; i++ {
		got, err := c.ListDiscussions(context.Background(), "general")
		if err != nil {
			t.Fatalf("ListDiscussions: %v", err)
		}
		if len(got) != 1 || got[0].Ref != "d-1" {
			t.Fatalf("got = %+v", got)
		}
	}
	if calls != 1 {
		t.Errorf("origin calls = %d, want 1 (cache hit)", calls)
	}
}

func TestReadCache_ExpiryAndEviction(t *testing.T) {
	c := newReadCache(10 * time.Millisecond)
	c.put("k", "v")
	if _, ok := c.get("k"); !ok {
		t.Fatal("fresh entry should hit")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Fatal("expired entry should miss")
	}

	c.put("a", 1)
	c.put("b", 2)
	time.Sleep(20 * time.Millisecond)
	if n := c.evictStale(); n != 2 {
		t.Errorf("evictStale = %d, want 2", n)
	}
}

func TestIndex_ListByChannel(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	for _, e := range []IndexEntry{
		{Ref: "d-1", Kind: "post", Channel: "general", Title: "a"},
		{Ref: "d-2", Kind: "post", Channel: "general", Title: "b"},
		{Ref: "d-3", Kind: "post", Channel: "ideas", Title: "c"},
	} {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	got, err := idx.ListByChannel(ctx, "general", 10)
	if err != nil {
		t.Fatalf("ListByChannel: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestIndex_KVRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if v, err := idx.KVGet(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("KVGet missing: v=%q err=%v", v, err)
	}
	if err := idx.KVSet(ctx, "k", "v1"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	if err := idx.KVSet(ctx, "k", "v2"); err != nil {
		t.Fatalf("KVSet overwrite: %v", err)
	}
	if v, _ := idx.KVGet(ctx, "k"); v != "v2" {
		t.Errorf("KVGet = %q, want v2", v)
	}
}
