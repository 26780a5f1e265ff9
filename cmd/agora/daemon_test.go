package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/quorumlabs/agora/internal/forum"
	"github.com/quorumlabs/agora/internal/ledger"
	"github.com/quorumlabs/agora/internal/stream"
)

func TestBuildSnapshotFingerprintsLoggedBodies(t *testing.T) {
	lg, err := ledger.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	now := time.Now().UTC()
	lg.AppendAction(ledger.LogEntry{
		Ref:         "d-1",
		Kind:        "post",
		AgentID:     "a1",
		Title:       "a trimmed post title",
		ContentHash: stream.Fingerprint("the full post body, longer than its title"),
		CreatedAt:   now,
	})
	lg.AppendAction(ledger.LogEntry{
		Ref:         "c-1",
		Kind:        "comment",
		AgentID:     "a2",
		ContentHash: stream.Fingerprint("a comment has no title at all"),
		CreatedAt:   now,
	})

	fc := forum.New(forum.Config{BaseURL: "http://unreachable.invalid"})
	snap := buildSnapshot(context.Background(), lg, fc, nil, slog.Default())

	for _, text := range []string{
		"a trimmed post title",
		"the full post body, longer than its title",
		"a comment has no title at all",
	} {
		if !snap.HasFingerprint(text) {
			t.Errorf("snapshot missing fingerprint for %q", text)
		}
	}
}
