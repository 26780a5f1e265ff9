package stream

import (
	"context"
	"testing"
	"time"

	"github.com/quorumlabs/agora/internal/forum"
)

func TestHeuristicDeciderDeterministic(t *testing.T) {
	d := NewHeuristicDecider([]string{"general", "ideas"})
	snap := &Snapshot{TakenAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	first, err := d.Decide(context.Background(), "ada", snap)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	second, err := d.Decide(context.Background(), "ada", snap)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if first != second {
		t.Fatalf("same agent and snapshot produced %+v then %+v", first, second)
	}
}

func TestHeuristicDeciderNoTargetFallsBack(t *testing.T) {
	d := NewHeuristicDecider([]string{"general"})
	snap := &Snapshot{TakenAt: time.Now()}

	// With no discussions and no peers, every decision must be
	// self-sufficient: post or lurk, never a dangling comment/vote/poke.
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		dec, err := d.Decide(context.Background(), id, snap)
		if err != nil {
			t.Fatalf("decide %s: %v", id, err)
		}
		switch dec.Kind {
		case ActionPost, ActionLurk:
		default:
			t.Fatalf("agent %s: kind %s with empty snapshot", id, dec.Kind)
		}
		if dec.Kind == ActionPost && dec.Channel == "" {
			t.Fatalf("agent %s: post without channel", id)
		}
	}
}

func TestHeuristicDeciderUsesSnapshotTargets(t *testing.T) {
	d := NewHeuristicDecider([]string{"general"})
	snap := &Snapshot{
		TakenAt: time.Now(),
		Discussions: map[string][]forum.Discussion{
			"general": {{Ref: "disc-1", Channel: "general", Title: "hello"}},
		},
		AgentNotes: map[string][]string{"ada": nil, "lin": nil},
	}

	sawTargeted := false
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n", "o", "p"} {
		dec, err := d.Decide(context.Background(), id, snap)
		if err != nil {
			t.Fatalf("decide %s: %v", id, err)
		}
		switch dec.Kind {
		case ActionComment, ActionVote:
			if dec.TargetRef != "disc-1" {
				t.Fatalf("agent %s: %s targeting %q", id, dec.Kind, dec.TargetRef)
			}
			sawTargeted = true
		case ActionPoke:
			if dec.TargetID != "ada" && dec.TargetID != "lin" {
				t.Fatalf("agent %s: poke targeting %q", id, dec.TargetID)
			}
		}
	}
	if !sawTargeted {
		t.Fatal("no comment or vote decision across 16 agents")
	}
}

func TestHeuristicDeciderEmptyAgentID(t *testing.T) {
	d := NewHeuristicDecider(nil)
	if _, err := d.Decide(context.Background(), "", &Snapshot{}); err == nil {
		t.Fatal("expected error for empty agent id")
	}
}
