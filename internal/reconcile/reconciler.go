// Package reconcile applies a cycle's action results to the ledger. The
// Reconciler is the sole ledger writer during a batch cycle and runs only
// after every stream worker has joined, so no file-level locking is needed.
package reconcile

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/quorumlabs/agora/internal/ledger"
	"github.com/quorumlabs/agora/internal/stream"
)

// Summary is the per-cycle outcome report.
type Summary struct {
	OK            int
	DryRun        int
	Skipped       int
	Errors        int
	DuplicateRefs int
	// Staged lists the ledger documents this cycle actually modified,
	// captured before Save clears the dirty set. It is the stage list for
	// the commit/sync step; nil after a dry cycle.
	Staged []string
}

func (s Summary) String() string {
	return fmt.Sprintf("ok=%d dry_run=%d skipped=%d errors=%d duplicate_refs=%d",
		s.OK, s.DryRun, s.Skipped, s.Errors, s.DuplicateRefs)
}

// Reconciler folds action results into ledger documents, writing each
// touched document once at the end of the batch.
type Reconciler struct {
	ledger       *ledger.Ledger
	dormantAfter time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a reconciler over the given ledger. dormantAfter is the
// silence threshold for the post-batch dormancy sweep; zero disables it.
func New(l *ledger.Ledger, dormantAfter time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{ledger: l, dormantAfter: dormantAfter, logger: logger, now: time.Now}
}

// Apply folds every result, in input order, into the ledger and persists
// the touched documents. When dryRun is set the effects stay in memory and
// nothing is written to disk, so a dry cycle is side-effect-free end to
// end. In a live cycle, results with dry_run status are counted in the
// summary but never applied.
func (r *Reconciler) Apply(results []stream.Result, dryRun bool) (Summary, error) {
	var sum Summary
	now := r.now()

	for _, res := range results {
		switch res.Status {
		case stream.StatusOK:
			if r.applyResult(res, now, &sum) {
				sum.OK++
			}
		case stream.StatusDryRun:
			if dryRun {
				if r.applyResult(res, now, &sum) {
					sum.DryRun++
				}
			} else {
				// A stray dry-run result in a live cycle carries a
				// synthetic ref; it must never reach the documents.
				sum.DryRun++
			}
		case stream.StatusSkip:
			sum.Skipped++
		default:
			sum.Errors++
			r.logger.Warn("agent action failed", "agent", res.AgentID, "kind", string(res.Kind), "error", res.Err)
		}
	}

	if r.dormantAfter > 0 {
		if n := r.ledger.SweepDormant(r.dormantAfter, now); n > 0 {
			r.logger.Info("agents marked dormant", "count", n)
		}
	}

	if dryRun {
		r.logger.Info("dry run, skipping ledger save", "summary", sum.String())
		return sum, nil
	}
	sum.Staged = r.ledger.DirtyPaths()
	if err := r.ledger.Save(); err != nil {
		return sum, fmt.Errorf("save ledger: %w", err)
	}
	return sum, nil
}

// applyResult mutates the documents for one ok/dry_run result. Returns
// false when the result's ref was already logged, in which case nothing
// is counted twice.
func (r *Reconciler) applyResult(res stream.Result, now time.Time, sum *Summary) bool {
	agent := r.ledger.EnsureAgent(res.AgentID)
	agent.LastSeen = now
	if agent.State == ledger.AgentDormant {
		agent.State = ledger.AgentActive
	}
	r.ledger.MarkDirty(ledger.FileAgents)

	switch res.Kind {
	case stream.ActionLurk:
		r.ledger.AddNote(res.AgentID, res.Reflection)
		return true

	case stream.ActionPoke:
		r.ledger.AddPoke(res.AgentID, res.TargetID, res.Reflection, now)
		r.ledger.AddNotification(res.TargetID, "poke", fmt.Sprintf("%s poked you", res.AgentID), now)
		r.ledger.AddNote(res.AgentID, res.Reflection)
		return true
	}

	// Externally-visible actions are keyed by their resource reference.
	appended := r.ledger.AppendAction(ledger.LogEntry{
		Ref:         res.Ref,
		Kind:        string(res.Kind),
		AgentID:     res.AgentID,
		Target:      res.TargetID,
		Channel:     res.Channel,
		Title:       res.Title,
		ContentHash: res.ContentHash,
		CreatedAt:   now,
	})
	if !appended {
		sum.DuplicateRefs++
		r.logger.Warn("duplicate resource reference, skipping", "ref", res.Ref, "agent", res.AgentID)
		return false
	}

	stats := r.ledger.Stats
	switch res.Kind {
	case stream.ActionPost:
		agent.Counters.Posts++
		ch := r.ledger.EnsureChannel(res.Channel)
		ch.Posts++
		ch.LastPostAt = now
		r.ledger.MarkDirty(ledger.FileChannels)
		stats.TotalPosts++
	case stream.ActionComment:
		agent.Counters.Comments++
		if res.Channel != "" {
			r.ledger.EnsureChannel(res.Channel).Comments++
			r.ledger.MarkDirty(ledger.FileChannels)
		}
		stats.TotalComments++
	case stream.ActionVote:
		stats.TotalVotes++
		if res.TargetID != "" {
			target := r.ledger.EnsureAgent(res.TargetID)
			target.Counters.Karma++
		}
	}
	stats.LastCycleAt = now
	r.ledger.MarkDirty(ledger.FileStats)

	r.ledger.AddNote(res.AgentID, res.Reflection)
	return true
}
