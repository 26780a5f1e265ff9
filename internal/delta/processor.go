// Package delta applies externally submitted action requests to the ledger.
// It is the second ledger writer, never running concurrently with the batch
// reconciler: both are driven serially by the outer cycle loop. Deltas are
// consumed at most once; a failed delta is discarded with the error
// recorded and never retried here.
package delta

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quorumlabs/agora/internal/ledger"
)

// Kind is the closed set of delta kinds.
type Kind string

const (
	KindHeartbeat Kind = "heartbeat"
	KindVote      Kind = "vote"
	KindPoke      Kind = "poke"
	KindFlag      Kind = "flag"
)

// DefaultActorCap is the per-actor quota of deltas applied per batch.
const DefaultActorCap = 10

// Delta is one validated submission.
type Delta struct {
	Kind      Kind      `json:"kind"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
	Args      Args      `json:"args"`
}

// Args carries the kind-specific arguments.
type Args struct {
	TargetRef string `json:"target_ref,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BatchSummary reports one inbox batch.
type BatchSummary struct {
	Applied   int
	Invalid   int
	OverQuota int
	Errors    int
	Pruned    int
	// Staged lists the ledger documents the batch modified, captured
	// before Save clears the dirty set. Feeds the commit/sync stage list.
	Staged []string
}

func (s BatchSummary) String() string {
	return fmt.Sprintf("applied=%d invalid=%d over_quota=%d errors=%d pruned=%d",
		s.Applied, s.Invalid, s.OverQuota, s.Errors, s.Pruned)
}

// Processor validates and applies deltas from an inbox directory.
type Processor struct {
	ledger    *ledger.Ledger
	schema    *jsonschema.Schema
	actorCap  int
	retention ledger.Retention
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor compiles the delta schema and builds a processor.
func NewProcessor(l *ledger.Ledger, actorCap int, retention ledger.Retention, logger *slog.Logger) (*Processor, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(deltaSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal delta schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("delta.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("delta.json")
	if err != nil {
		return nil, fmt.Errorf("compile delta schema: %w", err)
	}
	if actorCap <= 0 {
		actorCap = DefaultActorCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		ledger:    l,
		schema:    schema,
		actorCap:  actorCap,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// ProcessInbox applies every pending delta file from dir in arrival order
// (lexicographic file name, submitters use sortable names), then prunes
// aged collections, recomputes karma from the log, and persists every
// touched document once. Each file is removed immediately after it is
// read, whatever the outcome.
func (p *Processor) ProcessInbox(dir string) (BatchSummary, error) {
	var sum BatchSummary

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return sum, nil
		}
		return sum, fmt.Errorf("read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	perActor := make(map[string]int)
	now := p.now()
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		// Consume first: at-most-once, redelivery is the submitter's problem.
		if rmErr := os.Remove(path); rmErr != nil {
			p.logger.Warn("delta inbox: remove failed", "file", name, "error", rmErr)
		}
		if err != nil {
			sum.Errors++
			continue
		}

		d, err := p.validate(raw)
		if err != nil {
			sum.Invalid++
			p.logger.Warn("delta discarded: invalid", "file", name, "error", err)
			continue
		}
		if perActor[d.ActorID] >= p.actorCap {
			sum.OverQuota++
			p.logger.Warn("delta discarded: actor over quota", "actor", d.ActorID, "cap", p.actorCap)
			continue
		}
		perActor[d.ActorID]++

		if err := p.apply(d, now); err != nil {
			sum.Errors++
			p.logger.Warn("delta discarded: handler failed", "actor", d.ActorID, "kind", string(d.Kind), "error", err)
			continue
		}
		sum.Applied++
	}

	sum.Pruned = p.ledger.Prune(p.retention, now)
	p.ledger.RecomputeKarma()
	sum.Staged = p.ledger.DirtyPaths()
	if err := p.ledger.Save(); err != nil {
		return sum, fmt.Errorf("save ledger: %w", err)
	}
	return sum, nil
}

// validate parses raw bytes against the delta schema and decodes the result.
func (p *Processor) validate(raw []byte) (Delta, error) {
	var d Delta
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return d, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := p.schema.Validate(parsed); err != nil {
		return d, fmt.Errorf("schema validation failed: %w", err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("decode delta: %w", err)
	}
	switch d.Kind {
	case KindVote:
		if d.Args.TargetRef == "" && d.Args.TargetID == "" {
			return d, fmt.Errorf("vote delta needs a target")
		}
	case KindPoke:
		if d.Args.TargetID == "" {
			return d, fmt.Errorf("poke delta needs target_id")
		}
	case KindFlag:
		if d.Args.TargetRef == "" {
			return d, fmt.Errorf("flag delta needs target_ref")
		}
	}
	return d, nil
}

// apply dispatches one delta. The switch is exhaustive over Kind; the
// schema guarantees no other value reaches it.
func (p *Processor) apply(d Delta, now time.Time) error {
	actor := p.ledger.EnsureAgent(d.ActorID)

	// Every successful delta gets one change-log entry. Deltas have no
	// platform-assigned ref, so they are keyed by a generated one.
	entry := ledger.LogEntry{
		Ref:       "delta:" + uuid.NewString(),
		Kind:      string(d.Kind),
		AgentID:   d.ActorID,
		CreatedAt: now,
	}

	switch d.Kind {
	case KindHeartbeat:
		actor.LastSeen = now
		if actor.State == ledger.AgentDormant {
			actor.State = ledger.AgentActive
			p.logger.Info("agent revived by heartbeat", "agent", d.ActorID)
		}
		p.ledger.MarkDirty(ledger.FileAgents)

	case KindVote:
		entry.Target = d.Args.TargetID
		p.ledger.Stats.TotalVotes++
		p.ledger.MarkDirty(ledger.FileStats)
		if d.Args.TargetID != "" {
			p.ledger.AddNotification(d.Args.TargetID, "vote", fmt.Sprintf("%s upvoted you", d.ActorID), now)
		}

	case KindPoke:
		entry.Target = d.Args.TargetID
		p.ledger.AddPoke(d.ActorID, d.Args.TargetID, d.Args.Message, now)
		p.ledger.AddNotification(d.Args.TargetID, "poke", fmt.Sprintf("%s poked you", d.ActorID), now)

	case KindFlag:
		p.ledger.AddFlag(d.ActorID, d.Args.TargetRef, d.Args.Reason, now)

	default:
		return fmt.Errorf("unhandled delta kind %q", d.Kind)
	}

	if !p.ledger.AppendAction(entry) {
		return fmt.Errorf("change-log append refused for %s", entry.Ref)
	}
	return nil
}
