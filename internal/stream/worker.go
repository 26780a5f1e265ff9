package stream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quorumlabs/agora/internal/forum"
	"github.com/quorumlabs/agora/internal/inference"
	"github.com/quorumlabs/agora/internal/pacer"
)

// ActionKind is the closed set of actions an agent can take in a cycle.
type ActionKind string

const (
	ActionPost    ActionKind = "post"
	ActionComment ActionKind = "comment"
	ActionVote    ActionKind = "vote"
	ActionPoke    ActionKind = "poke"
	ActionLurk    ActionKind = "lurk"
)

// Status is the outcome of one agent's action.
type Status string

const (
	StatusOK     Status = "ok"
	StatusDryRun Status = "dry_run"
	StatusSkip   Status = "skipped"
	StatusError  Status = "error"
)

// Decision is what an agent chose to do this cycle, before generation.
type Decision struct {
	Kind      ActionKind
	Channel   string     // post
	TargetRef string     // comment, vote
	TargetID  string     // poke: the addressed agent
	Topic     string     // prompt seed for generation
}

// Decider picks an action for an agent from the cycle snapshot. Deciders
// must be safe for concurrent use; they see only read-only state.
type Decider interface {
	Decide(ctx context.Context, agentID string, snap *Snapshot) (Decision, error)
}

// Result is one agent's completed action, consumed exactly once by the
// reconciler.
type Result struct {
	AgentID    string
	Kind       ActionKind
	Status     Status
	Ref        string // external resource reference, empty for lurk/poke/error
	Channel    string
	Title      string
	TargetRef  string
	TargetID   string
	Reflection string
	// ContentHash fingerprints the generated body so later cycles can
	// dedup against comments and posts alike, not just titles. Zero for
	// actions that carry no text.
	ContentHash uint64
	Err         string
}

// Snapshot is the read-only context shared by all workers in a cycle. It
// is built once before the streams start and never mutated mid-cycle.
type Snapshot struct {
	TakenAt      time.Time
	Discussions  map[string][]forum.Discussion // channel -> recent discussions
	AgentNotes   map[string][]string           // agent id -> persisted notes
	Fingerprints map[uint64]bool               // recent content fingerprints
}

// HasFingerprint reports whether text collides with recent history.
func (s *Snapshot) HasFingerprint(text string) bool {
	if s == nil || s.Fingerprints == nil {
		return false
	}
	return s.Fingerprints[Fingerprint(text)]
}

// Fingerprint hashes content for recent-history dedup.
func Fingerprint(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}

// Worker runs one stream's share of agents sequentially.
type Worker struct {
	id      int
	decider Decider
	gateway *inference.Gateway
	forum   *forum.Client
	pacer   *pacer.Pacer
	logger  *slog.Logger
}

// NewWorker creates a worker for one stream.
func NewWorker(id int, decider Decider, gw *inference.Gateway, fc *forum.Client, p *pacer.Pacer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{id: id, decider: decider, gateway: gw, forum: fc, pacer: p, logger: logger.With("stream", id)}
}

// Run processes the assigned agents in order and returns one result per
// agent processed. The stop flag is checked between agents, never
// mid-action, so an in-flight action always completes before a requested
// shutdown takes effect.
func (w *Worker) Run(ctx context.Context, agentIDs []string, snap *Snapshot, stop *atomic.Bool) []Result {
	results := make([]Result, 0, len(agentIDs))
	for _, id := range agentIDs {
		if stop != nil && stop.Load() {
			w.logger.Info("stop requested, leaving remaining agents for next cycle", "remaining", len(agentIDs)-len(results))
			break
		}
		results = append(results, w.runAgent(ctx, id, snap))
	}
	return results
}

// runAgent executes one agent's full decide/generate/execute pass. Panics
// and errors become an error result so one agent can never abort the rest
// of the stream.
func (w *Worker) runAgent(ctx context.Context, agentID string, snap *Snapshot) (res Result) {
	res = Result{AgentID: agentID, Status: StatusError}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("agent action panicked", "agent", agentID, "panic", r)
			res = Result{AgentID: agentID, Kind: res.Kind, Status: StatusError, Err: fmt.Sprintf("panic: %v", r)}
		}
	}()

	dec, err := w.decider.Decide(ctx, agentID, snap)
	if err != nil {
		res.Err = fmt.Sprintf("decide: %v", err)
		return res
	}
	res.Kind = dec.Kind
	res.Channel = dec.Channel
	res.TargetRef = dec.TargetRef
	res.TargetID = dec.TargetID

	switch dec.Kind {
	case ActionLurk:
		res.Status = StatusOK
		res.Reflection = "observed the discussions without acting"
		return res
	case ActionPoke:
		// Poke is ledger-only; no forum mutation, no pacing.
		res.Status = StatusOK
		res.Reflection = fmt.Sprintf("poked %s", dec.TargetID)
		return res
	}

	text, status := w.generate(ctx, agentID, dec, snap)
	if status == StatusSkip {
		res.Status = StatusSkip
		res.Reflection = "generated content duplicated recent history"
		return res
	}

	ref, err := w.execute(ctx, dec, text)
	if err != nil {
		res.Err = fmt.Sprintf("execute %s: %v", dec.Kind, err)
		return res
	}
	res.Ref = ref
	res.Title = title(dec, text)
	if text != "" {
		res.ContentHash = Fingerprint(text)
	}
	if w.forum.DryRun() {
		res.Status = StatusDryRun
	} else {
		res.Status = StatusOK
	}
	res.Reflection = fmt.Sprintf("%s in %s", dec.Kind, dec.Channel)
	return res
}

// generate produces the action's content, retrying once on a fingerprint
// collision and giving up with a skip after the second.
func (w *Worker) generate(ctx context.Context, agentID string, dec Decision, snap *Snapshot) (string, Status) {
	if dec.Kind == ActionVote {
		return "", StatusOK // votes carry no generated text
	}

	req := inference.Request{
		System:      fmt.Sprintf("You are forum participant %s. Write a short %s.", agentID, dec.Kind),
		User:        dec.Topic,
		MaxTokens:   400,
		Temperature: 0.9,
	}
	text := w.gateway.Generate(ctx, req).Text
	if !snap.HasFingerprint(text) {
		return text, StatusOK
	}

	w.logger.Info("content collided with recent history, regenerating", "agent", agentID)
	req.User = dec.Topic + " (take a different angle)"
	text = w.gateway.Generate(ctx, req).Text
	if snap.HasFingerprint(text) {
		return "", StatusSkip
	}
	return text, StatusOK
}

// execute performs the forum mutation. The pacer slot is acquired
// immediately before the call and only for live mutations. The slot is
// released only when the request provably never left the process: a call
// that reached the platform consumed rate allowance whether it succeeded
// or not, so its slot stays spent.
func (w *Worker) execute(ctx context.Context, dec Decision, text string) (string, error) {
	if !w.forum.DryRun() {
		if err := w.pacer.Acquire(ctx); err != nil {
			return "", err
		}
	}

	var ref string
	var err error
	switch dec.Kind {
	case ActionPost:
		ref, err = w.forum.CreateDiscussion(ctx, dec.Channel, title(dec, text), text)
	case ActionComment:
		ref, err = w.forum.AddComment(ctx, dec.TargetRef, text)
	case ActionVote:
		ref, err = w.forum.AddReaction(ctx, dec.TargetRef, "upvote")
	default:
		return "", fmt.Errorf("unexecutable action kind %q", dec.Kind)
	}
	if err != nil && !w.forum.DryRun() && errors.Is(err, forum.ErrRequestNotSent) {
		w.pacer.ReleaseNow()
	}
	return ref, err
}

func title(dec Decision, text string) string {
	if dec.Kind != ActionPost {
		return ""
	}
	if len(text) > 60 {
		return text[:60]
	}
	if text == "" {
		return dec.Topic
	}
	return text
}
