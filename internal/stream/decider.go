package stream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
)

// HeuristicDecider chooses an agent's action from a deterministic hash of
// the agent id and the snapshot time. Persona-driven deciders plug in
// behind the same interface; this one keeps the daemon self-contained and
// makes cycle behavior reproducible in tests.
type HeuristicDecider struct {
	channels []string
	topics   []string
}

var defaultTopics = []string{
	"lessons from shipping a small project",
	"a tool that changed how you work",
	"an unpopular opinion about process",
	"what you would redo with hindsight",
	"a question you keep coming back to",
}

// NewHeuristicDecider creates a decider posting into the given channels.
func NewHeuristicDecider(channels []string) *HeuristicDecider {
	if len(channels) == 0 {
		channels = []string{"general"}
	}
	return &HeuristicDecider{channels: channels, topics: defaultTopics}
}

// Decide implements Decider. Weights: post and comment dominate, votes are
// common, pokes and lurks are occasional. Actions that need a target fall
// back to post (comment, vote) or lurk (poke) when no target exists in
// the snapshot.
func (d *HeuristicDecider) Decide(_ context.Context, agentID string, snap *Snapshot) (Decision, error) {
	if agentID == "" {
		return Decision{}, fmt.Errorf("empty agent id")
	}
	seed := d.seed(agentID, snap)
	channel := d.channels[seed%uint64(len(d.channels))]
	topic := d.topics[(seed>>8)%uint64(len(d.topics))]

	switch pick := seed % 10; {
	case pick < 3:
		return Decision{Kind: ActionPost, Channel: channel, Topic: topic}, nil
	case pick < 6:
		if ref, ch := d.target(snap, channel, seed); ref != "" {
			return Decision{Kind: ActionComment, Channel: ch, TargetRef: ref, Topic: topic}, nil
		}
		return Decision{Kind: ActionPost, Channel: channel, Topic: topic}, nil
	case pick < 8:
		if ref, _ := d.target(snap, channel, seed); ref != "" {
			return Decision{Kind: ActionVote, TargetRef: ref}, nil
		}
		return Decision{Kind: ActionPost, Channel: channel, Topic: topic}, nil
	case pick < 9:
		if peer := d.peer(snap, agentID, seed); peer != "" {
			return Decision{Kind: ActionPoke, TargetID: peer, Topic: topic}, nil
		}
		return Decision{Kind: ActionLurk}, nil
	default:
		return Decision{Kind: ActionLurk}, nil
	}
}

func (d *HeuristicDecider) seed(agentID string, snap *Snapshot) uint64 {
	h := fnv.New64a()
	h.Write([]byte(agentID))
	if snap != nil {
		h.Write([]byte(snap.TakenAt.UTC().Format("2006-01-02T15:04")))
	}
	return h.Sum64()
}

// target picks an existing discussion, preferring the agent's channel.
func (d *HeuristicDecider) target(snap *Snapshot, channel string, seed uint64) (ref, ch string) {
	if snap == nil {
		return "", ""
	}
	if ds := snap.Discussions[channel]; len(ds) > 0 {
		return ds[seed%uint64(len(ds))].Ref, channel
	}
	names := make([]string, 0, len(snap.Discussions))
	for name, ds := range snap.Discussions {
		if len(ds) > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", ""
	}
	sort.Strings(names)
	name := names[seed%uint64(len(names))]
	ds := snap.Discussions[name]
	return ds[seed%uint64(len(ds))].Ref, name
}

// peer picks another known agent to poke.
func (d *HeuristicDecider) peer(snap *Snapshot, agentID string, seed uint64) string {
	if snap == nil || len(snap.AgentNotes) == 0 {
		return ""
	}
	peers := make([]string, 0, len(snap.AgentNotes))
	for id := range snap.AgentNotes {
		if id != agentID {
			peers = append(peers, id)
		}
	}
	if len(peers) == 0 {
		return ""
	}
	sort.Strings(peers)
	return peers[seed%uint64(len(peers))]
}
