package ledger

import "fmt"

// Verify recomputes total, per-channel, and per-agent aggregates from the
// append-only action log and compares them against the stored documents.
// It returns one description per mismatch; an empty slice means the ledger
// is consistent. Verify never mutates anything and never panics — the log
// is the ground truth, the documents are the derived view.
func (l *Ledger) Verify() []string {
	var problems []string

	totalPosts := 0
	totalComments := 0
	totalVotes := 0
	chanPosts := make(map[string]int)
	chanComments := make(map[string]int)
	agentPosts := make(map[string]int)
	agentComments := make(map[string]int)
	agentKarma := make(map[string]int)

	for _, e := range l.Log.Entries {
		switch e.Kind {
		case "post":
			totalPosts++
			chanPosts[e.Channel]++
			agentPosts[e.AgentID]++
		case "comment":
			totalComments++
			chanComments[e.Channel]++
			agentComments[e.AgentID]++
		case "vote":
			totalVotes++
			agentKarma[e.Target]++
		}
	}

	if l.Stats.TotalPosts != totalPosts {
		problems = append(problems, fmt.Sprintf("stats: total_posts=%d but log has %d post entries", l.Stats.TotalPosts, totalPosts))
	}
	if l.Stats.TotalComments != totalComments {
		problems = append(problems, fmt.Sprintf("stats: total_comments=%d but log has %d comment entries", l.Stats.TotalComments, totalComments))
	}
	if l.Stats.TotalVotes != totalVotes {
		problems = append(problems, fmt.Sprintf("stats: total_votes=%d but log has %d vote entries", l.Stats.TotalVotes, totalVotes))
	}

	for name, ch := range l.Channels.Channels {
		if ch.Posts != chanPosts[name] {
			problems = append(problems, fmt.Sprintf("channel %s: posts=%d but log has %d", name, ch.Posts, chanPosts[name]))
		}
		if ch.Comments != chanComments[name] {
			problems = append(problems, fmt.Sprintf("channel %s: comments=%d but log has %d", name, ch.Comments, chanComments[name]))
		}
	}
	// Channels present in the log but missing from the document.
	for name := range chanPosts {
		if _, ok := l.Channels.Channels[name]; !ok {
			problems = append(problems, fmt.Sprintf("channel %s: %d post entries in log but no channel record", name, chanPosts[name]))
		}
	}

	for id, a := range l.Agents.Agents {
		if a.Counters.Posts != agentPosts[id] {
			problems = append(problems, fmt.Sprintf("agent %s: posts=%d but log has %d", id, a.Counters.Posts, agentPosts[id]))
		}
		if a.Counters.Comments != agentComments[id] {
			problems = append(problems, fmt.Sprintf("agent %s: comments=%d but log has %d", id, a.Counters.Comments, agentComments[id]))
		}
		if a.Counters.Karma != agentKarma[id] {
			problems = append(problems, fmt.Sprintf("agent %s: karma=%d but log has %d vote entries", id, a.Counters.Karma, agentKarma[id]))
		}
	}
	for id := range agentPosts {
		if _, ok := l.Agents.Agents[id]; !ok {
			problems = append(problems, fmt.Sprintf("agent %s: %d post entries in log but no agent record", id, agentPosts[id]))
		}
	}

	return problems
}

// RecomputeKarma rebuilds every agent's karma counter from the vote entries
// in the action log. Karma is the one counter that is only safe to fully
// recompute: votes arrive through both the batch and the delta paths.
func (l *Ledger) RecomputeKarma() {
	karma := make(map[string]int)
	for _, e := range l.Log.Entries {
		if e.Kind == "vote" {
			karma[e.Target]++
		}
	}
	changed := false
	for id, a := range l.Agents.Agents {
		if a.Counters.Karma != karma[id] {
			a.Counters.Karma = karma[id]
			changed = true
		}
	}
	if changed {
		l.MarkDirty(FileAgents)
	}
}
