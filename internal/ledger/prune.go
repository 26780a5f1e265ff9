package ledger

import "time"

// Retention holds the maximum ages for the append-only social collections.
// A zero duration keeps that collection forever.
type Retention struct {
	Pokes         time.Duration
	Flags         time.Duration
	Notifications time.Duration
}

// Prune drops aged entries from the pokes, flags, and notifications
// collections and returns the number removed. The action log itself is
// never pruned — it is the ground truth the Verifier counts against.
func (l *Ledger) Prune(r Retention, now time.Time) int {
	removed := 0

	if r.Pokes > 0 {
		cutoff := now.Add(-r.Pokes)
		kept := l.Pokes.Pokes[:0]
		for _, p := range l.Pokes.Pokes {
			if p.CreatedAt.After(cutoff) {
				kept = append(kept, p)
			}
		}
		if len(kept) != len(l.Pokes.Pokes) {
			removed += len(l.Pokes.Pokes) - len(kept)
			l.Pokes.Pokes = kept
			l.MarkDirty(FilePokes)
		}
	}

	if r.Flags > 0 {
		cutoff := now.Add(-r.Flags)
		kept := l.Flags.Flags[:0]
		for _, f := range l.Flags.Flags {
			if f.CreatedAt.After(cutoff) {
				kept = append(kept, f)
			}
		}
		if len(kept) != len(l.Flags.Flags) {
			removed += len(l.Flags.Flags) - len(kept)
			l.Flags.Flags = kept
			l.MarkDirty(FileFlags)
		}
	}

	if r.Notifications > 0 {
		cutoff := now.Add(-r.Notifications)
		kept := l.Notifications.Items[:0]
		for _, n := range l.Notifications.Items {
			if n.CreatedAt.After(cutoff) {
				kept = append(kept, n)
			}
		}
		if len(kept) != len(l.Notifications.Items) {
			removed += len(l.Notifications.Items) - len(kept)
			l.Notifications.Items = kept
			l.MarkDirty(FileNotifications)
		}
	}

	return removed
}

// SweepDormant moves agents silent for longer than threshold to dormant and
// returns how many transitioned. Agents are never deleted.
func (l *Ledger) SweepDormant(threshold time.Duration, now time.Time) int {
	if threshold <= 0 {
		return 0
	}
	cutoff := now.Add(-threshold)
	n := 0
	for _, a := range l.Agents.Agents {
		if a.State == AgentActive && a.LastSeen.Before(cutoff) {
			a.State = AgentDormant
			n++
		}
	}
	if n > 0 {
		l.MarkDirty(FileAgents)
	}
	return n
}
