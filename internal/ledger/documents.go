// Package ledger owns the structured documents that form the system of
// record: agents, channels, stats, the append-only action log, and the
// social collections (pokes, flags, notifications). Each document is one
// JSON file carrying a _meta envelope with count and last_updated. Write
// access is confined to the Reconciler and the Delta Processor; workers
// only ever see read-only copies.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	FileAgents        = "agents.json"
	FileChannels      = "channels.json"
	FileStats         = "stats.json"
	FileActionLog     = "action_log.json"
	FilePokes         = "pokes.json"
	FileFlags         = "flags.json"
	FileNotifications = "notifications.json"
)

// maxAgentNotes caps the per-agent note history kept in the agents document.
const maxAgentNotes = 50

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	AgentActive  AgentState = "active"
	AgentDormant AgentState = "dormant"
)

// Meta is the envelope every document carries.
type Meta struct {
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Counters holds the derived per-agent aggregates. Every value here must
// reconcile against a fresh count from the action log (see Verify).
type Counters struct {
	Posts    int `json:"posts"`
	Comments int `json:"comments"`
	Karma    int `json:"karma"`
}

// Agent is one registered agent. Agents are never deleted; silence moves
// them to dormant and the next heartbeat moves them back.
type Agent struct {
	ID        string     `json:"id"`
	State     AgentState `json:"state"`
	LastSeen  time.Time  `json:"last_seen"`
	Counters  Counters   `json:"counters"`
	Notes     []string   `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type AgentsDoc struct {
	Meta   Meta              `json:"_meta"`
	Agents map[string]*Agent `json:"agents"`
}

type Channel struct {
	Name       string    `json:"name"`
	Posts      int       `json:"posts"`
	Comments   int       `json:"comments"`
	LastPostAt time.Time `json:"last_post_at"`
}

type ChannelsDoc struct {
	Meta     Meta                `json:"_meta"`
	Channels map[string]*Channel `json:"channels"`
}

type StatsDoc struct {
	Meta          Meta      `json:"_meta"`
	TotalPosts    int       `json:"total_posts"`
	TotalComments int       `json:"total_comments"`
	TotalVotes    int       `json:"total_votes"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
}

// LogEntry is one row of the append-only action log, keyed by the external
// resource reference the forum platform assigned. The Ref is the
// idempotency key: a ref is never logged twice.
type LogEntry struct {
	Ref     string `json:"ref"`
	Kind    string `json:"kind"`
	AgentID string `json:"agent_id"`
	Target  string `json:"target,omitempty"`
	Channel string `json:"channel,omitempty"`
	Title   string `json:"title,omitempty"`
	// ContentHash fingerprints the entry's generated body; zero when the
	// action carried no text.
	ContentHash uint64    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ActionLogDoc struct {
	Meta    Meta       `json:"_meta"`
	Entries []LogEntry `json:"entries"`
}

type Poke struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type PokesDoc struct {
	Meta  Meta   `json:"_meta"`
	Pokes []Poke `json:"pokes"`
}

type Flag struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Ref       string    `json:"ref"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type FlagsDoc struct {
	Meta  Meta   `json:"_meta"`
	Flags []Flag `json:"flags"`
}

type Notification struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationsDoc struct {
	Meta  Meta           `json:"_meta"`
	Items []Notification `json:"items"`
}

// Ledger is the loaded set of documents plus dirty-tracking so each
// modified document is written exactly once per batch.
type Ledger struct {
	dir string

	Agents        *AgentsDoc
	Channels      *ChannelsDoc
	Stats         *StatsDoc
	Log           *ActionLogDoc
	Pokes         *PokesDoc
	Flags         *FlagsDoc
	Notifications *NotificationsDoc

	refs  map[string]bool
	dirty map[string]bool
}

// Load reads every document from dir, filling defaults for missing files
// and missing fields so older ledgers load cleanly.
func Load(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	l := &Ledger{
		dir:           dir,
		Agents:        &AgentsDoc{},
		Channels:      &ChannelsDoc{},
		Stats:         &StatsDoc{},
		Log:           &ActionLogDoc{},
		Pokes:         &PokesDoc{},
		Flags:         &FlagsDoc{},
		Notifications: &NotificationsDoc{},
		refs:          make(map[string]bool),
		dirty:         make(map[string]bool),
	}

	loads := []struct {
		name string
		doc  any
	}{
		{FileAgents, l.Agents},
		{FileChannels, l.Channels},
		{FileStats, l.Stats},
		{FileActionLog, l.Log},
		{FilePokes, l.Pokes},
		{FileFlags, l.Flags},
		{FileNotifications, l.Notifications},
	}
	for _, ld := range loads {
		if err := readDocument(filepath.Join(dir, ld.name), ld.doc); err != nil {
			return nil, fmt.Errorf("load %s: %w", ld.name, err)
		}
	}
	l.fillDefaults()

	for _, e := range l.Log.Entries {
		l.refs[e.Ref] = true
	}
	return l, nil
}

// Dir returns the ledger directory.
func (l *Ledger) Dir() string { return l.dir }

// fillDefaults is the explicit migration/default-fill step: nil maps become
// empty maps and agents missing a lifecycle state become active.
func (l *Ledger) fillDefaults() {
	if l.Agents.Agents == nil {
		l.Agents.Agents = make(map[string]*Agent)
	}
	if l.Channels.Channels == nil {
		l.Channels.Channels = make(map[string]*Channel)
	}
	for id, a := range l.Agents.Agents {
		if a.ID == "" {
			a.ID = id
		}
		if a.State == "" {
			a.State = AgentActive
		}
	}
	for name, ch := range l.Channels.Channels {
		if ch.Name == "" {
			ch.Name = name
		}
	}
}

// HasRef reports whether the external resource reference is already logged.
func (l *Ledger) HasRef(ref string) bool {
	return l.refs[ref]
}

// AppendAction appends one log entry keyed by its external resource
// reference. It is idempotent: a ref already present is skipped and the
// call returns false.
func (l *Ledger) AppendAction(e LogEntry) bool {
	if e.Ref == "" || l.refs[e.Ref] {
		return false
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	l.Log.Entries = append(l.Log.Entries, e)
	l.refs[e.Ref] = true
	l.MarkDirty(FileActionLog)
	return true
}

// EnsureAgent returns the agent record for id, registering it when absent.
func (l *Ledger) EnsureAgent(id string) *Agent {
	if a, ok := l.Agents.Agents[id]; ok {
		return a
	}
	a := &Agent{
		ID:        id,
		State:     AgentActive,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	l.Agents.Agents[id] = a
	l.MarkDirty(FileAgents)
	return a
}

// EnsureChannel returns the channel record for name, creating it when absent.
func (l *Ledger) EnsureChannel(name string) *Channel {
	if ch, ok := l.Channels.Channels[name]; ok {
		return ch
	}
	ch := &Channel{Name: name}
	l.Channels.Channels[name] = ch
	l.MarkDirty(FileChannels)
	return ch
}

// AddNote appends a note to the agent's persisted history, keeping the tail.
func (l *Ledger) AddNote(agentID, note string) {
	a := l.EnsureAgent(agentID)
	a.Notes = append(a.Notes, note)
	if len(a.Notes) > maxAgentNotes {
		a.Notes = a.Notes[len(a.Notes)-maxAgentNotes:]
	}
	l.MarkDirty(FileAgents)
}

// AddPoke records one agent poking another.
func (l *Ledger) AddPoke(from, to, message string, now time.Time) {
	l.Pokes.Pokes = append(l.Pokes.Pokes, Poke{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Message:   message,
		CreatedAt: now,
	})
	l.MarkDirty(FilePokes)
}

// AddFlag records a content flag raised by an actor against a resource.
func (l *Ledger) AddFlag(actor, ref, reason string, now time.Time) {
	l.Flags.Flags = append(l.Flags.Flags, Flag{
		ID:        uuid.NewString(),
		Actor:     actor,
		Ref:       ref,
		Reason:    reason,
		CreatedAt: now,
	})
	l.MarkDirty(FileFlags)
}

// AddNotification queues a notification for the addressed agent.
func (l *Ledger) AddNotification(agentID, kind, message string, now time.Time) {
	l.Notifications.Items = append(l.Notifications.Items, Notification{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Kind:      kind,
		Message:   message,
		CreatedAt: now,
	})
	l.MarkDirty(FileNotifications)
}

// MarkDirty flags the named document for the next Save.
func (l *Ledger) MarkDirty(name string) {
	l.dirty[name] = true
}

// DirtyPaths returns the relative paths of documents modified since Load
// or the last Save, in stable order. Used by the commit/sync loop to stage
// only ledger paths.
func (l *Ledger) DirtyPaths() []string {
	order := []string{
		FileAgents, FileChannels, FileStats, FileActionLog,
		FilePokes, FileFlags, FileNotifications,
	}
	var out []string
	for _, name := range order {
		if l.dirty[name] {
			out = append(out, name)
		}
	}
	return out
}

// Save writes each dirty document exactly once, refreshing its envelope.
func (l *Ledger) Save() error {
	now := time.Now().UTC()
	writes := []struct {
		name  string
		count int
		doc   any
	}{
		{FileAgents, len(l.Agents.Agents), l.Agents},
		{FileChannels, len(l.Channels.Channels), l.Channels},
		{FileStats, 1, l.Stats},
		{FileActionLog, len(l.Log.Entries), l.Log},
		{FilePokes, len(l.Pokes.Pokes), l.Pokes},
		{FileFlags, len(l.Flags.Flags), l.Flags},
		{FileNotifications, len(l.Notifications.Items), l.Notifications},
	}
	for _, w := range writes {
		if !l.dirty[w.name] {
			continue
		}
		setMeta(w.doc, Meta{Count: w.count, LastUpdated: now})
		if err := writeDocument(filepath.Join(l.dir, w.name), w.doc); err != nil {
			return fmt.Errorf("save %s: %w", w.name, err)
		}
	}
	l.dirty = make(map[string]bool)
	return nil
}

func setMeta(doc any, m Meta) {
	switch d := doc.(type) {
	case *AgentsDoc:
		d.Meta = m
	case *ChannelsDoc:
		d.Meta = m
	case *StatsDoc:
		d.Meta = m
	case *ActionLogDoc:
		d.Meta = m
	case *PokesDoc:
		d.Meta = m
	case *FlagsDoc:
		d.Meta = m
	case *NotificationsDoc:
		d.Meta = m
	}
}

func readDocument(path string, doc any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, doc)
}

func writeDocument(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
