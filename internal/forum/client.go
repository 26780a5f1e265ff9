// Package forum is the contract with the rate-limited discussion platform.
// Mutations are idempotent only by caller convention: the platform returns
// an opaque resource id on creation and callers track it. The client never
// paces itself — callers hold the pacer slot before any mutating call.
package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const defaultCallTimeout = 30 * time.Second

// ErrRequestNotSent tags mutation failures that happened before the
// request left the process. Only these failures are safe to treat as not
// having consumed the platform's rate allowance.
var ErrRequestNotSent = errors.New("request not sent")

// Discussion is one platform discussion as seen by a read.
type Discussion struct {
	Ref       string    `json:"id"`
	Channel   string    `json:"channel"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds the client settings.
type Config struct {
	BaseURL  string
	Token    string
	CacheTTL time.Duration
	Timeout  time.Duration
	DryRun   bool
	Index    *Index
	Logger   *slog.Logger
}

// Client talks to the forum platform. Reads go through a TTL cache; every
// successful mutation updates the persistent ref index incrementally.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dryRun  bool
	index   *Index
	cache   *readCache
	logger  *slog.Logger
}

// New creates a forum client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		dryRun:  cfg.DryRun,
		index:   cfg.Index,
		cache:   newReadCache(ttl),
		logger:  logger,
	}
}

// DryRun reports whether the client fabricates refs instead of mutating.
func (c *Client) DryRun() bool { return c.dryRun }

// CreateDiscussion posts a new discussion and returns the platform-assigned
// resource reference. Callers must hold the pacer slot.
func (c *Client) CreateDiscussion(ctx context.Context, channel, title, body string) (string, error) {
	if c.dryRun {
		return c.dryRef(ctx, "post", title, channel), nil
	}
	ref, err := c.mutate(ctx, "/discussions", map[string]string{
		"channel": channel,
		"title":   title,
		"body":    body,
	})
	if err != nil {
		return "", err
	}
	c.record(ctx, IndexEntry{Ref: ref, Kind: "post", Title: title, Channel: channel})
	return ref, nil
}

// AddComment adds a comment under the discussion identified by parentRef.
func (c *Client) AddComment(ctx context.Context, parentRef, body string) (string, error) {
	channel := ""
	if c.index != nil {
		if parent, ok, _ := c.index.Lookup(ctx, parentRef); ok {
			channel = parent.Channel
		}
	}
	if c.dryRun {
		return c.dryRef(ctx, "comment", "", channel), nil
	}
	ref, err := c.mutate(ctx, fmt.Sprintf("/discussions/%s/comments", url.PathEscape(parentRef)), map[string]string{
		"body": body,
	})
	if err != nil {
		return "", err
	}
	c.record(ctx, IndexEntry{Ref: ref, Kind: "comment", Channel: channel})
	return ref, nil
}

// AddReaction adds a reaction to the resource identified by ref.
func (c *Client) AddReaction(ctx context.Context, targetRef, kind string) (string, error) {
	if c.dryRun {
		return c.dryRef(ctx, "reaction", "", ""), nil
	}
	ref, err := c.mutate(ctx, fmt.Sprintf("/resources/%s/reactions", url.PathEscape(targetRef)), map[string]string{
		"kind": kind,
	})
	if err != nil {
		return "", err
	}
	c.record(ctx, IndexEntry{Ref: ref, Kind: "reaction"})
	return ref, nil
}

// ListDiscussions returns recent discussions for a channel. Results are
// cached with a TTL; a cache hit performs no network call.
func (c *Client) ListDiscussions(ctx context.Context, channel string) ([]Discussion, error) {
	cacheKey := "discussions:" + channel
	if cached, ok := c.cache.get(cacheKey); ok {
		return cached.([]Discussion), nil
	}

	var out struct {
		Discussions []Discussion `json:"discussions"`
	}
	if err := c.get(ctx, "/discussions?channel="+url.QueryEscape(channel), &out); err != nil {
		return nil, err
	}
	c.cache.put(cacheKey, out.Discussions)
	return out.Discussions, nil
}

// EvictStaleCache drops expired read-cache entries; called by maintenance.
func (c *Client) EvictStaleCache() int {
	return c.cache.evictStale()
}

// dryRef fabricates a synthetic reference and records it in the index so
// dry runs still exercise the snapshot path. Synthetic refs never reach
// the ledger: dry_run results are side-effect-free end to end.
func (c *Client) dryRef(ctx context.Context, kind, title, channel string) string {
	ref := "dry-" + uuid.NewString()
	c.logger.Info("forum dry-run mutation", "kind", kind, "ref", ref, "channel", channel)
	c.record(ctx, IndexEntry{Ref: ref, Kind: kind, Title: title, Channel: channel})
	return ref
}

func (c *Client) record(ctx context.Context, e IndexEntry) {
	if c.index == nil {
		return
	}
	if err := c.index.Upsert(ctx, e); err != nil {
		c.logger.Warn("forum index update failed", "ref", e.Ref, "error", err)
	}
}

func (c *Client) mutate(ctx context.Context, path string, payload map[string]string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal forum payload: %w", errors.Join(ErrRequestNotSent, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build forum request: %w", errors.Join(ErrRequestNotSent, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("forum mutation %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("forum mutation %s: status %d: %s", path, resp.StatusCode, string(b))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode forum response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("forum mutation %s: response missing resource id", path)
	}
	return created.ID, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build forum request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forum read %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("forum read %s: status %d: %s", path, resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode forum read: %w", err)
	}
	return nil
}
