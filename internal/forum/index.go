package forum

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// IndexEntry maps an external resource reference to what we know about it.
// The index exists so context snapshots can resolve refs without a full
// re-fetch from the platform.
type IndexEntry struct {
	Ref     string
	Kind    string
	Title   string
	Channel string
}

// Index is the persistent ref index plus a small KV table used for
// process state that must survive restarts (budget counter, breaker state).
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the sqlite index at path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	idx := &Index{db: db}
	if err := idx.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (ix *Index) initSchema(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS forum_refs (
			ref TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_forum_refs_channel ON forum_refs(channel, created_at);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := ix.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec index schema: %w", err)
		}
	}
	return nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// Upsert records or refreshes one external resource reference. The index
// is updated incrementally as mutations succeed, avoiding full re-fetches.
func (ix *Index) Upsert(ctx context.Context, e IndexEntry) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO forum_refs (ref, kind, title, channel)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			channel = excluded.channel,
			updated_at = CURRENT_TIMESTAMP;
	`, e.Ref, e.Kind, e.Title, e.Channel)
	if err != nil {
		return fmt.Errorf("upsert forum ref: %w", err)
	}
	return nil
}

// Lookup resolves one reference; ok is false when the ref is unknown.
func (ix *Index) Lookup(ctx context.Context, ref string) (IndexEntry, bool, error) {
	var e IndexEntry
	err := ix.db.QueryRowContext(ctx, `
		SELECT ref, kind, title, channel FROM forum_refs WHERE ref = ?;
	`, ref).Scan(&e.Ref, &e.Kind, &e.Title, &e.Channel)
	if errors.Is(err, sql.ErrNoRows) {
		return IndexEntry{}, false, nil
	}
	if err != nil {
		return IndexEntry{}, false, fmt.Errorf("lookup forum ref: %w", err)
	}
	return e, true, nil
}

// ListByChannel returns the most recent refs known for a channel.
func (ix *Index) ListByChannel(ctx context.Context, channel string, limit int) ([]IndexEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := ix.db.QueryContext(ctx, `
		SELECT ref, kind, title, channel
		FROM forum_refs
		WHERE channel = ?
		ORDER BY created_at DESC
		LIMIT ?;
	`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("list forum refs: %w", err)
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var e IndexEntry
		if err := rows.Scan(&e.Ref, &e.Kind, &e.Title, &e.Channel); err != nil {
			return nil, fmt.Errorf("scan forum ref: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("forum ref rows: %w", err)
	}
	return out, nil
}

// KVSet stores a small state blob under key.
func (ix *Index) KVSet(ctx context.Context, key, val string) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet returns the value for key, or "" when absent.
func (ix *Index) KVGet(ctx context.Context, key string) (string, error) {
	var val sql.NullString
	err := ix.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val.String, nil
}
