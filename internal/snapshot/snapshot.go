// Package snapshot caches the last-fetched remote state of mapped work
// items in an embedded SQLite database.
//
// The cache is an optimization layer, not a source of truth: the mapping
// store decides existence, the tracker decides current remote content.
// The cache lets dry-run conflict detection and the status command work
// without network calls, and records what the resolver last saw from the
// tracker. Losing the file costs nothing but refetches.
//
// The database runs embedded (ncruces/go-sqlite3) with WAL mode so a
// watch-mode reader can query while a sync run writes.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Item is one cached remote work item state.
type Item struct {
	LocalID     string
	Provider    string
	RemoteID    string
	Title       string
	Fingerprint string
	FetchedAt   time.Time
}

// DB wraps the snapshot cache database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the snapshot cache at the specified path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	cache, err := snapshot.Open(".epicsync/snapshot.db")
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping snapshot database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the snapshot schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the snapshot schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS remote_items (
		local_id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		fetched_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_remote_items_provider ON remote_items(provider);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}
	return nil
}

// Upsert records the latest observed remote state for a local node.
func (db *DB) Upsert(item *Item) error {
	return db.UpsertContext(context.Background(), item)
}

// UpsertContext records the latest observed remote state with context
// support.
func (db *DB) UpsertContext(ctx context.Context, item *Item) error {
	if item.LocalID == "" {
		return fmt.Errorf("invalid snapshot item: local id is required")
	}

	query := `
	INSERT INTO remote_items (local_id, provider, remote_id, title, fingerprint, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		provider = excluded.provider,
		remote_id = excluded.remote_id,
		title = excluded.title,
		fingerprint = excluded.fingerprint,
		fetched_at = excluded.fetched_at
	`
	fetched := item.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx, query,
		item.LocalID,
		item.Provider,
		item.RemoteID,
		item.Title,
		item.Fingerprint,
		fetched.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot for %s: %w", item.LocalID, err)
	}
	return nil
}

// Get returns the cached state for a local node, or (nil, nil) when the
// node has never been fetched.
func (db *DB) Get(localID string) (*Item, error) {
	return db.GetContext(context.Background(), localID)
}

// GetContext returns the cached state with context support.
func (db *DB) GetContext(ctx context.Context, localID string) (*Item, error) {
	query := `
	SELECT local_id, provider, remote_id, title, fingerprint, fetched_at
	FROM remote_items WHERE local_id = ?
	`
	var item Item
	var fetched string
	err := db.conn.QueryRowContext(ctx, query, localID).Scan(
		&item.LocalID, &item.Provider, &item.RemoteID, &item.Title, &item.Fingerprint, &fetched,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot for %s: %w", localID, err)
	}
	item.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return &item, nil
}

// Delete removes a cached item. Returns nil if it doesn't exist.
func (db *DB) Delete(localID string) error {
	_, err := db.conn.Exec(`DELETE FROM remote_items WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", localID, err)
	}
	return nil
}

// All returns every cached item ordered by local id.
func (db *DB) All() ([]Item, error) {
	return db.AllContext(context.Background())
}

// AllContext returns every cached item with context support.
func (db *DB) AllContext(ctx context.Context) ([]Item, error) {
	query := `
	SELECT local_id, provider, remote_id, title, fingerprint, fetched_at
	FROM remote_items ORDER BY local_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var fetched string
		if err := rows.Scan(&item.LocalID, &item.Provider, &item.RemoteID, &item.Title, &item.Fingerprint, &fetched); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		item.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return items, nil
}

// Count returns the number of cached items.
func (db *DB) Count() (int, error) {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM remote_items`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}
