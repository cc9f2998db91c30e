// Package mapstore persists the local-to-remote identity mapping.
//
// The store is the single source of truth for "does this node already
// exist remotely". It is a versioned JSON file with stable field order,
// rewritten atomically (temp file, fsync, rename) after every recorded
// entry so a crash loses at most the one in-flight item.
//
// Only the sync orchestrator writes to the store; worker goroutines
// return results to be recorded, they never touch it directly.
package mapstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"

	"github.com/codeswell/epicsync/internal/tracker"
)

// schemaVersion is the current on-disk schema. Loading a file with a
// different version fails as corrupt rather than guessing.
const schemaVersion = 1

// Entry links one local node to its remote work item.
type Entry struct {
	LocalID         string `json:"local_id"`
	Provider        string `json:"provider"`
	RemoteID        string `json:"remote_id"`
	RemoteURL       string `json:"remote_url"`
	ItemType        string `json:"item_type"`
	LastFingerprint string `json:"last_fingerprint"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Ref returns the entry's remote reference in tracker form.
func (e *Entry) Ref() tracker.WorkItemRef {
	return tracker.WorkItemRef{
		Provider: e.Provider,
		RemoteID: e.RemoteID,
		URL:      e.RemoteURL,
		ItemType: e.ItemType,
	}
}

// storeFile is the serialized form of the whole store.
type storeFile struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// CorruptError reports an unreadable or structurally invalid store file.
// The orchestrator treats it as fatal: duplicating remote items is worse
// than aborting the run.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("mapping store unreadable at %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Store holds the mapping in memory and persists it on every Record.
// Lookup never performs I/O. Entries preserves insertion order for
// deterministic reporting.
type Store struct {
	path    string
	entries []Entry
	index   map[string]int // LocalID -> position in entries
}

// Load reads the store from path. A missing file yields an empty store;
// malformed JSON or a schema version mismatch yields a *CorruptError.
func Load(path string) (*Store, error) {
	s := &Store{
		path:  path,
		index: make(map[string]int),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}

	var file storeFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if file.Version != schemaVersion {
		return nil, &CorruptError{
			Path: path,
			Err:  fmt.Errorf("unsupported schema version %d (want %d)", file.Version, schemaVersion),
		}
	}

	for i, entry := range file.Entries {
		if entry.LocalID == "" || entry.RemoteID == "" {
			return nil, &CorruptError{
				Path: path,
				Err:  fmt.Errorf("entry %d missing local or remote id", i),
			}
		}
		if prev, dup := s.index[entry.LocalID]; dup {
			return nil, &CorruptError{
				Path: path,
				Err:  fmt.Errorf("duplicate entries for %s (positions %d and %d)", entry.LocalID, prev, i),
			}
		}
		s.index[entry.LocalID] = len(s.entries)
		s.entries = append(s.entries, entry)
	}
	return s, nil
}

// Path returns the store's file path.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// Lookup returns the entry for a local id. Never performs network or
// file I/O.
func (s *Store) Lookup(localID string) (Entry, bool) {
	i, ok := s.index[localID]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// LastFingerprint implements hierarchy.SyncState.
func (s *Store) LastFingerprint(localID string) (string, bool) {
	e, ok := s.Lookup(localID)
	if !ok {
		return "", false
	}
	return e.LastFingerprint, true
}

// Record upserts the mapping for a local id and immediately persists the
// whole store atomically. New entries append; existing entries update in
// place, preserving their original position and created_at.
func (s *Store) Record(localID string, ref tracker.WorkItemRef, fingerprint string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	if i, ok := s.index[localID]; ok {
		e := &s.entries[i]
		e.Provider = ref.Provider
		e.RemoteID = ref.RemoteID
		e.RemoteURL = ref.URL
		e.ItemType = ref.ItemType
		e.LastFingerprint = fingerprint
		e.UpdatedAt = now
	} else {
		s.index[localID] = len(s.entries)
		s.entries = append(s.entries, Entry{
			LocalID:         localID,
			Provider:        ref.Provider,
			RemoteID:        ref.RemoteID,
			RemoteURL:       ref.URL,
			ItemType:        ref.ItemType,
			LastFingerprint: fingerprint,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	return s.persist()
}

// Entries returns a copy of all entries in insertion order.
func (s *Store) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// persist rewrites the store file atomically. atomic.WriteFile writes to
// a temp file in the same directory, fsyncs, and renames over the target,
// so a crash never leaves a torn store behind.
func (s *Store) persist() error {
	file := storeFile{
		Version: schemaVersion,
		Entries: s.entries,
	}
	if file.Entries == nil {
		file.Entries = []Entry{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file); err != nil {
		return fmt.Errorf("failed to encode mapping store: %w", err)
	}

	if err := atomic.WriteFile(s.path, &buf); err != nil {
		return fmt.Errorf("failed to write mapping store %s: %w", s.path, err)
	}
	return nil
}
