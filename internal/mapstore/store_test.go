package mapstore

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/codeswell/epicsync/internal/tracker"
)

func testStorePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "mapping.json")
}

func ref(id string) tracker.WorkItemRef {
	return tracker.WorkItemRef{
		Provider: "github",
		RemoteID: id,
		URL:      "https://example.com/issues/" + id,
		ItemType: "task",
	}
}

// TestLoad_Missing verifies that a missing store file is an empty store,
// not an error.
func TestLoad_Missing(t *testing.T) {
	s, err := Load(testStorePath(t))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

// TestRecord_Lookup verifies basic upsert and lookup behavior.
func TestRecord_Lookup(t *testing.T) {
	s, err := Load(testStorePath(t))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if err := s.Record("epic", ref("1"), "fp1"); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	entry, ok := s.Lookup("epic")
	if !ok {
		t.Fatal("Lookup() missed a recorded entry")
	}
	if entry.RemoteID != "1" || entry.LastFingerprint != "fp1" {
		t.Errorf("entry = %+v", entry)
	}

	if _, ok := s.Lookup("missing"); ok {
		t.Error("Lookup() found a nonexistent entry")
	}
}

// TestRecord_UpdateInPlace verifies that re-recording keeps the entry's
// position and created_at while updating content.
func TestRecord_UpdateInPlace(t *testing.T) {
	s, err := Load(testStorePath(t))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	for _, id := range []string{"epic", "a/story", "a/task"} {
		if err := s.Record(id, ref(id), "v1"); err != nil {
			t.Fatalf("Record(%s) failed: %v", id, err)
		}
	}
	created := s.Entries()[1].CreatedAt

	if err := s.Record("a/story", ref("a/story"), "v2"); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	entries := s.Entries()
	if entries[1].LocalID != "a/story" {
		t.Errorf("update moved the entry: %v", entries)
	}
	if entries[1].LastFingerprint != "v2" {
		t.Errorf("fingerprint = %s, want v2", entries[1].LastFingerprint)
	}
	if entries[1].CreatedAt != created {
		t.Errorf("update changed created_at")
	}
}

// TestRoundTrip_OrderStable verifies that serializing and reloading
// yields identical entries in identical order.
func TestRoundTrip_OrderStable(t *testing.T) {
	path := testStorePath(t)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	ids := []string{"epic", "02-b/story", "01-a/story", "01-a/01-t"}
	for _, id := range ids {
		if err := s.Record(id, ref(id), "fp-"+id); err != nil {
			t.Fatalf("Record(%s) failed: %v", id, err)
		}
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reflect.DeepEqual(s.Entries(), reloaded.Entries()) {
		t.Errorf("round trip changed entries:\n before %+v\n after  %+v", s.Entries(), reloaded.Entries())
	}
}

// TestLoad_CorruptJSON verifies that malformed content is a CorruptError.
func TestLoad_CorruptJSON(t *testing.T) {
	path := testStorePath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := Load(path)
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Load() error = %v, want *CorruptError", err)
	}
}

// TestLoad_VersionMismatch verifies that an unknown schema version is
// treated as corruption rather than guessed at.
func TestLoad_VersionMismatch(t *testing.T) {
	path := testStorePath(t)
	if err := os.WriteFile(path, []byte(`{"version": 99, "entries": []}`), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := Load(path)
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Load() error = %v, want *CorruptError", err)
	}
}

// TestLoad_DuplicateEntries verifies that duplicate local ids are
// rejected: the idempotency guarantee allows at most one entry per node.
func TestLoad_DuplicateEntries(t *testing.T) {
	path := testStorePath(t)
	content := `{"version": 1, "entries": [
		{"local_id": "epic", "provider": "github", "remote_id": "1", "remote_url": "", "item_type": "epic", "last_fingerprint": "a", "created_at": "", "updated_at": ""},
		{"local_id": "epic", "provider": "github", "remote_id": "2", "remote_url": "", "item_type": "epic", "last_fingerprint": "b", "created_at": "", "updated_at": ""}
	]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := Load(path)
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Load() error = %v, want *CorruptError", err)
	}
}

// TestAcquireLock_Exclusive verifies that a second acquisition fails
// while the first is held and succeeds after release.
func TestAcquireLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json.lock")

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() failed: %v", err)
	}

	if _, err := AcquireLock(path); err == nil {
		t.Error("second AcquireLock() succeeded while the lock was held")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	lock2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() after release failed: %v", err)
	}
	_ = lock2.Release()
}
