package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/quantbrief/quantbrief/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSnapshot(sessionID string) *models.Snapshot {
	return &models.Snapshot{
		Version: models.SnapshotVersion,
		Session: models.Session{
			ID:        sessionID,
			StockCode: "600000",
			StartedAt: time.Now(),
			Status:    models.SessionStatusRunning,
		},
		Tasks: map[string]models.TaskSnapshot{
			"price-volume": {State: models.TaskStateSuccess, Output: "volume is up", TokenEstimate: 8},
		},
		SavedAt: time.Now(),
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	db := openTestDB(t)
	snap := testSnapshot("sess-1")

	if err := db.SaveSnapshot(snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := db.LoadSnapshot("sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected snapshot, got nil")
	}
	if loaded.Session.StockCode != "600000" {
		t.Errorf("stock code = %q, want 600000", loaded.Session.StockCode)
	}
	if ts := loaded.Tasks["price-volume"]; ts.Output != "volume is up" {
		t.Errorf("task output = %q", ts.Output)
	}
}

func TestSaveSnapshotUpserts(t *testing.T) {
	db := openTestDB(t)
	snap := testSnapshot("sess-1")

	if err := db.SaveSnapshot(snap); err != nil {
		t.Fatalf("first save: %v", err)
	}

	snap.Tasks["money-flow"] = models.TaskSnapshot{State: models.TaskStateSuccess, Output: "inflow"}
	if err := db.SaveSnapshot(snap); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := db.LoadSnapshot("sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Tasks) != 2 {
		t.Errorf("expected 2 tasks after upsert, got %d", len(loaded.Tasks))
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	db := openTestDB(t)

	loaded, err := db.LoadSnapshot("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Error("expected nil snapshot for unknown session")
	}
}

func TestCurrentSessionPointer(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CurrentSession()
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if id != "" {
		t.Errorf("expected empty pointer initially, got %q", id)
	}

	if err := db.SetCurrentSession("sess-9"); err != nil {
		t.Fatalf("set pointer: %v", err)
	}
	id, err = db.CurrentSession()
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if id != "sess-9" {
		t.Errorf("pointer = %q, want sess-9", id)
	}

	// Overwrite
	if err := db.SetCurrentSession("sess-10"); err != nil {
		t.Fatalf("overwrite pointer: %v", err)
	}
	id, _ = db.CurrentSession()
	if id != "sess-10" {
		t.Errorf("pointer = %q, want sess-10", id)
	}
}

func TestClearSnapshotDropsPointer(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveSnapshot(testSnapshot("sess-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.SetCurrentSession("sess-1"); err != nil {
		t.Fatalf("set pointer: %v", err)
	}

	if err := db.ClearSnapshot("sess-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	loaded, _ := db.LoadSnapshot("sess-1")
	if loaded != nil {
		t.Error("snapshot should be gone after clear")
	}
	id, _ := db.CurrentSession()
	if id != "" {
		t.Errorf("pointer should be cleared, got %q", id)
	}
}

func TestForwardCompatibleRestore(t *testing.T) {
	db := openTestDB(t)

	// Simulate a snapshot written by a newer version with extra fields.
	future := `{"version": 99, "session": {"id": "sess-f", "stock_code": "000001", "status": "running"},
		"tasks": {}, "saved_at": "2026-01-02T03:04:05Z", "brand_new_field": {"nested": true}}`
	_, err := db.conn.Exec(`
		INSERT INTO snapshots (session_id, version, stock_code, data, saved_at)
		VALUES ('sess-f', 99, '000001', ?, ?)`, future, formatTime(time.Now()))
	if err != nil {
		t.Fatalf("seed future snapshot: %v", err)
	}

	loaded, err := db.LoadSnapshot("sess-f")
	if err != nil {
		t.Fatalf("load future snapshot: %v", err)
	}
	if loaded.Version != 99 || loaded.Session.StockCode != "000001" {
		t.Errorf("unexpected restore: %+v", loaded)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	db := openTestDB(t)

	old := testSnapshot("sess-old")
	old.SavedAt = time.Now().Add(-48 * time.Hour)
	if err := db.SaveSnapshot(old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := db.SaveSnapshot(testSnapshot("sess-new")); err != nil {
		t.Fatalf("save new: %v", err)
	}

	n, err := db.PurgeOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	remaining, err := db.ListSnapshots()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SessionID != "sess-new" {
		t.Errorf("unexpected remaining snapshots: %+v", remaining)
	}
}
