package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantbrief/quantbrief/pkg/models"
)

// currentPointer is the name of the current-session pointer row.
const currentPointer = "current_session"

// SnapshotStore defines the local snapshot persistence interface.
// This allows the continuity layer to work with any local backend
// without depending on the concrete SQLite implementation.
type SnapshotStore interface {
	SaveSnapshot(snap *models.Snapshot) error
	LoadSnapshot(sessionID string) (*models.Snapshot, error)
	ClearSnapshot(sessionID string) error
	SetCurrentSession(sessionID string) error
	CurrentSession() (string, error)
	PurgeOlderThan(olderThan time.Duration) (int64, error)
}

// Compile-time verification that DB implements the store interface.
var _ SnapshotStore = (*DB)(nil)

// SaveSnapshot upserts the serialized snapshot for its session.
func (db *DB) SaveSnapshot(snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err = db.conn.Exec(`
		INSERT INTO snapshots (session_id, version, stock_code, data, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			version = excluded.version,
			stock_code = excluded.stock_code,
			data = excluded.data,
			saved_at = excluded.saved_at
	`, snap.Session.ID, snap.Version, snap.Session.StockCode, string(data), formatTime(snap.SavedAt))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot for a session. Unknown fields in the
// stored blob are ignored, so newer writers stay readable.
// Returns nil without error when no snapshot exists.
func (db *DB) LoadSnapshot(sessionID string) (*models.Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var data string
	row := db.conn.QueryRow("SELECT data FROM snapshots WHERE session_id = ?", sessionID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// ClearSnapshot deletes the snapshot for a session and drops the
// current-session pointer if it references it.
func (db *DB) ClearSnapshot(sessionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec("DELETE FROM snapshots WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if _, err := db.conn.Exec("DELETE FROM pointers WHERE name = ? AND session_id = ?", currentPointer, sessionID); err != nil {
		return fmt.Errorf("clear pointer: %w", err)
	}
	return nil
}

// SetCurrentSession records the session id the next restart should look at.
func (db *DB) SetCurrentSession(sessionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO pointers (name, session_id) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET session_id = excluded.session_id
	`, currentPointer, sessionID)
	if err != nil {
		return fmt.Errorf("set current session: %w", err)
	}
	return nil
}

// CurrentSession returns the session id recorded by the last run, or ""
// when none is recorded.
func (db *DB) CurrentSession() (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var id string
	row := db.conn.QueryRow("SELECT session_id FROM pointers WHERE name = ?", currentPointer)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("current session: %w", err)
	}
	return id, nil
}

// PurgeOlderThan deletes snapshots older than the specified duration.
// Returns the number of snapshots deleted.
func (db *DB) PurgeOlderThan(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.Exec("DELETE FROM snapshots WHERE saved_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// SnapshotSummary is a lightweight listing row for the status command.
type SnapshotSummary struct {
	SessionID string
	StockCode string
	SavedAt   time.Time
}

// ListSnapshots returns summaries of all stored snapshots, newest first.
func (db *DB) ListSnapshots() ([]SnapshotSummary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query("SELECT session_id, stock_code, saved_at FROM snapshots ORDER BY saved_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotSummary
	for rows.Next() {
		var s SnapshotSummary
		var savedAt string
		if err := rows.Scan(&s.SessionID, &s.StockCode, &savedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if t, err := parseTime(savedAt); err == nil {
			s.SavedAt = t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
