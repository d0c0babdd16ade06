package models

import "time"

// SessionStatus represents the lifecycle state of a pipeline run session.
type SessionStatus string

const (
	// SessionStatusCreated indicates the session exists but the run has not started.
	SessionStatusCreated SessionStatus = "created"
	// SessionStatusRunning indicates the pipeline is executing.
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusCompleted indicates the run finished and the report was assembled.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusError indicates the run aborted on an unrecoverable condition.
	SessionStatusError SessionStatus = "error"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusCreated, SessionStatusRunning, SessionStatusCompleted, SessionStatusError:
		return true
	default:
		return false
	}
}

// Terminal returns true if the session has finished, successfully or not.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// Session is the externally tracked identity of one pipeline run.
// The ID is immutable for the lifetime of the run.
type Session struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`
	// StockCode is the security being analyzed.
	StockCode string `json:"stock_code"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// Status is the current state of the session.
	Status SessionStatus `json:"status"`
	// CompletedTaskIDs is the set of task ids that have finished successfully.
	CompletedTaskIDs map[string]bool `json:"completed_task_ids,omitempty"`
}

// MarkCompleted records a task id in the completed set.
// Returns false if the id was already present.
func (s *Session) MarkCompleted(taskID string) bool {
	if s.CompletedTaskIDs == nil {
		s.CompletedTaskIDs = make(map[string]bool)
	}
	if s.CompletedTaskIDs[taskID] {
		return false
	}
	s.CompletedTaskIDs[taskID] = true
	return true
}

// SnapshotVersion is the current snapshot schema version. Restores accept
// any version and ignore unknown fields for forward compatibility.
const SnapshotVersion = 2

// TaskSnapshot is the persisted mirror of one task's mutable state.
type TaskSnapshot struct {
	// State is the task state at snapshot time.
	State TaskState `json:"state"`
	// Output is the analysis text, if produced.
	Output string `json:"output,omitempty"`
	// TokenEstimate approximates the token cost of the output.
	TokenEstimate int `json:"token_estimate,omitempty"`
	// Citations lists enrichment sources attached to the task.
	Citations []Citation `json:"citations,omitempty"`
	// Error is the failure message if the task errored.
	Error string `json:"error,omitempty"`
}

// Snapshot is a versioned serialized mirror of in-memory run state,
// written to local storage for crash/reload recovery.
type Snapshot struct {
	// Version is the snapshot schema version.
	Version int `json:"version"`
	// Session mirrors the session record at snapshot time.
	Session Session `json:"session"`
	// Tasks maps task id to its persisted state.
	Tasks map[string]TaskSnapshot `json:"tasks"`
	// Debates holds any debate conclusions reached so far.
	Debates []DebateConclusion `json:"debates,omitempty"`
	// SavedAt is when the snapshot was written.
	SavedAt time.Time `json:"saved_at"`
}
