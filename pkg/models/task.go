package models

import "time"

// TaskState represents the current state of an analysis task.
type TaskState string

const (
	// TaskStateIdle indicates the task has not started.
	TaskStateIdle TaskState = "idle"
	// TaskStateFetching indicates the task is gathering citation metadata.
	TaskStateFetching TaskState = "fetching"
	// TaskStateAnalyzing indicates the analysis call is in flight.
	TaskStateAnalyzing TaskState = "analyzing"
	// TaskStateSuccess indicates the task completed with a non-empty output.
	TaskStateSuccess TaskState = "success"
	// TaskStateError indicates the task failed after its retry budget.
	TaskStateError TaskState = "error"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateIdle, TaskStateFetching, TaskStateAnalyzing, TaskStateSuccess, TaskStateError:
		return true
	default:
		return false
	}
}

// Terminal returns true if the state is success or error.
func (s TaskState) Terminal() bool {
	return s == TaskStateSuccess || s == TaskStateError
}

// rank orders states along the idle→fetching→analyzing→terminal progression.
func (s TaskState) rank() int {
	switch s {
	case TaskStateIdle:
		return 0
	case TaskStateFetching:
		return 1
	case TaskStateAnalyzing:
		return 2
	case TaskStateSuccess, TaskStateError:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo returns true if moving from s to next preserves the
// monotonic state progression within a run. Terminal states never move.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Citation is one enrichment source attached to a task output.
type Citation struct {
	// Name is the source name (e.g. a data feed or publication).
	Name string `json:"name"`
	// Count is the number of records the source contributed.
	Count int `json:"count"`
	// Description summarizes what the source covers.
	Description string `json:"description,omitempty"`
}

// ProgressEntry is one cosmetic progress-log line emitted while a task runs.
type ProgressEntry struct {
	// Icon is a short glyph shown next to the label.
	Icon string `json:"icon"`
	// Label describes the step being animated.
	Label string `json:"label"`
	// At is when the entry was emitted.
	At time.Time `json:"at"`
}

// Task represents one pipeline unit producing a textual analysis artifact.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is the short human-readable name of the task.
	Title string `json:"title"`
	// Stage is the ordinal of the stage this task belongs to (1-4).
	Stage int `json:"stage"`
	// Group is the sub-step within the stage (stage 1 only, 1-3).
	Group int `json:"group,omitempty"`
	// State is the current state of the task.
	State TaskState `json:"state"`
	// Output is the analysis text produced on success.
	Output string `json:"output,omitempty"`
	// TokenEstimate approximates the token cost of the output.
	TokenEstimate int `json:"token_estimate,omitempty"`
	// Progress is the ordered list of progress-log entries.
	Progress []ProgressEntry `json:"progress,omitempty"`
	// Citations lists enrichment sources gathered before analysis.
	Citations []Citation `json:"citations,omitempty"`
	// Error contains the failure message if the task errored.
	Error string `json:"error,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StageMode selects how tasks within a stage are dispatched.
type StageMode string

const (
	// StageModeParallel dispatches all member tasks concurrently.
	StageModeParallel StageMode = "parallel"
	// StageModeBatched dispatches tasks in sequential batches of fixed size.
	StageModeBatched StageMode = "batched"
)

// StagePolicy is the concurrency policy for one stage.
type StagePolicy struct {
	// Mode is the dispatch mode.
	Mode StageMode `json:"mode"`
	// BatchSize caps concurrent tasks when Mode is batched. Ignored otherwise.
	BatchSize int `json:"batch_size,omitempty"`
}
