// Package pipeline drives the staged analysis run: stage scheduling,
// per-task state machines, debate interleaving, and run lifecycle.
package pipeline

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/quantbrief/quantbrief/pkg/models"
)

// EventType identifies one kind of pipeline event.
type EventType string

const (
	// EventSessionCreated fires when the run's session is established.
	EventSessionCreated EventType = "session_created"
	// EventStageStarted fires when a dispatch step begins.
	EventStageStarted EventType = "stage_started"
	// EventStageCompleted fires when a dispatch step fully settles.
	EventStageCompleted EventType = "stage_completed"
	// EventTaskState fires on every task state transition.
	EventTaskState EventType = "task_state"
	// EventTaskProgress fires for each cosmetic progress-log tick.
	EventTaskProgress EventType = "task_progress"
	// EventHeartbeat fires once per elapsed invoker wait segment.
	EventHeartbeat EventType = "heartbeat"
	// EventDebateStarted fires when a debate call is issued.
	EventDebateStarted EventType = "debate_started"
	// EventDebateConcluded fires when a debate conclusion is reached.
	EventDebateConcluded EventType = "debate_concluded"
	// EventSnapshotSaved fires after a local snapshot write.
	EventSnapshotSaved EventType = "snapshot_saved"
	// EventRemoteMerge fires when a polled remote result is merged.
	EventRemoteMerge EventType = "remote_merge"
	// EventRunCompleted fires when the run finishes and the report exists.
	EventRunCompleted EventType = "run_completed"
	// EventRunFailed fires when the run aborts on an unrecoverable condition.
	EventRunFailed EventType = "run_failed"
)

// EventLevel grades events for external collectors.
type EventLevel string

const (
	LevelDebug EventLevel = "debug"
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Event is one structured pipeline notification. The core emits these to
// whatever observer is attached; it carries no presentation dependency
// of its own.
type Event struct {
	Type      EventType         `json:"type"`
	Level     EventLevel        `json:"level"`
	SessionID string            `json:"session_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Stage     int               `json:"stage,omitempty"`
	State     models.TaskState  `json:"state,omitempty"`
	Message   string            `json:"message,omitempty"`
	At        time.Time         `json:"at"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// EventEmitter handles event emission for the pipeline.
// It provides a simple, thread-safe way to emit events to subscribers.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver a short chance to drain before dropping.
	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[pipeline] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for subscribers.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel.
// This should be called when the run is finished.
func (e *EventEmitter) Close() {
	close(e.events)
}
