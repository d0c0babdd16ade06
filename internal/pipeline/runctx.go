package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/pkg/models"
)

// RunContext is the run-scoped mutable state shared by every concurrent
// task unit: task records, the session, the market snapshot and debate
// conclusions. Each task exclusively owns its own record; the lock exists
// because merges from the continuity poller and reads for snapshots and
// outgoing payloads cross task boundaries. Anything embedded into an
// outgoing request is a point-in-time copy, never a live reference.
type RunContext struct {
	mu sync.RWMutex

	session *models.Session
	market  *backend.MarketSnapshot
	tasks   map[string]*models.Task
	order   []string
	debates []models.DebateConclusion
}

// NewRunContext creates the state for one run from fresh task records.
func NewRunContext(session *models.Session, market *backend.MarketSnapshot, tasks []*models.Task) *RunContext {
	rc := &RunContext{
		session: session,
		market:  market,
		tasks:   make(map[string]*models.Task, len(tasks)),
		order:   make([]string, 0, len(tasks)),
	}
	for _, t := range tasks {
		rc.tasks[t.ID] = t
		rc.order = append(rc.order, t.ID)
	}
	return rc
}

// Session returns a copy of the session record.
func (rc *RunContext) Session() models.Session {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	s := *rc.session
	s.CompletedTaskIDs = make(map[string]bool, len(rc.session.CompletedTaskIDs))
	for id := range rc.session.CompletedTaskIDs {
		s.CompletedTaskIDs[id] = true
	}
	return s
}

// SessionID returns the immutable session id.
func (rc *RunContext) SessionID() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.session.ID
}

// SetSessionStatus updates the session status.
func (rc *RunContext) SetSessionStatus(status models.SessionStatus) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.session.Status = status
}

// Market returns the run's market snapshot.
func (rc *RunContext) Market() *backend.MarketSnapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.market == nil {
		return nil
	}
	m := *rc.market
	return &m
}

// Task returns a copy of one task record, or nil if unknown.
func (rc *RunContext) Task(id string) *models.Task {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	t, ok := rc.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Tasks returns copies of all task records in registry order.
func (rc *RunContext) Tasks() []models.Task {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]models.Task, 0, len(rc.order))
	for _, id := range rc.order {
		out = append(out, *rc.tasks[id])
	}
	return out
}

// TransitionTask moves a task to the next state, enforcing the monotonic
// progression. Returns an error on an illegal transition so bugs surface
// instead of silently regressing state.
func (rc *RunContext) TransitionTask(id string, next models.TaskState) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	t, ok := rc.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	if !t.State.CanTransitionTo(next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", id, t.State, next)
	}
	t.State = next
	if next.Terminal() {
		now := time.Now()
		t.CompletedAt = &now
	}
	return nil
}

// CompleteTask atomically records a successful output, moves the task to
// success and marks it in the session's completed set. Returns false when
// the task already settled, e.g. a remote merge landed while the local
// call was in flight; the earlier result stays intact.
func (rc *RunContext) CompleteTask(id, output string, tokens int) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	t, ok := rc.tasks[id]
	if !ok || t.State.Terminal() {
		return false
	}
	t.State = models.TaskStateSuccess
	t.Output = output
	t.TokenEstimate = tokens
	t.Error = ""
	now := time.Now()
	t.CompletedAt = &now
	rc.session.MarkCompleted(id)
	return true
}

// FailTask atomically records a failure and moves the task to error.
// Returns false when the task already settled; a merged remote success is
// never overwritten by a late local failure.
func (rc *RunContext) FailTask(id, diagnostic, errMsg string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	t, ok := rc.tasks[id]
	if !ok || t.State.Terminal() {
		return false
	}
	t.State = models.TaskStateError
	t.Output = diagnostic
	t.Error = errMsg
	now := time.Now()
	t.CompletedAt = &now
	return true
}

// SetCitations attaches the enrichment citations to a task.
func (rc *RunContext) SetCitations(id string, citations []models.Citation) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if t, ok := rc.tasks[id]; ok {
		t.Citations = citations
	}
}

// AppendProgress adds one cosmetic progress entry to a task's log.
func (rc *RunContext) AppendProgress(id string, entry models.ProgressEntry) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if t, ok := rc.tasks[id]; ok {
		t.Progress = append(t.Progress, entry)
	}
}

// MergeRemoteResult idempotently applies a task result reported by the
// remote session store. Reapplying an already-merged result is a no-op.
// Returns true if the result was newly merged.
func (rc *RunContext) MergeRemoteResult(id, output string, tokens int) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	t, ok := rc.tasks[id]
	if !ok {
		return false
	}
	if t.State == models.TaskStateSuccess {
		return false
	}
	if output == "" {
		return false
	}

	t.State = models.TaskStateSuccess
	t.Output = output
	t.TokenEstimate = tokens
	t.Error = ""
	now := time.Now()
	t.CompletedAt = &now
	rc.session.MarkCompleted(id)
	return true
}

// SuccessfulOutputs returns a point-in-time copy of all successful task
// outputs, keyed by task id.
func (rc *RunContext) SuccessfulOutputs() map[string]string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	out := make(map[string]string)
	for id, t := range rc.tasks {
		if t.State == models.TaskStateSuccess && t.Output != "" {
			out[id] = t.Output
		}
	}
	return out
}

// OutputsFor returns a point-in-time copy of the successful outputs for
// the requested task ids only.
func (rc *RunContext) OutputsFor(ids []string) map[string]string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if t, ok := rc.tasks[id]; ok && t.State == models.TaskStateSuccess && t.Output != "" {
			out[id] = t.Output
		}
	}
	return out
}

// AddDebate appends a debate conclusion.
func (rc *RunContext) AddDebate(conclusion models.DebateConclusion) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.debates = append(rc.debates, conclusion)
}

// Debates returns copies of all debate conclusions so far.
func (rc *RunContext) Debates() []models.DebateConclusion {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]models.DebateConclusion, len(rc.debates))
	copy(out, rc.debates)
	return out
}

// Snapshot serializes the full run state into a versioned snapshot.
func (rc *RunContext) Snapshot() *models.Snapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	snap := &models.Snapshot{
		Version: models.SnapshotVersion,
		Session: *rc.session,
		Tasks:   make(map[string]models.TaskSnapshot, len(rc.tasks)),
		Debates: make([]models.DebateConclusion, len(rc.debates)),
		SavedAt: time.Now(),
	}
	snap.Session.CompletedTaskIDs = make(map[string]bool, len(rc.session.CompletedTaskIDs))
	for id := range rc.session.CompletedTaskIDs {
		snap.Session.CompletedTaskIDs[id] = true
	}
	for id, t := range rc.tasks {
		snap.Tasks[id] = models.TaskSnapshot{
			State:         t.State,
			Output:        t.Output,
			TokenEstimate: t.TokenEstimate,
			Citations:     t.Citations,
			Error:         t.Error,
		}
	}
	copy(snap.Debates, rc.debates)
	return snap
}

// RestoreSnapshot merges a snapshot's task states into the run context.
// Used on manual resume of a local snapshot; successful tasks become
// merged results, everything else stays fresh.
func (rc *RunContext) RestoreSnapshot(snap *models.Snapshot) int {
	if snap == nil {
		return 0
	}

	ids := make([]string, 0, len(snap.Tasks))
	for id := range snap.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	restored := 0
	for _, id := range ids {
		ts := snap.Tasks[id]
		if ts.State != models.TaskStateSuccess {
			continue
		}
		if rc.MergeRemoteResult(id, ts.Output, ts.TokenEstimate) {
			rc.SetCitations(id, ts.Citations)
			restored++
		}
	}
	return restored
}
