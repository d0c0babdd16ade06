// Package continuity keeps a run recoverable: it mirrors the session to
// the remote store, polls the store for results completed elsewhere, and
// snapshots the full local state at a steady cadence so a crashed process
// can be resumed.
package continuity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/internal/state"
	"github.com/quantbrief/quantbrief/pkg/models"
)

// MergeTarget is the live run state the polling loop merges remote
// results into. *pipeline.RunContext satisfies it.
type MergeTarget interface {
	Session() models.Session
	SessionID() string
	MergeRemoteResult(taskID, output string, tokens int) bool
	Snapshot() *models.Snapshot
}

// defaultCallTimeout bounds each individual remote store call. The store
// sits outside the segmented invoker, so a hung call would otherwise
// block the poll/snapshot goroutine forever.
const defaultCallTimeout = 10 * time.Second

// Continuity owns the remote session lifecycle and the local snapshot
// loops for one run. At most one polling loop is active per Continuity;
// a second StartLoops call while one is live is a no-op.
type Continuity struct {
	store     backend.SessionStore
	snapshots state.SnapshotStore

	pollInterval     time.Duration
	snapshotInterval time.Duration
	callTimeout      time.Duration

	// remote is false when session creation failed and the run is
	// operating local-only.
	remote bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	onMerge func(taskID string)
	logf    func(format string, args ...interface{})
}

// Option configures a Continuity.
type Option func(*Continuity)

// WithMergeObserver registers a callback fired once per newly merged
// remote result.
func WithMergeObserver(fn func(taskID string)) Option {
	return func(c *Continuity) { c.onMerge = fn }
}

// WithLogf routes the continuity debug output.
func WithLogf(fn func(format string, args ...interface{})) Option {
	return func(c *Continuity) { c.logf = fn }
}

// WithCallTimeout overrides the per-call deadline on remote store calls.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Continuity) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// New creates a Continuity over the remote store and local snapshot
// store. Either store may be nil; the corresponding concern degrades to
// a no-op.
func New(store backend.SessionStore, snapshots state.SnapshotStore, pollInterval, snapshotInterval time.Duration, opts ...Option) *Continuity {
	c := &Continuity{
		store:            store,
		snapshots:        snapshots,
		pollInterval:     pollInterval,
		snapshotInterval: snapshotInterval,
		callTimeout:      defaultCallTimeout,
		logf:             func(string, ...interface{}) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Remote reports whether the session exists in the remote store.
func (c *Continuity) Remote() bool {
	return c.remote
}

// callCtx bounds one remote store call.
func (c *Continuity) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// Open establishes the session for a new run. The remote store assigns
// the id when reachable; otherwise a locally generated id keeps the run
// going in local-only mode. The id is persisted as the current-session
// pointer either way. Open never fails: persistence is best-effort.
func (c *Continuity) Open(ctx context.Context, stockCode string) *models.Session {
	session := &models.Session{
		StockCode:        stockCode,
		StartedAt:        time.Now(),
		Status:           models.SessionStatusCreated,
		CompletedTaskIDs: make(map[string]bool),
	}

	if c.store != nil {
		cctx, cancel := c.callCtx(ctx)
		defer cancel()
		if id, err := c.store.Create(cctx, stockCode); err == nil && id != "" {
			session.ID = id
			c.remote = true
			if err := c.store.Start(cctx, id); err != nil {
				c.logf("continuity: start session %s: %v", id, err)
			}
		} else if err != nil {
			c.logf("continuity: remote session create failed, running local-only: %v", err)
		}
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	session.Status = models.SessionStatusRunning

	if c.snapshots != nil {
		if err := c.snapshots.SetCurrentSession(session.ID); err != nil {
			c.logf("continuity: persist session pointer: %v", err)
		}
	}
	return session
}

// StartLoops launches the polling and snapshot loops for the target run.
// The loops stop on StopLoops, on context cancellation, or when the
// remote session reaches a terminal status.
func (c *Continuity) StartLoops(ctx context.Context, target MergeTarget) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logf("continuity: loops already running for %s", target.SessionID())
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go c.run(ctx, target, stop, done)
}

// StopLoops stops the loops and waits for them to exit.
func (c *Continuity) StopLoops() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	stop, done := c.stop, c.done
	c.running = false
	c.mu.Unlock()

	close(stop)
	<-done
}

// run drives both cadences from one goroutine: polling at pollInterval,
// snapshots at snapshotInterval.
func (c *Continuity) run(ctx context.Context, target MergeTarget, stop, done chan struct{}) {
	defer close(done)

	poll := time.NewTicker(c.pollInterval)
	defer poll.Stop()
	snap := time.NewTicker(c.snapshotInterval)
	defer snap.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-poll.C:
			if c.pollOnce(ctx, target) {
				return
			}
		case <-snap.C:
			c.SaveNow(target)
		}
	}
}

// pollOnce queries the remote status and merges newly completed results.
// Returns true when the remote session is terminal and polling should end.
// Poll failures are logged and retried next tick without escalation.
func (c *Continuity) pollOnce(ctx context.Context, target MergeTarget) bool {
	if c.store == nil || !c.remote {
		return false
	}

	sessionID := target.SessionID()
	sctx, cancel := c.callCtx(ctx)
	status, err := c.store.Status(sctx, sessionID)
	cancel()
	if err != nil {
		c.logf("continuity: poll %s failed, retrying next tick: %v", sessionID, err)
		return false
	}

	local := target.Session().CompletedTaskIDs
	for _, taskID := range status.CompletedTaskIDs {
		if local[taskID] {
			continue
		}
		fctx, cancel := c.callCtx(ctx)
		result, err := c.store.FetchTaskResult(fctx, sessionID, taskID)
		cancel()
		if err != nil {
			c.logf("continuity: fetch result %s/%s: %v", sessionID, taskID, err)
			continue
		}
		if target.MergeRemoteResult(taskID, result.Output, result.TokenEstimate) {
			c.logf("continuity: merged remote result for %s", taskID)
			if c.onMerge != nil {
				c.onMerge(taskID)
			}
		}
	}

	if status.Status.Terminal() {
		c.logf("continuity: remote session %s is %s, stopping poll", sessionID, status.Status)
		if c.snapshots != nil {
			if err := c.snapshots.ClearSnapshot(sessionID); err != nil {
				c.logf("continuity: clear snapshot: %v", err)
			}
		}
		return true
	}
	return false
}

// ReplayCompleted synchronously merges every result the remote session
// has already completed. Called once before a resumed run dispatches, so
// work finished elsewhere is never re-issued while the first poll tick is
// still pending. Returns true when the remote session is already terminal.
func (c *Continuity) ReplayCompleted(ctx context.Context, target MergeTarget) bool {
	if c.store == nil {
		return false
	}
	c.remote = true
	return c.pollOnce(ctx, target)
}

// SaveNow writes one snapshot immediately. Called on the snapshot tick
// and by the engine on significant events (stage boundaries, debates).
func (c *Continuity) SaveNow(target MergeTarget) {
	if c.snapshots == nil {
		return
	}
	if err := c.snapshots.SaveSnapshot(target.Snapshot()); err != nil {
		c.logf("continuity: snapshot save failed: %v", err)
	}
}

// Finish marks the run complete: remote completion, final status update,
// loop shutdown, snapshot cleanup.
func (c *Continuity) Finish(ctx context.Context, sessionID string, status models.SessionStatus) {
	c.StopLoops()

	if c.store != nil && c.remote {
		cctx, cancel := c.callCtx(ctx)
		defer cancel()
		var err error
		if status == models.SessionStatusCompleted {
			err = c.store.Complete(cctx, sessionID)
		} else {
			err = c.store.Update(cctx, sessionID, status)
		}
		if err != nil {
			c.logf("continuity: finish session %s: %v", sessionID, err)
		}
	}

	if c.snapshots != nil {
		if err := c.snapshots.ClearSnapshot(sessionID); err != nil {
			c.logf("continuity: clear snapshot: %v", err)
		}
	}
}

// ResumeSource identifies where a resumable run was found.
type ResumeSource string

const (
	// ResumeRemote means the remote session is still live; its completed
	// results replay through polling.
	ResumeRemote ResumeSource = "remote"
	// ResumeLocal means only a local snapshot exists, offered for manual
	// resume.
	ResumeLocal ResumeSource = "local"
)

// Resumable describes a prior run that can be picked back up.
type Resumable struct {
	SessionID string
	Source    ResumeSource
	Snapshot  *models.Snapshot
}

// FindResumable looks for an interrupted run. A live remote session
// takes precedence over a local snapshot; a terminal remote session
// invalidates the local snapshot, which is then cleaned up.
func (c *Continuity) FindResumable(ctx context.Context) (*Resumable, error) {
	if c.snapshots == nil {
		return nil, nil
	}

	sessionID, err := c.snapshots.CurrentSession()
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, nil
	}

	snap, err := c.snapshots.LoadSnapshot(sessionID)
	if err != nil {
		return nil, err
	}

	if c.store != nil {
		sctx, cancel := c.callCtx(ctx)
		defer cancel()
		if status, err := c.store.Status(sctx, sessionID); err == nil {
			if status.Status.Terminal() {
				if cerr := c.snapshots.ClearSnapshot(sessionID); cerr != nil {
					c.logf("continuity: clear stale snapshot: %v", cerr)
				}
				return nil, nil
			}
			c.remote = true
			return &Resumable{SessionID: sessionID, Source: ResumeRemote, Snapshot: snap}, nil
		}
	}

	if snap == nil {
		return nil, nil
	}
	return &Resumable{SessionID: sessionID, Source: ResumeLocal, Snapshot: snap}, nil
}
