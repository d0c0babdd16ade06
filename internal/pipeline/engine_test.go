package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/internal/config"
	"github.com/quantbrief/quantbrief/internal/continuity"
	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/pkg/models"
)

type fakeMarket struct {
	err  error
	snap *backend.MarketSnapshot
}

func (f *fakeMarket) Snapshot(ctx context.Context, stockCode string) (*backend.MarketSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.snap != nil {
		return f.snap, nil
	}
	return &backend.MarketSnapshot{StockCode: stockCode, Price: 10.5, ChangePct: 1.2, AsOf: time.Now()}, nil
}

type fakeDebateSvc struct {
	delay    time.Duration
	err      error
	response *backend.DebateResponse
}

func (f *fakeDebateSvc) Debate(ctx context.Context, req backend.DebateRequest) (*backend.DebateResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return &backend.DebateResponse{
		Success: true,
		Verdict: "hold",
		Summary: "sides traded arguments to a draw",
		Sides: []backend.SideView{
			{Side: "bull", Transcript: "The growth profile justifies the current multiple comfortably."},
			{Side: "bear", Transcript: "The cyclical exposure argues for patience at this entry point."},
		},
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Timeouts: testTimeouts(),
		Pipeline: config.PipelineConfig{Stage3BatchSize: 2, DebateRounds: 2},
		Continuity: config.ContinuityConfig{
			PollInterval:     time.Hour,
			SnapshotInterval: time.Hour,
		},
	}
}

func newTestEngine(t *testing.T, collab Collaborators) (*Engine, *fakeStore) {
	t.Helper()
	store, ok := collab.Sessions.(*fakeStore)
	if !ok {
		store = &fakeStore{}
		collab.Sessions = store
	}
	if collab.Market == nil {
		collab.Market = &fakeMarket{}
	}
	cont := continuity.New(store, nil, time.Hour, time.Hour)
	return NewEngine(testConfig(), registry.Default(), collab, cont, WithLogger(NopLogger())), store
}

func TestEngineFullRunCompletes(t *testing.T) {
	analysis := &fakeAnalysis{}
	eng, store := newTestEngine(t, Collaborators{
		Analysis: analysis,
		Debate:   &fakeDebateSvc{},
	})

	result, err := eng.Run(context.Background(), "600000")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Session.Status != models.SessionStatusCompleted {
		t.Errorf("session status = %s, want completed", result.Session.Status)
	}
	if len(result.Tasks) != 21 {
		t.Fatalf("tasks = %d, want 21", len(result.Tasks))
	}
	for _, task := range result.Tasks {
		if task.State != models.TaskStateSuccess {
			t.Errorf("task %s state = %s, want success", task.ID, task.State)
		}
	}
	if len(result.Debates) != 2 {
		t.Fatalf("debates = %d, want 2", len(result.Debates))
	}
	if result.Debates[0].Kind != models.DebateDirectional || result.Debates[1].Kind != models.DebateRisk {
		t.Errorf("debate order = %s, %s", result.Debates[0].Kind, result.Debates[1].Kind)
	}
	if result.Report == "" {
		t.Error("assembled report is empty")
	}

	// Remote completion was recorded.
	found := false
	for _, s := range store.statuses {
		if s == models.SessionStatusCompleted {
			found = true
		}
	}
	if !found {
		t.Error("session never marked completed in the remote store")
	}
}

func TestEngineStageOrderingBarrier(t *testing.T) {
	reg := registry.Default()
	analysis := &fakeAnalysis{}
	eng, _ := newTestEngine(t, Collaborators{Analysis: analysis, Debate: &fakeDebateSvc{}})

	if _, err := eng.Run(context.Background(), "600000"); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Dispatch order respects the stage barriers: by the time a call for
	// stage N lands, no call for stage N+1 has been issued, and within
	// stage 1 the sub-step groups stay strictly sequential.
	analysis.mu.Lock()
	defer analysis.mu.Unlock()
	highest := 0
	highestGroup := 0
	for _, call := range analysis.calls {
		spec := reg.Get(call.TaskID)
		rank := spec.Stage * 10
		if spec.Stage == 1 {
			rank = spec.Stage*10 + spec.Group
			if spec.Group < highestGroup {
				t.Errorf("stage 1 group %d dispatched after group %d", spec.Group, highestGroup)
			}
			highestGroup = spec.Group
		}
		if rank < highest {
			t.Errorf("task %s (stage %d) dispatched after a later stage", call.TaskID, spec.Stage)
		}
		if rank > highest {
			highest = rank
		}
	}
	if len(analysis.calls) != 21 {
		t.Errorf("analysis calls = %d, want 21", len(analysis.calls))
	}
}

func TestEngineDebateTimeoutFallsBack(t *testing.T) {
	// The debate service never answers inside the segment budget; the
	// run must still complete with a usable heuristic conclusion.
	eng, _ := newTestEngine(t, Collaborators{
		Analysis: &fakeAnalysis{},
		Debate:   &fakeDebateSvc{delay: 2 * time.Second},
	})

	result, err := eng.Run(context.Background(), "000001")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Debates) != 2 {
		t.Fatalf("debates = %d, want 2", len(result.Debates))
	}
	for _, d := range result.Debates {
		if !d.Degraded {
			t.Errorf("%s debate not marked degraded", d.Kind)
		}
		if d.Score < 0 || d.Score > 100 {
			t.Errorf("%s debate score = %d out of range", d.Kind, d.Score)
		}
		switch d.Label {
		case models.LabelBullLeaning, models.LabelBearLeaning, models.LabelMixed, models.LabelInsufficientData:
		default:
			t.Errorf("%s debate label = %s", d.Kind, d.Label)
		}
	}
	if result.Session.Status != models.SessionStatusCompleted {
		t.Errorf("status = %s, want completed despite debate failures", result.Session.Status)
	}
}

func TestEngineFailedTaskDoesNotBlockNextStage(t *testing.T) {
	// credit-risk (stage 3, retries 1) fails permanently; the batched
	// stage still settles and stage 4 dispatches.
	analysis := &fakeAnalysis{fail: map[string]error{"credit-risk": errors.New("backend rejects this task")}}
	eng, _ := newTestEngine(t, Collaborators{Analysis: analysis, Debate: &fakeDebateSvc{}})

	result, err := eng.Run(context.Background(), "600000")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	states := make(map[string]models.TaskState)
	for _, task := range result.Tasks {
		states[task.ID] = task.State
	}
	if states["credit-risk"] != models.TaskStateError {
		t.Errorf("credit-risk = %s, want error", states["credit-risk"])
	}
	for _, id := range []string{"strategy-synthesis", "position-sizing", "final-recommendation"} {
		if states[id] != models.TaskStateSuccess {
			t.Errorf("stage 4 task %s = %s, want success", id, states[id])
		}
	}
	if result.Session.Status != models.SessionStatusCompleted {
		t.Errorf("status = %s, want completed", result.Session.Status)
	}
	if result.Report == "" {
		t.Error("report empty despite 20 successful tasks")
	}
}

func TestEngineRejectsMalformedStockCode(t *testing.T) {
	eng, _ := newTestEngine(t, Collaborators{Analysis: &fakeAnalysis{}})

	for _, code := range []string{"", "  ", "600;DROP", "muchtoolongforacode"} {
		_, err := eng.Run(context.Background(), code)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Run(%q) error = %v, want ValidationError", code, err)
		}
	}
}

func TestEngineMarketFailureIsPrecondition(t *testing.T) {
	eng, store := newTestEngine(t, Collaborators{
		Analysis: &fakeAnalysis{},
		Market:   &fakeMarket{err: errors.New("quote feed down")},
	})

	_, err := eng.Run(context.Background(), "600000")
	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}

	found := false
	for _, s := range store.statuses {
		if s == models.SessionStatusError {
			found = true
		}
	}
	if !found {
		t.Error("session not marked failed after the precondition failure")
	}
}

func TestEngineAbortSignalStopsDispatch(t *testing.T) {
	cw, err := NewControlWatcher(t.TempDir())
	if err != nil {
		t.Fatalf("control watcher: %v", err)
	}
	defer cw.Close()
	if err := cw.SendAbort(); err != nil {
		t.Fatalf("send abort: %v", err)
	}

	analysis := &fakeAnalysis{}
	store := &fakeStore{}
	cont := continuity.New(store, nil, time.Hour, time.Hour)
	eng := NewEngine(testConfig(), registry.Default(),
		Collaborators{Analysis: analysis, Market: &fakeMarket{}, Sessions: store},
		cont, WithControlWatcher(cw))

	_, runErr := eng.Run(context.Background(), "600000")
	var aerr *AbortError
	if !errors.As(runErr, &aerr) {
		t.Fatalf("error = %v, want AbortError", runErr)
	}
	if len(analysis.calls) != 0 {
		t.Errorf("analysis calls = %d after pre-dispatch abort, want 0", len(analysis.calls))
	}
	if cw.ShouldAbort() {
		t.Error("abort signal not consumed; a later resume would trip over it")
	}
}

func TestEngineResumeSkipsRestoredTasks(t *testing.T) {
	reg := registry.Default()
	analysis := &fakeAnalysis{}
	eng, _ := newTestEngine(t, Collaborators{Analysis: analysis, Debate: &fakeDebateSvc{}})

	// A snapshot from an interrupted run: all of stage 1 already settled.
	snap := &models.Snapshot{
		Version: models.SnapshotVersion,
		Session: models.Session{
			ID:               "remote-session-1",
			StockCode:        "600000",
			StartedAt:        time.Now().Add(-time.Minute),
			Status:           models.SessionStatusRunning,
			CompletedTaskIDs: make(map[string]bool),
		},
		Tasks: make(map[string]models.TaskSnapshot),
	}
	restoredCount := 0
	for _, spec := range reg.Specs() {
		if spec.Stage == 1 {
			snap.Tasks[spec.ID] = models.TaskSnapshot{
				State:         models.TaskStateSuccess,
				Output:        "recovered output for " + spec.ID,
				TokenEstimate: 15,
			}
			restoredCount++
		}
	}

	result, err := eng.Resume(context.Background(), &continuity.Resumable{
		SessionID: "remote-session-1",
		Source:    continuity.ResumeRemote,
		Snapshot:  snap,
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	if got := 21 - restoredCount; len(analysis.calls) != got {
		t.Errorf("analysis calls = %d, want %d (restored tasks must not re-run)", len(analysis.calls), got)
	}
	for _, task := range result.Tasks {
		if task.Stage == 1 && task.Output != "recovered output for "+task.ID {
			t.Errorf("task %s output = %q, want recovered output", task.ID, task.Output)
		}
		if task.State != models.TaskStateSuccess {
			t.Errorf("task %s state = %s, want success", task.ID, task.State)
		}
	}
	if result.Session.Status != models.SessionStatusCompleted {
		t.Errorf("status = %s, want completed", result.Session.Status)
	}
}

func TestEngineRemoteResumeReplaysBeforeDispatch(t *testing.T) {
	// The remote session finished price-volume while this process was
	// down, and the crash predates any local snapshot of it. The result
	// must be replayed before dispatch; waiting for the first poll tick
	// would re-run the task and discard the stored output.
	store := &fakeStore{
		remote: &backend.RemoteStatus{
			Status:           models.SessionStatusRunning,
			CompletedTaskIDs: []string{"price-volume"},
		},
		results: map[string]*backend.TaskResult{
			"price-volume": {TaskID: "price-volume", Output: "fetched from the remote store", TokenEstimate: 11},
		},
	}
	analysis := &fakeAnalysis{}
	eng, _ := newTestEngine(t, Collaborators{Analysis: analysis, Debate: &fakeDebateSvc{}, Sessions: store})

	snap := &models.Snapshot{
		Version: models.SnapshotVersion,
		Session: models.Session{
			ID:               "remote-session-1",
			StockCode:        "600000",
			StartedAt:        time.Now().Add(-time.Minute),
			Status:           models.SessionStatusRunning,
			CompletedTaskIDs: make(map[string]bool),
		},
		Tasks: make(map[string]models.TaskSnapshot),
	}

	result, err := eng.Resume(context.Background(), &continuity.Resumable{
		SessionID: "remote-session-1",
		Source:    continuity.ResumeRemote,
		Snapshot:  snap,
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	for _, call := range analysis.calls {
		if call.TaskID == "price-volume" {
			t.Error("price-volume re-dispatched despite a completed remote result")
		}
	}
	if len(analysis.calls) != 20 {
		t.Errorf("analysis calls = %d, want 20", len(analysis.calls))
	}
	for _, task := range result.Tasks {
		if task.ID != "price-volume" {
			continue
		}
		if task.Output != "fetched from the remote store" {
			t.Errorf("output = %q, want the remotely completed output", task.Output)
		}
		if task.TokenEstimate != 11 {
			t.Errorf("token estimate = %d, want the stored value 11", task.TokenEstimate)
		}
	}
	if result.Session.Status != models.SessionStatusCompleted {
		t.Errorf("status = %s, want completed", result.Session.Status)
	}
}

func TestEngineRemotePollMergesDuringRun(t *testing.T) {
	// The remote store already holds a result for market-sentiment; a
	// fast poll loop merges it before stage 1 group 2 dispatches, so the
	// engine never re-issues that call.
	store := &fakeStore{
		remote: &backend.RemoteStatus{
			Status:           models.SessionStatusRunning,
			CompletedTaskIDs: []string{"market-sentiment"},
		},
		results: map[string]*backend.TaskResult{
			"market-sentiment": {TaskID: "market-sentiment", Output: "merged from remote", TokenEstimate: 12},
		},
	}
	analysis := &fakeAnalysis{}
	cont := continuity.New(store, nil, 5*time.Millisecond, time.Hour)
	eng := NewEngine(testConfig(), registry.Default(),
		Collaborators{Analysis: analysis, Debate: &fakeDebateSvc{}, Market: &fakeMarket{}, Sessions: store},
		cont)

	result, err := eng.Run(context.Background(), "600000")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, task := range result.Tasks {
		if task.ID == "market-sentiment" && task.Output != "merged from remote" {
			// The poll may lose the race with local dispatch; either way
			// the task must have settled successfully exactly once.
			if task.State != models.TaskStateSuccess {
				t.Errorf("market-sentiment state = %s", task.State)
			}
		}
	}
	if result.Session.Status != models.SessionStatusCompleted {
		t.Errorf("status = %s, want completed", result.Session.Status)
	}
}
