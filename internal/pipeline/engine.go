package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/internal/config"
	"github.com/quantbrief/quantbrief/internal/continuity"
	"github.com/quantbrief/quantbrief/internal/debate"
	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/internal/report"
	"github.com/quantbrief/quantbrief/pkg/models"
)

// Collaborators bundles the external services a run talks to. Analysis
// is required; the rest degrade gracefully when nil.
type Collaborators struct {
	Analysis  backend.AnalysisService
	Debate    backend.DebateService
	Market    backend.MarketProvider
	Citations backend.CitationProvider
	Sessions  backend.SessionStore
}

// RunResult is the outcome of one full pipeline run.
type RunResult struct {
	Session models.Session
	Tasks   []models.Task
	Debates []models.DebateConclusion
	Report  string
}

// Engine drives a full analysis run: validation, session lifecycle,
// staged dispatch, debates, and report assembly.
type Engine struct {
	cfg        *config.Config
	registry   *registry.Registry
	collab     Collaborators
	continuity *continuity.Continuity
	scheduler  *StageScheduler
	runner     *TaskRunner
	assembler  *report.Assembler
	emitter    *EventEmitter
	control    *ControlWatcher
	logger     *DebugLogger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEmitter attaches an event emitter consumed by the presentation layer.
func WithEmitter(e *EventEmitter) EngineOption {
	return func(eng *Engine) { eng.emitter = e }
}

// WithControlWatcher attaches the external abort watcher.
func WithControlWatcher(cw *ControlWatcher) EngineOption {
	return func(eng *Engine) { eng.control = cw }
}

// WithLogger attaches the debug logger; it also becomes the package-level
// logger used by the scheduler and runner internals.
func WithLogger(l *DebugLogger) EngineOption {
	return func(eng *Engine) {
		eng.logger = l
		setPackageLogger(l)
	}
}

// NewEngine wires an engine over its collaborators and continuity layer.
func NewEngine(cfg *config.Config, reg *registry.Registry, collab Collaborators, cont *continuity.Continuity, opts ...EngineOption) *Engine {
	eng := &Engine{
		cfg:        cfg,
		registry:   reg,
		collab:     collab,
		continuity: cont,
		assembler:  report.NewAssembler(reg),
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.scheduler = NewStageScheduler(eng.emitter)
	eng.runner = NewTaskRunner(reg, collab.Analysis, collab.Citations, collab.Sessions, cfg.Timeouts, eng.emitter)
	return eng
}

// Run executes a fresh pipeline run for the stock code.
func (e *Engine) Run(ctx context.Context, stockCode string) (*RunResult, error) {
	stockCode = strings.TrimSpace(stockCode)
	if err := validateStockCode(stockCode); err != nil {
		return nil, err
	}

	session := e.continuity.Open(ctx, stockCode)
	e.emit(Event{Type: EventSessionCreated, Level: LevelInfo, SessionID: session.ID,
		Message: fmt.Sprintf("session for %s", stockCode)})
	debugLog("run start: session=%s code=%s remote=%v", session.ID, stockCode, e.continuity.Remote())

	market, err := e.fetchMarket(ctx, stockCode)
	if err != nil {
		perr := &PreconditionError{Precondition: "market snapshot", Err: err}
		e.continuity.Finish(ctx, session.ID, models.SessionStatusError)
		e.emit(Event{Type: EventRunFailed, Level: LevelError, SessionID: session.ID, Message: perr.Error()})
		return nil, perr
	}

	rc := NewRunContext(session, market, e.registry.NewTasks())
	return e.execute(ctx, rc)
}

// Resume picks up an interrupted run found by the continuity layer. For
// a remote resume the polling loop replays completed results before the
// remaining tasks dispatch; for a local snapshot the stored task states
// are merged directly.
func (e *Engine) Resume(ctx context.Context, res *continuity.Resumable) (*RunResult, error) {
	if res == nil {
		return nil, &ValidationError{Field: "session", Reason: "nothing to resume"}
	}

	session := &models.Session{
		ID:               res.SessionID,
		Status:           models.SessionStatusRunning,
		CompletedTaskIDs: make(map[string]bool),
	}
	var market *backend.MarketSnapshot
	if res.Snapshot != nil {
		session.StockCode = res.Snapshot.Session.StockCode
		session.StartedAt = res.Snapshot.Session.StartedAt
	}
	if session.StockCode == "" {
		return nil, &ValidationError{Field: "session", Reason: "snapshot carries no stock code"}
	}

	fetched, err := e.fetchMarket(ctx, session.StockCode)
	if err != nil {
		perr := &PreconditionError{Precondition: "market snapshot", Err: err}
		e.continuity.Finish(ctx, session.ID, models.SessionStatusError)
		return nil, perr
	}
	market = fetched

	rc := NewRunContext(session, market, e.registry.NewTasks())
	if res.Snapshot != nil {
		restored := rc.RestoreSnapshot(res.Snapshot)
		debugLog("resume: session=%s source=%s restored=%d tasks", session.ID, res.Source, restored)
	}
	if res.Source == continuity.ResumeRemote {
		// Replay what the remote session finished while this process was
		// down, before any task dispatches; waiting for the first poll
		// tick would re-issue work the store already holds results for.
		e.continuity.ReplayCompleted(ctx, rc)
	}

	e.emit(Event{Type: EventSessionCreated, Level: LevelInfo, SessionID: session.ID,
		Message: fmt.Sprintf("resumed %s session for %s", res.Source, session.StockCode)})
	return e.execute(ctx, rc)
}

// execute runs the staged pipeline over a prepared run context: stage 1
// sub-steps in strict order, the directional debate, stage 2, the risk
// debate, then the batched risk stage and the synthesis stage.
func (e *Engine) execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	e.continuity.StartLoops(ctx, rc)

	steps := e.registry.Plan(e.cfg.Pipeline.Stage3BatchSize)
	for i, step := range steps {
		if err := e.checkAbort(ctx); err != nil {
			return nil, e.fail(ctx, rc, err)
		}

		result := e.scheduler.RunStep(ctx, step, func(ctx context.Context, taskID string) error {
			return e.runner.Run(ctx, rc, taskID)
		})
		if result.Failed() > 0 {
			debugLog("step stage=%d group=%d: %d task(s) failed, pipeline continues",
				step.Stage, step.Group, result.Failed())
		}
		e.continuity.SaveNow(rc)
		e.emit(Event{Type: EventSnapshotSaved, Level: LevelDebug, SessionID: rc.SessionID()})

		// Debates sit on stage boundaries: directional after stage 1,
		// risk after stage 2.
		if lastStepOfStage(steps, i, 1) {
			if err := e.runDebate(ctx, rc, models.DebateDirectional); err != nil {
				return nil, e.fail(ctx, rc, err)
			}
		}
		if lastStepOfStage(steps, i, 2) {
			if err := e.runDebate(ctx, rc, models.DebateRisk); err != nil {
				return nil, e.fail(ctx, rc, err)
			}
		}
	}

	session := rc.Session()
	doc := e.assembler.Assemble(session.StockCode, rc.Market(), rc.Tasks(), rc.Debates())

	rc.SetSessionStatus(models.SessionStatusCompleted)
	e.continuity.Finish(ctx, session.ID, models.SessionStatusCompleted)
	e.emit(Event{Type: EventRunCompleted, Level: LevelInfo, SessionID: session.ID})
	debugLog("run complete: session=%s", session.ID)

	return &RunResult{
		Session: rc.Session(),
		Tasks:   rc.Tasks(),
		Debates: rc.Debates(),
		Report:  doc,
	}, nil
}

// runDebate executes one debate sub-workflow. The coordinator never
// fails, so the only error out of here is an abort.
func (e *Engine) runDebate(ctx context.Context, rc *RunContext, kind models.DebateKind) error {
	if err := e.checkAbort(ctx); err != nil {
		return err
	}

	e.emit(Event{Type: EventDebateStarted, Level: LevelInfo, SessionID: rc.SessionID(),
		Message: string(kind)})
	debugLog("debate %s: starting", kind)

	coordinator := debate.NewCoordinator(
		e.collab.Debate,
		e.cfg.Timeouts.Debate,
		e.cfg.Timeouts.DebateSegments,
		e.cfg.Pipeline.DebateRounds,
	)
	conclusion := coordinator.Run(ctx, kind, rc.Session().StockCode, rc.SuccessfulOutputs(), rc.Market())
	rc.AddDebate(conclusion)
	e.continuity.SaveNow(rc)

	level := LevelInfo
	if conclusion.Degraded {
		level = LevelWarn
	}
	e.emit(Event{Type: EventDebateConcluded, Level: level, SessionID: rc.SessionID(),
		Message: fmt.Sprintf("%s: %s (%d/100)", kind, conclusion.Label, conclusion.Score)})
	debugLog("debate %s: %s score=%d degraded=%v", kind, conclusion.Label, conclusion.Score, conclusion.Degraded)
	return nil
}

// checkAbort reports the pipeline-level abort condition, from either the
// run context or the external control file.
func (e *Engine) checkAbort(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &AbortError{Reason: err.Error()}
	}
	if e.control.ShouldAbort() {
		// Consume the signal so a later resume of this session does not
		// trip over the stale abort file.
		e.control.ClearSignals()
		return &AbortError{Reason: "abort signal received"}
	}
	return nil
}

// fail marks the session failed and surfaces the abort or precondition
// error. In-flight calls are never retracted; dispatch simply stops.
func (e *Engine) fail(ctx context.Context, rc *RunContext, err error) error {
	rc.SetSessionStatus(models.SessionStatusError)
	e.continuity.Finish(ctx, rc.SessionID(), models.SessionStatusError)
	e.emit(Event{Type: EventRunFailed, Level: LevelError, SessionID: rc.SessionID(), Message: err.Error()})
	debugLog("run failed: session=%s: %v", rc.SessionID(), err)
	return err
}

// fetchMarket resolves the market snapshot precondition.
func (e *Engine) fetchMarket(ctx context.Context, stockCode string) (*backend.MarketSnapshot, error) {
	if e.collab.Market == nil {
		return nil, fmt.Errorf("no market data provider configured")
	}
	snap, err := e.collab.Market.Snapshot(ctx, stockCode)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("market provider returned no data for %s", stockCode)
	}
	return snap, nil
}

// lastStepOfStage reports whether steps[i] is the final step of the
// given stage.
func lastStepOfStage(steps []registry.Step, i, stage int) bool {
	if steps[i].Stage != stage {
		return false
	}
	return i+1 >= len(steps) || steps[i+1].Stage != stage
}

// validateStockCode rejects malformed input before any dispatch.
func validateStockCode(code string) error {
	if code == "" {
		return &ValidationError{Field: "stock code", Reason: "must not be empty"}
	}
	if len(code) > 12 {
		return &ValidationError{Field: "stock code", Reason: "too long"}
	}
	for _, r := range code {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && r != '.' {
			return &ValidationError{Field: "stock code", Reason: fmt.Sprintf("invalid character %q", r)}
		}
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}
