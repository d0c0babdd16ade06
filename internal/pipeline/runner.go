package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/internal/config"
	"github.com/quantbrief/quantbrief/internal/invoke"
	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/pkg/models"
)

// progressTick is the cadence of the cosmetic progress log. The script
// advances on wall time, not on real work, and never affects outcomes.
const progressTick = time.Second

// TaskRunner executes one task through its full state machine:
// idle -> fetching (enrichment) -> analyzing (remote call) -> terminal.
type TaskRunner struct {
	registry  *registry.Registry
	analysis  backend.AnalysisService
	citations backend.CitationProvider
	store     backend.SessionStore
	timeouts  config.TimeoutsConfig
	emitter   *EventEmitter
	tick      time.Duration
}

// NewTaskRunner wires a runner over the run's collaborators. citations
// and store may be nil; both are best-effort.
func NewTaskRunner(
	reg *registry.Registry,
	analysis backend.AnalysisService,
	citations backend.CitationProvider,
	store backend.SessionStore,
	timeouts config.TimeoutsConfig,
	emitter *EventEmitter,
) *TaskRunner {
	return &TaskRunner{
		registry:  reg,
		analysis:  analysis,
		citations: citations,
		store:     store,
		timeouts:  timeouts,
		emitter:   emitter,
		tick:      progressTick,
	}
}

// Run drives the task with the given id to a terminal state. Tasks already
// terminal (restored from a snapshot or merged from the remote store) are
// skipped. The returned error mirrors the task's error state; it never
// represents a crash of the run itself.
func (r *TaskRunner) Run(ctx context.Context, rc *RunContext, taskID string) error {
	spec := r.registry.Get(taskID)
	if spec == nil {
		return fmt.Errorf("unknown task %q", taskID)
	}

	current := rc.Task(taskID)
	if current == nil {
		return fmt.Errorf("task %q missing from run context", taskID)
	}
	if current.State.Terminal() {
		debugLog("task %s: already %s, skipping", taskID, current.State)
		return nil
	}

	if err := r.transition(rc, taskID, models.TaskStateFetching); err != nil {
		return err
	}

	stopProgress := r.startProgressLog(ctx, rc, spec)
	defer stopProgress()

	r.enrich(ctx, rc, spec)

	if err := r.transition(rc, taskID, models.TaskStateAnalyzing); err != nil {
		return err
	}

	output, err := r.invoke(ctx, rc, spec)
	stopProgress()
	if err != nil {
		diagnostic := fmt.Sprintf("%s unavailable: %v", spec.Title, err)
		if !rc.FailTask(taskID, diagnostic, err.Error()) {
			debugLog("task %s: settled by a remote merge mid-flight, keeping that result", taskID)
			return nil
		}
		r.emitTerminal(rc, taskID, models.TaskStateError)
		debugLog("task %s: failed: %v", taskID, err)
		return err
	}

	tokens := estimateTokens(output)
	if !rc.CompleteTask(taskID, output, tokens) {
		debugLog("task %s: settled by a remote merge mid-flight, keeping that result", taskID)
		return nil
	}
	r.emitTerminal(rc, taskID, models.TaskStateSuccess)
	debugLog("task %s: success, ~%d tokens", taskID, tokens)

	r.report(ctx, rc, taskID, output, tokens)
	return nil
}

// estimateTokens approximates the token count of an output as
// floor(len/1.5). Display-only; nothing decides on it.
func estimateTokens(output string) int {
	return len(output) * 2 / 3
}

// transition applies a non-terminal state change and emits the matching
// event. Terminal states are set atomically by CompleteTask/FailTask.
func (r *TaskRunner) transition(rc *RunContext, taskID string, next models.TaskState) error {
	if err := rc.TransitionTask(taskID, next); err != nil {
		return err
	}
	r.emit(Event{
		Type:      EventTaskState,
		Level:     LevelInfo,
		SessionID: rc.SessionID(),
		TaskID:    taskID,
		State:     next,
	})
	return nil
}

// emitTerminal announces a terminal state the runner just settled.
func (r *TaskRunner) emitTerminal(rc *RunContext, taskID string, state models.TaskState) {
	level := LevelInfo
	if state == models.TaskStateError {
		level = LevelError
	}
	r.emit(Event{
		Type:      EventTaskState,
		Level:     level,
		SessionID: rc.SessionID(),
		TaskID:    taskID,
		State:     state,
	})
}

// enrich attaches citations to the task. A failed or missing provider
// yields placeholder citations; enrichment never fails a task.
func (r *TaskRunner) enrich(ctx context.Context, rc *RunContext, spec *registry.Spec) {
	stockCode := rc.Session().StockCode

	if r.citations != nil {
		ctx, cancel := context.WithTimeout(ctx, r.timeouts.StoreCall)
		defer cancel()
		citations, err := r.citations.Citations(ctx, spec.ID, stockCode)
		if err == nil && len(citations) > 0 {
			rc.SetCitations(spec.ID, citations)
			return
		}
		if err != nil {
			debugLog("task %s: citation enrichment failed, using placeholders: %v", spec.ID, err)
		}
	}

	rc.SetCitations(spec.ID, placeholderCitations(spec))
}

// placeholderCitations fabricates the generic citation set shown when the
// enrichment provider is unreachable.
func placeholderCitations(spec *registry.Spec) []models.Citation {
	return []models.Citation{
		{Name: "market data feed", Count: 1, Description: "primary data source for " + spec.Title},
		{Name: "public filings", Count: 1, Description: "supporting documents"},
	}
}

// invoke issues the analysis call under the resilient policy tuned for
// the task's call weight.
func (r *TaskRunner) invoke(ctx context.Context, rc *RunContext, spec *registry.Spec) (string, error) {
	session := rc.Session()
	req := backend.AnalysisRequest{
		TaskID:       spec.ID,
		StockCode:    session.StockCode,
		Market:       rc.Market(),
		PriorOutputs: rc.OutputsFor(spec.Uses),
		Instruction:  fmt.Sprintf(spec.Instruction, session.StockCode),
	}

	iv := invoke.New(
		r.timeouts.SegmentFor(spec.Weight),
		r.timeouts.MaxSegments,
		spec.Retries,
		invoke.WithBackoff(r.timeouts.Backoff),
		invoke.WithHeartbeat(func(hb invoke.Heartbeat) {
			r.emit(Event{
				Type:      EventHeartbeat,
				Level:     LevelDebug,
				SessionID: session.ID,
				TaskID:    spec.ID,
				Message:   fmt.Sprintf("still waiting (segment %d, %s elapsed)", hb.Segment, hb.Elapsed.Round(time.Second)),
			})
			debugLog("task %s: heartbeat segment=%d elapsed=%s", spec.ID, hb.Segment, hb.Elapsed)
		}),
	)

	return iv.Do(ctx, func(ctx context.Context) (string, error) {
		resp, err := r.analysis.Analyze(ctx, req)
		if err != nil {
			return "", err
		}
		if !resp.Success {
			return "", fmt.Errorf("analysis rejected: %s", resp.Error)
		}
		return resp.Result, nil
	})
}

// report persists the task result to the remote session store. Failures
// are logged and swallowed; local state is authoritative. The call runs
// outside the invoker, so it carries its own deadline: a hung store must
// not stall the stage join barrier.
func (r *TaskRunner) report(ctx context.Context, rc *RunContext, taskID, output string, tokens int) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeouts.StoreCall)
	defer cancel()
	result := backend.TaskResult{TaskID: taskID, Output: output, TokenEstimate: tokens}
	if err := r.store.ReportTaskResult(ctx, rc.SessionID(), result); err != nil {
		debugLog("task %s: report to session store failed: %v", taskID, err)
	}
}

// startProgressLog begins the cosmetic progress script for the task and
// returns an idempotent stop function. Each tick appends the next scripted
// step and emits a progress event; the script does not repeat once
// exhausted, and the log stops the moment the analysis call settles.
func (r *TaskRunner) startProgressLog(ctx context.Context, rc *RunContext, spec *registry.Spec) func() {
	if len(spec.Progress) == 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()

		step := 0
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if step >= len(spec.Progress) {
					continue
				}
				ps := spec.Progress[step]
				step++
				rc.AppendProgress(spec.ID, models.ProgressEntry{
					Icon:  ps.Icon,
					Label: ps.Label,
					At:    time.Now(),
				})
				r.emit(Event{
					Type:      EventTaskProgress,
					Level:     LevelDebug,
					SessionID: rc.SessionID(),
					TaskID:    spec.ID,
					Message:   ps.Label,
				})
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (r *TaskRunner) emit(ev Event) {
	if r.emitter != nil {
		r.emitter.Emit(ev)
	}
}
