package pipeline

import (
	"context"
	"sync"

	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/pkg/models"
)

// TaskFunc executes one task to a terminal state. A non-nil error means
// the task ended in the error state; the scheduler records it but never
// cancels siblings over it.
type TaskFunc func(ctx context.Context, taskID string) error

// StepResult reports how one dispatch step settled.
type StepResult struct {
	// Errors maps failed task ids to their terminal errors. Tasks absent
	// from the map succeeded.
	Errors map[string]error
}

// Failed returns the number of tasks that ended in error.
func (r *StepResult) Failed() int {
	return len(r.Errors)
}

// StageScheduler dispatches the tasks of one step under its concurrency
// policy and joins on all of them before returning. A failed task is
// terminal for that task only; its siblings always run to completion.
type StageScheduler struct {
	emitter *EventEmitter
}

// NewStageScheduler creates a scheduler emitting step lifecycle events.
func NewStageScheduler(emitter *EventEmitter) *StageScheduler {
	return &StageScheduler{emitter: emitter}
}

// RunStep executes every task of the step and blocks until all settle.
// Parallel steps launch every task at once; batched steps launch at most
// BatchSize tasks concurrently, with a join barrier between batches.
// Context cancellation stops launching new batches, but tasks already
// in flight are still awaited.
func (s *StageScheduler) RunStep(ctx context.Context, step registry.Step, run TaskFunc) *StepResult {
	s.emit(Event{
		Type:    EventStageStarted,
		Level:   LevelInfo,
		Stage:   step.Stage,
		Message: stepLabel(step),
	})
	debugLog("step start: stage=%d group=%d tasks=%d mode=%s",
		step.Stage, step.Group, len(step.TaskIDs), step.Policy.Mode)

	result := &StepResult{Errors: make(map[string]error)}
	var mu sync.Mutex

	record := func(id string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		result.Errors[id] = err
		mu.Unlock()
	}

	runBatch := func(ids []string) {
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				record(taskID, run(ctx, taskID))
			}(id)
		}
		wg.Wait()
	}

	switch step.Policy.Mode {
	case models.StageModeBatched:
		size := step.Policy.BatchSize
		if size < 1 {
			size = 1
		}
		for start := 0; start < len(step.TaskIDs); start += size {
			if ctx.Err() != nil {
				break
			}
			end := start + size
			if end > len(step.TaskIDs) {
				end = len(step.TaskIDs)
			}
			runBatch(step.TaskIDs[start:end])
		}
	default:
		runBatch(step.TaskIDs)
	}

	s.emit(Event{
		Type:    EventStageCompleted,
		Level:   LevelInfo,
		Stage:   step.Stage,
		Message: stepLabel(step),
	})
	debugLog("step done: stage=%d group=%d failed=%d", step.Stage, step.Group, result.Failed())
	return result
}

func (s *StageScheduler) emit(ev Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}

func stepLabel(step registry.Step) string {
	switch {
	case step.Group > 0:
		return stageName(step.Stage) + subStepSuffix(step.Group)
	default:
		return stageName(step.Stage)
	}
}

func stageName(stage int) string {
	switch stage {
	case 1:
		return "market groundwork"
	case 2:
		return "business quality"
	case 3:
		return "risk assessment"
	case 4:
		return "synthesis"
	default:
		return "stage"
	}
}

func subStepSuffix(group int) string {
	switch group {
	case 1:
		return " / data collection"
	case 2:
		return " / context"
	case 3:
		return " / deep analysis"
	default:
		return ""
	}
}
