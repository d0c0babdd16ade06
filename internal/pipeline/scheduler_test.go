package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/pkg/models"
)

func parallelStep(ids ...string) registry.Step {
	return registry.Step{
		Stage:   2,
		Policy:  models.StagePolicy{Mode: models.StageModeParallel},
		TaskIDs: ids,
	}
}

func batchedStep(size int, ids ...string) registry.Step {
	return registry.Step{
		Stage:   3,
		Policy:  models.StagePolicy{Mode: models.StageModeBatched, BatchSize: size},
		TaskIDs: ids,
	}
}

func TestRunStepParallelRunsAllConcurrently(t *testing.T) {
	sched := NewStageScheduler(nil)

	var inFlight, peak atomic.Int32
	run := func(ctx context.Context, id string) error {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	res := sched.RunStep(context.Background(), parallelStep("a", "b", "c"), run)
	if res.Failed() != 0 {
		t.Fatalf("failed = %d, want 0", res.Failed())
	}
	if peak.Load() != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak.Load())
	}
}

func TestRunStepBatchedCapsConcurrency(t *testing.T) {
	sched := NewStageScheduler(nil)

	var inFlight, peak atomic.Int32
	var started []string
	var mu sync.Mutex
	run := func(ctx context.Context, id string) error {
		mu.Lock()
		started = append(started, id)
		mu.Unlock()

		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	ids := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	res := sched.RunStep(context.Background(), batchedStep(2, ids...), run)
	if res.Failed() != 0 {
		t.Fatalf("failed = %d, want 0", res.Failed())
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if len(started) != 6 {
		t.Errorf("started %d tasks, want 6", len(started))
	}

	// Batches preserve catalogue order: each pair settles before the next starts.
	pos := make(map[string]int, len(started))
	for i, id := range started {
		pos[id] = i
	}
	if pos["r1"] > 3 || pos["r2"] > 3 {
		t.Errorf("first batch tasks started late: %v", started)
	}
	if pos["r5"] < 2 || pos["r6"] < 2 {
		t.Errorf("last batch tasks started early: %v", started)
	}
}

func TestRunStepFailureDoesNotCancelSiblings(t *testing.T) {
	sched := NewStageScheduler(nil)

	var completed atomic.Int32
	boom := errors.New("analysis failed")
	run := func(ctx context.Context, id string) error {
		if id == "bad" {
			return boom
		}
		time.Sleep(30 * time.Millisecond)
		completed.Add(1)
		return nil
	}

	res := sched.RunStep(context.Background(), parallelStep("bad", "ok1", "ok2"), run)
	if res.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", res.Failed())
	}
	if !errors.Is(res.Errors["bad"], boom) {
		t.Errorf("errors[bad] = %v, want %v", res.Errors["bad"], boom)
	}
	if completed.Load() != 2 {
		t.Errorf("siblings completed = %d, want 2", completed.Load())
	}
}

func TestRunStepBatchedStopsLaunchingOnCancel(t *testing.T) {
	sched := NewStageScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32
	run := func(ctx context.Context, id string) error {
		started.Add(1)
		cancel()
		return nil
	}

	sched.RunStep(ctx, batchedStep(1, "a", "b", "c"), run)
	if got := started.Load(); got != 1 {
		t.Errorf("started = %d after cancel, want 1", got)
	}
}
