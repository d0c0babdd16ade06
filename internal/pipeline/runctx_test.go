package pipeline

import (
	"testing"

	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/pkg/models"
)

func TestSettledTaskNotOverwrittenByLateLocalResult(t *testing.T) {
	// A remote merge lands while the local call is still in flight. The
	// late local outcome, success or failure, must yield to it.
	rc := newTestRun(t, registry.Default())
	if err := rc.TransitionTask("price-volume", models.TaskStateAnalyzing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !rc.MergeRemoteResult("price-volume", "remote output", 9) {
		t.Fatal("merge rejected")
	}

	if rc.FailTask("price-volume", "Price & Volume Snapshot unavailable: boom", "boom") {
		t.Error("FailTask overwrote a settled task")
	}
	task := rc.Task("price-volume")
	if task.State != models.TaskStateSuccess || task.Output != "remote output" || task.Error != "" {
		t.Errorf("task after late failure = state %s output %q error %q", task.State, task.Output, task.Error)
	}

	if rc.CompleteTask("price-volume", "local output", 3) {
		t.Error("CompleteTask overwrote a settled task")
	}
	task = rc.Task("price-volume")
	if task.Output != "remote output" || task.TokenEstimate != 9 {
		t.Errorf("merged result replaced: output %q tokens %d", task.Output, task.TokenEstimate)
	}
}

func TestCompleteAndFailSettleAtomically(t *testing.T) {
	rc := newTestRun(t, registry.Default())

	if !rc.CompleteTask("price-volume", "done", 4) {
		t.Fatal("CompleteTask rejected a live task")
	}
	task := rc.Task("price-volume")
	if task.State != models.TaskStateSuccess || task.CompletedAt == nil {
		t.Errorf("completed task = state %s completedAt %v", task.State, task.CompletedAt)
	}
	if !rc.Session().CompletedTaskIDs["price-volume"] {
		t.Error("completion not recorded in the session set")
	}

	if !rc.FailTask("money-flow", "Money Flow unavailable: refused", "refused") {
		t.Fatal("FailTask rejected a live task")
	}
	task = rc.Task("money-flow")
	if task.State != models.TaskStateError || task.Error != "refused" || task.CompletedAt == nil {
		t.Errorf("failed task = state %s error %q completedAt %v", task.State, task.Error, task.CompletedAt)
	}
}
