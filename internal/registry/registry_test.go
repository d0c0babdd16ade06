package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quantbrief/quantbrief/pkg/models"
)

func TestDefaultCatalogueShape(t *testing.T) {
	r := Default()

	if r.Size() != 21 {
		t.Fatalf("expected 21 tasks, got %d", r.Size())
	}

	counts := make(map[int]int)
	for _, spec := range r.Specs() {
		counts[spec.Stage]++
	}

	want := map[int]int{1: 9, 2: 3, 3: 6, 4: 3}
	for stage, n := range want {
		if counts[stage] != n {
			t.Errorf("stage %d: expected %d tasks, got %d", stage, n, counts[stage])
		}
	}
}

func TestUsesReferenceEarlierSteps(t *testing.T) {
	r := Default()

	// Build the settle order of each task: the index of the step it runs in.
	order := make(map[string]int)
	for i, step := range r.Plan(2) {
		for _, id := range step.TaskIDs {
			order[id] = i
		}
	}

	for _, spec := range r.Specs() {
		for _, dep := range spec.Uses {
			depSpec := r.Get(dep)
			if depSpec == nil {
				t.Errorf("task %s references unknown task %s", spec.ID, dep)
				continue
			}
			if order[dep] >= order[spec.ID] {
				t.Errorf("task %s references %s which does not settle in an earlier step", spec.ID, dep)
			}
		}
	}
}

func TestPlanOrderingAndPolicies(t *testing.T) {
	r := Default()
	steps := r.Plan(2)

	if len(steps) != 6 {
		t.Fatalf("expected 6 steps (3 sub-steps + 3 stages), got %d", len(steps))
	}

	// Stage 1 must appear as three sequential sub-steps.
	for i := 0; i < 3; i++ {
		if steps[i].Stage != 1 || steps[i].Group != i+1 {
			t.Errorf("step %d: expected stage 1 group %d, got stage %d group %d",
				i, i+1, steps[i].Stage, steps[i].Group)
		}
		if steps[i].Policy.Mode != models.StageModeParallel {
			t.Errorf("stage 1 sub-step %d must be parallel", i+1)
		}
	}

	if steps[4].Stage != 3 || steps[4].Policy.Mode != models.StageModeBatched {
		t.Errorf("stage 3 must be batched, got %+v", steps[4].Policy)
	}
	if steps[4].Policy.BatchSize != 2 {
		t.Errorf("stage 3 batch size = %d, want 2", steps[4].Policy.BatchSize)
	}
	if len(steps[4].TaskIDs) != 6 {
		t.Errorf("stage 3 should hold 6 tasks, got %d", len(steps[4].TaskIDs))
	}
}

func TestNewTasksAreIdle(t *testing.T) {
	r := Default()
	tasks := r.NewTasks()

	if len(tasks) != r.Size() {
		t.Fatalf("expected %d tasks, got %d", r.Size(), len(tasks))
	}
	for _, task := range tasks {
		if task.State != models.TaskStateIdle {
			t.Errorf("task %s: expected idle, got %s", task.ID, task.State)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	r := Default()
	retries := 0

	err := r.ApplyOverrides(map[string]Override{
		"technical-analysis": {Weight: WeightStandard, Retries: &retries},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spec := r.Get("technical-analysis")
	if spec.Weight != WeightStandard {
		t.Errorf("weight = %s, want standard", spec.Weight)
	}
	if spec.Retries != 0 {
		t.Errorf("retries = %d, want 0", spec.Retries)
	}
}

func TestApplyOverridesRejectsUnknownTask(t *testing.T) {
	r := Default()
	if err := r.ApplyOverrides(map[string]Override{"no-such-task": {}}); err == nil {
		t.Error("expected error for unknown task id")
	}
}

func TestApplyOverridesRejectsBadValues(t *testing.T) {
	r := Default()

	if err := r.ApplyOverrides(map[string]Override{"money-flow": {Weight: "gigantic"}}); err == nil {
		t.Error("expected error for unknown weight")
	}

	bad := 7
	if err := r.ApplyOverrides(map[string]Override{"money-flow": {Retries: &bad}}); err == nil {
		t.Error("expected error for out-of-range retries")
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	content := "tasks:\n  news-digest:\n    weight: standard\n    retries: 0\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}

	r := Default()
	if err := r.LoadOverrides(path); err != nil {
		t.Fatalf("load overrides: %v", err)
	}

	spec := r.Get("news-digest")
	if spec.Weight != WeightStandard || spec.Retries != 0 {
		t.Errorf("override not applied: weight=%s retries=%d", spec.Weight, spec.Retries)
	}
}
