package report

import (
	"strings"
	"testing"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/pkg/models"
)

func settledTasks(reg *registry.Registry) []models.Task {
	var tasks []models.Task
	for _, spec := range reg.Specs() {
		tasks = append(tasks, models.Task{
			ID:     spec.ID,
			Title:  spec.Title,
			Stage:  spec.Stage,
			Group:  spec.Group,
			State:  models.TaskStateSuccess,
			Output: "findings for " + spec.ID,
		})
	}
	return tasks
}

func TestAssembleFullRun(t *testing.T) {
	reg := registry.Default()
	a := NewAssembler(reg)
	tasks := settledTasks(reg)
	debates := []models.DebateConclusion{
		{Kind: models.DebateDirectional, Label: models.LabelBullLeaning, Score: 70, Synthesis: "bull case prevailed"},
		{Kind: models.DebateRisk, Label: models.LabelMixed, Score: 50, Synthesis: "risks balanced"},
	}
	market := &backend.MarketSnapshot{StockCode: "600000", Price: 11.2, ChangePct: 0.8, PERatio: 14.5}

	doc := a.Assemble("600000", market, tasks, debates)
	if doc == "" {
		t.Fatal("empty report for a fully settled run")
	}
	for _, want := range []string{
		"# Analysis Report: 600000",
		"## Market Groundwork",
		"## Business Quality",
		"## Risk Assessment",
		"## Synthesis & Recommendation",
		"Directional Debate",
		"Risk Debate",
		"findings for final-recommendation",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("report missing %q", want)
		}
	}

	// Sections follow registry order, not completion order.
	first := strings.Index(doc, "Price & Volume Snapshot")
	last := strings.Index(doc, "Final Recommendation")
	if first < 0 || last < 0 || first > last {
		t.Errorf("section order wrong: first=%d last=%d", first, last)
	}
	// The directional debate leads into stage 2.
	debateIdx := strings.Index(doc, "Directional Debate")
	stage2Idx := strings.Index(doc, "Earnings Quality")
	if debateIdx < 0 || stage2Idx < 0 || debateIdx > stage2Idx {
		t.Errorf("directional debate not placed before stage 2: %d vs %d", debateIdx, stage2Idx)
	}
}

func TestAssembleErrorTaskGetsDiagnosticStub(t *testing.T) {
	reg := registry.Default()
	a := NewAssembler(reg)
	tasks := settledTasks(reg)
	for i := range tasks {
		if tasks[i].ID == "credit-risk" {
			tasks[i].State = models.TaskStateError
			tasks[i].Output = ""
			tasks[i].Error = "call failed after 2 attempt(s)"
		}
	}

	doc := a.Assemble("600000", nil, tasks, nil)
	if !strings.Contains(doc, "could not be produced: call failed after 2 attempt(s)") {
		t.Error("error task missing its diagnostic stub")
	}
	if !strings.Contains(doc, "### Credit Risk") {
		t.Error("error task section heading missing")
	}
}

func TestAssembleSkipsUnsettledTasks(t *testing.T) {
	reg := registry.Default()
	a := NewAssembler(reg)
	tasks := settledTasks(reg)
	for i := range tasks {
		if tasks[i].Stage > 1 {
			tasks[i].State = models.TaskStateIdle
			tasks[i].Output = ""
		}
	}

	doc := a.Assemble("600000", nil, tasks, nil)
	if doc == "" {
		t.Fatal("expected partial report")
	}
	if strings.Contains(doc, "Final Recommendation") {
		t.Error("idle task leaked into the report")
	}
	if !strings.Contains(doc, "Technical Analysis") {
		t.Error("settled stage 1 task missing")
	}
}

func TestAssembleEmptyWhenNothingSettled(t *testing.T) {
	reg := registry.Default()
	a := NewAssembler(reg)
	var fresh []models.Task
	for _, task := range reg.NewTasks() {
		fresh = append(fresh, *task)
	}

	if doc := a.Assemble("600000", nil, fresh, nil); doc != "" {
		t.Errorf("report = %q, want empty with no settled sources", doc)
	}
}

func TestAssembleCitations(t *testing.T) {
	reg := registry.Default()
	a := NewAssembler(reg)
	tasks := settledTasks(reg)
	tasks[0].Citations = []models.Citation{
		{Name: "exchange feed", Count: 3},
		{Name: "public filings", Count: 1},
	}

	doc := a.Assemble("600000", nil, tasks, nil)
	if !strings.Contains(doc, "Sources: exchange feed (3), public filings") {
		t.Error("citations not rendered")
	}
}
