// Package report folds a finished run into one readable document.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/pkg/models"
)

// Assembler builds the final report from task outputs and debate
// conclusions. Section order follows the registry catalogue, so the
// document reads in pipeline order regardless of completion order.
type Assembler struct {
	registry *registry.Registry
}

// NewAssembler creates an assembler over the task catalogue.
func NewAssembler(reg *registry.Registry) *Assembler {
	return &Assembler{registry: reg}
}

// Assemble renders the report. Failed tasks contribute a diagnostic stub
// instead of silently disappearing; the result is non-empty whenever at
// least one task settled or one debate concluded.
func (a *Assembler) Assemble(stockCode string, market *backend.MarketSnapshot, tasks []models.Task, debates []models.DebateConclusion) string {
	byID := make(map[string]models.Task, len(tasks))
	settled := 0
	for _, t := range tasks {
		byID[t.ID] = t
		if t.State.Terminal() {
			settled++
		}
	}
	if settled == 0 && len(debates) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Analysis Report: %s\n\n", stockCode)
	fmt.Fprintf(&b, "Generated %s\n\n", time.Now().Format("2006-01-02 15:04"))

	if market != nil {
		fmt.Fprintf(&b, "Price %.2f (%+.2f%%)", market.Price, market.ChangePct)
		if market.PERatio > 0 {
			fmt.Fprintf(&b, ", P/E %.1f", market.PERatio)
		}
		b.WriteString("\n\n")
	}

	currentStage := 0
	for _, spec := range a.registry.Specs() {
		task, ok := byID[spec.ID]
		if !ok || !task.State.Terminal() {
			continue
		}

		if spec.Stage != currentStage {
			currentStage = spec.Stage
			fmt.Fprintf(&b, "## %s\n\n", stageHeading(currentStage))
			if conclusion := debateBefore(currentStage, debates); conclusion != nil {
				writeDebate(&b, conclusion)
			}
		}

		fmt.Fprintf(&b, "### %s\n\n", spec.Title)
		switch task.State {
		case models.TaskStateSuccess:
			b.WriteString(task.Output)
			b.WriteString("\n\n")
			if len(task.Citations) > 0 {
				writeCitations(&b, task.Citations)
			}
		case models.TaskStateError:
			fmt.Fprintf(&b, "_This section could not be produced: %s_\n\n", task.Error)
		}
	}

	return b.String()
}

// stageHeading names the report section for a pipeline stage.
func stageHeading(stage int) string {
	switch stage {
	case 1:
		return "Market Groundwork"
	case 2:
		return "Business Quality"
	case 3:
		return "Risk Assessment"
	case 4:
		return "Synthesis & Recommendation"
	default:
		return fmt.Sprintf("Stage %d", stage)
	}
}

// debateBefore returns the debate conclusion that precedes the given
// stage in the run order: the directional debate leads into stage 2,
// the risk debate into stage 3.
func debateBefore(stage int, debates []models.DebateConclusion) *models.DebateConclusion {
	var want models.DebateKind
	switch stage {
	case 2:
		want = models.DebateDirectional
	case 3:
		want = models.DebateRisk
	default:
		return nil
	}
	for i := range debates {
		if debates[i].Kind == want {
			return &debates[i]
		}
	}
	return nil
}

func writeDebate(b *strings.Builder, c *models.DebateConclusion) {
	title := "Directional Debate"
	if c.Kind == models.DebateRisk {
		title = "Risk Debate"
	}
	fmt.Fprintf(b, "**%s** — %s (confidence %d/100)", title, c.Label, c.Score)
	if c.Degraded {
		b.WriteString(" _(heuristic estimate; debate service unavailable)_")
	}
	b.WriteString("\n\n")
	if c.Synthesis != "" {
		b.WriteString(c.Synthesis)
		b.WriteString("\n\n")
	}
	for _, kv := range sortedViews(c.CoreViews) {
		fmt.Fprintf(b, "- %s: %s\n", kv[0], kv[1])
	}
	if len(c.CoreViews) > 0 {
		b.WriteString("\n")
	}
}

func writeCitations(b *strings.Builder, citations []models.Citation) {
	b.WriteString("Sources: ")
	parts := make([]string, 0, len(citations))
	for _, c := range citations {
		if c.Count > 1 {
			parts = append(parts, fmt.Sprintf("%s (%d)", c.Name, c.Count))
		} else {
			parts = append(parts, c.Name)
		}
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString("\n\n")
}

// sortedViews returns core views as ordered [side, view] pairs so the
// report is stable across runs.
func sortedViews(views map[string]string) [][2]string {
	sides := make([]string, 0, len(views))
	for side := range views {
		sides = append(sides, side)
	}
	sort.Strings(sides)
	out := make([][2]string, 0, len(sides))
	for _, side := range sides {
		out = append(out, [2]string{side, views[side]})
	}
	return out
}
