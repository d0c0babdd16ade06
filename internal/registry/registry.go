// Package registry holds the static catalogue of analysis tasks and the
// stage plan that orders them. The pipeline topology is fixed; only the
// per-task tuning knobs (timeouts, retries) are overridable.
package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/quantbrief/quantbrief/pkg/models"
)

// CallWeight classifies how expensive a task's remote call is.
// The invoker maps the weight to a segment timeout.
type CallWeight string

const (
	// WeightLight is a quick lookup-style call.
	WeightLight CallWeight = "light"
	// WeightStandard is a typical single-document analysis call.
	WeightStandard CallWeight = "standard"
	// WeightHeavy is a long synthesis call over many prior outputs.
	WeightHeavy CallWeight = "heavy"
)

// ProgressStep is one entry in a task's cosmetic progress script.
type ProgressStep struct {
	Icon  string
	Label string
}

// Spec describes one task in the catalogue.
type Spec struct {
	// ID is the stable task identifier.
	ID string
	// Title is the human-readable task name.
	Title string
	// Stage is the pipeline stage ordinal (1-4).
	Stage int
	// Group is the sub-step within stage 1 (0 for other stages).
	Group int
	// Instruction is the static template for the analysis request.
	// The stock code is substituted for %s.
	Instruction string
	// Uses lists prior task ids whose outputs are embedded in the
	// instruction payload. All listed tasks settle in earlier steps.
	Uses []string
	// Weight classifies the remote call cost.
	Weight CallWeight
	// Retries is the transport retry budget for the call (0-2).
	Retries int
	// Progress is the fixed progress-log script for the task.
	Progress []ProgressStep
}

// Step is one dispatch unit in the pipeline plan: a set of tasks executed
// under one concurrency policy, separated from neighbors by a join barrier.
// Stage 1 contributes three sequential steps; later stages contribute one.
type Step struct {
	Stage   int
	Group   int
	Policy  models.StagePolicy
	TaskIDs []string
}

// Registry is the static task catalogue.
type Registry struct {
	specs []Spec
	byID  map[string]*Spec
}

var collectProgress = []ProgressStep{
	{"⌁", "connecting data feeds"},
	{"↓", "pulling records"},
	{"≡", "normalizing series"},
}

var analyzeProgress = []ProgressStep{
	{"◍", "reading prior findings"},
	{"✎", "drafting analysis"},
	{"✓", "polishing conclusions"},
}

// Default returns the built-in 21-task catalogue.
func Default() *Registry {
	specs := []Spec{
		// Stage 1, sub-step 1: raw data collection.
		{ID: "price-volume", Title: "Price & Volume Snapshot", Stage: 1, Group: 1,
			Instruction: "Summarize the recent price action and volume profile of %s.",
			Weight:      WeightLight, Retries: 2, Progress: collectProgress},
		{ID: "money-flow", Title: "Money Flow", Stage: 1, Group: 1,
			Instruction: "Describe institutional and retail money flow into %s over the last sessions.",
			Weight:      WeightLight, Retries: 2, Progress: collectProgress},
		{ID: "news-digest", Title: "News Digest", Stage: 1, Group: 1,
			Instruction: "Digest recent news and announcements concerning %s.",
			Weight:      WeightLight, Retries: 2, Progress: collectProgress},

		// Stage 1, sub-step 2: industry and macro context.
		{ID: "industry-position", Title: "Industry Position", Stage: 1, Group: 2,
			Instruction: "Assess the industry standing of %s given the collected market data.",
			Uses:        []string{"price-volume", "news-digest"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "macro-environment", Title: "Macro Environment", Stage: 1, Group: 2,
			Instruction: "Evaluate the macro backdrop relevant to %s.",
			Uses:        []string{"news-digest"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "market-sentiment", Title: "Market Sentiment", Stage: 1, Group: 2,
			Instruction: "Gauge prevailing market sentiment around %s.",
			Uses:        []string{"price-volume", "money-flow"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},

		// Stage 1, sub-step 3: deep analysis over the context built above.
		{ID: "technical-analysis", Title: "Technical Analysis", Stage: 1, Group: 3,
			Instruction: "Produce a technical read of %s from the price, volume and flow findings.",
			Uses:        []string{"price-volume", "money-flow", "market-sentiment"},
			Weight:      WeightHeavy, Retries: 1, Progress: analyzeProgress},
		{ID: "fundamental-analysis", Title: "Fundamental Analysis", Stage: 1, Group: 3,
			Instruction: "Produce a fundamental assessment of %s in its industry and macro context.",
			Uses:        []string{"industry-position", "macro-environment"},
			Weight:      WeightHeavy, Retries: 1, Progress: analyzeProgress},
		{ID: "valuation-analysis", Title: "Valuation", Stage: 1, Group: 3,
			Instruction: "Estimate a fair valuation range for %s, citing multiples where possible.",
			Uses:        []string{"industry-position", "macro-environment"},
			Weight:      WeightHeavy, Retries: 1, Progress: analyzeProgress},

		// Stage 2: quality of the business.
		{ID: "earnings-quality", Title: "Earnings Quality", Stage: 2,
			Instruction: "Judge the earnings quality of %s against its fundamental profile.",
			Uses:        []string{"fundamental-analysis"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "growth-outlook", Title: "Growth Outlook", Stage: 2,
			Instruction: "Project the growth trajectory of %s.",
			Uses:        []string{"fundamental-analysis", "valuation-analysis"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "competitive-moat", Title: "Competitive Moat", Stage: 2,
			Instruction: "Characterize the durability of the competitive position of %s.",
			Uses:        []string{"industry-position"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},

		// Stage 3: risk factors, batched to cap backend load.
		{ID: "liquidity-risk", Title: "Liquidity Risk", Stage: 3,
			Instruction: "Assess liquidity risk for a position in %s.",
			Uses:        []string{"price-volume", "money-flow"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "policy-risk", Title: "Policy Risk", Stage: 3,
			Instruction: "Assess regulatory and policy risk bearing on %s.",
			Uses:        []string{"macro-environment", "news-digest"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "market-risk", Title: "Market Risk", Stage: 3,
			Instruction: "Assess systematic market risk exposure of %s.",
			Uses:        []string{"technical-analysis"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "credit-risk", Title: "Credit Risk", Stage: 3,
			Instruction: "Assess balance-sheet and credit risk of %s.",
			Uses:        []string{"fundamental-analysis"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "volatility-risk", Title: "Volatility Profile", Stage: 3,
			Instruction: "Characterize the realized and implied volatility profile of %s.",
			Uses:        []string{"technical-analysis"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},
		{ID: "drawdown-risk", Title: "Drawdown Scenarios", Stage: 3,
			Instruction: "Lay out plausible drawdown scenarios for %s.",
			Uses:        []string{"technical-analysis", "valuation-analysis"},
			Weight:      WeightStandard, Retries: 1, Progress: analyzeProgress},

		// Stage 4: synthesis.
		{ID: "strategy-synthesis", Title: "Strategy Synthesis", Stage: 4,
			Instruction: "Synthesize an investment strategy for %s from all prior findings.",
			Uses:        []string{"technical-analysis", "fundamental-analysis", "valuation-analysis"},
			Weight:      WeightHeavy, Retries: 0, Progress: analyzeProgress},
		{ID: "position-sizing", Title: "Position Sizing", Stage: 4,
			Instruction: "Recommend position sizing for %s given the risk findings.",
			Uses:        []string{"liquidity-risk", "volatility-risk", "drawdown-risk"},
			Weight:      WeightStandard, Retries: 0, Progress: analyzeProgress},
		{ID: "final-recommendation", Title: "Final Recommendation", Stage: 4,
			Instruction: "State a final actionable recommendation for %s.",
			Uses:        []string{"strategy-synthesis"},
			Weight:      WeightHeavy, Retries: 0, Progress: analyzeProgress},
	}

	byID := make(map[string]*Spec, len(specs))
	for i := range specs {
		byID[specs[i].ID] = &specs[i]
	}
	return &Registry{specs: specs, byID: byID}
}

// Specs returns all task specs in registry order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Get returns the spec for the given task id, or nil if unknown.
func (r *Registry) Get(id string) *Spec {
	return r.byID[id]
}

// Size returns the number of tasks in the catalogue.
func (r *Registry) Size() int {
	return len(r.specs)
}

// NewTasks creates fresh idle Task records for a run, in registry order.
func (r *Registry) NewTasks() []*models.Task {
	tasks := make([]*models.Task, 0, len(r.specs))
	for _, spec := range r.specs {
		tasks = append(tasks, &models.Task{
			ID:    spec.ID,
			Title: spec.Title,
			Stage: spec.Stage,
			Group: spec.Group,
			State: models.TaskStateIdle,
		})
	}
	return tasks
}

// Plan returns the ordered dispatch steps of the pipeline. Stage 1 yields
// one step per sub-step group (the later groups reference earlier outputs
// by name, so the groups must stay strictly sequential); stages 2-4 yield
// one step each.
func (r *Registry) Plan(stage3Batch int) []Step {
	if stage3Batch < 1 {
		stage3Batch = 2
	}

	grouped := make(map[[2]int][]string)
	for _, spec := range r.specs {
		key := [2]int{spec.Stage, spec.Group}
		grouped[key] = append(grouped[key], spec.ID)
	}

	keys := make([][2]int, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	steps := make([]Step, 0, len(keys))
	for _, k := range keys {
		policy := models.StagePolicy{Mode: models.StageModeParallel}
		if k[0] == 3 {
			policy = models.StagePolicy{Mode: models.StageModeBatched, BatchSize: stage3Batch}
		}
		steps = append(steps, Step{
			Stage:   k[0],
			Group:   k[1],
			Policy:  policy,
			TaskIDs: grouped[k],
		})
	}
	return steps
}

// Override adjusts the tuning knobs of one task. Zero values leave the
// corresponding knob unchanged.
type Override struct {
	Weight  CallWeight `yaml:"weight,omitempty"`
	Retries *int       `yaml:"retries,omitempty"`
}

// OverrideFile is the on-disk shape of a registry overrides document.
type OverrideFile struct {
	Tasks map[string]Override `yaml:"tasks"`
}

// ApplyOverrides mutates the catalogue's tuning knobs from the given
// override set. Unknown task ids are rejected so typos surface early.
func (r *Registry) ApplyOverrides(overrides map[string]Override) error {
	for id, ov := range overrides {
		spec := r.byID[id]
		if spec == nil {
			return fmt.Errorf("override for unknown task %q", id)
		}
		if ov.Weight != "" {
			switch ov.Weight {
			case WeightLight, WeightStandard, WeightHeavy:
				spec.Weight = ov.Weight
			default:
				return fmt.Errorf("override for task %q: unknown weight %q", id, ov.Weight)
			}
		}
		if ov.Retries != nil {
			if *ov.Retries < 0 || *ov.Retries > 2 {
				return fmt.Errorf("override for task %q: retries must be 0-2, got %d", id, *ov.Retries)
			}
			spec.Retries = *ov.Retries
		}
	}
	return nil
}

// LoadOverrides reads a YAML overrides file and applies it to the registry.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read overrides: %w", err)
	}

	var file OverrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse overrides: %w", err)
	}

	return r.ApplyOverrides(file.Tasks)
}
