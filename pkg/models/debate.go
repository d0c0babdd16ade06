package models

// DebateKind identifies which of the two debate sub-workflows produced
// a conclusion.
type DebateKind string

const (
	// DebateDirectional is the two-party bull/bear exchange.
	DebateDirectional DebateKind = "directional"
	// DebateRisk is the three-party risk exchange.
	DebateRisk DebateKind = "risk"
)

// Sides returns the number of parties for the debate kind.
func (k DebateKind) Sides() int {
	if k == DebateRisk {
		return 3
	}
	return 2
}

// DebateLabel classifies the direction of a debate conclusion.
type DebateLabel string

const (
	// LabelBullLeaning indicates the bullish side prevailed decisively.
	LabelBullLeaning DebateLabel = "bull-leaning"
	// LabelBearLeaning indicates the bearish side prevailed decisively.
	LabelBearLeaning DebateLabel = "bear-leaning"
	// LabelMixed indicates no side prevailed by a decisive margin.
	LabelMixed DebateLabel = "mixed"
	// LabelInsufficientData indicates no usable signal existed at all.
	LabelInsufficientData DebateLabel = "insufficient-data"
)

// DebateRound is one turn in a structured multi-party exchange.
type DebateRound struct {
	// Side is the label of the party speaking (e.g. "bull", "bear").
	Side string `json:"side"`
	// Content is the full text of the turn.
	Content string `json:"content"`
	// Round is the 1-based round number the turn belongs to.
	Round int `json:"round"`
}

// DebateConclusion is the synthesized outcome of a debate.
type DebateConclusion struct {
	// Kind identifies the debate that produced this conclusion.
	Kind DebateKind `json:"kind"`
	// Label classifies the direction of the conclusion.
	Label DebateLabel `json:"label"`
	// Synthesis is the summary text of the conclusion.
	Synthesis string `json:"synthesis"`
	// Score is the numeric confidence in the 0-100 range.
	Score int `json:"score"`
	// CoreViews maps each side to its extracted core view.
	CoreViews map[string]string `json:"core_views,omitempty"`
	// Rounds holds the raw exchange if the debate service supplied it.
	Rounds []DebateRound `json:"rounds,omitempty"`
	// Degraded is true when the conclusion came from the local fallback
	// instead of the debate service.
	Degraded bool `json:"degraded,omitempty"`
}
