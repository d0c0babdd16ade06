package debate

import (
	"fmt"
	"strings"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/pkg/models"
)

// decisiveGap is the score gap beyond which the fallback commits to a
// directional label instead of calling the evidence mixed.
const decisiveGap = 15

// Per-side caps keep any single signal class from dominating the score.
const (
	keywordPointsPerHit = 2
	keywordCapPerSide   = 40
	numericCapPerSide   = 15
)

// Valuation ratios outside these bounds are treated as data noise and
// contribute no signal.
const (
	peSanityMin = 0.0
	peSanityMax = 200.0
	peCheap     = 15.0
	peStretched = 60.0
)

// bullishWords and bearishWords are the fixed polarity vocabularies the
// fallback scans prior outputs for. Matching is case-insensitive
// substring search; the lists are deliberately small and unambiguous.
var bullishWords = []string{
	"uptrend", "breakout", "accumulation", "undervalued", "beat",
	"upgrade", "inflow", "strong growth", "momentum", "outperform",
	"expanding margin", "buyback",
}

var bearishWords = []string{
	"downtrend", "breakdown", "distribution", "overvalued", "miss",
	"downgrade", "outflow", "decline", "deteriorat", "underperform",
	"margin pressure", "dilution", "default",
}

// LocalFallback derives a debate conclusion deterministically from the
// completed task outputs and the market snapshot. Identical inputs
// always yield the identical label and score. It returns an explicit
// insufficient-data conclusion when no signal exists at all; it never
// fabricates one.
func LocalFallback(kind models.DebateKind, outputs map[string]string, market *backend.MarketSnapshot) models.DebateConclusion {
	var corpus strings.Builder
	for _, text := range outputs {
		corpus.WriteString(strings.ToLower(text))
		corpus.WriteString("\n")
	}
	text := corpus.String()

	bullHits, bull := countKeywords(text, bullishWords)
	bearHits, bear := countKeywords(text, bearishWords)

	numericSignals := 0
	if market != nil {
		if market.ChangePct > 0 {
			bull += boundedNumeric(market.ChangePct)
			numericSignals++
		} else if market.ChangePct < 0 {
			bear += boundedNumeric(-market.ChangePct)
			numericSignals++
		}
		if market.PERatio > peSanityMin && market.PERatio <= peSanityMax {
			if market.PERatio < peCheap {
				bull += 10
				numericSignals++
			} else if market.PERatio > peStretched {
				bear += 10
				numericSignals++
			}
		}
	}

	if bullHits == 0 && bearHits == 0 && numericSignals == 0 {
		return models.DebateConclusion{
			Kind:      kind,
			Label:     models.LabelInsufficientData,
			Synthesis: "no directional signal found in available outputs or market data",
			Score:     50,
			Degraded:  true,
		}
	}

	score := clamp(50+bull-bear, 0, 100)
	gap := bull - bear

	var label models.DebateLabel
	switch {
	case gap > decisiveGap:
		label = models.LabelBullLeaning
	case gap < -decisiveGap:
		label = models.LabelBearLeaning
	default:
		label = models.LabelMixed
	}

	return models.DebateConclusion{
		Kind:  kind,
		Label: label,
		Synthesis: fmt.Sprintf(
			"heuristic read from available outputs: %d bullish and %d bearish signals (%s)",
			bullHits, bearHits, label),
		Score:     score,
		CoreViews: fallbackCoreViews(kind, bullHits, bearHits),
		Degraded:  true,
	}
}

// countKeywords returns the raw hit count and the capped point total for
// one polarity vocabulary.
func countKeywords(text string, words []string) (hits, points int) {
	for _, w := range words {
		hits += strings.Count(text, w)
	}
	points = hits * keywordPointsPerHit
	if points > keywordCapPerSide {
		points = keywordCapPerSide
	}
	return hits, points
}

// boundedNumeric converts a positive price-change percentage into a
// capped point contribution.
func boundedNumeric(pct float64) int {
	points := int(pct * 3)
	if points > numericCapPerSide {
		points = numericCapPerSide
	}
	if points < 0 {
		points = 0
	}
	return points
}

// fallbackCoreViews synthesizes minimal per-side stances from the raw
// evidence counts so the conclusion keeps the debate's shape.
func fallbackCoreViews(kind models.DebateKind, bullHits, bearHits int) map[string]string {
	if kind == models.DebateRisk {
		return map[string]string{
			"aggressive":   fmt.Sprintf("%d supportive signals in prior analysis", bullHits),
			"conservative": fmt.Sprintf("%d cautionary signals in prior analysis", bearHits),
			"neutral":      "service unavailable; heuristic evidence tally only",
		}
	}
	return map[string]string{
		"bull": fmt.Sprintf("%d supportive signals in prior analysis", bullHits),
		"bear": fmt.Sprintf("%d cautionary signals in prior analysis", bearHits),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
