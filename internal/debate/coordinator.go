// Package debate coordinates the multi-party debate sub-workflows and
// supplies a deterministic local fallback when the debate service is
// unreachable or degraded. A debate never fails the pipeline: the
// coordinator always produces a conclusion.
package debate

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/internal/invoke"
	"github.com/quantbrief/quantbrief/pkg/models"
)

const (
	// coreViewMinLen is the minimum length of a transcript line to count
	// as a substantive core view.
	coreViewMinLen = 20
	// coreViewMaxLen bounds the truncation fallback when no line qualifies.
	coreViewMaxLen = 160
)

// verdictScores maps the debate service's categorical verdicts to
// numeric confidence. Unknown verdicts land on the neutral midpoint.
var verdictScores = map[string]int{
	"strong buy":  90,
	"buy":         75,
	"hold":        50,
	"sell":        25,
	"strong sell": 10,
	"low risk":    70,
	"medium risk": 50,
	"high risk":   25,
}

// Coordinator runs one debate as a single resilient call with a long
// segment timeout and zero retries. Debates are expensive; retrying a
// quiet one would blow the run's time budget, so any failure routes to
// the local fallback instead.
type Coordinator struct {
	service  backend.DebateService
	segment  time.Duration
	segments int
	rounds   int
}

// NewCoordinator creates a debate coordinator. segment and segments
// define the single attempt's wait budget; rounds is forwarded to the
// debate service.
func NewCoordinator(service backend.DebateService, segment time.Duration, segments, rounds int) *Coordinator {
	return &Coordinator{
		service:  service,
		segment:  segment,
		segments: segments,
		rounds:   rounds,
	}
}

// Run executes the debate and always returns a usable conclusion. The
// service path is taken when the call succeeds and is not degraded;
// every other outcome is masked by the deterministic fallback over the
// prior task outputs and market snapshot.
func (c *Coordinator) Run(ctx context.Context, kind models.DebateKind, stockCode string, outputs map[string]string, market *backend.MarketSnapshot) models.DebateConclusion {
	if c.service != nil {
		if conclusion, ok := c.tryService(ctx, kind, stockCode, outputs); ok {
			return conclusion
		}
	}
	return LocalFallback(kind, outputs, market)
}

// tryService issues the single debate call and converts a successful,
// non-degraded response into a conclusion.
func (c *Coordinator) tryService(ctx context.Context, kind models.DebateKind, stockCode string, outputs map[string]string) (models.DebateConclusion, bool) {
	req := backend.DebateRequest{
		StockCode:  stockCode,
		AllOutputs: outputs,
		Kind:       kind,
		Rounds:     c.rounds,
	}

	var resp *backend.DebateResponse
	iv := invoke.New(c.segment, c.segments, 0)
	_, err := iv.Do(ctx, func(ctx context.Context) (string, error) {
		var callErr error
		resp, callErr = c.service.Debate(ctx, req)
		return "", callErr
	})
	if err != nil || resp == nil || !resp.Success || resp.Degraded {
		return models.DebateConclusion{}, false
	}

	conclusion := models.DebateConclusion{
		Kind:      kind,
		Synthesis: resp.Summary,
		Score:     scoreForVerdict(resp.Verdict),
		CoreViews: make(map[string]string, len(resp.Sides)),
		Rounds:    resp.Rounds,
	}
	for _, side := range resp.Sides {
		conclusion.CoreViews[side.Side] = ExtractCoreView(side.Transcript)
	}
	conclusion.Label = labelForScore(conclusion.Score)
	return conclusion, true
}

// scoreForVerdict maps a categorical verdict onto the 0-100 scale.
func scoreForVerdict(verdict string) int {
	key := strings.ToLower(strings.TrimSpace(verdict))
	key = strings.ReplaceAll(key, "_", " ")
	if score, ok := verdictScores[key]; ok {
		return score
	}
	return 50
}

// labelForScore classifies a score the same way the fallback does:
// decisive only past the neutral band.
func labelForScore(score int) models.DebateLabel {
	switch {
	case score > 50+decisiveGap/2:
		return models.LabelBullLeaning
	case score < 50-decisiveGap/2:
		return models.LabelBearLeaning
	default:
		return models.LabelMixed
	}
}

// ExtractCoreView pulls one side's essential stance out of its transcript:
// the last substantive line, scanning in reverse, skipping short lines and
// dialogue-turn markers. When nothing qualifies the transcript head is
// truncated to a fixed length instead.
func ExtractCoreView(transcript string) string {
	lines := strings.Split(transcript, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if len([]rune(line)) < coreViewMinLen {
			continue
		}
		if isTurnMarker(line) {
			continue
		}
		return line
	}

	flat := strings.TrimSpace(strings.ReplaceAll(transcript, "\n", " "))
	runes := []rune(flat)
	if len(runes) > coreViewMaxLen {
		return string(runes[:coreViewMaxLen])
	}
	return flat
}

// isTurnMarker reports whether a line is debate scaffolding rather than
// content: round headers, bracketed speaker tags, separators, or a bare
// speaker label.
func isTurnMarker(line string) bool {
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "round ") || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "---") {
		return true
	}
	// "Bull analyst:" style speaker labels: short prefix before a colon
	// with no sentence content after it.
	if idx := strings.Index(line, ":"); idx >= 0 && idx <= 24 {
		rest := strings.TrimSpace(line[idx+1:])
		if rest == "" {
			return true
		}
	}
	// Lines with no letters at all are separators or decoration.
	for _, r := range line {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
