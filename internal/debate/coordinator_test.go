package debate

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/pkg/models"
)

type fakeDebate struct {
	calls    atomic.Int32
	delay    time.Duration
	err      error
	response *backend.DebateResponse
}

func (f *fakeDebate) Debate(ctx context.Context, req backend.DebateRequest) (*backend.DebateResponse, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func bullishOutputs() map[string]string {
	return map[string]string{
		"technical-analysis":   "Clear uptrend with a breakout above resistance; momentum and inflow are strong.",
		"fundamental-analysis": "Earnings beat with strong growth; the stock looks undervalued at these levels.",
	}
}

func TestCoordinatorServicePath(t *testing.T) {
	svc := &fakeDebate{response: &backend.DebateResponse{
		Success: true,
		Verdict: "buy",
		Summary: "bull case carried the exchange",
		Sides: []backend.SideView{
			{Side: "bull", Transcript: "Round 1:\nbull:\nEarnings momentum remains intact and the breakout held on rising volume."},
			{Side: "bear", Transcript: "Round 1:\nValuation is stretched but the downside catalysts are weak at this point."},
		},
	}}

	c := NewCoordinator(svc, 100*time.Millisecond, 2, 2)
	conclusion := c.Run(context.Background(), models.DebateDirectional, "600000", bullishOutputs(), nil)

	if conclusion.Degraded {
		t.Fatal("service path marked degraded")
	}
	if conclusion.Score != 75 {
		t.Errorf("score = %d, want 75 for verdict buy", conclusion.Score)
	}
	if conclusion.Label != models.LabelBullLeaning {
		t.Errorf("label = %s, want bull-leaning", conclusion.Label)
	}
	if got := conclusion.CoreViews["bull"]; !strings.Contains(got, "breakout held") {
		t.Errorf("bull core view = %q", got)
	}
	if got := conclusion.CoreViews["bear"]; !strings.Contains(got, "downside catalysts") {
		t.Errorf("bear core view = %q", got)
	}
}

func TestCoordinatorDegradedResponseFallsBack(t *testing.T) {
	svc := &fakeDebate{response: &backend.DebateResponse{Success: true, Degraded: true}}
	c := NewCoordinator(svc, 100*time.Millisecond, 2, 2)

	conclusion := c.Run(context.Background(), models.DebateDirectional, "600000", bullishOutputs(), nil)
	if !conclusion.Degraded {
		t.Error("expected degraded fallback conclusion")
	}
	if conclusion.Label != models.LabelBullLeaning {
		t.Errorf("label = %s, want bull-leaning from bullish outputs", conclusion.Label)
	}
}

func TestCoordinatorTimeoutNotRetried(t *testing.T) {
	svc := &fakeDebate{delay: time.Second, response: &backend.DebateResponse{Success: true, Verdict: "buy"}}
	c := NewCoordinator(svc, 20*time.Millisecond, 2, 2)

	conclusion := c.Run(context.Background(), models.DebateDirectional, "000001", bullishOutputs(), nil)
	if !conclusion.Degraded {
		t.Fatal("expected fallback after the segment budget")
	}
	if svc.calls.Load() != 1 {
		t.Errorf("debate called %d times, want exactly 1 (zero retries)", svc.calls.Load())
	}
	if conclusion.Score < 0 || conclusion.Score > 100 {
		t.Errorf("score = %d out of range", conclusion.Score)
	}
	switch conclusion.Label {
	case models.LabelBullLeaning, models.LabelBearLeaning, models.LabelMixed, models.LabelInsufficientData:
	default:
		t.Errorf("unexpected label %s", conclusion.Label)
	}
}

func TestCoordinatorTransportErrorFallsBack(t *testing.T) {
	svc := &fakeDebate{err: errors.New("connection refused")}
	c := NewCoordinator(svc, 50*time.Millisecond, 2, 2)

	conclusion := c.Run(context.Background(), models.DebateRisk, "600000", nil, nil)
	if !conclusion.Degraded {
		t.Error("expected degraded conclusion")
	}
	if conclusion.Kind != models.DebateRisk {
		t.Errorf("kind = %s, want risk", conclusion.Kind)
	}
}

func TestScoreForVerdict(t *testing.T) {
	tests := []struct {
		verdict string
		want    int
	}{
		{"strong buy", 90},
		{"BUY", 75},
		{"hold", 50},
		{"strong_sell", 10},
		{"high risk", 25},
		{"something new", 50},
	}
	for _, tt := range tests {
		if got := scoreForVerdict(tt.verdict); got != tt.want {
			t.Errorf("scoreForVerdict(%q) = %d, want %d", tt.verdict, got, tt.want)
		}
	}
}

func TestExtractCoreView(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		want       string
	}{
		{
			name:       "last substantive line wins",
			transcript: "Round 1:\nThe first argument about valuation being reasonable here.\nRound 2:\nThe closing argument carries the strongest conviction overall.",
			want:       "The closing argument carries the strongest conviction overall.",
		},
		{
			name:       "turn markers skipped",
			transcript: "A thorough point on fundamentals and cash generation.\nbear analyst:\n[round 2]\n---",
			want:       "A thorough point on fundamentals and cash generation.",
		},
		{
			name:       "short lines skipped",
			transcript: "The sustained institutional inflow supports the move.\nagreed\nyes",
			want:       "The sustained institutional inflow supports the move.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCoreView(tt.transcript); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractCoreViewTruncates(t *testing.T) {
	// A single long bracketed line qualifies as a marker, so nothing
	// substantive is found and the head-truncation path fires.
	transcript := "[" + strings.Repeat("transcript noise ", 30) + "]"
	got := ExtractCoreView(transcript)
	if len([]rune(got)) != coreViewMaxLen {
		t.Errorf("truncated length = %d runes, want %d", len([]rune(got)), coreViewMaxLen)
	}
}
