// Package backend defines the collaborator boundary of the pipeline: the
// analysis and debate services, the remote session store, and the
// best-effort market/citation enrichment providers. The engine only ever
// sees these interfaces; the concrete transport behind them is
// interchangeable.
package backend

import (
	"context"
	"time"

	"github.com/quantbrief/quantbrief/pkg/models"
)

// MarketSnapshot is the point-in-time market view embedded into every
// analysis request. A run cannot start without one.
type MarketSnapshot struct {
	StockCode string    `json:"stock_code"`
	Name      string    `json:"name,omitempty"`
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"`
	Volume    int64     `json:"volume,omitempty"`
	PERatio   float64   `json:"pe_ratio,omitempty"`
	AsOf      time.Time `json:"as_of"`
}

// AnalysisRequest is one task's call to the analysis service.
type AnalysisRequest struct {
	TaskID       string            `json:"task_id"`
	StockCode    string            `json:"stock_code"`
	Market       *MarketSnapshot   `json:"market,omitempty"`
	PriorOutputs map[string]string `json:"prior_outputs,omitempty"`
	Instruction  string            `json:"instruction"`
}

// AnalysisResponse is the analysis service's reply.
type AnalysisResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AnalysisService produces one textual analysis artifact per request.
// Implementations must tolerate re-issued requests.
type AnalysisService interface {
	Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResponse, error)
}

// SideView is one party's transcript and extracted stance in a debate.
type SideView struct {
	Side       string `json:"side"`
	Transcript string `json:"transcript"`
}

// DebateRequest asks the debate service to run one multi-party exchange.
type DebateRequest struct {
	StockCode  string            `json:"stock_code"`
	AllOutputs map[string]string `json:"all_outputs"`
	Kind       models.DebateKind `json:"debate_type"`
	Rounds     int               `json:"rounds"`
}

// DebateResponse is the debate service's reply. Degraded set by the
// service signals an internal timeout; it is treated as a failure.
type DebateResponse struct {
	Success  bool                 `json:"success"`
	Degraded bool                 `json:"degraded,omitempty"`
	Sides    []SideView           `json:"sides,omitempty"`
	Verdict  string               `json:"verdict,omitempty"`
	Summary  string               `json:"summary,omitempty"`
	Rounds   []models.DebateRound `json:"rounds,omitempty"`
}

// DebateService runs structured multi-party debates.
type DebateService interface {
	Debate(ctx context.Context, req DebateRequest) (*DebateResponse, error)
}

// RemoteStatus is the session store's view of a run.
type RemoteStatus struct {
	Status           models.SessionStatus `json:"status"`
	CompletedTaskIDs []string             `json:"completed_task_ids,omitempty"`
}

// TaskResult is one completed task's output as held by the session store.
type TaskResult struct {
	TaskID        string `json:"task_id"`
	Output        string `json:"output"`
	TokenEstimate int    `json:"token_estimate,omitempty"`
}

// SessionStore is the remote record of a pipeline run. All writes are
// best-effort from the engine's point of view.
type SessionStore interface {
	// Create registers a new session for the stock code and returns its id.
	Create(ctx context.Context, stockCode string) (string, error)
	// Start marks the session as running.
	Start(ctx context.Context, sessionID string) error
	// Update sets the session status.
	Update(ctx context.Context, sessionID string, status models.SessionStatus) error
	// Complete marks the session completed.
	Complete(ctx context.Context, sessionID string) error
	// Status returns the remote view of the session.
	Status(ctx context.Context, sessionID string) (*RemoteStatus, error)
	// ReportTaskResult persists one task's output against the session.
	ReportTaskResult(ctx context.Context, sessionID string, result TaskResult) error
	// FetchTaskResult pulls one task's output from the session record.
	FetchTaskResult(ctx context.Context, sessionID, taskID string) (*TaskResult, error)
}

// MarketProvider supplies the market snapshot a run starts from.
type MarketProvider interface {
	Snapshot(ctx context.Context, stockCode string) (*MarketSnapshot, error)
}

// CitationProvider returns enrichment citations for a task. Failures are
// tolerated; the caller substitutes placeholders.
type CitationProvider interface {
	Citations(ctx context.Context, taskID, stockCode string) ([]models.Citation, error)
}
