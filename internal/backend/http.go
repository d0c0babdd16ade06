package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quantbrief/quantbrief/pkg/models"
)

// HTTPBackend talks JSON to the analysis backend. One base URL serves the
// analysis, debate, session and enrichment endpoints. The underlying
// client carries no timeout of its own: the invoker segments the analysis
// and debate calls, and every best-effort caller (session store,
// enrichment, polling) bounds its own request context.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// Compile-time verification that HTTPBackend implements all collaborator
// interfaces.
var (
	_ AnalysisService  = (*HTTPBackend)(nil)
	_ DebateService    = (*HTTPBackend)(nil)
	_ SessionStore     = (*HTTPBackend)(nil)
	_ MarketProvider   = (*HTTPBackend)(nil)
	_ CitationProvider = (*HTTPBackend)(nil)
)

// NewHTTPBackend creates a backend client for the given base URL.
func NewHTTPBackend(baseURL, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{},
	}
}

// postJSON posts a JSON body and decodes the JSON reply into out.
func (b *HTTPBackend) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	res, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("backend %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// getJSON fetches a JSON document into out.
func (b *HTTPBackend) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	res, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("backend %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Analyze runs one analysis task remotely.
func (b *HTTPBackend) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResponse, error) {
	var resp AnalysisResponse
	if err := b.postJSON(ctx, "/api/v1/analysis", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Debate runs one multi-party debate remotely.
func (b *HTTPBackend) Debate(ctx context.Context, req DebateRequest) (*DebateResponse, error) {
	var resp DebateResponse
	if err := b.postJSON(ctx, "/api/v1/debate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Create registers a new remote session and returns its id.
func (b *HTTPBackend) Create(ctx context.Context, stockCode string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	in := map[string]string{"stock_code": stockCode}
	if err := b.postJSON(ctx, "/api/v1/sessions", in, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("session store returned empty id")
	}
	return resp.SessionID, nil
}

// Start marks the remote session as running.
func (b *HTTPBackend) Start(ctx context.Context, sessionID string) error {
	return b.postJSON(ctx, "/api/v1/sessions/"+sessionID+"/start", struct{}{}, nil)
}

// Update sets the remote session status.
func (b *HTTPBackend) Update(ctx context.Context, sessionID string, status models.SessionStatus) error {
	in := map[string]string{"status": string(status)}
	return b.postJSON(ctx, "/api/v1/sessions/"+sessionID+"/status", in, nil)
}

// Complete marks the remote session completed.
func (b *HTTPBackend) Complete(ctx context.Context, sessionID string) error {
	return b.postJSON(ctx, "/api/v1/sessions/"+sessionID+"/complete", struct{}{}, nil)
}

// Status returns the remote view of the session.
func (b *HTTPBackend) Status(ctx context.Context, sessionID string) (*RemoteStatus, error) {
	var resp RemoteStatus
	if err := b.getJSON(ctx, "/api/v1/sessions/"+sessionID+"/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportTaskResult persists one task result against the session.
func (b *HTTPBackend) ReportTaskResult(ctx context.Context, sessionID string, result TaskResult) error {
	return b.postJSON(ctx, "/api/v1/sessions/"+sessionID+"/agent-result", result, nil)
}

// FetchTaskResult pulls one task result from the session record.
func (b *HTTPBackend) FetchTaskResult(ctx context.Context, sessionID, taskID string) (*TaskResult, error) {
	var resp TaskResult
	if err := b.getJSON(ctx, "/api/v1/sessions/"+sessionID+"/agent-result/"+taskID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot fetches the current market snapshot for the stock code.
func (b *HTTPBackend) Snapshot(ctx context.Context, stockCode string) (*MarketSnapshot, error) {
	var resp MarketSnapshot
	if err := b.getJSON(ctx, "/api/v1/market/"+stockCode, &resp); err != nil {
		return nil, err
	}
	if resp.AsOf.IsZero() {
		resp.AsOf = time.Now()
	}
	return &resp, nil
}

// Citations fetches enrichment citations for a task.
func (b *HTTPBackend) Citations(ctx context.Context, taskID, stockCode string) ([]models.Citation, error) {
	var resp struct {
		Citations []models.Citation `json:"citations"`
	}
	path := "/api/v1/citations/" + stockCode + "/" + taskID
	if err := b.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Citations, nil
}
