// Package client provides the HTTP client for the Mind backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/praxishq/mindloop/internal/metrics"
	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/stream"
)

const (
	defaultTimeout = 30 * time.Second
)

// Client talks to the Mind backend over its REST + streaming API.
type Client struct {
	baseURL string

	// httpClient serves request/response calls and carries a timeout.
	// streamClient serves streaming calls and must not: an open stream is
	// bounded only by the request context.
	httpClient   *http.Client
	streamClient *http.Client

	collector *metrics.Collector
}

// New creates a client for the given base URL.
// If baseURL is empty, uses the MINDLOOP_SERVER_URL env var or defaults to
// localhost:8686. Timeout can be configured via MINDLOOP_CLIENT_TIMEOUT.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("MINDLOOP_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8686"
	}

	timeout := defaultTimeout
	if t := os.Getenv("MINDLOOP_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		collector:    metrics.NewCollector(),
	}
}

// Metrics returns the client's runtime statistics collector.
func (c *Client) Metrics() *metrics.Collector {
	return c.collector
}

// APIError is a non-2xx response from the backend, carrying the
// application-level message when the body had one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend error (HTTP %d)", e.StatusCode)
}

// errorBody is the JSON error envelope the backend uses.
type errorBody struct {
	Error string `json:"error"`
}

// do issues a JSON request and decodes a JSON response into result (which
// may be nil for endpoints with no meaningful body).
func (c *Client) do(ctx context.Context, op, method, path string, payload, result any) error {
	started := time.Now()
	defer func() { c.collector.RecordTiming(op, time.Since(started)) }()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var eb errorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil {
		apiErr.Message = eb.Error
	}
	return apiErr
}

// openStream POSTs a JSON payload and hands the incremental response body to
// a frame decoder. The caller owns the returned Stream and must Close it.
func (c *Client) openStream(ctx context.Context, path string, payload any) (*Stream, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	return &Stream{
		Decoder: stream.NewDecoder(resp.Body),
		body:    resp.Body,
		started: time.Now(),
		done: func(d time.Duration) {
			c.collector.RecordTiming(metrics.OpStream, d)
		},
	}, nil
}

// Stream is one open streaming exchange. Closing it releases the underlying
// response body; events read after Close are undefined.
type Stream struct {
	*stream.Decoder
	body    io.Closer
	started time.Time
	done    func(time.Duration)
	closed  bool
}

// Close releases the stream.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.done != nil {
		s.done(time.Since(s.started))
	}
	return s.body.Close()
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// CreateSession starts a new learning session for the subject.
func (c *Client) CreateSession(ctx context.Context, subject Subject, title string) (models.Session, error) {
	var resp struct {
		Session models.Session `json:"session"`
	}
	payload := map[string]string{}
	if title != "" {
		payload["title"] = title
	}
	err := c.do(ctx, metrics.OpMutation, http.MethodPost, subject.BasePath()+"/sessions", payload, &resp)
	return resp.Session, err
}

// ListSessions returns the subject's sessions, most recent first.
func (c *Client) ListSessions(ctx context.Context, subject Subject) ([]models.Session, error) {
	var resp struct {
		Sessions []models.Session `json:"sessions"`
	}
	err := c.do(ctx, metrics.OpFetch, http.MethodGet, subject.BasePath()+"/sessions", nil, &resp)
	return resp.Sessions, err
}

// GetSession fetches the full server-held state of a session: the session
// record plus its message and proposal lists. This is the reconnection
// primitive — re-attaching clients trust this over anything cached.
func (c *Client) GetSession(ctx context.Context, subject Subject, sessionID string) (models.SessionState, error) {
	var state models.SessionState
	err := c.do(ctx, metrics.OpFetch, http.MethodGet, sessionPath(subject, sessionID), nil, &state)
	return state, err
}

// AbandonSession abandons a session still in the chatting phase.
func (c *Client) AbandonSession(ctx context.Context, subject Subject, sessionID string) error {
	return c.do(ctx, metrics.OpMutation, http.MethodPost, sessionPath(subject, sessionID)+"/abandon", nil, nil)
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, subject Subject, sessionID string) error {
	return c.do(ctx, metrics.OpMutation, http.MethodDelete, sessionPath(subject, sessionID), nil, nil)
}

// OpenChatStream sends a user message and returns the streaming reply.
// An empty sessionID creates the session server-side; watch for a
// stream.SessionID event early in the stream.
func (c *Client) OpenChatStream(ctx context.Context, subject Subject, sessionID, text string) (*Stream, error) {
	payload := map[string]string{"message": text}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	return c.openStream(ctx, subject.BasePath()+"/chat", payload)
}

// SyncReply is the response of the non-streaming chat endpoint.
type SyncReply struct {
	SessionID string `json:"sessionId"`
	Reply     string `json:"reply"`
}

// SendMessageSync is the non-streaming chat fallback: request in, complete
// reply out, no receive phases.
func (c *Client) SendMessageSync(ctx context.Context, subject Subject, sessionID, text string) (SyncReply, error) {
	payload := map[string]string{"message": text}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	var reply SyncReply
	err := c.do(ctx, metrics.OpMutation, http.MethodPost, subject.BasePath()+"/chat/sync", payload, &reply)
	return reply, err
}

// OpenReadingStream requests the transition to the reading phase and returns
// the narration stream. The backend rejects the request (HTTP error, no
// stream) when the conversation is too short.
func (c *Client) OpenReadingStream(ctx context.Context, subject Subject, sessionID string) (*Stream, error) {
	return c.openStream(ctx, sessionPath(subject, sessionID)+"/reading", struct{}{})
}

// =============================================================================
// PROPOSAL AND COMPILE OPERATIONS
// =============================================================================

// SetProposalStatus transitions one proposal's review status. Transitioning
// back to pending is the undo path and uses the same endpoint.
func (c *Client) SetProposalStatus(ctx context.Context, subject Subject, sessionID, proposalID string, status models.ProposalStatus) error {
	path := sessionPath(subject, sessionID) + "/proposals/" + url.PathEscape(proposalID) + "/status"
	return c.do(ctx, metrics.OpMutation, http.MethodPost, path, map[string]string{"status": string(status)}, nil)
}

// CompileStart is the backend's answer to a start-compile request. When the
// backend auto-completed the session instead of starting a run (every
// proposal already rejected), AutoCompleted is set and RunID is empty.
type CompileStart struct {
	RunID         string        `json:"runId,omitempty"`
	AutoCompleted bool          `json:"autoCompleted,omitempty"`
	Result        models.Result `json:"result,omitempty"`
}

// StartCompile starts the compile-and-publish run for a session.
func (c *Client) StartCompile(ctx context.Context, subject Subject, sessionID string) (CompileStart, error) {
	var start CompileStart
	err := c.do(ctx, metrics.OpMutation, http.MethodPost, sessionPath(subject, sessionID)+"/compile", nil, &start)
	return start, err
}

// GetCompileStatus fetches the coarse compile status for a session.
func (c *Client) GetCompileStatus(ctx context.Context, subject Subject, sessionID string) (models.CompileStatus, error) {
	var status models.CompileStatus
	err := c.do(ctx, metrics.OpFetch, http.MethodGet, sessionPath(subject, sessionID)+"/compile/status", nil, &status)
	return status, err
}

// =============================================================================
// RUN AND DISCOVERY OPERATIONS
// =============================================================================

// GetRun fetches a run with its ordered step list. The server is the sole
// source of truth for step state; callers replace, never merge.
func (c *Client) GetRun(ctx context.Context, runID string) (models.Run, error) {
	var resp struct {
		Run models.Run `json:"run"`
	}
	err := c.do(ctx, metrics.OpFetch, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &resp)
	return resp.Run, err
}

// StartDiscovery kicks off a discovery scrape-and-compare run over a source.
func (c *Client) StartDiscovery(ctx context.Context, agentID, source string) (models.Run, error) {
	var resp struct {
		Run models.Run `json:"run"`
	}
	payload := map[string]string{"agentId": agentID, "source": source}
	err := c.do(ctx, metrics.OpMutation, http.MethodPost, "/api/discoveries", payload, &resp)
	return resp.Run, err
}

// GetRunProposals fetches the proposals produced by a discovery run.
func (c *Client) GetRunProposals(ctx context.Context, runID string) ([]models.Proposal, error) {
	var resp struct {
		Proposals []models.Proposal `json:"proposals"`
	}
	err := c.do(ctx, metrics.OpFetch, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/proposals", nil, &resp)
	return resp.Proposals, err
}

// SetRunProposalStatus transitions a discovery-run proposal's status.
func (c *Client) SetRunProposalStatus(ctx context.Context, runID, proposalID string, status models.ProposalStatus) error {
	path := "/api/runs/" + url.PathEscape(runID) + "/proposals/" + url.PathEscape(proposalID) + "/status"
	return c.do(ctx, metrics.OpMutation, http.MethodPost, path, map[string]string{"status": string(status)}, nil)
}

// StartPublish starts the publish run that commits a discovery batch's
// approved proposals into a new knowledge version.
func (c *Client) StartPublish(ctx context.Context, runID string) (CompileStart, error) {
	var start CompileStart
	err := c.do(ctx, metrics.OpMutation, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/publish", nil, &start)
	return start, err
}

func sessionPath(subject Subject, sessionID string) string {
	return subject.BasePath() + "/sessions/" + url.PathEscape(sessionID)
}
