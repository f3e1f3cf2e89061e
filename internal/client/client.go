// Package client provides a typed client for the enginedash HTTP API.
//
// A Client moves through an explicit state machine: it starts disconnected,
// becomes ready after a successful Login or Connect, and returns to
// disconnected on Logout or when the server rejects its credentials.
// Requests other than Login and Health require the ready state.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/errors"
)

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the authentication state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateAuthenticating
	StateReady
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from ClientState
	to   ClientState
}

var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateAuthenticating}: true,
	{StateDisconnected, StateClosed}:         true,

	{StateAuthenticating, StateReady}:        true,
	{StateAuthenticating, StateDisconnected}: true,

	{StateReady, StateDisconnected}: true,
	{StateReady, StateClosed}:       true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed = errors.New("client is closed")
	ErrNotReady     = errors.New("client is not logged in")
	ErrBusy         = errors.New("authentication already in progress")
)

// APIError is a non-2xx answer of the server.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps the error code back to the sentinel the server started from,
// so callers can use errors.IsNotFound and friends.
func (e *APIError) Unwrap() error {
	return errors.CodeToError(e.Code)
}

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:4000".
	BaseURL string

	// Token is a pre-issued bearer token (JWT, API token or static token).
	// Call Connect to verify it.
	Token string

	TLSSkipVerify  bool
	RequestTimeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:4000",
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to one enginedash server.
type Client struct {
	base    *url.URL
	http    *http.Client
	ws      *http.Client // without the gzip layer, which cannot hijack upgrades
	timeout time.Duration

	state atomic.Int32

	mu    sync.RWMutex
	token string
	me    *api.MeResponse

	// Metric series by request URL, revalidated with If-None-Match.
	cacheMu sync.Mutex
	cache   map[string]cachedSeries
}

type cachedSeries struct {
	etag string
	resp *api.MetricSeriesResponse
}

// New creates a new client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}

	hc, ws := cfg.HTTPClient, cfg.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLSSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		hc = &http.Client{Transport: gzhttp.Transport(tr)}
		ws = &http.Client{Transport: tr}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		base:    base,
		http:    hc,
		ws:      ws,
		timeout: timeout,
		token:   cfg.Token,
		cache:   make(map[string]cachedSeries),
	}, nil
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) transitionFrom(from, to ClientState) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// State returns the current state.
func (c *Client) State() ClientState {
	return c.getState()
}

// IsReady returns true if the client holds accepted credentials.
func (c *Client) IsReady() bool {
	return c.getState() == StateReady
}

// Identity returns the principal resolved by the last Login or Connect.
func (c *Client) Identity() *api.MeResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.me
}

// Token returns the bearer token in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// =============================================================================
// Authentication
// =============================================================================

// Login exchanges email and password for a JWT and moves to ready.
func (c *Client) Login(ctx context.Context, email, password string) (*api.LoginResponse, error) {
	if err := c.beginAuth(); err != nil {
		return nil, err
	}

	var resp api.LoginResponse
	err := c.send(ctx, http.MethodPost, "/api/auth/login", nil, &api.LoginRequest{Email: email, Password: password}, "", &resp)
	if err != nil {
		c.transitionFrom(StateAuthenticating, StateDisconnected)
		return nil, err
	}

	c.mu.Lock()
	c.token = resp.Token
	c.me = &api.MeResponse{
		UserID:         resp.User.ID,
		OrganizationID: resp.User.OrganizationID,
		Email:          resp.User.Email,
		Username:       resp.User.Username,
		Role:           resp.User.Role,
		Method:         "jwt",
	}
	c.mu.Unlock()

	c.transitionFrom(StateAuthenticating, StateReady)
	return &resp, nil
}

// Connect verifies the configured token with /api/auth/me and moves to
// ready.
func (c *Client) Connect(ctx context.Context) (*api.MeResponse, error) {
	if c.Token() == "" {
		return nil, fmt.Errorf("no token: %w", errors.ErrNotAuthenticated)
	}
	if err := c.beginAuth(); err != nil {
		return nil, err
	}

	var me api.MeResponse
	if err := c.send(ctx, http.MethodGet, "/api/auth/me", nil, nil, c.Token(), &me); err != nil {
		c.transitionFrom(StateAuthenticating, StateDisconnected)
		return nil, err
	}

	c.mu.Lock()
	c.me = &me
	c.mu.Unlock()

	c.transitionFrom(StateAuthenticating, StateReady)
	return &me, nil
}

// SetToken replaces the bearer token. The client returns to disconnected
// until Connect succeeds.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.me = nil
	c.mu.Unlock()
	c.transitionFrom(StateReady, StateDisconnected)
}

func (c *Client) beginAuth() error {
	switch c.getState() {
	case StateClosed:
		return ErrClientClosed
	case StateAuthenticating:
		return ErrBusy
	case StateReady:
		c.transitionFrom(StateReady, StateDisconnected)
	}
	if !c.transitionFrom(StateDisconnected, StateAuthenticating) {
		return fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, c.getState(), StateAuthenticating)
	}
	return nil
}

// Logout forgets the credentials.
func (c *Client) Logout() {
	c.SetToken("")
	c.resetCache()
}

// Close releases idle connections. A closed client cannot be reused.
func (c *Client) Close() {
	for {
		s := c.getState()
		if s == StateClosed {
			return
		}
		if s == StateAuthenticating {
			// Let the in-flight login settle first.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if c.transitionFrom(s, StateClosed) {
			break
		}
	}
	c.http.CloseIdleConnections()
	c.resetCache()
}

func (c *Client) resetCache() {
	c.cacheMu.Lock()
	c.cache = make(map[string]cachedSeries)
	c.cacheMu.Unlock()
}

// =============================================================================
// Request/Response
// =============================================================================

// do sends an authenticated request. A 401 drops the client back to
// disconnected.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	switch c.getState() {
	case StateClosed:
		return ErrClientClosed
	case StateReady:
	default:
		return ErrNotReady
	}

	err := c.send(ctx, method, path, query, body, c.Token(), out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		c.transitionFrom(StateReady, StateDisconnected)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any, token string, out any) error {
	resp, err := c.roundTrip(ctx, method, path, query, body, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body any, token string, header http.Header) (*http.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	// Buffered so the timeout context can be released before returning.
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: errors.CodeUnknown, Message: http.StatusText(resp.StatusCode)}
	var body api.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(n) * time.Second
		}
	}
	return apiErr
}

// =============================================================================
// Service
// =============================================================================

// Health reports the server health. It needs no credentials.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	if c.getState() == StateClosed {
		return nil, ErrClientClosed
	}
	resp, err := c.roundTrip(ctx, http.MethodGet, "/api/health", nil, nil, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out api.HealthResponse
	// A degraded server answers 503 with the same body.
	if resp.StatusCode == http.StatusServiceUnavailable {
		if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Status != "" {
			return &out, nil
		}
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the principal behind the token.
func (c *Client) Me(ctx context.Context) (*api.MeResponse, error) {
	var out api.MeResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overview returns the dashboard counters.
func (c *Client) Overview(ctx context.Context) (*api.OverviewResponse, error) {
	var out api.OverviewResponse
	if err := c.do(ctx, http.MethodGet, "/api/dashboard/overview", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Agents
// =============================================================================

// AgentFilter narrows ListAgents. Zero values are omitted.
type AgentFilter struct {
	Status string
	Type   string
	Page   int
	Limit  int
}

func (f AgentFilter) values() url.Values {
	q := url.Values{}
	setNonEmpty(q, "status", f.Status)
	setNonEmpty(q, "type", f.Type)
	setPage(q, f.Page, f.Limit)
	return q
}

// ListAgents lists the agents of the organization.
func (c *Client) ListAgents(ctx context.Context, f AgentFilter) (*api.AgentListResponse, error) {
	var out api.AgentListResponse
	if err := c.do(ctx, http.MethodGet, "/api/agents", f.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent returns an agent with its recent sessions and health samples.
func (c *Client) GetAgent(ctx context.Context, id string) (*api.AgentDetailResponse, error) {
	var out api.AgentDetailResponse
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAgent registers an agent.
func (c *Client) CreateAgent(ctx context.Context, req *api.CreateAgentRequest) (*api.AgentResponse, error) {
	var out api.AgentResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id), nil, nil, nil)
}

// StartSession opens a session on an agent.
func (c *Client) StartSession(ctx context.Context, agentID string, req *api.StartSessionRequest) (*api.StartSessionResponse, error) {
	var out api.StartSessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/sessions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession closes a session.
func (c *Client) EndSession(ctx context.Context, agentID, sessionID string, req *api.EndSessionRequest) (*api.SessionResponse, error) {
	if req == nil {
		req = &api.EndSessionRequest{}
	}
	var out api.SessionResponse
	path := "/api/agents/" + url.PathEscape(agentID) + "/sessions/" + url.PathEscape(sessionID) + "/end"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestMetrics records samples for an agent and returns how many were
// accepted.
func (c *Client) IngestMetrics(ctx context.Context, agentID string, samples []api.MetricSampleInput) (int, error) {
	var out api.IngestMetricsResponse
	path := "/api/agents/" + url.PathEscape(agentID) + "/metrics"
	if err := c.do(ctx, http.MethodPost, path, nil, &api.IngestMetricsRequest{Samples: samples}, &out); err != nil {
		return 0, err
	}
	return out.Accepted, nil
}

// MetricsQuery selects a bucketed series. Empty fields use server defaults.
type MetricsQuery struct {
	MetricType  string
	TimeRange   string
	Interval    string
	Percentiles bool
}

// QueryMetrics fetches bucketed series. Responses are cached by ETag and
// revalidated, so polling an unchanged window costs a 304.
func (c *Client) QueryMetrics(ctx context.Context, agentID string, mq MetricsQuery) (*api.MetricSeriesResponse, error) {
	switch c.getState() {
	case StateClosed:
		return nil, ErrClientClosed
	case StateReady:
	default:
		return nil, ErrNotReady
	}

	q := url.Values{}
	setNonEmpty(q, "metricType", mq.MetricType)
	setNonEmpty(q, "timeRange", mq.TimeRange)
	setNonEmpty(q, "interval", mq.Interval)
	if mq.Percentiles {
		q.Set("percentiles", "true")
	}
	path := "/api/agents/" + url.PathEscape(agentID) + "/metrics"
	key := c.url(path, q)

	c.cacheMu.Lock()
	cached, hit := c.cache[key]
	c.cacheMu.Unlock()

	header := http.Header{}
	if hit {
		header.Set("If-None-Match", cached.etag)
	}
	resp, err := c.roundTrip(ctx, http.MethodGet, path, q, nil, c.Token(), header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hit {
		return cached.resp, nil
	}

	var out api.MetricSeriesResponse
	if err := decodeResponse(resp, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			c.transitionFrom(StateReady, StateDisconnected)
		}
		return nil, err
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.cacheMu.Lock()
		c.cache[key] = cachedSeries{etag: etag, resp: &out}
		c.cacheMu.Unlock()
	}
	return &out, nil
}

// =============================================================================
// Tasks
// =============================================================================

// TaskFilter narrows ListTasks. Zero values are omitted.
type TaskFilter struct {
	Status    string
	Type      string
	AgentID   string
	ProjectID string
	Search    string
	DateRange string
	Page      int
	Limit     int
}

func (f TaskFilter) values() url.Values {
	q := url.Values{}
	setNonEmpty(q, "status", f.Status)
	setNonEmpty(q, "type", f.Type)
	setNonEmpty(q, "agentId", f.AgentID)
	setNonEmpty(q, "projectId", f.ProjectID)
	setNonEmpty(q, "q", f.Search)
	setNonEmpty(q, "dateRange", f.DateRange)
	setPage(q, f.Page, f.Limit)
	return q
}

// ListTasks lists tasks.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) (*api.TaskListResponse, error) {
	var out api.TaskListResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks", f.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask returns a task with its log.
func (c *Client) GetTask(ctx context.Context, id string) (*api.TaskDetailResponse, error) {
	var out api.TaskDetailResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTask creates a pending task.
func (c *Client) CreateTask(ctx context.Context, req *api.CreateTaskRequest) (*api.TaskResponse, error) {
	var out api.TaskResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskAction applies start, pause, retry, cancel, complete or fail.
func (c *Client) TaskAction(ctx context.Context, id, action string) (*api.TaskResponse, error) {
	var out api.TaskResponse
	path := "/api/tasks/" + url.PathEscape(id) + "/actions/" + url.PathEscape(action)
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects lists projects.
func (c *Client) ListProjects(ctx context.Context) (*api.ProjectListResponse, error) {
	var out api.ProjectListResponse
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Codex
// =============================================================================

// ListCodices lists codices, optionally filtered by status.
func (c *Client) ListCodices(ctx context.Context, status string, page, limit int) (*api.CodexListResponse, error) {
	q := url.Values{}
	setNonEmpty(q, "status", status)
	setPage(q, page, limit)
	var out api.CodexListResponse
	if err := c.do(ctx, http.MethodGet, "/api/codex", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCodex returns a codex with its symbols, rituals, reflections and
// commandments.
func (c *Client) GetCodex(ctx context.Context, id string) (*api.CodexResponse, error) {
	var out api.CodexResponse
	if err := c.do(ctx, http.MethodGet, "/api/codex/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Vote casts or replaces the caller's vote on a commandment.
func (c *Client) Vote(ctx context.Context, codexID, commandmentID, vote, reasoning string) (*api.CommandmentResponse, error) {
	var out api.CommandmentResponse
	path := "/api/codex/" + url.PathEscape(codexID) + "/commandments/" + url.PathEscape(commandmentID) + "/votes"
	if err := c.do(ctx, http.MethodPost, path, nil, &api.VoteRequest{Vote: vote, Reasoning: reasoning}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func setNonEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setPage(q url.Values, page, limit int) {
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}
