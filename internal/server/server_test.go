package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/auth"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/manager"
	"github.com/xtxerr/enginedash/internal/metrics"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/observability"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/testutil"
)

const staticToken = "static-test-token"

type env struct {
	srv  *Server
	http *httptest.Server
	st   *store.Store
	org  *store.Organization
	user *store.User
}

func setup(t *testing.T, mutate ...func(*Config)) *env {
	t.Helper()
	st := testutil.NewStore(t)
	issuer, err := auth.NewIssuer(testutil.TestSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	org := testutil.CreateOrg(t, st, "Acme")
	user := testutil.CreateUser(t, st, org.ID, "ada@example.com")

	hub := notify.NewHub(notify.DefaultConfig())
	obs := observability.New()
	mgr := manager.New(st, metrics.NewService(st, nil, metrics.DefaultConfig()), issuer, manager.DefaultConfig(),
		manager.WithEvents(hub), manager.WithObservability(obs))

	cfg := &Config{
		Store:   st,
		Manager: mgr,
		Auth: auth.NewAuthenticator(issuer, []auth.StaticToken{
			{ID: "ci", Token: staticToken, OrganizationID: org.ID, UserID: user.ID},
		}, st),
		Hub:     hub,
		Metrics: obs,
		Version: "1.2.3",
	}
	for _, m := range mutate {
		m(cfg)
	}

	s := New(cfg)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		s.Shutdown(context.Background())
	})
	return &env{srv: s, http: hs, st: st, org: org, user: user}
}

func (e *env) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func (e *env) login(t *testing.T) string {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/auth/login", "", api.LoginRequest{Email: "ada@example.com", Password: testutil.TestPassword})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	return decode[api.LoginResponse](t, resp).Token
}

// =============================================================================
// Service endpoints
// =============================================================================

func TestInfoAndHealth(t *testing.T) {
	e := setup(t)

	info := decode[api.InfoResponse](t, e.request(t, http.MethodGet, "/", "", nil))
	if info.Name != Name || info.Version != "1.2.3" || len(info.Endpoints) == 0 {
		t.Errorf("info = %+v", info)
	}

	resp := e.request(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	h := decode[api.HealthResponse](t, resp)
	if h.Status != "ok" || h.Database != "ok" || h.Version != "1.2.3" {
		t.Errorf("health = %+v", h)
	}

	if resp := e.request(t, http.MethodGet, "/nope", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp.StatusCode)
	}
}

// =============================================================================
// Authentication
// =============================================================================

func TestAuthentication(t *testing.T) {
	e := setup(t)
	jwt := e.login(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage jwt", "a.b.c", http.StatusUnauthorized},
		{"unknown api token", "ed_unknown", http.StatusUnauthorized},
		{"login token", jwt, http.StatusOK},
		{"static token", staticToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.request(t, http.MethodGet, "/api/agents", tt.token, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	me := decode[api.MeResponse](t, e.request(t, http.MethodGet, "/api/auth/me", jwt, nil))
	if me.UserID != e.user.ID || me.OrganizationID != e.org.ID || me.Method != string(auth.MethodJWT) {
		t.Errorf("me = %+v", me)
	}
}

func TestRequestID(t *testing.T) {
	e := setup(t)

	resp := e.request(t, http.MethodGet, "/api/health", "", nil)
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("no generated request ID")
	}

	req, _ := http.NewRequest(http.MethodGet, e.http.URL+"/api/health", nil)
	req.Header.Set(RequestIDHeader, "trace-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "trace-42" {
		t.Errorf("request ID = %q", got)
	}
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRateLimit(t *testing.T) {
	e := setup(t, func(c *Config) { c.RateLimitMax = 3 })

	for i := 0; i < 3; i++ {
		resp := e.request(t, http.MethodGet, "/api/health", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
		if got := resp.Header.Get(headerRemaining); got != strconv.Itoa(2-i) {
			t.Errorf("request %d remaining = %q", i, got)
		}
		if resp.Header.Get(headerLimit) != "3" {
			t.Errorf("limit header = %q", resp.Header.Get(headerLimit))
		}
	}

	resp := e.request(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over budget status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" || resp.Header.Get(headerReset) == "" {
		t.Error("missing Retry-After or reset header")
	}
	body := decode[api.ErrorBody](t, resp)
	if body.Error.Code != errors.CodeRateLimited {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl.now = clock.Now

	for i := 0; i < 2; i++ {
		if _, _, ok := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d rejected", i)
		}
	}
	if _, _, ok := rl.Allow("10.0.0.1"); ok {
		t.Fatal("third request allowed")
	}
	if _, _, ok := rl.Allow("10.0.0.2"); !ok {
		t.Fatal("other client rejected")
	}

	clock.Advance(time.Minute)
	remaining, reset, ok := rl.Allow("10.0.0.1")
	if !ok || remaining != 1 {
		t.Fatalf("after window: ok=%v remaining=%d", ok, remaining)
	}
	if want := clock.Now().Add(time.Minute); !reset.Equal(want) {
		t.Errorf("reset = %v, want %v", reset, want)
	}

	clock.Advance(2 * time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	n := len(rl.windows)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("windows after cleanup = %d", n)
	}
}

// =============================================================================
// Middleware
// =============================================================================

func TestRecover(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body api.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != errors.CodeInternal || strings.Contains(body.Error.Message, "boom") {
		t.Errorf("body = %+v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	e := setup(t, func(c *Config) { c.CORSOrigins = []string{"https://dash.example.com"} })

	req, _ := http.NewRequest(http.MethodOptions, e.http.URL+"/api/agents", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Errorf("allow origin = %q", got)
	}
	if resp.StatusCode >= 400 {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	e := setup(t)
	e.request(t, http.MethodGet, "/api/health", "", nil)

	resp := e.request(t, http.MethodGet, "/metrics", "", nil)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{
		`enginedash_http_requests_total{code="200",method="GET",route="GET /api/health"}`,
		"enginedash_ws_clients",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}

// =============================================================================
// WebSocket
// =============================================================================

func TestWebSocket_ReceivesOrgEvents(t *testing.T) {
	e := setup(t)
	token := e.login(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() notify.Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev notify.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	if ev := read(); ev.Type != notify.EventConnected {
		t.Fatalf("first event = %q", ev.Type)
	}

	resp := e.request(t, http.MethodPost, "/api/agents", token, api.CreateAgentRequest{Name: "builder", Type: "engineer"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[api.AgentResponse](t, resp)

	ev := read()
	if ev.Type != notify.EventAgentCreated || ev.EntityID != created.ID || ev.OrganizationID != e.org.ID {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	e := setup(t)
	resp := e.request(t, http.MethodGet, "/ws?token=nope", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestRun_ShutdownOnCancel(t *testing.T) {
	e := setup(t, func(c *Config) {
		c.Listen = "127.0.0.1:0"
		c.DrainTimeout = 5 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Run(ctx) }()

	testutil.Eventually(t, 5*time.Second, func() bool { return e.srv.Addr() != nil }, "server never listened")

	resp, err := http.Get("http://" + e.srv.Addr().String() + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}

	if err := e.st.Health(context.Background()); err == nil {
		t.Error("store still open after shutdown")
	}
}
