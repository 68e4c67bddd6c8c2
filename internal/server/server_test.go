package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/notify"
	"github.com/shipkit/shiplog/internal/service"
	"github.com/shipkit/shiplog/internal/store"
	"github.com/shipkit/shiplog/internal/stream"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testJWTSecret = "test-secret-for-jwt-integration-tests"

var testNow = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server  *Server
	store   *store.Store
	keys    *service.KeyService
	authSvc *service.AuthService
	clock   *clockwork.FakeClock
}

// newTestEnv creates a fully wired Server over an in-memory store. mutate
// may adjust the config before the router is built.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	st, err := store.NewSQLite("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(testNow)
	keys := service.NewKeyService(st, service.WithClock(clock), service.WithLogger(logger))
	t.Cleanup(keys.Wait)
	authSvc := service.NewAuthService(testJWTSecret, clock)

	cfg := DefaultConfig()
	cfg.Version = "test"
	for _, m := range mutate {
		m(&cfg)
	}
	srv := New(cfg, st, keys, authSvc, notify.NewLocal(), logger,
		stream.WithClock(clock),
		stream.WithHeartbeat(0),
	)

	return &testEnv{
		server:  srv,
		store:   st,
		keys:    keys,
		authSvc: authSvc,
		clock:   clock,
	}
}

// ownerToken issues an owner JWT for userID.
func (e *testEnv) ownerToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.authSvc.IssueToken(userID, "", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes a request with a Bearer credential: an owner JWT for the
// management API or an API key for ingestion.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v (body: %s)", err, rr.Body.String())
	}
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d (body: %s)", rr.Code, want, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Probes
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" || resp.Checks["store"] != "ok" {
		t.Errorf("readyz = %+v, want ok", resp)
	}
}

func TestReadyz_StoreDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
	if strings.Contains(rr.Body.String(), "closed") {
		t.Errorf("readyz leaked the store error: %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "GET", "/healthz", nil, nil)

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	for _, want := range []string{
		"shiplog_http_requests_total",
		`path="/healthz"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc struct {
		OpenAPI string         `json:"openapi"`
		Info    map[string]any `json:"info"`
		Paths   map[string]any `json:"paths"`
	}
	decodeJSON(t, rr, &doc)
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		t.Errorf("openapi = %q", doc.OpenAPI)
	}
	if doc.Info["version"] != "test" {
		t.Errorf("info.version = %v, want test", doc.Info["version"])
	}
	for _, p := range []string{"/v1", "/api/sse", "/api/v1/keys"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("paths missing %s", p)
		}
	}
}

// ---------------------------------------------------------------------------
// Routing and middleware
// ---------------------------------------------------------------------------

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "OPTIONS", "/v1", nil, map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Authorization, Content-Type",
	})

	if rr.Code != http.StatusOK && rr.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 200 or 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("missing Access-Control-Allow-Origin header")
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Access-Control-Allow-Methods = %q, want POST", got)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/v1", nil, map[string]string{"X-Request-ID": "client-req-1"})
	if got := rr.Header().Get("X-Request-ID"); got != "client-req-1" {
		t.Errorf("X-Request-ID = %q, want client-req-1", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		method string
		path   string
	}{
		{"PUT", "/v1"},
		{"DELETE", "/v1"},
		{"POST", "/api/sse"},
		{"PUT", "/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, nil, nil)
			assertStatus(t, rr, http.StatusMethodNotAllowed)
		})
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/nope", nil, nil)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestKeyEndpoints_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/keys"},
		{"POST", "/api/v1/keys"},
		{"POST", "/api/v1/keys/test"},
		{"DELETE", "/api/v1/keys/abc"},
		{"GET", "/api/v1/keys/abc/logs"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, nil, nil)
			assertStatus(t, rr, http.StatusUnauthorized)
		})
	}
}

func TestKeyEndpoints_APIKeyIsNotAnOwnerToken(t *testing.T) {
	env := newTestEnv(t)
	_, plaintext, err := env.keys.CreateAPIKey(context.Background(), service.CreateKeyParams{UserID: "u1", Name: "k"})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	rr := env.doAuth(t, "GET", "/api/v1/keys", nil, plaintext)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestErrorResponseFormat(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   io.Reader
		token  string
		status int
	}{
		{"missing key", "POST", "/v1", strings.NewReader(`{"message":"hi"}`), "", http.StatusBadRequest},
		{"invalid key", "POST", "/v1", strings.NewReader(`{"message":"hi"}`), "sk_live_nope", http.StatusUnauthorized},
		{"invalid json", "POST", "/v1", strings.NewReader(`{`), "sk_live_nope", http.StatusBadRequest},
		{"stream without key", "GET", "/api/sse", nil, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rr *httptest.ResponseRecorder
			if tt.token != "" {
				rr = env.doAuth(t, tt.method, tt.path, tt.body, tt.token)
			} else {
				rr = env.do(t, tt.method, tt.path, tt.body, nil)
			}
			assertStatus(t, rr, tt.status)

			var resp model.ErrorResponse
			decodeJSON(t, rr, &resp)
			if resp.Error == "" {
				t.Error("error field is empty")
			}
		})
	}
}

func TestIngestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.IngestRateLimit = 2 })
	_, plaintext, err := env.keys.CreateAPIKey(context.Background(), service.CreateKeyParams{UserID: "u1", Name: "k"})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	for i := range 2 {
		rr := env.doAuth(t, "POST", "/v1", strings.NewReader(`{"message":"hi"}`), plaintext)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rr.Code)
		}
	}
	rr := env.doAuth(t, "POST", "/v1", strings.NewReader(`{"message":"hi"}`), plaintext)
	assertStatus(t, rr, http.StatusTooManyRequests)
}

// ---------------------------------------------------------------------------
// Workflow
// ---------------------------------------------------------------------------

func TestFullWorkflow(t *testing.T) {
	env := newTestEnv(t)
	token := env.ownerToken(t, "user-1")

	// 1. Create a key through the management API.
	rr := env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]any{
		"name":            "production",
		"expires_in_days": 30,
	}), token)
	assertStatus(t, rr, http.StatusCreated)
	var created struct {
		ID        string     `json:"id"`
		Key       string     `json:"key"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	decodeJSON(t, rr, &created)
	if created.Key == "" || created.ID == "" {
		t.Fatalf("create response missing id or key: %+v", created)
	}
	if created.ExpiresAt == nil || !created.ExpiresAt.Equal(testNow.AddDate(0, 0, 30)) {
		t.Errorf("expires_at = %v, want %v", created.ExpiresAt, testNow.AddDate(0, 0, 30))
	}

	// 2. Ingest a single event and a batch with the plaintext key.
	rr = env.doAuth(t, "POST", "/v1", jsonBody(t, map[string]any{
		"level": "info", "message": "booted",
	}), created.Key)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "POST", "/v1", jsonBody(t, []map[string]any{
		{"level": "warn", "message": "slow query"},
		{"level": "error", "message": "timeout"},
	}), created.Key)
	assertStatus(t, rr, http.StatusOK)
	var batch struct {
		Success bool `json:"success"`
		Count   int  `json:"count"`
	}
	decodeJSON(t, rr, &batch)
	if !batch.Success || batch.Count != 2 {
		t.Errorf("batch response = %+v, want success with count 2", batch)
	}

	// 3. Page through the key's logs.
	rr = env.doAuth(t, "GET", "/api/v1/keys/"+created.ID+"/logs?limit=10", nil, token)
	assertStatus(t, rr, http.StatusOK)
	var logs struct {
		Resource []model.LogRecord  `json:"resource"`
		Meta     model.ResponseMeta `json:"meta"`
	}
	decodeJSON(t, rr, &logs)
	if len(logs.Resource) != 3 || logs.Meta.Total == nil || *logs.Meta.Total != 3 {
		t.Fatalf("logs = %d records, meta = %+v; want 3", len(logs.Resource), logs.Meta)
	}

	// 4. The key appears in the owner's list.
	rr = env.doAuth(t, "GET", "/api/v1/keys", nil, token)
	assertStatus(t, rr, http.StatusOK)
	var list struct {
		Resource []model.APIKey `json:"resource"`
	}
	decodeJSON(t, rr, &list)
	if len(list.Resource) != 1 || list.Resource[0].ID != created.ID {
		t.Fatalf("list = %+v, want the created key", list.Resource)
	}

	// 5. Revoke, then ingestion is refused.
	rr = env.doAuth(t, "DELETE", "/api/v1/keys/"+created.ID, nil, token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "POST", "/v1", jsonBody(t, map[string]any{"message": "after revoke"}), created.Key)
	assertStatus(t, rr, http.StatusUnauthorized)

	rr = env.doAuth(t, "GET", "/api/v1/keys", nil, token)
	decodeJSON(t, rr, &list)
	if len(list.Resource) != 0 {
		t.Errorf("revoked key still listed: %+v", list.Resource)
	}
}

// ---------------------------------------------------------------------------
// MCP
// ---------------------------------------------------------------------------

func mcpInitialize(t *testing.T) *bytes.Buffer {
	return jsonBody(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "test",
				"version": "1.0",
			},
		},
	})
}

func TestMCPEndpoint_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/mcp", mcpInitialize(t), nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestMCPEndpoint_WithOwnerToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.ownerToken(t, "user-1")

	rr := env.do(t, "POST", "/mcp", mcpInitialize(t), map[string]string{
		"Authorization": "Bearer " + token,
		"Accept":        "application/json, text/event-stream",
	})
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Result struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Result.ServerInfo.Name != "ShipLog" {
		t.Errorf("serverInfo.name = %q, want ShipLog", resp.Result.ServerInfo.Name)
	}
}

func TestMCPEndpoint_Disabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.EnableMCP = false })
	token := env.ownerToken(t, "user-1")
	rr := env.doAuth(t, "POST", "/mcp", mcpInitialize(t), token)
	assertStatus(t, rr, http.StatusNotFound)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Shutdown must end open streams instead of waiting on them.
func TestServeShutdownEndsStreams(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ShutdownTimeout = 5 * time.Second })
	_, plaintext, err := env.keys.CreateAPIKey(context.Background(), service.CreateKeyParams{UserID: "u1", Name: "k"})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/sse?key=" + plaintext)
	if err != nil {
		t.Fatalf("GET /api/sse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "retry:") {
		t.Fatalf("first line = %q, %v; want retry", line, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if _, err := io.ReadAll(resp.Body); err != nil && !strings.Contains(err.Error(), "EOF") {
		t.Logf("stream ended with %v", err)
	}
}

func TestAddr(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Host = "127.0.0.1"
		c.Port = 9090
	})
	if got := env.server.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("Addr() = %q, want 127.0.0.1:9090", got)
	}
}
