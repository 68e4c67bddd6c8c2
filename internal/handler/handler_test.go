package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/notify"
	"github.com/shipkit/shiplog/internal/server/middleware"
	"github.com/shipkit/shiplog/internal/service"
	"github.com/shipkit/shiplog/internal/store"
	"github.com/shipkit/shiplog/internal/stream"
)

const testJWTSecret = "test-secret-for-handler-tests"

var testNow = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *store.Store
	clock    *clockwork.FakeClock
	keys     *service.KeyService
	auth     *service.AuthService
	notifier *notify.Local
	ingest   *IngestHandler
	streams  *StreamHandler
	keyAPI   *KeyHandler
	router   chi.Router
}

// newTestEnv wires the handlers over an in-memory SQLite store and a fake
// clock, with routes mounted the way the server mounts them.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLite("")
	if err != nil {
		t.Fatalf("store.NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(testNow)
	keys := service.NewKeyService(st, service.WithClock(clock), service.WithLogger(logger))
	t.Cleanup(keys.Wait)

	local := notify.NewLocal()
	t.Cleanup(func() { local.Close() })

	env := &testEnv{
		store:    st,
		clock:    clock,
		keys:     keys,
		auth:     service.NewAuthService(testJWTSecret, clock),
		notifier: local,
		ingest:   NewIngestHandler(service.NewLogWriter(keys, st, local, logger), logger, 0, 0),
		streams: NewStreamHandler(keys, st, logger,
			stream.WithClock(clock),
			stream.WithHeartbeat(0),
			stream.WithWaker(local),
		),
		keyAPI: NewKeyHandler(keys, st, logger),
	}
	env.router = env.mount()
	return env
}

func (e *testEnv) mount() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/v1", e.ingest.Ack)
	r.Post("/v1", e.ingest.Ingest)
	r.Get("/api/sse", e.streams.SSE)
	r.Get("/api/ws", e.streams.WebSocket)
	r.Route("/api/v1/keys", func(r chi.Router) {
		r.Use(middleware.RequireOwner(e.auth))
		r.Get("/", e.keyAPI.ListKeys)
		r.Post("/", e.keyAPI.CreateKey)
		r.Get("/options", e.keyAPI.ExpiryOptions)
		r.Post("/test", e.keyAPI.CreateTestKey)
		r.Delete("/{keyId}", e.keyAPI.RevokeKey)
		r.Get("/{keyId}/logs", e.keyAPI.ListKeyLogs)
	})
	return r
}

// createKey issues a key for userID directly through the service.
func (e *testEnv) createKey(t *testing.T, userID string, days *int) (*model.APIKey, string) {
	t.Helper()
	key, plaintext, err := e.keys.CreateAPIKey(context.Background(), service.CreateKeyParams{
		UserID:        userID,
		Name:          "test key",
		ExpiresInDays: days,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return key, plaintext
}

func (e *testEnv) ownerToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.auth.IssueToken(userID, "", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (e *testEnv) countLogs(t *testing.T, keyID string) int64 {
	t.Helper()
	n, err := e.store.CountLogs(context.Background(), keyID)
	if err != nil {
		t.Fatalf("CountLogs: %v", err)
	}
	return n
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

func intPtr(n int) *int { return &n }

func toJSON(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	assertStatus(t, rr, status)
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error != message {
		t.Errorf("error = %q, want %q", resp.Error, message)
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

