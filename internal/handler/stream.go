package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/server/middleware"
	"github.com/shipkit/shiplog/internal/service"
	"github.com/shipkit/shiplog/internal/stream"
	"github.com/shipkit/shiplog/internal/telemetry"
)

const (
	sseRetry       = 3 * time.Second
	wsReadLimit    = 512
	wsPongWait     = 60 * time.Second
	wsCloseTimeout = time.Second
)

// StreamHandler serves live log streams over SSE and WebSocket. Both
// transports share the publisher semantics and differ only in framing.
type StreamHandler struct {
	keys     *service.KeyService
	sse      *stream.Publisher
	ws       *stream.Publisher
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewStreamHandler builds one publisher per transport over source. opts
// tune both publishers; the metrics observer and logger are added here.
func NewStreamHandler(keys *service.KeyService, source stream.Source, logger *slog.Logger, opts ...stream.Option) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	guard := KeyGuard(keys)
	newPublisher := func(transport string) *stream.Publisher {
		return stream.NewPublisher(source, guard, slices.Concat(opts, []stream.Option{
			stream.WithObserver(telemetry.StreamObserver{Transport: transport}),
			stream.WithLogger(logger.With("transport", transport)),
		})...)
	}
	return &StreamHandler{
		keys: keys,
		sse:  newPublisher("sse"),
		ws:   newPublisher("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Keys authorize the stream, not cookies, so any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// KeyGuard adapts KeyService.CheckActive to the publisher's guard. Revoked,
// expired, and deleted keys end the stream; store errors are transient.
func KeyGuard(keys *service.KeyService) stream.Guard {
	return func(ctx context.Context, keyID string) error {
		err := keys.CheckActive(ctx, keyID)
		if err != nil && service.IsAuthError(err) {
			return fmt.Errorf("%w: %w", stream.ErrKeyInactive, err)
		}
		return err
	}
}

// SSE streams records for the key as Server-Sent Events.
// GET /api/sse?key=K
func (h *StreamHandler) SSE(w http.ResponseWriter, r *http.Request) {
	key, from, ok := h.authorize(w, r)
	if !ok {
		return
	}

	// Streams outlive the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sink, err := stream.NewSSEWriter(w, sseRetry)
	if err != nil {
		h.logger.Error("sse: cannot stream", "error", err, "request_id", middleware.GetRequestID(r.Context()))
		return
	}
	h.logEnd(r, key.ID, "sse", h.sse.Stream(r.Context(), key.ID, from, sink))
}

// WebSocket streams records for the key as JSON text frames.
// GET /api/ws?key=K
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	key, from, ok := h.authorize(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends data; reading only detects close and
	// processes pong frames.
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = h.ws.Stream(ctx, key.ID, from, stream.NewWebSocketWriter(conn))
	h.logEnd(r, key.ID, "websocket", err)

	code, text := websocket.CloseNormalClosure, ""
	if errors.Is(err, stream.ErrKeyInactive) {
		code, text = websocket.ClosePolicyViolation, "api key inactive"
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsCloseTimeout))
}

// authorize validates the key at connect time and resolves the starting
// cursor. It writes the error response itself when it returns false.
func (h *StreamHandler) authorize(w http.ResponseWriter, r *http.Request) (*model.APIKey, model.Cursor, bool) {
	raw := r.URL.Query().Get("key")
	if raw == "" {
		raw = middleware.BearerToken(r)
	}

	key, err := h.keys.ValidateAPIKey(r.Context(), raw)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrMissingKey):
		writeError(w, http.StatusBadRequest, "API key is required")
		return nil, model.Cursor{}, false
	case service.IsAuthError(err):
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return nil, model.Cursor{}, false
	default:
		h.logger.Error("stream: key validation failed", "error", err, "request_id", middleware.GetRequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "Failed to open stream")
		return nil, model.Cursor{}, false
	}

	from, err := h.startCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid since parameter")
		return nil, model.Cursor{}, false
	}
	return key, from, true
}

// startCursor honours Last-Event-ID first, then the since parameter.
// Without either the stream replays from the epoch. A since time skips
// every record in its millisecond.
func (h *StreamHandler) startCursor(r *http.Request) (model.Cursor, error) {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if c, ok := stream.ParseEventID(id); ok {
			return c, nil
		}
	}

	since := strings.TrimSpace(r.URL.Query().Get("since"))
	switch since {
	case "":
		return model.StartCursor(), nil
	case "now":
		return sinceCursor(h.keys.Now()), nil
	}
	t, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		return model.Cursor{}, fmt.Errorf("parse since: %w", err)
	}
	return sinceCursor(t), nil
}

func sinceCursor(t time.Time) model.Cursor {
	return model.Cursor{Timestamp: t.UTC().Truncate(time.Millisecond), ID: math.MaxInt64}
}

func (h *StreamHandler) logEnd(r *http.Request, keyID, transport string, err error) {
	attrs := []any{"key_id", keyID, "transport", transport, "request_id", middleware.GetRequestID(r.Context())}
	switch {
	case err == nil:
		h.logger.Debug("stream closed", attrs...)
	case errors.Is(err, stream.ErrKeyInactive):
		h.logger.Info("stream ended: key no longer active", append(attrs, "reason", err)...)
	default:
		h.logger.Debug("stream ended", append(attrs, "error", err)...)
	}
}
