package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/server/middleware"
	"github.com/shipkit/shiplog/internal/service"
	"github.com/shipkit/shiplog/internal/telemetry"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultMaxBatch     = 100
)

// errMixedKeys rejects batches whose entries name different keys.
var errMixedKeys = &service.ValidationError{Field: "api_key", Message: "All entries in a batch must use the same API key"}

// IngestHandler accepts log events from untrusted producers.
type IngestHandler struct {
	writer       *service.LogWriter
	logger       *slog.Logger
	maxBodyBytes int64
	maxBatch     int
}

// NewIngestHandler creates an IngestHandler. Non-positive limits fall back
// to 1 MiB bodies and 100-entry batches.
func NewIngestHandler(writer *service.LogWriter, logger *slog.Logger, maxBodyBytes int64, maxBatch int) *IngestHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{writer: writer, logger: logger, maxBodyBytes: maxBodyBytes, maxBatch: maxBatch}
}

// Ingest stores one event object or an array of events.
// POST /v1
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	entries, batch, err := h.decode(w, r)
	if err != nil {
		telemetry.LogsIngestedTotal.WithLabelValues("invalid").Inc()
		var tooLarge *http.MaxBytesError
		var verr *service.ValidationError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Message)
		default:
			writeError(w, http.StatusBadRequest, "Invalid request body")
		}
		return
	}

	rawKey, err := resolveAPIKey(r, entries)
	if err != nil {
		h.fail(w, r, len(entries), err)
		return
	}

	recs, err := h.writer.Write(r.Context(), rawKey, entries)
	if err != nil {
		if len(recs) > 0 {
			telemetry.LogsIngestedTotal.WithLabelValues("accepted").Add(float64(len(recs)))
		}
		h.fail(w, r, len(entries)-len(recs), err)
		return
	}

	telemetry.LogsIngestedTotal.WithLabelValues("accepted").Add(float64(len(recs)))
	if batch {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(recs)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Ack answers probes of the ingestion endpoint.
// GET /v1
func (h *IngestHandler) Ack(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "shiplog ingestion endpoint. POST log events here.",
	})
}

// decode reads a single entry or an array. batch reports which form was sent.
func (h *IngestHandler) decode(w http.ResponseWriter, r *http.Request) (entries []model.LogEntry, batch bool, err error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		return nil, false, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, badBody("Request body is required")
	}

	if body[0] == '[' {
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, true, badBody("Invalid JSON body")
		}
		if len(entries) > h.maxBatch {
			return nil, true, badBody(fmt.Sprintf("Batch exceeds %d entries", h.maxBatch))
		}
		return entries, true, nil
	}

	var e model.LogEntry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, false, badBody("Invalid JSON body")
	}
	return []model.LogEntry{e}, false, nil
}

func badBody(msg string) error {
	return &service.ValidationError{Field: "body", Message: msg}
}

// resolveAPIKey picks the credential for a request in one place: the
// Bearer header, else the body's api_key, else its apiKey. Every entry in
// a batch that carries a body key must carry the same one.
func resolveAPIKey(r *http.Request, entries []model.LogEntry) (string, error) {
	if k := middleware.BearerToken(r); k != "" {
		return k, nil
	}
	var key string
	for _, e := range entries {
		k := e.BodyKey()
		if k == "" {
			continue
		}
		if key != "" && k != key {
			return "", errMixedKeys
		}
		key = k
	}
	return key, nil
}

// fail maps write-path errors to the ingestion responses.
func (h *IngestHandler) fail(w http.ResponseWriter, r *http.Request, n int, err error) {
	var verr *service.ValidationError
	var perr *service.PersistenceError

	switch {
	case errors.Is(err, service.ErrMissingKey):
		telemetry.LogsIngestedTotal.WithLabelValues("unauthorized").Add(float64(n))
		writeError(w, http.StatusBadRequest, "API key is required")
	case errors.As(err, &verr):
		telemetry.LogsIngestedTotal.WithLabelValues("invalid").Add(float64(n))
		writeError(w, http.StatusBadRequest, verr.Message)
	case service.IsAuthError(err):
		telemetry.LogsIngestedTotal.WithLabelValues("unauthorized").Add(float64(n))
		writeError(w, http.StatusUnauthorized, "Invalid API key")
	default:
		telemetry.LogsIngestedTotal.WithLabelValues("failed").Add(float64(n))
		reqID := middleware.GetRequestID(r.Context())
		op := "write log"
		if errors.As(err, &perr) {
			op = perr.Op
		}
		h.logger.Error("failed to create log",
			"op", op,
			"error", err,
			"request_id", reqID,
		)
		writeError(w, http.StatusInternalServerError, "Failed to create log", failureDetails(op, reqID))
	}
}

func failureDetails(op, reqID string) string {
	if reqID == "" {
		return op + " failed"
	}
	return fmt.Sprintf("%s failed (request id %s)", op, reqID)
}
