package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/server/middleware"
	"github.com/shipkit/shiplog/internal/service"
	"github.com/shipkit/shiplog/internal/telemetry"
)

const (
	defaultLogPage = 50
	maxLogPage     = 500
)

// LogLister pages through stored records for the dashboard.
type LogLister interface {
	ListLogs(ctx context.Context, keyID string, limit, offset int) ([]model.LogRecord, error)
	CountLogs(ctx context.Context, keyID string) (int64, error)
}

// KeyHandler manages an owner's API keys. Every route runs behind
// middleware.RequireOwner.
type KeyHandler struct {
	keys   *service.KeyService
	logs   LogLister
	logger *slog.Logger
}

func NewKeyHandler(keys *service.KeyService, logs LogLister, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{keys: keys, logs: logs, logger: logger}
}

// createKeyRequest is the expected payload for CreateKey. A missing
// expires_in_days means the key never expires.
type createKeyRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	ProjectID     string `json:"project_id"`
	ExpiresInDays *int   `json:"expires_in_days"`
}

// createKeyResponse includes the plaintext key (shown once only).
type createKeyResponse struct {
	model.APIKey
	Key string `json:"key"`
}

// ListKeys returns the owner's active and expired keys, newest first.
// GET /api/v1/keys
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	keys, err := h.keys.ListKeysForOwner(r.Context(), owner.UserID)
	if err != nil {
		h.internal(w, r, "Failed to list API keys", err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta:     &model.ResponseMeta{Count: len(keys)},
	})
}

// CreateKey issues a key and returns its plaintext exactly once.
// POST /api/v1/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	owner := middleware.GetOwner(r.Context())
	projectID := req.ProjectID
	if projectID == "" {
		projectID = owner.ProjectID
	}

	key, plaintext, err := h.keys.CreateAPIKey(r.Context(), service.CreateKeyParams{
		UserID:        owner.UserID,
		ProjectID:     projectID,
		Name:          req.Name,
		Description:   req.Description,
		ExpiresInDays: req.ExpiresInDays,
	})
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Message)
			return
		}
		h.internal(w, r, "Failed to create API key", err)
		return
	}

	telemetry.APIKeysCreatedTotal.Inc()
	writeJSON(w, http.StatusCreated, createKeyResponse{APIKey: *key, Key: plaintext})
}

// CreateTestKey issues a seven-day demo key.
// POST /api/v1/keys/test
func (h *KeyHandler) CreateTestKey(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	_, plaintext, err := h.keys.CreateTestAPIKey(r.Context(), owner.UserID)
	if err != nil {
		h.internal(w, r, "Failed to create test key", err)
		return
	}
	telemetry.APIKeysCreatedTotal.Inc()
	writeJSON(w, http.StatusCreated, map[string]string{"key": plaintext})
}

// RevokeKey soft-deletes one of the owner's keys. Revoking an already
// revoked key succeeds.
// DELETE /api/v1/keys/{keyId}
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	keyID := chi.URLParam(r, "keyId")

	if err := h.keys.RevokeKeyForOwner(r.Context(), owner.UserID, keyID); err != nil {
		if errors.Is(err, service.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "API key not found")
			return
		}
		h.internal(w, r, "Failed to revoke API key", err)
		return
	}

	telemetry.APIKeysRevokedTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": keyID})
}

// ListKeyLogs pages through a key's records, newest first.
// GET /api/v1/keys/{keyId}/logs?limit=&offset=
func (h *KeyHandler) ListKeyLogs(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	keyID := chi.URLParam(r, "keyId")

	if _, err := h.keys.GetKeyForOwner(r.Context(), owner.UserID, keyID); err != nil {
		if errors.Is(err, service.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "API key not found")
			return
		}
		h.internal(w, r, "Failed to load API key", err)
		return
	}

	limit := clampInt(queryInt(r, "limit", defaultLogPage), 1, maxLogPage)
	offset := max(queryInt(r, "offset", 0), 0)

	recs, err := h.logs.ListLogs(r.Context(), keyID, limit, offset)
	if err != nil {
		h.internal(w, r, "Failed to list logs", err)
		return
	}
	total, err := h.logs.CountLogs(r.Context(), keyID)
	if err != nil {
		h.internal(w, r, "Failed to count logs", err)
		return
	}
	if recs == nil {
		recs = []model.LogRecord{}
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: recs,
		Meta: &model.ResponseMeta{
			Count:  len(recs),
			Total:  &total,
			Limit:  limit,
			Offset: offset,
		},
	})
}

func (h *KeyHandler) internal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	reqID := middleware.GetRequestID(r.Context())
	h.logger.Error(msg, "error", err, "request_id", reqID)
	writeError(w, http.StatusInternalServerError, msg, failureDetails("key management", reqID))
}

// ExpiryOptions lists the lifetimes offered when creating a key. A null
// entry stands for a key that never expires.
// GET /api/v1/keys/options
func (h *KeyHandler) ExpiryOptions(w http.ResponseWriter, r *http.Request) {
	opts := make([]*int, 0, len(model.ExpiryOptions)+1)
	for _, d := range model.ExpiryOptions {
		opts = append(opts, &d)
	}
	opts = append(opts, nil)
	writeJSON(w, http.StatusOK, map[string]any{"expires_in_days": opts})
}
