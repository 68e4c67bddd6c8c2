package handler

import (
	"net/http"

	"github.com/shipkit/shiplog/internal/openapi"
)

// OpenAPIHandler serves the API description with the caller's host as the
// server URL.
type OpenAPIHandler struct {
	version string
}

func NewOpenAPIHandler(version string) *OpenAPIHandler {
	return &OpenAPIHandler{version: version}
}

// Serve returns the OpenAPI document.
// GET /openapi.json
func (h *OpenAPIHandler) Serve(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	writeJSON(w, http.StatusOK, openapi.Generate(scheme+"://"+r.Host, h.version))
}
