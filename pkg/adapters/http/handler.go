// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openresponses/bridge/pkg/core/api"
	"github.com/openresponses/bridge/pkg/core/engine"
	"github.com/openresponses/bridge/pkg/observability/logging"
)

// Handler implements the HTTP adapter
type Handler struct {
	engine *engine.Engine
	logger *logging.Logger
	models *api.ModelsClient
	mux    *http.ServeMux
}

// New creates a new HTTP handler
func New(eng *engine.Engine, models *api.ModelsClient, logger *logging.Logger) *Handler {
	h := &Handler{
		engine: eng,
		logger: logger,
		models: models,
		mux:    http.NewServeMux(),
	}

	// Register routes
	h.mux.HandleFunc("GET /health", h.handleHealth)

	// Responses API
	h.mux.HandleFunc("POST /v1/responses", h.handleResponses)

	// Chat Completions API (direct backend access)
	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)

	// Models API
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/models/{id}", h.handleGetModel)

	// Anything else forwards verbatim to the backend
	h.mux.HandleFunc("/", h.handleProxy)

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr)

	h.mux.ServeHTTP(w, r)
}

// handleHealth reports gateway health. The backend is probed with a
// models listing; an unreachable backend makes the gateway unhealthy.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !h.models.Healthy(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "unhealthy",
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	})
}

// writeEngineError maps engine failures onto HTTP statuses: malformed
// client input is 400, backend failures surface the backend status (or
// 502 for transport errors), everything else is 500.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var validationErr *api.ValidationError
	var upstreamErr *api.UpstreamError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, "invalid_request", validationErr.Message)
	case errors.As(err, &upstreamErr):
		status := upstreamErr.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		h.writeError(w, status, "upstream_error", upstreamErr.Message)
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
