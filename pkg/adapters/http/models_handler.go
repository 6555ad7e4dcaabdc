// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openresponses/bridge/pkg/core/api"
)

// handleListModels handles GET /v1/models
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list models", "error", err)
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   models,
	})
}

// handleGetModel handles GET /v1/models/{id}
func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("id")
	if modelID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Model ID is required")
		return
	}

	model, err := h.models.Get(r.Context(), modelID)
	if err != nil {
		h.logger.Error("Failed to get model", "error", err, "model_id", modelID)
		var upstreamErr *api.UpstreamError
		if errors.As(err, &upstreamErr) && upstreamErr.StatusCode == http.StatusNotFound {
			h.writeError(w, http.StatusNotFound, "model_not_found", "Model not found: "+modelID)
			return
		}
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(model)
}
