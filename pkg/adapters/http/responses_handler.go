// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openresponses/bridge/pkg/core/api"
)

// handleResponses handles POST /v1/responses
func (h *Handler) handleResponses(w http.ResponseWriter, r *http.Request) {
	var req api.ResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to parse request", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}

	h.logger.Info("Processing response request",
		"model", req.Model,
		"stream", req.Stream)

	if req.Stream {
		h.handleStreamingResponse(w, r, &req)
		return
	}

	resp, err := h.engine.ProcessRequest(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to process request", "error", err)
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)

	h.logger.Info("Response sent",
		"response_id", resp.ID,
		"status", resp.Status)
}

// handleStreamingResponse streams reconstructed events as SSE frames.
// Once streaming starts the HTTP status is committed; failures after
// that point arrive as a terminal error event on the stream itself.
func (h *Handler) handleStreamingResponse(w http.ResponseWriter, r *http.Request, req *api.ResponsesRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_not_supported", "Streaming not supported")
		return
	}

	// The stream is opened before headers commit so request validation
	// and backend refusal still map to proper statuses.
	events, err := h.engine.ProcessRequestStream(r.Context(), req)
	if err != nil {
		h.logger.Error("Failed to start streaming", "error", err)
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for event := range events {
		fmt.Fprintf(w, "event: %s\n", event.Type)
		fmt.Fprintf(w, "data: %s\n\n", event.Data)
		flusher.Flush()
	}

	h.logger.Info("Streaming completed")
}
