// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openresponses/bridge/pkg/core/api"
)

// handleChatCompletions handles POST /v1/chat/completions.
// This is a pass-through to the LLM backend; only registry tool
// injection is applied.
func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to parse chat completion request", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}

	h.logger.Info("Processing chat completion request",
		"model", req.Model,
		"messages", len(req.Messages),
		"stream", req.Stream)

	if req.Stream {
		h.handleChatCompletionStream(w, r, &req)
		return
	}

	resp, err := h.engine.ChatCompletion(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to create chat completion", "error", err)
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)

	h.logger.Info("Chat completion sent",
		"completion_id", resp.ID,
		"model", resp.Model)
}

// handleChatCompletionStream relays the backend's SSE stream verbatim.
// The backend already emits OpenAI chunk framing and the [DONE]
// sentinel, so bytes are copied through with flushing and no
// re-framing.
func (h *Handler) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *api.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_not_supported", "Streaming not supported")
		return
	}

	body, err := h.engine.ChatCompletionStream(r.Context(), req)
	if err != nil {
		h.logger.Error("Failed to start chat completion stream", "error", err)
		h.writeEngineError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Warn("Client disconnected mid-stream", "error", werr)
				return
			}
			flusher.Flush()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			h.logger.Error("Backend stream failed", "error", err)
			fmt.Fprintf(w, "data: {\"error\":{\"message\":%q}}\n\n", err.Error())
			flusher.Flush()
			return
		}
	}

	h.logger.Info("Chat completion streaming completed")
}
