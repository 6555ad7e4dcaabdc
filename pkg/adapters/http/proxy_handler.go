// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"io"
	"net/http"
)

// handleProxy forwards any unrecognized route verbatim to the backend,
// so endpoints the gateway does not translate (embeddings, completions,
// tokenize) keep working through it.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Proxying request", "method", r.Method, "path", r.URL.Path)

	resp, err := h.engine.Backend().Do(r.Context(), r.Method, r.URL.RequestURI(), r.Header, r.Body)
	if err != nil {
		h.logger.Error("Proxy request failed", "error", err, "path", r.URL.Path)
		h.writeEngineError(w, err)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Flush as bytes arrive so proxied SSE endpoints stream through
	if flusher, ok := w.(http.Flusher); ok {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				flusher.Flush()
			}
			if rerr != nil {
				return
			}
		}
	}
	io.Copy(w, resp.Body)
}
