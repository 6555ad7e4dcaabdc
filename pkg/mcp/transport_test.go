// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openresponses/bridge/pkg/core/config"
)

func TestNewTransport_Defaults(t *testing.T) {
	for _, name := range []string{"http", "streamable-http", "sse"} {
		entry := config.ServerEntry{Name: "s", Transport: name, URL: "http://example.invalid"}
		if _, err := NewTransport(context.Background(), entry); err != nil {
			t.Errorf("transport %q not registered: %v", name, err)
		}
	}

	if _, err := NewTransport(context.Background(), config.ServerEntry{Name: "s", Transport: "bogus"}); err == nil {
		t.Error("expected error for unknown transport")
	}
}

// TestStreamableClient_SSEWrappedReply exercises the variant where the
// server wraps each JSON-RPC reply in a one-shot SSE body.
func TestStreamableClient_SSEWrappedReply(t *testing.T) {
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     *int64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result any
		switch req.Method {
		case "initialize":
			w.Header().Set("Mcp-Session-Id", "sse-sess")
			result = InitializeResult{ProtocolVersion: protocolVersion}
		case "tools/list":
			gotSession = r.Header.Get("Mcp-Session-Id")
			result = ToolsListResult{Tools: []ToolInfo{{Name: "wrapped"}}}
		}

		raw, _ := json.Marshal(result)
		body, _ := json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: *req.ID, Result: raw})
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
	}))
	defer srv.Close()

	client := newStreamableClient(config.ServerEntry{Name: "s", URL: srv.URL})
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("tools/list failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "wrapped" {
		t.Errorf("unexpected tools: %v", tools)
	}
	if gotSession != "sse-sess" {
		t.Errorf("session id not echoed, got %q", gotSession)
	}
}

func TestStreamableClient_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID *int64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      *req.ID,
			Error:   &JSONRPCError{Code: -32601, Message: "method not found"},
		})
	}))
	defer srv.Close()

	client := newStreamableClient(config.ServerEntry{Name: "s", URL: srv.URL})
	if _, err := client.ListTools(context.Background()); err == nil {
		t.Fatal("expected rpc error to surface")
	}
}

func TestStreamableClient_CustomHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			ID *int64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		raw, _ := json.Marshal(ToolsListResult{})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: *req.ID, Result: raw})
	}))
	defer srv.Close()

	client := newStreamableClient(config.ServerEntry{
		Name:    "s",
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer tok"},
	})
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("custom header not sent, got %q", gotAuth)
	}
}

// fakeLegacySSE serves the older HTTP+SSE transport: a GET stream that
// announces a POST endpoint and then carries every JSON-RPC reply.
type fakeLegacySSE struct {
	srv *httptest.Server
	out chan []byte
}

func newFakeLegacySSE(t *testing.T) *fakeLegacySSE {
	t.Helper()
	f := &fakeLegacySSE{out: make(chan []byte, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", f.handleStream)
	mux.HandleFunc("POST /messages", f.handleMessage)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLegacySSE) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
	flusher.Flush()

	for {
		select {
		case body := <-f.out:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeLegacySSE) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		ID     *int64          `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		result = InitializeResult{ProtocolVersion: protocolVersion}
	case "tools/list":
		result = ToolsListResult{Tools: []ToolInfo{{Name: "legacy_tool"}}}
	case "tools/call":
		result = ToolCallResult{Content: []ContentBlock{{Type: "text", Text: "legacy result"}}}
	}

	raw, _ := json.Marshal(result)
	body, _ := json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: *req.ID, Result: raw})
	f.out <- body
	w.WriteHeader(http.StatusAccepted)
}

func TestSSEClient_InitializeTimeoutReleasesStream(t *testing.T) {
	// Server accepts the stream but never sends the endpoint event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	client := newSSEClient(config.ServerEntry{Name: "stuck", Transport: "sse", URL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := client.Initialize(ctx); err == nil {
		t.Fatal("expected Initialize to fail when the endpoint event never arrives")
	}

	// The reader goroutine and its GET connection must be torn down
	// with the failed handshake, not left running.
	select {
	case <-client.readerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reader goroutine still running after failed Initialize")
	}
}

func TestSSEClient_EndToEnd(t *testing.T) {
	f := newFakeLegacySSE(t)

	client := newSSEClient(config.ServerEntry{Name: "legacy", Transport: "sse", URL: f.srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer client.Close(context.Background())

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("tools/list failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "legacy_tool" {
		t.Errorf("unexpected tools: %v", tools)
	}

	result, err := client.CallTool(ctx, "legacy_tool", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("tools/call failed: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "legacy result" {
		t.Errorf("unexpected result: %+v", result)
	}
}
