// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/openresponses/bridge/pkg/core/api"
	"github.com/openresponses/bridge/pkg/core/config"
	"github.com/openresponses/bridge/pkg/mcp"
	"github.com/openresponses/bridge/pkg/observability/logging"
)

func stringPtr(s string) *string { return &s }

// fakeBackend scripts /v1/chat/completions replies and records every
// request the engine sends.
type fakeBackend struct {
	srv *httptest.Server

	mu         sync.Mutex
	requests   []api.ChatRequest
	replies    []api.ChatResponse
	streamBody string
	status     int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	status := f.status
	streamBody := f.streamBody
	var reply api.ChatResponse
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, "backend unhappy", status)
		return
	}
	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, streamBody)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

func (f *fakeBackend) recorded() []api.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func textReply(text string, prompt, completion int) api.ChatResponse {
	return api.ChatResponse{
		ID:    "chatcmpl-test",
		Model: "gpt-test",
		Choices: []api.ChatChoice{{
			Message:      api.ChatChoiceMsg{Role: "assistant", Content: &text},
			FinishReason: "stop",
		}},
		Usage: &api.ChatUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}
}

func toolCallReply(callID, name, args string, prompt, completion int) api.ChatResponse {
	return api.ChatResponse{
		ID:    "chatcmpl-test",
		Model: "gpt-test",
		Choices: []api.ChatChoice{{
			Message: api.ChatChoiceMsg{
				Role: "assistant",
				ToolCalls: []api.ChatToolCall{{
					ID:       callID,
					Type:     "function",
					Function: api.ChatToolCallFunction{Name: name, Arguments: args},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &api.ChatUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}
}

// fakeTools is a scripted ToolSource.
type fakeTools struct {
	snap *mcp.Snapshot

	mu          sync.Mutex
	invocations []string
	result      mcp.InvocationResult
}

func (f *fakeTools) Current() *mcp.Snapshot {
	return f.snap
}

func (f *fakeTools) Invoke(_ context.Context, name, arguments string) mcp.InvocationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations = append(f.invocations, name+"|"+arguments)
	return f.result
}

func testEngine(t *testing.T, backend *fakeBackend, tools ToolSource) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.BaseURL = backend.srv.URL
	cfg.Backend.RequestTimeout = 10 * time.Second
	cfg.MCP.MaxToolIterations = 10
	return New(cfg, tools, logging.Discard())
}

func TestProcessRequest_PlainText(t *testing.T) {
	backend := newFakeBackend(t)
	backend.replies = []api.ChatResponse{textReply("hello!", 10, 4)}

	eng := testEngine(t, backend, nil)
	resp, err := eng.ProcessRequest(context.Background(), &api.ResponsesRequest{
		Model: "gpt-test",
		Input: "say hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.Output) != 1 || resp.Output[0].Type != "message" {
		t.Fatalf("expected single message item, got %+v", resp.Output)
	}
	if resp.Output[0].Content[0].Text != "hello!" {
		t.Errorf("text lost: %+v", resp.Output[0])
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage not carried: %+v", resp.Usage)
	}

	reqs := backend.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 backend call, got %d", len(reqs))
	}
	if reqs[0].Model != "gpt-test" || reqs[0].Stream {
		t.Errorf("unexpected backend request: %+v", reqs[0])
	}
}

func TestProcessRequest_InjectsRegistryTools(t *testing.T) {
	backend := newFakeBackend(t)
	backend.replies = []api.ChatResponse{textReply("done", 1, 1)}

	tools := &fakeTools{snap: mcp.NewSnapshot([]mcp.ToolDef{
		{Name: "search_docs", Description: "doc search", Server: "docs"},
	})}

	eng := testEngine(t, backend, tools)
	if _, err := eng.ProcessRequest(context.Background(), &api.ResponsesRequest{
		Model: "gpt-test",
		Input: "hi",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := backend.recorded()
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Function.Name != "search_docs" {
		t.Errorf("registry tool not injected: %+v", reqs[0].Tools)
	}
}

func TestProcessRequest_ClientToolWinsCollision(t *testing.T) {
	backend := newFakeBackend(t)
	backend.replies = []api.ChatResponse{toolCallReply("call-1", "search_docs", "{}", 1, 1)}

	tools := &fakeTools{snap: mcp.NewSnapshot([]mcp.ToolDef{
		{Name: "search_docs", Description: "registry version", Server: "docs"},
	})}

	eng := testEngine(t, backend, tools)
	resp, err := eng.ProcessRequest(context.Background(), &api.ResponsesRequest{
		Model: "gpt-test",
		Input: "hi",
		Tools: []api.ToolParam{{Type: "function", Name: "search_docs", Description: stringPtr("client version")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The shadowed registry tool must not execute server-side
	if len(tools.invocations) != 0 {
		t.Errorf("shadowed tool executed server-side: %v", tools.invocations)
	}
	if len(resp.Output) != 1 || resp.Output[0].Type != "function_call" {
		t.Fatalf("expected function_call returned to caller, got %+v", resp.Output)
	}

	reqs := backend.recorded()
	if len(reqs) != 1 {
		t.Errorf("expected single round trip, got %d", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Function.Description != "client version" {
		t.Errorf("client definition did not win: %+v", reqs[0].Tools)
	}
}

func TestProcessRequest_RegistryToolLoop(t *testing.T) {
	backend := newFakeBackend(t)
	backend.replies = []api.ChatResponse{
		toolCallReply("call-1", "lookup", `{"q":"go"}`, 10, 5),
		textReply("found it", 20, 7),
	}

	tools := &fakeTools{
		snap:   mcp.NewSnapshot([]mcp.ToolDef{{Name: "lookup", Server: "docs"}}),
		result: mcp.InvocationResult{OK: true, Payload: "result data"},
	}

	eng := testEngine(t, backend, tools)
	resp, err := eng.ProcessRequest(context.Background(), &api.ResponsesRequest{
		Model: "gpt-test",
		Input: "look up go",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tools.invocations) != 1 || tools.invocations[0] != `lookup|{"q":"go"}` {
		t.Fatalf("unexpected invocations: %v", tools.invocations)
	}

	reqs := backend.recorded()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 backend round trips, got %d", len(reqs))
	}
	// Second round trip carries the assistant call and the tool result
	second := reqs[1].Messages
	assistant := second[len(second)-2]
	toolMsg := second[len(second)-1]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Errorf("assistant echo missing: %+v", assistant)
	}
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call-1" || toolMsg.Content != "result data" {
		t.Errorf("tool result not fed back: %+v", toolMsg)
	}

	// The trace precedes the final answer
	if len(resp.Output) != 3 {
		t.Fatalf("expected trace + answer, got %+v", resp.Output)
	}
	if resp.Output[0].Type != "function_call" || resp.Output[0].Name != "lookup" {
		t.Errorf("unexpected first item: %+v", resp.Output[0])
	}
	if resp.Output[1].Type != "function_call_output" || resp.Output[1].Output != "result data" {
		t.Errorf("unexpected second item: %+v", resp.Output[1])
	}
	if resp.Output[2].Type != "message" {
		t.Errorf("unexpected final item: %+v", resp.Output[2])
	}

	// Usage: latest prompt, summed completions
	if resp.Usage.InputTokens != 20 || resp.Usage.OutputTokens != 12 {
		t.Errorf("unexpected usage accumulation: %+v", resp.Usage)
	}
}

func TestProcessRequest_ToolFailureFedBack(t *testing.T) {
	backend := newFakeBackend(t)
	backend.replies = []api.ChatResponse{
		toolCallReply("call-1", "lookup", `{}`, 1, 1),
		textReply("sorry, the tool failed", 2, 2),
	}

	tools := &fakeTools{
		snap:   mcp.NewSnapshot([]mcp.ToolDef{{Name: "lookup", Server: "docs"}}),
		result: mcp.InvocationResult{OK: false, Payload: "tool lookup failed: timeout"},
	}

	eng := testEngine(t, backend, tools)
	resp, err := eng.ProcessRequest(context.Background(), &api.ResponsesRequest{
		Model: "gpt-test",
		Input: "hi",
	})
	if err != nil {
		t.Fatalf("tool failure must not abort the turn: %v", err)
	}

	reqs := backend.recorded()
	toolMsg := reqs[1].Messages[len(reqs[1].Messages)-1]
	if toolMsg.Content != "tool lookup failed: timeout" {
		t.Errorf("failure description not fed back: %+v", toolMsg)
	}
	if resp.Output[1].Output != "tool lookup failed: timeout" {
		t.Errorf("failure not in trace: %+v", resp.Output[1])
	}
}

func TestProcessRequest_IterationBound(t *testing.T) {
	backend := newFakeBackend(t)
	// Backend asks for the same tool forever
	backend.replies = []api.ChatResponse{toolCallReply("call-n", "lookup", `{}`, 1, 1)}

	tools := &fakeTools{
		snap:   mcp.NewSnapshot([]mcp.ToolDef{{Name: "lookup", Server: "docs"}}),
		result: mcp.InvocationResult{OK: true, Payload: "again"},
	}

	cfg := config.Default()
	cfg.Backend.BaseURL = backend.srv.URL
	cfg.MCP.MaxToolIterations = 3
	eng := New(cfg, tools, logging.Discard())

	resp, err := eng.ProcessRequest(context.Background(), &api.ResponsesRequest{
		Model: "gpt-test",
		Input: "loop",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(backend.recorded()); got != 3 {
		t.Errorf("expected 3 backend calls at the bound, got %d", got)
	}
	// The unexecuted final call is returned to the caller
	last := resp.Output[len(resp.Output)-1]
	if last.Type != "function_call" {
		t.Errorf("expected trailing function_call, got %+v", last)
	}
}

func TestProcessRequest_UpstreamError(t *testing.T) {
	backend := newFakeBackend(t)
	backend.status = http.StatusServiceUnavailable

	eng := testEngine(t, backend, nil)
	_, err := eng.ProcessRequest(context.Background(), &api.ResponsesRequest{
		Model: "gpt-test",
		Input: "hi",
	})
	if err == nil {
		t.Fatal("expected upstream error")
	}
	upstream, ok := err.(*api.UpstreamError)
	if !ok {
		t.Fatalf("expected UpstreamError, got %T", err)
	}
	if upstream.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("backend status lost: %d", upstream.StatusCode)
	}
}

func TestProcessRequestStream_EndToEnd(t *testing.T) {
	backend := newFakeBackend(t)
	backend.streamBody = `data: {"id":"c","model":"m","choices":[{"index":0,"delta":{"content":"str"}}]}

data: {"id":"c","model":"m","choices":[{"index":0,"delta":{"content":"eam"}}]}

data: {"id":"c","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`

	eng := testEngine(t, backend, nil)
	events, err := eng.ProcessRequestStream(context.Background(), &api.ResponsesRequest{
		Model:  "gpt-test",
		Input:  "hi",
		Stream: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	if len(types) == 0 || types[0] != "response.created" {
		t.Fatalf("expected response.created first, got %v", types)
	}
	if types[len(types)-1] != "response.completed" {
		t.Errorf("expected response.completed last, got %v", types)
	}

	reqs := backend.recorded()
	if !reqs[0].Stream || reqs[0].StreamOptions == nil || !reqs[0].StreamOptions.IncludeUsage {
		t.Errorf("stream options not set on backend request: %+v", reqs[0])
	}
}

func TestChatCompletion_Passthrough(t *testing.T) {
	backend := newFakeBackend(t)
	backend.replies = []api.ChatResponse{textReply("pong", 1, 1)}

	tools := &fakeTools{snap: mcp.NewSnapshot([]mcp.ToolDef{
		{Name: "search_docs", Server: "docs"},
	})}

	eng := testEngine(t, backend, tools)
	resp, err := eng.ChatCompletion(context.Background(), &api.ChatRequest{
		Model:     "gpt-test",
		Messages:  []api.ChatMessage{{Role: "user", Content: "ping"}},
		Reasoning: &api.ReasoningParam{},
		Tools: []api.ChatTool{{
			Type:     "function",
			Function: api.ChatToolFunction{Name: "client_tool"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *resp.Choices[0].Message.Content != "pong" {
		t.Errorf("unexpected reply: %+v", resp)
	}

	reqs := backend.recorded()
	if reqs[0].Reasoning != nil {
		t.Errorf("empty reasoning not stripped: %+v", reqs[0].Reasoning)
	}
	names := map[string]bool{}
	for _, tool := range reqs[0].Tools {
		names[tool.Function.Name] = true
	}
	if !names["client_tool"] || !names["search_docs"] {
		t.Errorf("expected both client and registry tools, got %v", names)
	}
}
