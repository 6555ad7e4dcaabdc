// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/openresponses/bridge/pkg/core/api"
	"github.com/openresponses/bridge/pkg/core/config"
	"github.com/openresponses/bridge/pkg/mcp"
	"github.com/openresponses/bridge/pkg/observability/logging"
)

// ToolSource is the registry surface the engine needs: a snapshot to
// inject tool definitions from and an invoker for tools it owns. A nil
// ToolSource disables injection entirely.
type ToolSource interface {
	Current() *mcp.Snapshot
	Invoke(ctx context.Context, name, arguments string) mcp.InvocationResult
}

// Engine orchestrates request handling: tool injection, translation to
// the backend dialect, server-side execution of registry-owned tool
// calls, and reply translation.
type Engine struct {
	cfg     *config.Config
	backend *api.BackendClient
	tools   ToolSource
	logger  *logging.Logger
}

// New creates an engine bound to the configured backend. The config
// layer guarantees a base URL, defaulting when neither file nor
// environment provides one. tools may be nil when MCP is disabled.
func New(cfg *config.Config, tools ToolSource, logger *logging.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		backend: api.NewBackendClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.RequestTimeout),
		tools:   tools,
		logger:  logger,
	}
}

// Backend exposes the shared backend client for the proxy handler.
func (e *Engine) Backend() *api.BackendClient {
	return e.backend
}

// ProcessRequest handles a non-streaming /v1/responses request. Tool
// calls the model addresses to registry-owned tools are executed here
// and fed back to the backend, up to the configured iteration bound;
// calls to client-declared tools end the loop and are returned to the
// caller as function_call output items.
func (e *Engine) ProcessRequest(ctx context.Context, req *api.ResponsesRequest) (*api.ResponsesResponse, error) {
	owned := e.mergeRegistryTools(req)

	chatReq, err := api.ConvertToChatRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = false

	var (
		toolItems        []api.OutputItem
		promptTokens     int
		completionTokens int
		sawUsage         bool
		resp             *api.ResponsesResponse
	)

	for iteration := 0; ; iteration++ {
		var chatResp api.ChatResponse
		if err := e.backend.Post(ctx, "/v1/chat/completions", chatReq, &chatResp); err != nil {
			return nil, err
		}
		resp, err = api.ConvertFromChatResponse(&chatResp)
		if err != nil {
			return nil, err
		}
		if chatResp.Usage != nil {
			sawUsage = true
			// Prompt tokens of later iterations subsume earlier prompts
			promptTokens = chatResp.Usage.PromptTokens
			completionTokens += chatResp.Usage.CompletionTokens
		}

		choice := chatResp.Choices[0]
		calls := choice.Message.ToolCalls
		if choice.FinishReason != "tool_calls" || len(calls) == 0 ||
			!allOwned(calls, owned) || iteration+1 >= e.cfg.MCP.MaxToolIterations {
			break
		}

		// Echo the assistant turn, then execute each call and append
		// its result as a tool message for the next round trip.
		chatReq.Messages = append(chatReq.Messages, api.ChatMessage{
			Role:      "assistant",
			ToolCalls: calls,
		})
		for _, tc := range calls {
			result := e.tools.Invoke(ctx, tc.Function.Name, tc.Function.Arguments)
			if !result.OK {
				e.logger.Warn("Tool invocation failed", "tool", tc.Function.Name, "detail", result.Payload)
			}
			toolItems = append(toolItems,
				api.OutputItem{
					Type:      "function_call",
					ID:        generateID("fc_"),
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
					Status:    "completed",
				},
				api.OutputItem{
					Type:   "function_call_output",
					ID:     generateID("fco_"),
					CallID: tc.ID,
					Output: result.Payload,
					Status: "completed",
				},
			)
			chatReq.Messages = append(chatReq.Messages, api.ChatMessage{
				Role:       "tool",
				Content:    result.Payload,
				ToolCallID: tc.ID,
			})
		}
	}

	if len(toolItems) > 0 {
		resp.Output = append(toolItems, resp.Output...)
	}
	if sawUsage {
		resp.Usage = &api.UsageInfo{
			InputTokens:  promptTokens,
			OutputTokens: completionTokens,
			TotalTokens:  promptTokens + completionTokens,
		}
	}
	return resp, nil
}

// ProcessRequestStream handles a streaming /v1/responses request. The
// backend stream is reconstructed into typed events on the returned
// channel; the channel is closed when the stream ends, on any terminal
// event. Tool calls are never executed server-side on the streaming
// path; they stream through to the caller.
func (e *Engine) ProcessRequestStream(ctx context.Context, req *api.ResponsesRequest) (<-chan api.StreamEvent, error) {
	e.mergeRegistryTools(req)

	chatReq, err := api.ConvertToChatRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &api.ChatStreamOptions{IncludeUsage: true}

	body, err := e.backend.Stream(ctx, "/v1/chat/completions", chatReq)
	if err != nil {
		return nil, err
	}

	events := make(chan api.StreamEvent, 16)
	go func() {
		defer close(events)
		defer body.Close()
		rec := api.NewReconstructor(api.ReconstructorOptions{
			EmitReasoning: e.cfg.Backend.EmitReasoning,
		})
		rec.Run(ctx, body, events)
	}()
	return events, nil
}

// ChatCompletion forwards a chat-dialect request to the backend after
// injecting registry tools in the nested chat shape.
func (e *Engine) ChatCompletion(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	e.injectChatTools(req)
	if req.Reasoning.Empty() {
		req.Reasoning = nil
	}
	req.Stream = false

	var resp api.ChatResponse
	if err := e.backend.Post(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatCompletionStream forwards a streaming chat-dialect request and
// returns the backend's raw SSE body. Chat streaming is a passthrough;
// no reconstruction applies.
func (e *Engine) ChatCompletionStream(ctx context.Context, req *api.ChatRequest) (io.ReadCloser, error) {
	e.injectChatTools(req)
	if req.Reasoning.Empty() {
		req.Reasoning = nil
	}
	req.Stream = true

	return e.backend.Stream(ctx, "/v1/chat/completions", req)
}

// mergeRegistryTools merges the current snapshot's tools into the
// request. Client-declared tools win name collisions; the losing
// registry entries are logged and dropped. The returned set names the
// registry tools that made it into the request and are therefore
// executed server-side.
func (e *Engine) mergeRegistryTools(req *api.ResponsesRequest) map[string]bool {
	if e.tools == nil {
		return nil
	}
	snap := e.tools.Current()
	if snap.Len() == 0 {
		return nil
	}

	defs := snap.Tools()
	injected := make([]api.ToolParam, 0, len(defs))
	for _, def := range defs {
		desc := def.Description
		injected = append(injected, api.ToolParam{
			Type:        "function",
			Name:        def.Name,
			Description: &desc,
			Parameters:  def.Parameters,
		})
	}

	merged, dropped := api.MergeTools(req.Tools, injected)
	for _, name := range dropped {
		e.logger.Debug("Client tool shadows registry tool", "tool", name)
	}
	req.Tools = merged

	shadowed := make(map[string]bool, len(dropped))
	for _, name := range dropped {
		shadowed[name] = true
	}
	owned := make(map[string]bool, len(defs))
	for _, def := range defs {
		if !shadowed[def.Name] {
			owned[def.Name] = true
		}
	}
	return owned
}

// injectChatTools merges registry tools into a chat-dialect request,
// same precedence as the responses path.
func (e *Engine) injectChatTools(req *api.ChatRequest) {
	if e.tools == nil {
		return
	}
	snap := e.tools.Current()
	if snap.Len() == 0 {
		return
	}

	declared := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		declared[t.Function.Name] = true
	}
	for _, def := range snap.Tools() {
		if declared[def.Name] {
			e.logger.Debug("Client tool shadows registry tool", "tool", def.Name)
			continue
		}
		req.Tools = append(req.Tools, api.ChatTool{
			Type: "function",
			Function: api.ChatToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
}

// allOwned reports whether every call addresses a registry-owned tool.
// A single client-declared call hands the whole turn back to the
// caller.
func allOwned(calls []api.ChatToolCall, owned map[string]bool) bool {
	if len(owned) == 0 {
		return false
	}
	for _, tc := range calls {
		if !owned[tc.Function.Name] {
			return false
		}
	}
	return true
}

func generateID(prefix string) string {
	b := make([]byte, 16)
	rand.Read(b)
	return prefix + hex.EncodeToString(b)
}
