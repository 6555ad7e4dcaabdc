// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// ReconstructorOptions tune stream reconstruction.
type ReconstructorOptions struct {
	// EmitReasoning surfaces reasoning_content deltas as
	// response.reasoning_text.delta events. When false they are dropped.
	// Either way they never reach the output-text channel.
	EmitReasoning bool
}

type streamPhase int

const (
	phaseIdle streamPhase = iota
	phaseStarted
	phaseStreaming
	phaseCompleted
	phaseErrored
)

// toolCallAccumulator collects the fragments of one tool call, keyed by
// the backend-local index.
type toolCallAccumulator struct {
	id          string
	name        string
	itemID      string
	outputIndex int
	arguments   strings.Builder
}

// Reconstructor consumes a backend chat-completions SSE body and emits
// Responses API stream events in arrival order. One Reconstructor
// drives exactly one request; it is not restartable and is never shared
// across goroutines.
type Reconstructor struct {
	opts ReconstructorOptions

	phase      streamPhase
	responseID string
	model      string
	created    int64

	nextOutputIndex int
	messageItemID   string
	messageIndex    int
	text            strings.Builder

	toolCalls map[int]*toolCallAccumulator
	toolOrder []int

	usage        *ChatUsage
	finishReason string
	finalized    bool
}

// NewReconstructor creates a reconstructor for a single streaming
// request.
func NewReconstructor(opts ReconstructorOptions) *Reconstructor {
	return &Reconstructor{
		opts:      opts,
		toolCalls: make(map[int]*toolCallAccumulator),
	}
}

// Run reads the backend SSE body until the [DONE] sentinel or EOF and
// writes client-facing events to the channel. The caller owns closing
// the channel and the body. Run returns when the stream is finished,
// errored, or ctx is cancelled; after an error event nothing further is
// emitted.
func (r *Reconstructor) Run(ctx context.Context, body io.Reader, events chan<- StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sentinel := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sentinel = true
			break
		}

		var chunk ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			r.fail(ctx, events, &StreamTransportError{Message: "malformed stream frame: " + err.Error()})
			return
		}

		if !r.handleChunk(ctx, events, &chunk) {
			return
		}
	}

	if r.phase == phaseErrored {
		return
	}
	if err := scanner.Err(); err != nil {
		r.fail(ctx, events, &StreamTransportError{Message: "backend stream read failed: " + err.Error()})
		return
	}
	if !sentinel && r.finishReason == "" {
		// Backend went away before finishing the turn
		r.fail(ctx, events, &StreamTransportError{Message: "backend stream ended unexpectedly"})
		return
	}
	if r.finishReason == "" {
		r.fail(ctx, events, &StreamTransportError{Message: "backend stream ended without finish_reason"})
		return
	}

	r.complete(ctx, events)
}

// handleChunk processes one backend frame. Returns false when emission
// stopped (context cancelled or stream errored).
func (r *Reconstructor) handleChunk(ctx context.Context, events chan<- StreamEvent, chunk *ChatChunk) bool {
	if r.responseID == "" {
		r.responseID = chunk.ID
	}
	if r.model == "" {
		r.model = chunk.Model
	}
	if r.created == 0 {
		r.created = chunk.Created
	}
	if chunk.Usage != nil {
		r.usage = chunk.Usage
	}

	// First frame of any kind starts the response
	if r.phase == phaseIdle {
		r.phase = phaseStarted
		if !r.send(ctx, events, "response.created", map[string]interface{}{
			"type": "response.created",
			"response": map[string]interface{}{
				"id":         r.responseID,
				"object":     "response",
				"status":     "in_progress",
				"model":      r.model,
				"created_at": r.created,
			},
		}) {
			return false
		}
	}

	if len(chunk.Choices) == 0 {
		return true
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != nil && *delta.Content != "" {
		r.phase = phaseStreaming
		if r.messageItemID == "" {
			r.messageItemID = generateID("msg_")
			r.messageIndex = r.nextOutputIndex
			r.nextOutputIndex++
		}
		r.text.WriteString(*delta.Content)

		if !r.send(ctx, events, "response.output_text.delta", map[string]interface{}{
			"type":          "response.output_text.delta",
			"item_id":       r.messageItemID,
			"output_index":  r.messageIndex,
			"content_index": 0,
			"delta":         *delta.Content,
			"response_id":   r.responseID,
		}) {
			return false
		}
	}

	if delta.ReasoningContent != nil && *delta.ReasoningContent != "" && r.opts.EmitReasoning {
		if !r.send(ctx, events, "response.reasoning_text.delta", map[string]interface{}{
			"type":        "response.reasoning_text.delta",
			"delta":       *delta.ReasoningContent,
			"response_id": r.responseID,
		}) {
			return false
		}
	}

	for _, tc := range delta.ToolCalls {
		r.phase = phaseStreaming
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}

		acc, exists := r.toolCalls[idx]
		if !exists {
			acc = &toolCallAccumulator{
				itemID:      generateID("fc_"),
				outputIndex: r.nextOutputIndex,
			}
			r.nextOutputIndex++
			r.toolCalls[idx] = acc
			r.toolOrder = append(r.toolOrder, idx)
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}

		if !exists {
			if !r.send(ctx, events, "response.output_item.added", map[string]interface{}{
				"type":         "response.output_item.added",
				"output_index": acc.outputIndex,
				"response_id":  r.responseID,
				"item": map[string]interface{}{
					"type":      "function_call",
					"id":        acc.itemID,
					"call_id":   acc.id,
					"name":      acc.name,
					"arguments": "",
					"status":    "in_progress",
				},
			}) {
				return false
			}
		}

		if tc.Function.Arguments != "" {
			acc.arguments.WriteString(tc.Function.Arguments)
			if !r.send(ctx, events, "response.function_call_arguments.delta", map[string]interface{}{
				"type":         "response.function_call_arguments.delta",
				"item_id":      acc.itemID,
				"output_index": acc.outputIndex,
				"delta":        tc.Function.Arguments,
				"response_id":  r.responseID,
			}) {
				return false
			}
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		r.finishReason = *choice.FinishReason
		// A backend repeating finish_reason must not duplicate the done
		// events.
		if r.finalized {
			return true
		}
		r.finalized = true
		// Finalize every open accumulator now; response.completed waits
		// for the sentinel so a trailing usage-only frame is captured.
		return r.finalizeItems(ctx, events)
	}

	return true
}

// finalizeItems emits one output_item.done per open accumulator, text
// first, then tool calls in first-seen order.
func (r *Reconstructor) finalizeItems(ctx context.Context, events chan<- StreamEvent) bool {
	if r.text.Len() > 0 {
		if !r.send(ctx, events, "response.output_item.done", map[string]interface{}{
			"type":         "response.output_item.done",
			"output_index": r.messageIndex,
			"response_id":  r.responseID,
			"item":         r.messageItem(),
		}) {
			return false
		}
	}
	for _, idx := range r.toolOrder {
		acc := r.toolCalls[idx]
		if !r.send(ctx, events, "response.output_item.done", map[string]interface{}{
			"type":         "response.output_item.done",
			"output_index": acc.outputIndex,
			"response_id":  r.responseID,
			"item":         r.functionCallItem(acc),
		}) {
			return false
		}
	}
	return true
}

func (r *Reconstructor) messageItem() OutputItem {
	return OutputItem{
		Type:   "message",
		ID:     r.messageItemID,
		Role:   "assistant",
		Status: "completed",
		Content: []ContentItem{{
			Type: "output_text",
			Text: r.text.String(),
		}},
	}
}

func (r *Reconstructor) functionCallItem(acc *toolCallAccumulator) OutputItem {
	return OutputItem{
		Type:      "function_call",
		ID:        acc.itemID,
		CallID:    acc.id,
		Name:      acc.name,
		Arguments: acc.arguments.String(),
		Status:    "completed",
	}
}

// complete emits the single terminal response.completed event carrying
// the fully reconstructed response.
func (r *Reconstructor) complete(ctx context.Context, events chan<- StreamEvent) {
	resp := &ResponsesResponse{
		ID:        r.responseID,
		Object:    "response",
		Model:     r.model,
		CreatedAt: r.created,
		Status:    "completed",
	}
	if r.finishReason == "length" {
		resp.Status = "incomplete"
	}
	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().Unix()
	}

	var output []OutputItem
	if r.text.Len() > 0 {
		output = append(output, r.messageItem())
	}
	for _, idx := range r.toolOrder {
		output = append(output, r.functionCallItem(r.toolCalls[idx]))
	}
	resp.Output = output

	if r.usage != nil {
		resp.Usage = &UsageInfo{
			InputTokens:  r.usage.PromptTokens,
			OutputTokens: r.usage.CompletionTokens,
			TotalTokens:  r.usage.TotalTokens,
		}
	}

	if r.send(ctx, events, "response.completed", map[string]interface{}{
		"type":     "response.completed",
		"response": resp,
	}) {
		r.phase = phaseCompleted
	}
}

// fail emits exactly one terminal error event. Errored is reachable
// from any phase; nothing is emitted afterwards.
func (r *Reconstructor) fail(ctx context.Context, events chan<- StreamEvent, streamErr *StreamTransportError) {
	if r.phase == phaseErrored {
		return
	}
	r.send(ctx, events, "error", map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"message": streamErr.Message,
		},
	})
	r.phase = phaseErrored
}

func (r *Reconstructor) send(ctx context.Context, events chan<- StreamEvent, eventType string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	select {
	case events <- StreamEvent{Type: eventType, Data: data}:
		return true
	case <-ctx.Done():
		return false
	}
}
