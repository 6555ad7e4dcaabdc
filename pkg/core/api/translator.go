// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MergeTools merges client-declared tools with registry-injected ones.
// On a name collision the client-declared definition wins and the
// registry entry is dropped; dropped names are returned so the caller
// can log them. The merged list keeps client tools first, in order.
func MergeTools(client, injected []ToolParam) ([]ToolParam, []string) {
	if len(injected) == 0 {
		return client, nil
	}

	seen := make(map[string]bool, len(client))
	for _, t := range client {
		if t.Name != "" {
			seen[t.Name] = true
		}
	}

	merged := make([]ToolParam, 0, len(client)+len(injected))
	merged = append(merged, client...)
	var dropped []string
	for _, t := range injected {
		if seen[t.Name] {
			dropped = append(dropped, t.Name)
			continue
		}
		seen[t.Name] = true
		merged = append(merged, t)
	}
	return merged, dropped
}

// ConvertToChatRequest converts a ResponsesRequest to a ChatRequest.
// The only fatal condition is a missing model; unknown or malformed
// input items are skipped.
func ConvertToChatRequest(req *ResponsesRequest) (*ChatRequest, error) {
	if req.Model == "" {
		return nil, &ValidationError{Message: "model is required"}
	}

	chatReq := &ChatRequest{
		Model:             req.Model,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		MaxTokens:         req.MaxOutputTokens,
		FrequencyPenalty:  req.FrequencyPenalty,
		PresencePenalty:   req.PresencePenalty,
		ParallelToolCalls: req.ParallelToolCalls,
		Seed:              req.Seed,
		Stop:              req.Stop,
	}

	if req.TopLogprobs != nil {
		logprobs := true
		chatReq.Logprobs = &logprobs
		chatReq.TopLogprobs = req.TopLogprobs
	}

	// A reasoning object whose sub-fields are all null is stripped;
	// backends reject it.
	if !req.Reasoning.Empty() {
		chatReq.Reasoning = req.Reasoning
	}

	// Instructions become the leading system message
	var messages []ChatMessage
	if req.Instructions != nil && *req.Instructions != "" {
		messages = append(messages, ChatMessage{
			Role:    "system",
			Content: *req.Instructions,
		})
	}
	messages = append(messages, convertInputToMessages(req.Input)...)
	chatReq.Messages = messages

	chatReq.Tools = convertToolsToChatTools(req.Tools)

	// tool_choice without tools is rejected by the backend, so it is
	// only forwarded when the converted tool list is non-empty.
	if len(chatReq.Tools) > 0 {
		chatReq.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return chatReq, nil
}

// convertInputToMessages converts Responses API input to Chat
// Completions messages. Input can be a string or []interface{} of
// structured items.
func convertInputToMessages(input interface{}) []ChatMessage {
	if input == nil {
		return nil
	}

	switch v := input.(type) {
	case string:
		return []ChatMessage{{Role: "user", Content: v}}
	case []interface{}:
		return convertInputItemsToMessages(v)
	default:
		return []ChatMessage{{Role: "user", Content: fmt.Sprintf("%v", v)}}
	}
}

// convertInputItemsToMessages converts structured input items in order.
// Consecutive function_call items merge into a single assistant message.
func convertInputItemsToMessages(items []interface{}) []ChatMessage {
	var messages []ChatMessage
	var pendingToolCalls []ChatToolCall

	flushToolCalls := func() {
		if len(pendingToolCalls) > 0 {
			messages = append(messages, ChatMessage{
				Role:      "assistant",
				ToolCalls: pendingToolCalls,
			})
			pendingToolCalls = nil
		}
	}

	for _, item := range items {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		itemType, _ := itemMap["type"].(string)
		role, _ := itemMap["role"].(string)

		switch {
		case itemType == "function_call":
			callID, _ := itemMap["call_id"].(string)
			name, _ := itemMap["name"].(string)
			arguments, _ := itemMap["arguments"].(string)
			pendingToolCalls = append(pendingToolCalls, ChatToolCall{
				ID:   callID,
				Type: "function",
				Function: ChatToolCallFunction{
					Name:      name,
					Arguments: arguments,
				},
			})

		case itemType == "function_call_output":
			flushToolCalls()
			callID, _ := itemMap["call_id"].(string)
			output, _ := itemMap["output"].(string)
			messages = append(messages, ChatMessage{
				Role:       "tool",
				Content:    output,
				ToolCallID: callID,
			})

		case itemType == "reasoning":
			// Opaque reasoning items carry no chat-side representation

		case itemType == "message" || (itemType == "" && role != ""):
			flushToolCalls()
			msg := convertItemToMessage(itemMap, role)
			if msg != nil {
				messages = append(messages, *msg)
			}

		default:
			// Try the simple {role, content} shape before giving up
			flushToolCalls()
			if content, ok := itemMap["content"].(string); ok && content != "" {
				if role == "" {
					role = "user"
				}
				if role == "developer" {
					role = "system"
				}
				messages = append(messages, ChatMessage{
					Role:    role,
					Content: content,
				})
			}
		}
	}

	flushToolCalls()
	return messages
}

// convertItemToMessage converts a single message item, handling both
// plain string content and multimodal content parts.
func convertItemToMessage(item map[string]interface{}, role string) *ChatMessage {
	if role == "" {
		role, _ = item["role"].(string)
	}
	if role == "" {
		return nil
	}

	// "developer" maps to "system" for Chat Completions compatibility
	if role == "developer" {
		role = "system"
	}

	if content, ok := item["content"].(string); ok {
		if content == "" {
			return nil
		}
		return &ChatMessage{Role: role, Content: content}
	}

	contentArr, ok := item["content"].([]interface{})
	if !ok || len(contentArr) == 0 {
		return nil
	}

	var textParts []string
	var contentParts []ChatContentPart
	hasNonText := false

	for _, part := range contentArr {
		partMap, ok := part.(map[string]interface{})
		if !ok {
			continue
		}
		partType, _ := partMap["type"].(string)
		switch partType {
		case "input_text", "text", "output_text":
			text, _ := partMap["text"].(string)
			textParts = append(textParts, text)
			contentParts = append(contentParts, ChatContentPart{
				Type: "text",
				Text: text,
			})
		case "input_image":
			hasNonText = true
			var imgURL string
			switch v := partMap["image_url"].(type) {
			case string:
				imgURL = v
			case map[string]interface{}:
				imgURL, _ = v["url"].(string)
			}
			if imgURL == "" {
				imgURL, _ = partMap["url"].(string)
			}
			if imgURL != "" {
				detail, _ := partMap["detail"].(string)
				contentParts = append(contentParts, ChatContentPart{
					Type: "image_url",
					ImageURL: &ChatImageURL{
						URL:    imgURL,
						Detail: detail,
					},
				})
			}
		case "input_file":
			hasNonText = true
			file := &ChatFile{}
			if fileMap, ok := partMap["file"].(map[string]interface{}); ok {
				file.FileData, _ = fileMap["file_data"].(string)
				file.FileID, _ = fileMap["file_id"].(string)
				file.Filename, _ = fileMap["filename"].(string)
			} else {
				file.FileData, _ = partMap["file_data"].(string)
				file.FileID, _ = partMap["file_id"].(string)
				file.Filename, _ = partMap["filename"].(string)
			}
			if file.FileData != "" || file.FileID != "" {
				contentParts = append(contentParts, ChatContentPart{
					Type: "file",
					File: file,
				})
			}
		}
	}

	if len(contentParts) == 0 {
		return nil
	}

	// All-text content collapses to a plain string
	if !hasNonText {
		text := strings.Join(textParts, " ")
		if text == "" {
			return nil
		}
		return &ChatMessage{Role: role, Content: text}
	}

	return &ChatMessage{Role: role, Content: contentParts}
}

// convertToolsToChatTools converts flat ToolParams into the nested Chat
// Completions tool shape. Non-function tools are stripped.
func convertToolsToChatTools(tools []ToolParam) []ChatTool {
	if len(tools) == 0 {
		return nil
	}

	var chatTools []ChatTool
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		desc := ""
		if t.Description != nil {
			desc = *t.Description
		}
		chatTools = append(chatTools, ChatTool{
			Type: "function",
			Function: ChatToolFunction{
				Name:        t.Name,
				Description: desc,
				Parameters:  t.Parameters,
				Strict:      t.Strict,
			},
		})
	}
	return chatTools
}

// convertToolChoice converts Responses API tool_choice to the Chat
// Completions format.
func convertToolChoice(toolChoice interface{}) interface{} {
	if toolChoice == nil {
		return nil
	}

	// "auto", "none", "required" pass through directly
	if s, ok := toolChoice.(string); ok {
		return s
	}

	// {type: "function", name: "foo"} → {type: "function", function: {name: "foo"}}
	if m, ok := toolChoice.(map[string]interface{}); ok {
		if t, _ := m["type"].(string); t == "function" {
			name, _ := m["name"].(string)
			return map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name": name,
				},
			}
		}
	}

	return toolChoice
}

// ConvertFromChatResponse converts a ChatResponse into a
// ResponsesResponse. The first choice's message becomes the output item
// sequence: one message item when content is present, one function_call
// item per tool call.
func ConvertFromChatResponse(chatResp *ChatResponse) (*ResponsesResponse, error) {
	if len(chatResp.Choices) == 0 {
		return nil, &UpstreamError{Message: "backend response contained no choices"}
	}

	resp := &ResponsesResponse{
		ID:        chatResp.ID,
		Object:    "response",
		Model:     chatResp.Model,
		CreatedAt: chatResp.Created,
		Status:    "completed",
	}
	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().Unix()
	}

	choice := chatResp.Choices[0]
	if choice.FinishReason == "length" {
		resp.Status = "incomplete"
	}

	var output []OutputItem
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		output = append(output, OutputItem{
			Type:   "message",
			ID:     generateID("msg_"),
			Role:   "assistant",
			Status: "completed",
			Content: []ContentItem{{
				Type: "output_text",
				Text: *choice.Message.Content,
			}},
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		output = append(output, OutputItem{
			Type:      "function_call",
			ID:        generateID("fc_"),
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			Status:    "completed",
		})
	}
	resp.Output = output

	// Usage counters rename: prompt→input, completion→output
	if chatResp.Usage != nil {
		resp.Usage = &UsageInfo{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		}
	}

	return resp, nil
}

// generateID generates a random ID with the given prefix.
func generateID(prefix string) string {
	b := make([]byte, 16)
	rand.Read(b)
	return prefix + hex.EncodeToString(b)
}
