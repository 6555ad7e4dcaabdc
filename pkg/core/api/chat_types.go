// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package api

// ChatRequest represents a request to the backend /v1/chat/completions
// endpoint.
type ChatRequest struct {
	Model             string             `json:"model"`
	Messages          []ChatMessage      `json:"messages"`
	Tools             []ChatTool         `json:"tools,omitempty"`
	ToolChoice        interface{}        `json:"tool_choice,omitempty"`
	Stream            bool               `json:"stream,omitempty"`
	StreamOptions     *ChatStreamOptions `json:"stream_options,omitempty"`
	Reasoning         *ReasoningParam    `json:"reasoning,omitempty"`
	Temperature       *float64           `json:"temperature,omitempty"`
	TopP              *float64           `json:"top_p,omitempty"`
	MaxTokens         *int               `json:"max_tokens,omitempty"`
	FrequencyPenalty  *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64           `json:"presence_penalty,omitempty"`
	ParallelToolCalls *bool              `json:"parallel_tool_calls,omitempty"`
	Logprobs          *bool              `json:"logprobs,omitempty"`
	TopLogprobs       *int               `json:"top_logprobs,omitempty"`
	Seed              *int               `json:"seed,omitempty"`
	Stop              interface{}        `json:"stop,omitempty"`
}

// ChatMessage is a message in the Chat Completions API.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content,omitempty"` // string or []ChatContentPart
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatContentPart is a content part in a multimodal message.
type ChatContentPart struct {
	Type     string        `json:"type"` // "text", "image_url", "file"
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
	File     *ChatFile     `json:"file,omitempty"`
}

// ChatImageURL is an image reference in a content part.
type ChatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ChatFile is a file reference in a content part.
type ChatFile struct {
	FileData string `json:"file_data,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ChatTool is the nested Chat Completions tool shape.
type ChatTool struct {
	Type     string           `json:"type"` // "function"
	Function ChatToolFunction `json:"function"`
}

// ChatToolFunction is the function definition inside a ChatTool.
type ChatToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Strict      *bool                  `json:"strict,omitempty"`
}

// ChatToolCall is a tool call in a Chat Completions response or delta.
type ChatToolCall struct {
	Index    *int                 `json:"index,omitempty"`
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type,omitempty"` // "function"
	Function ChatToolCallFunction `json:"function"`
}

// ChatToolCallFunction carries the name and argument payload of a call.
type ChatToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatResponse is a non-streaming /v1/chat/completions response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Created int64        `json:"created"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice is a choice in a non-streaming response.
type ChatChoice struct {
	Index        int           `json:"index"`
	Message      ChatChoiceMsg `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChatChoiceMsg is the assistant message inside a choice.
type ChatChoiceMsg struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content,omitempty"`
	ToolCalls []ChatToolCall `json:"tool_calls,omitempty"`
}

// ChatChunk is a streaming chunk from /v1/chat/completions.
type ChatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Model   string            `json:"model"`
	Created int64             `json:"created"`
	Choices []ChatChunkChoice `json:"choices"`
	Usage   *ChatUsage        `json:"usage,omitempty"`
}

// ChatChunkChoice is a choice in a streaming chunk.
type ChatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        ChatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

// ChatChunkDelta is the incremental content in a streaming chunk.
// ReasoningContent is the side channel used by reasoning-capable
// backends (DeepSeek-style); it never mixes into Content.
type ChatChunkDelta struct {
	Role             string         `json:"role,omitempty"`
	Content          *string        `json:"content,omitempty"`
	ReasoningContent *string        `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatToolCall `json:"tool_calls,omitempty"`
}

// ChatUsage is token usage in Chat Completions naming.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatStreamOptions controls streaming behavior.
type ChatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}
