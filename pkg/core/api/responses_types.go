// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package api

import "encoding/json"

// ResponsesRequest represents a request to the /v1/responses endpoint.
type ResponsesRequest struct {
	Model string `json:"model"`

	// Input can be a string or an array of input items
	Input interface{} `json:"input,omitempty"`

	// Instructions become a system message
	Instructions *string `json:"instructions,omitempty"`

	// Tools in the flat Responses API shape
	Tools []ToolParam `json:"tools,omitempty"`

	// ToolChoice is a string enum or a {type, name} object
	ToolChoice interface{} `json:"tool_choice,omitempty"`

	Reasoning *ReasoningParam `json:"reasoning,omitempty"`

	Temperature       *float64    `json:"temperature,omitempty"`
	TopP              *float64    `json:"top_p,omitempty"`
	MaxOutputTokens   *int        `json:"max_output_tokens,omitempty"`
	FrequencyPenalty  *float64    `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64    `json:"presence_penalty,omitempty"`
	ParallelToolCalls *bool       `json:"parallel_tool_calls,omitempty"`
	TopLogprobs       *int        `json:"top_logprobs,omitempty"`
	Seed              *int        `json:"seed,omitempty"`
	Stop              interface{} `json:"stop,omitempty"` // string or []string

	Stream bool `json:"stream,omitempty"`
}

// ToolParam is a flat Responses API tool definition.
type ToolParam struct {
	Type        string                 `json:"type"` // "function"
	Name        string                 `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Strict      *bool                  `json:"strict,omitempty"`
}

// ReasoningParam configures reasoning for o-series style models.
type ReasoningParam struct {
	Effort  *string `json:"effort,omitempty"`
	Summary *string `json:"summary,omitempty"`
}

// Empty reports whether every sub-field is absent. Backends reject a
// reasoning object whose values are all null, so such objects are
// stripped before sending.
func (r *ReasoningParam) Empty() bool {
	return r == nil || (r.Effort == nil && r.Summary == nil)
}

// ResponsesResponse represents a /v1/responses result.
type ResponsesResponse struct {
	ID        string      `json:"id"`
	Object    string      `json:"object"` // always "response"
	Model     string      `json:"model"`
	CreatedAt int64       `json:"created_at"`
	Status    string      `json:"status"` // "completed", "incomplete", "failed"
	Output    []OutputItem `json:"output"`
	Usage     *UsageInfo  `json:"usage,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

// OutputItem is a discriminated union over the Responses API item kinds.
type OutputItem struct {
	Type   string `json:"type"` // "message", "function_call", "function_call_output"
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`

	// Message fields
	Role    string        `json:"role,omitempty"`
	Content []ContentItem `json:"content,omitempty"`

	// Function call fields
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Function call output field
	Output string `json:"output,omitempty"`
}

// ContentItem is a content part inside a message output item.
type ContentItem struct {
	Type string `json:"type"` // "output_text"
	Text string `json:"text"`
}

// UsageInfo is token usage in Responses API naming.
type UsageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ErrorInfo carries failure details on a failed response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamEvent is a single client-facing streaming frame. Type doubles as
// the SSE event name; Data is the marshaled payload.
type StreamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}
