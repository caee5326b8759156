// Package api provides the OpenAI wire types, error envelopes and typed
// errors shared by the gateway, the policy chain and the converters.
package api

import (
	"net/http"
)

// Response is a fully materialized HTTP result handed back to the transport.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewJSONResponse returns a response with the given status and JSON body.
func NewJSONResponse(status int, body []byte) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: status, Header: h, Body: body}
}

// Usage holds token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatMessage is a single message of a chat completion.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionChoice is one choice of a text completion response.
type CompletionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	Logprobs     any    `json:"logprobs"`
	FinishReason string `json:"finish_reason"`
}

// ChatChoice is one choice of a chat completion response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// CompletionResponse is the OpenAI /v1/completions response shape.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// ChatCompletionResponse is the OpenAI /v1/chat/completions response shape.
// It doubles as the normalized response rebuilt from a token stream.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model,omitempty"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}
