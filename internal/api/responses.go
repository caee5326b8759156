package api

import (
	"encoding/json"
	"net/http"
	"time"
)

const defaultCompletionModel = "text-davinci-003"

// SyntheticCompletion builds a completion answered by the gateway itself.
func SyntheticCompletion(model, text string, now time.Time) *Response {
	if model == "" {
		model = defaultCompletionModel
	}
	body, _ := json.Marshal(CompletionResponse{
		ID:      "cmpl-usagepanda",
		Object:  "text_completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []CompletionChoice{{Text: text, Index: 0, FinishReason: "stop"}},
	})
	return NewJSONResponse(http.StatusOK, body)
}

// SyntheticChatCompletion builds a chat completion answered by the gateway itself.
func SyntheticChatCompletion(text string, now time.Time) *Response {
	body, _ := json.Marshal(ChatCompletionResponse{
		ID:      "chatcmpl-usagepanda",
		Object:  "chat.completion",
		Created: now.Unix(),
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
	})
	return NewJSONResponse(http.StatusOK, body)
}
