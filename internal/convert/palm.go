package convert

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
)

const (
	palmBaseURL     = "https://generativelanguage.googleapis.com/v1beta2/models"
	palmTextModel   = "text-bison-001"
	palmChatModel   = "chat-bison-001"
	palmLabelModel  = "text-davinci-003"
	palmNoCandidate = "The response from PaLM did not contain any valid candidates"
)

type palmTextPrompt struct {
	Text json.RawMessage `json:"text,omitempty"`
}

type palmTextRequest struct {
	Prompt          palmTextPrompt    `json:"prompt"`
	Temperature     json.RawMessage   `json:"temperature,omitempty"`
	CandidateCount  json.RawMessage   `json:"candidateCount"`
	MaxOutputTokens json.RawMessage   `json:"maxOutputTokens,omitempty"`
	TopP            json.RawMessage   `json:"topP,omitempty"`
	StopSequences   []json.RawMessage `json:"stopSequences"`
}

type palmMessage struct {
	Author  json.RawMessage `json:"author,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type palmChatPrompt struct {
	Messages []palmMessage `json:"messages"`
}

type palmChatRequest struct {
	Prompt         palmChatPrompt  `json:"prompt"`
	Temperature    json.RawMessage `json:"temperature,omitempty"`
	CandidateCount json.RawMessage `json:"candidateCount"`
	TopP           json.RawMessage `json:"topP,omitempty"`
}

type palmRequestFunc func(body []byte) (model, method string, payload any, ok bool)

var palmRequests = map[api.Endpoint]palmRequestFunc{
	api.EndpointCompletions:     palmText,
	api.EndpointChatCompletions: palmChat,
}

type palmResponseFunc func(body []byte, now time.Time) []byte

var palmResponses = map[api.Endpoint]palmResponseFunc{
	api.EndpointCompletions:     palmTextResponse,
	api.EndpointChatCompletions: palmChatResponse,
}

func (r *Router) toPaLM(req Request) Override {
	build, ok := palmRequests[req.Endpoint]
	if !ok {
		r.unsupported("OpenAI to PaLM request", req.Endpoint)
		return Override{}
	}
	model, method, payload, ok := build(req.Body)
	if !ok {
		r.logger.Warn("PaLM conversion requires at least one message; failing open to original request")
		return Override{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("failed to encode PaLM request; failing open to original request", zap.Error(err))
		return Override{}
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")

	r.logger.Debug("converting request to PaLM format", zap.String("endpoint", req.Endpoint.String()), zap.String("model", model))
	return Override{
		URL:    fmt.Sprintf("%s/%s:%s?key=%s", palmBaseURL, model, method, url.QueryEscape(req.Header.Get(HeaderPaLMKey))),
		Header: h,
		Body:   body,
	}
}

func palmText(body []byte) (string, string, any, bool) {
	in := gjson.ParseBytes(body)
	out := palmTextRequest{
		Prompt:          palmTextPrompt{Text: raw(in.Get("prompt"))},
		Temperature:     raw(in.Get("temperature")),
		CandidateCount:  candidateCount(in.Get("n")),
		MaxOutputTokens: raw(in.Get("max_tokens")),
		TopP:            raw(in.Get("top_p")),
	}
	if stop := in.Get("stop"); truthy(stop) {
		if stop.IsArray() {
			out.StopSequences = []json.RawMessage{}
			for _, s := range stop.Array() {
				out.StopSequences = append(out.StopSequences, json.RawMessage(s.Raw))
			}
		} else {
			out.StopSequences = []json.RawMessage{json.RawMessage(stop.Raw)}
		}
	}
	return palmTextModel, "generateText", out, true
}

func palmChat(body []byte) (string, string, any, bool) {
	in := gjson.ParseBytes(body)
	msgs := in.Get("messages").Array()
	if len(msgs) == 0 {
		return "", "", nil, false
	}
	out := palmChatRequest{
		Prompt:         palmChatPrompt{Messages: make([]palmMessage, 0, len(msgs))},
		Temperature:    raw(in.Get("temperature")),
		CandidateCount: candidateCount(in.Get("n")),
		TopP:           raw(in.Get("top_p")),
	}
	for _, m := range msgs {
		out.Prompt.Messages = append(out.Prompt.Messages, palmMessage{
			Author:  raw(m.Get("role")),
			Content: raw(m.Get("content")),
		})
	}
	return palmChatModel, "generateMessage", out, true
}

func palmTextResponse(body []byte, now time.Time) []byte {
	candidates := gjson.GetBytes(body, "candidates").Array()
	if len(candidates) == 0 {
		return api.MarshalError(api.TypePaLMNoCandidates, palmNoCandidate)
	}
	resp := api.CompletionResponse{
		ID:      "cmpl-up",
		Object:  "text_completion",
		Created: now.Unix(),
		Model:   palmLabelModel,
		Choices: make([]api.CompletionChoice, 0, len(candidates)),
	}
	for i, c := range candidates {
		resp.Choices = append(resp.Choices, api.CompletionChoice{
			Text:         c.Get("output").String(),
			Index:        i,
			FinishReason: "stop",
		})
	}
	out, _ := json.Marshal(resp)
	return out
}

func palmChatResponse(body []byte, now time.Time) []byte {
	candidates := gjson.GetBytes(body, "candidates").Array()
	if len(candidates) == 0 {
		return api.MarshalError(api.TypePaLMNoCandidates, palmNoCandidate)
	}
	resp := api.ChatCompletionResponse{
		ID:      "chatcmpl-up",
		Object:  "chat.completion",
		Created: now.Unix(),
		Choices: make([]api.ChatChoice, 0, len(candidates)),
	}
	for i, c := range candidates {
		resp.Choices = append(resp.Choices, api.ChatChoice{
			Index: i,
			Message: api.ChatMessage{
				Role:    c.Get("author").String(),
				Content: c.Get("content").String(),
			},
			FinishReason: "stop",
		})
	}
	out, _ := json.Marshal(resp)
	return out
}

// raw returns the JSON text of r, or nil when r is absent or null so the
// field is omitted.
func raw(r gjson.Result) json.RawMessage {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(r.Raw)
}

func candidateCount(n gjson.Result) json.RawMessage {
	if truthy(n) {
		return json.RawMessage(n.Raw)
	}
	return json.RawMessage("1")
}
