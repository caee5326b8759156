// Package stream forwards server-sent event streams from the LLM backend
// while rebuilding the equivalent non-streaming chat completion.
package stream

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
)

// doneSentinel terminates an OpenAI event stream.
const doneSentinel = "[DONE]"

var dataLine = regexp.MustCompile(`(?m)^data: (.*)$`)

var errInvalidJSON = errors.New("invalid JSON")

// Reassembler accumulates streamed chat completion chunks into a normalized
// response. Events split across reads are carried over to the next chunk.
// It is not safe for concurrent use.
type Reassembler struct {
	tail       string
	text       strings.Builder
	normalized api.ChatCompletionResponse
	done       bool
	logger     *zap.Logger
}

// NewReassembler creates an empty Reassembler.
func NewReassembler(logger *zap.Logger) *Reassembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reassembler{
		logger: logger,
		normalized: api.ChatCompletionResponse{
			Object: "chat.completion",
			Choices: []api.ChatChoice{{
				Index:   0,
				Message: api.ChatMessage{Role: "assistant"},
			}},
		},
	}
}

// Feed consumes one raw chunk and reports whether the [DONE] sentinel has
// been seen. Chunks fed after the sentinel are ignored.
func (r *Reassembler) Feed(chunk []byte) bool {
	if r.done {
		return true
	}
	text := r.tail + string(chunk)
	r.tail = ""

	matches := dataLine.FindAllStringSubmatchIndex(text, -1)
	consumed := 0
	if n := len(matches); n > 0 {
		last := matches[n-1]
		payload := cleanPayload(text[last[2]:last[3]])
		if payload != doneSentinel && !json.Valid([]byte(payload)) {
			r.logger.Debug("streamed event cut off; carrying over to next chunk")
			r.tail = text[last[0]:]
			matches = matches[:n-1]
		} else {
			consumed = last[1]
		}
	}
	// A partial "data:" prefix at the very end cannot match yet.
	if r.tail == "" && consumed < len(text) {
		if nl := strings.LastIndexByte(text, '\n'); nl+1 < len(text) && nl+1 >= consumed {
			r.tail = text[nl+1:]
		}
	}

	for _, m := range matches {
		payload := cleanPayload(text[m[2]:m[3]])
		if payload == doneSentinel {
			r.done = true
			r.tail = ""
			return true
		}
		r.apply(payload)
	}
	return false
}

func (r *Reassembler) apply(payload string) {
	if !gjson.Valid(payload) {
		err := &api.StreamParseError{Payload: payload, Err: errInvalidJSON}
		r.logger.Warn("skipping unparseable stream event", zap.Error(err))
		return
	}
	event := gjson.Parse(payload)
	if id := event.Get("id"); id.Exists() {
		r.normalized.ID = id.String()
	}
	if created := event.Get("created"); created.Exists() {
		r.normalized.Created = created.Int()
	}
	if model := event.Get("model"); model.Exists() {
		r.normalized.Model = model.String()
	}

	choice := event.Get("choices.0")
	if reason := choice.Get("finish_reason"); reason.Exists() && reason.Type != gjson.Null {
		r.normalized.Choices[0].FinishReason = reason.String()
	}
	if content := choice.Get("delta.content"); content.Type == gjson.String {
		r.text.WriteString(content.Str)
	} else if text := choice.Get("text"); text.Type == gjson.String {
		// completions stream
		r.text.WriteString(text.Str)
	}
	r.normalized.Choices[0].Message.Content = r.text.String()
}

// Done reports whether the [DONE] sentinel was seen.
func (r *Reassembler) Done() bool { return r.done }

// Text returns the accumulated completion text.
func (r *Reassembler) Text() string { return r.text.String() }

// Normalized returns a copy of the rebuilt response.
func (r *Reassembler) Normalized() api.ChatCompletionResponse {
	out := r.normalized
	out.Choices = append([]api.ChatChoice(nil), r.normalized.Choices...)
	return out
}

// Snapshot returns the rebuilt response as JSON.
func (r *Reassembler) Snapshot() []byte {
	b, _ := json.Marshal(r.normalized)
	return b
}

// SetUsage records token usage on the rebuilt response.
func (r *Reassembler) SetUsage(u api.Usage) { r.normalized.Usage = u }

func cleanPayload(s string) string {
	return strings.TrimRight(s, "\r")
}
