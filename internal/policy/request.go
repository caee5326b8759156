package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/backend"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
)

// maxRetryCount caps the retry-count policy.
const maxRetryCount = 5

// loggedRequestFields are stripped from the request snapshot unless request
// logging is enabled.
var loggedRequestFields = []string{"prompt", "input", "messages", "instruction"}

type logRequest struct{ stage }

func (s *logRequest) ProcessRequest(_ context.Context, p *Pipeline, v config.Value) *api.Response {
	snapshot := append([]byte(nil), p.Body...)
	if !v.IsTrue() {
		snapshot = stripFields(snapshot, loggedRequestFields...)
	}
	p.Record.Request = snapshot
	return nil
}

// stripFields deletes the set fields from a copy of body.
func stripFields(body []byte, fields ...string) []byte {
	for _, f := range fields {
		if !present(gjson.GetBytes(body, f)) {
			continue
		}
		if out, err := sjson.DeleteBytes(body, f); err == nil {
			body = out
		}
	}
	return body
}

type autoReply struct {
	stage
	now func() time.Time
}

func (s *autoReply) ProcessRequest(_ context.Context, p *Pipeline, _ config.Value) *api.Response {
	if !p.Endpoint.In(api.EndpointCompletions, api.EndpointChatCompletions) || len(p.Settings.AutoReplies) == 0 {
		return nil
	}

	var input string
	if prompt := gjson.GetBytes(p.Body, "prompt"); present(prompt) {
		input = prompt.String()
	} else if msgs := gjson.GetBytes(p.Body, "messages").Array(); len(msgs) > 0 {
		input = msgs[len(msgs)-1].Get("content").String()
	}
	if input == "" {
		return nil
	}

	for _, ar := range p.Settings.AutoReplies {
		if ar.Request != input {
			continue
		}
		var resp *api.Response
		switch {
		case ar.Type == "chat" && p.Endpoint == api.EndpointChatCompletions:
			p.flag("policy_autoreply", "Request matched known chat autoreply", false)
			resp = api.SyntheticChatCompletion(ar.Response, s.now())
		case ar.Type == "completion" && p.Endpoint == api.EndpointCompletions:
			p.flag("policy_autoreply", "Request matched known completion autoreply", false)
			resp = api.SyntheticCompletion(gjson.GetBytes(p.Body, "model").String(), ar.Response, s.now())
		default:
			continue
		}
		p.Record.Response = resp.Body
		return resp
	}
	return nil
}

type maxTokens struct{ stage }

func (s *maxTokens) ProcessRequest(_ context.Context, p *Pipeline, v config.Value) *api.Response {
	if !p.Endpoint.In(api.EndpointCompletions, api.EndpointChatCompletions) {
		return nil
	}
	limit := v.Int()
	if limit == 0 {
		return nil
	}

	requested := gjson.GetBytes(p.Body, "max_tokens")
	desc := fmt.Sprintf("Config set to max tokens of: %d; request was: %s", limit, display(requested))
	p.log().Debug(desc)
	if !present(requested) || requested.Float() > float64(limit) {
		p.log().Warn("max tokens policy violated", zap.Int("limit", limit), zap.String("requested", display(requested)))
		p.flag("policy_max_tokens", desc, true)
	}
	return nil
}

type maxPromptChars struct{ stage }

func (s *maxPromptChars) ProcessRequest(_ context.Context, p *Pipeline, v config.Value) *api.Response {
	if !p.Endpoint.In(api.EndpointCompletions, api.EndpointChatCompletions, api.EndpointEdits) {
		return nil
	}
	limit := v.Int()
	if limit == 0 {
		return nil
	}

	length := 0
	switch p.Endpoint {
	case api.EndpointCompletions:
		if prompt, ok := stringField(gjson.GetBytes(p.Body, "prompt")); ok {
			length = charLen(prompt)
		}
	case api.EndpointChatCompletions:
		for _, m := range gjson.GetBytes(p.Body, "messages").Array() {
			length += charLen(m.Get("content").String())
		}
	case api.EndpointEdits:
		if input, ok := stringField(gjson.GetBytes(p.Body, "input")); ok {
			length = charLen(input)
		}
	}

	if length > limit {
		desc := fmt.Sprintf("Config set to max prompt chars of: %d; prompt was: %d", limit, length)
		p.log().Warn("max prompt chars policy violated", zap.Int("limit", limit), zap.Int("length", length))
		p.flag("policy_max_prompt_chars", desc, true)
	}
	return nil
}

type enforceUserIDs struct{ stage }

func (s *enforceUserIDs) ProcessRequest(_ context.Context, p *Pipeline, v config.Value) *api.Response {
	if !p.Endpoint.In(api.EndpointCompletions, api.EndpointChatCompletions, api.EndpointImagesGenerations,
		api.EndpointImagesEdits, api.EndpointImagesVariations, api.EndpointEmbeddings) {
		return nil
	}
	if !v.IsTrue() {
		return nil
	}
	if !present(gjson.GetBytes(p.Body, "user")) {
		p.log().Warn("request without user field blocked")
		p.flag("policy_enforce_user_ids", "Config set to block requests without user field", true)
	}
	return nil
}

type disabledModels struct{ stage }

func (s *disabledModels) ProcessRequest(_ context.Context, p *Pipeline, _ config.Value) *api.Response {
	disabled := p.Settings.DisabledModels
	if len(disabled) == 0 {
		return nil
	}
	model := gjson.GetBytes(p.Body, "model")
	size := gjson.GetBytes(p.Body, "size")
	switch {
	case present(model) && slices.Contains(disabled, model.String()):
		p.log().Warn("disabled model requested", zap.String("model", model.String()))
		p.flag("policy_disabled_models", "Config set to block usage of model: "+model.String(), true)
	case present(size) && slices.Contains(disabled, size.String()):
		p.log().Warn("disabled image size requested", zap.String("size", size.String()))
		p.flag("policy_disabled_models", "Config set to block usage of image generation size: "+size.String(), true)
	}
	return nil
}

type retryCount struct{ stage }

func (s *retryCount) ProcessRequest(_ context.Context, p *Pipeline, v config.Value) *api.Response {
	n := v.Int()
	if n == 0 {
		return nil
	}
	if n > maxRetryCount {
		p.log().Warn("retry count above maximum; clamping", zap.Int("requested", n), zap.Int("max", maxRetryCount))
		n = maxRetryCount
	} else {
		p.log().Debug("retry count set", zap.Int("retries", n))
	}
	p.Retry = &backend.RetryPolicy{Limit: n, Methods: []string{http.MethodGet, http.MethodPost}}
	return nil
}

type autoModerate struct {
	stage
	backend Caller
}

func (s *autoModerate) ProcessRequest(ctx context.Context, p *Pipeline, v config.Value) *api.Response {
	if !p.Endpoint.In(api.EndpointCompletions, api.EndpointChatCompletions, api.EndpointEdits) || !v.IsTrue() {
		return nil
	}
	if s.backend == nil {
		p.log().Warn("auto-moderation enabled without a backend client; skipping")
		return nil
	}

	content := userContent(p.Endpoint, p.Body)
	payload, _ := json.Marshal(map[string]string{"input": content})
	h := make(http.Header)
	h.Set("Authorization", p.BackendKey)

	p.log().Debug("auto-moderating request", zap.String("endpoint", p.Endpoint.String()))
	resp, err := s.backend.Do(ctx, backend.Call{
		Method: http.MethodPost,
		URL:    strings.TrimRight(p.BaseURL, "/") + api.EndpointModerations.Path(),
		Header: h,
		Body:   payload,
	})
	if err != nil {
		p.log().Error("moderation request failed; continuing without moderation", zap.Error(err))
		return nil
	}
	p.log().Debug("moderation response", zap.Int("status", resp.StatusCode))

	result := gjson.GetBytes(resp.Body, "results.0")
	if !result.Get("flagged").Bool() {
		return nil
	}
	var reasons []string
	result.Get("categories").ForEach(func(k, v gjson.Result) bool {
		if present(v) {
			reasons = append(reasons, k.String())
		}
		return true
	})
	p.flag("policy_auto_moderate", "Moderation flagged this request: "+strings.Join(reasons, ", "), true)
	return nil
}

// userContent concatenates the caller-supplied text of a request: the prompt,
// each chat message prefixed with a space, or the edit input.
func userContent(ep api.Endpoint, body []byte) string {
	switch ep {
	case api.EndpointCompletions:
		if prompt := gjson.GetBytes(body, "prompt"); present(prompt) {
			return prompt.String()
		}
	case api.EndpointChatCompletions:
		var b strings.Builder
		for _, m := range gjson.GetBytes(body, "messages").Array() {
			b.WriteString(" ")
			b.WriteString(m.Get("content").String())
		}
		return b.String()
	case api.EndpointEdits:
		if input := gjson.GetBytes(body, "input"); present(input) {
			return input.String()
		}
	}
	return ""
}
