package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
)

type logResponse struct{ stage }

func (s *logResponse) ProcessResponse(_ context.Context, p *Pipeline, v config.Value, resp []byte) []byte {
	p.Record.Response = SnapshotResponse(resp, v.IsTrue())
	return resp
}

// SnapshotResponse returns a copy of resp suitable for the stats record.
// Embedding vectors are always removed; choices and data are removed unless
// logBodies is set.
func SnapshotResponse(resp []byte, logBodies bool) []byte {
	snapshot := append([]byte(nil), resp...)
	if gjson.GetBytes(snapshot, "data.0.object").String() == "embedding" {
		if out, err := sjson.DeleteBytes(snapshot, "data"); err == nil {
			snapshot = out
		}
	}
	if !logBodies {
		snapshot = stripFields(snapshot, "choices", "data")
	}
	return snapshot
}

// reflectionTimeout bounds a single prompt reflection match.
const reflectionTimeout = 250 * time.Millisecond

// Prompt reflection modes.
const (
	reflectionNone   = "none"
	reflectionRedact = "redact"
	reflectionBlock  = "block"
)

type promptReflection struct{ stage }

func (s *promptReflection) ProcessResponse(_ context.Context, p *Pipeline, v config.Value, resp []byte) []byte {
	mode := v.String()
	if mode == "" || mode == reflectionNone {
		return resp
	}
	if !p.Endpoint.In(api.EndpointCompletions, api.EndpointChatCompletions) {
		return resp
	}
	choices := gjson.GetBytes(resp, "choices")
	if !choices.IsArray() {
		return resp
	}

	delimiter := p.Settings.ReflectionDelimiter
	flagged := false
	check := func(path, secret string) {
		re, err := regexp2.Compile(regexp2.Escape(secret), regexp2.IgnoreCase)
		if err != nil {
			p.log().Warn("invalid prompt reflection pattern", zap.Error(err))
			return
		}
		re.MatchTimeout = reflectionTimeout
		text := gjson.GetBytes(resp, path).String()
		ok, err := re.MatchString(text)
		if err != nil || !ok {
			return
		}
		flagged = true
		switch mode {
		case reflectionRedact:
			redacted, err := re.Replace(text, literalReplacement(p.Settings.RedactionString), -1, -1)
			if err != nil {
				p.log().Warn("prompt reflection redaction failed", zap.Error(err))
				return
			}
			if out, err := sjson.SetBytes(resp, path, redacted); err == nil {
				resp = out
			}
		case reflectionBlock:
			p.Record.Error = true
		}
	}

	for i, c := range choices.Array() {
		field := "text"
		if !present(c.Get(field)) {
			// Streamed completions are rebuilt in chat shape.
			field = "message.content"
		}
		switch {
		case p.Endpoint == api.EndpointCompletions:
			if !present(c.Get(field)) {
				continue
			}
			if secret, ok := between(gjson.GetBytes(p.Body, "prompt").String(), delimiter); ok {
				check(fmt.Sprintf("choices.%d.%s", i, field), secret)
			}
		case present(c.Get("message.content")):
			for _, m := range gjson.GetBytes(p.Body, "messages").Array() {
				if m.Get("role").String() != "system" {
					continue
				}
				if secret, ok := between(m.Get("content").String(), delimiter); ok {
					check(fmt.Sprintf("choices.%d.message.content", i), secret)
				}
			}
		}
	}

	if flagged && !p.reflectionFlag {
		p.reflectionFlag = true
		p.Record.AddFlag("policy_prompt_reflection", "The response contained a reflection of the original prompt")
	}
	return resp
}

// between returns the trimmed text between the first and last occurrence of
// delimiter. It reports false when the delimiter does not occur twice or the
// enclosed text is empty.
func between(s, delimiter string) (string, bool) {
	if delimiter == "" {
		return "", false
	}
	start := strings.Index(s, delimiter)
	end := strings.LastIndex(s, delimiter)
	if start == -1 || end < start+len(delimiter) {
		return "", false
	}
	inner := strings.TrimSpace(s[start+len(delimiter) : end])
	return inner, inner != ""
}

// literalReplacement escapes $ so the marker is inserted verbatim.
func literalReplacement(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
