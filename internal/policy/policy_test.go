package policy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/backend"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/stats"
	"github.com/usagepanda/usagepanda-proxy/internal/wordlist"
)

var fixedNow = time.Unix(1700000000, 0)

type fakeCaller struct {
	calls []backend.Call
	resp  *api.Response
	err   error
}

func (f *fakeCaller) Do(_ context.Context, call backend.Call) (*api.Response, error) {
	f.calls = append(f.calls, call)
	return f.resp, f.err
}

func newPipeline(ep api.Endpoint, body string, s *config.Settings, h http.Header) *Pipeline {
	if s == nil {
		s = config.DefaultSettings()
	}
	if h == nil {
		h = http.Header{}
	}
	return &Pipeline{
		Endpoint:   ep,
		Header:     h,
		Settings:   s,
		Record:     stats.NewRecord(ep.String(), false, stats.Metadata{}),
		BackendKey: "Bearer sk-test",
		BaseURL:    "https://api.openai.com",
		Body:       []byte(body),
	}
}

func newTestChain(caller Caller) *Chain {
	return NewChain(Deps{Backend: caller, Now: func() time.Time { return fixedNow }})
}

func errorMessage(t *testing.T, resp *api.Response) string {
	t.Helper()
	var env api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(resp.Body, &env))
	return env.Error.Message
}

func TestChain_FlagsAccumulateInOrder(t *testing.T) {
	s := config.DefaultSettings()
	s.MaxTokens = 10
	s.EnforceUserIDs = true
	s.DisabledModels = []string{"gpt-4"}
	p := newPipeline(api.EndpointCompletions, `{"model":"gpt-4","max_tokens":50,"prompt":"hi"}`, s, nil)

	resp := newTestChain(nil).RunRequest(context.Background(), p)
	require.Nil(t, resp, "blocking flags never short-circuit the pass")

	violation := p.Violation()
	require.NotNil(t, violation)
	assert.Equal(t, http.StatusUnprocessableEntity, violation.StatusCode)
	assert.Equal(t, "Usage Panda: Config set to max tokens of: 10; request was: 50; "+
		"Config set to block requests without user field; "+
		"Config set to block usage of model: gpt-4", errorMessage(t, violation))
	assert.JSONEq(t, string(violation.Body), string(p.Record.Response))
	assert.JSONEq(t, `{"model":"gpt-4","max_tokens":50}`, string(p.Record.Request))
}

func TestPipeline_ViolationNilWithoutError(t *testing.T) {
	p := newPipeline(api.EndpointCompletions, `{}`, nil, nil)
	p.Record.AddFlag("policy_wordlists", "audit only")
	assert.Nil(t, p.Violation())
	assert.Nil(t, p.Record.Response)
}

func TestLogRequest(t *testing.T) {
	body := `{"model":"text-davinci-edit-001","input":"x","instruction":"fix","prompt":"p","messages":[{"role":"user","content":"c"}],"user":"u"}`
	tests := []struct {
		name  string
		value config.Value
		want  string
	}{
		{name: "stripped by default", value: config.Value{}, want: `{"model":"text-davinci-edit-001","user":"u"}`},
		{name: "stripped unless exactly true", value: config.StringValue("yes"), want: `{"model":"text-davinci-edit-001","user":"u"}`},
		{name: "kept when enabled", value: config.StringValue("true"), want: body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(api.EndpointEdits, body, nil, nil)
			s := &logRequest{}
			assert.Nil(t, s.ProcessRequest(context.Background(), p, tt.value))
			assert.JSONEq(t, tt.want, string(p.Record.Request))
			assert.JSONEq(t, body, string(p.Body), "live body untouched")
		})
	}
}

func TestAutoReply(t *testing.T) {
	s := config.DefaultSettings()
	s.AutoReplies = []config.AutoReply{
		{Type: "completion", Request: "ping", Response: "pong"},
		{Type: "chat", Request: "hello", Response: "Hi! How can I help?"},
	}
	stage := &autoReply{now: func() time.Time { return fixedNow }}

	t.Run("chat", func(t *testing.T) {
		p := newPipeline(api.EndpointChatCompletions, `{"model":"gpt-3.5-turbo","messages":[{"role":"system","content":"x"},{"role":"user","content":"hello"}]}`, s, nil)
		resp := stage.ProcessRequest(context.Background(), p, config.Value{})
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(resp.Body), `"content":"Hi! How can I help?"`)
		assert.Contains(t, string(resp.Body), `"object":"chat.completion"`)
		assert.Equal(t, []string{"Request matched known chat autoreply"}, p.Record.Descriptions())
		assert.Equal(t, resp.Body, []byte(p.Record.Response))
	})

	t.Run("completion", func(t *testing.T) {
		p := newPipeline(api.EndpointCompletions, `{"model":"davinci","prompt":"ping"}`, s, nil)
		resp := stage.ProcessRequest(context.Background(), p, config.Value{})
		require.NotNil(t, resp)
		assert.Contains(t, string(resp.Body), `"text":"pong"`)
		assert.Contains(t, string(resp.Body), `"model":"davinci"`)
		assert.Equal(t, "Request matched known completion autoreply", p.Record.Flags[0].Description)
	})

	t.Run("type must match endpoint", func(t *testing.T) {
		p := newPipeline(api.EndpointCompletions, `{"prompt":"hello"}`, s, nil)
		assert.Nil(t, stage.ProcessRequest(context.Background(), p, config.Value{}))
		assert.Empty(t, p.Record.Flags)
	})

	t.Run("exact match only", func(t *testing.T) {
		p := newPipeline(api.EndpointCompletions, `{"prompt":"ping "}`, s, nil)
		assert.Nil(t, stage.ProcessRequest(context.Background(), p, config.Value{}))
	})

	t.Run("full chain short-circuits", func(t *testing.T) {
		p := newPipeline(api.EndpointCompletions, `{"prompt":"ping"}`, s, nil)
		resp := newTestChain(nil).RunRequest(context.Background(), p)
		require.NotNil(t, resp)
		assert.NotNil(t, p.Record.Request, "log-request runs first")
	})
}

func TestMaxTokens(t *testing.T) {
	tests := []struct {
		name     string
		endpoint api.Endpoint
		body     string
		value    config.Value
		wantDesc string
	}{
		{name: "missing max_tokens", endpoint: api.EndpointCompletions, body: `{}`, value: config.StringValue("100"),
			wantDesc: "Config set to max tokens of: 100; request was: undefined"},
		{name: "above limit", endpoint: api.EndpointChatCompletions, body: `{"max_tokens":500}`, value: config.StringValue("100"),
			wantDesc: "Config set to max tokens of: 100; request was: 500"},
		{name: "leading integer", endpoint: api.EndpointCompletions, body: `{"max_tokens":101}`, value: config.StringValue("100tokens"),
			wantDesc: "Config set to max tokens of: 100; request was: 101"},
		{name: "within limit", endpoint: api.EndpointCompletions, body: `{"max_tokens":100}`, value: config.StringValue("100")},
		{name: "disabled", endpoint: api.EndpointCompletions, body: `{}`, value: config.StringValue("0")},
		{name: "not numeric", endpoint: api.EndpointCompletions, body: `{}`, value: config.StringValue("lots")},
		{name: "other endpoint", endpoint: api.EndpointEmbeddings, body: `{}`, value: config.StringValue("100")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(tt.endpoint, tt.body, nil, nil)
			(&maxTokens{}).ProcessRequest(context.Background(), p, tt.value)
			if tt.wantDesc == "" {
				assert.Empty(t, p.Record.Flags)
				assert.False(t, p.Record.Error)
				return
			}
			require.Len(t, p.Record.Flags, 1)
			assert.Equal(t, stats.Flag{Type: "policy_max_tokens", Description: tt.wantDesc}, p.Record.Flags[0])
			assert.True(t, p.Record.Error)
		})
	}
}

func TestMaxTokens_HeaderOverridesSettings(t *testing.T) {
	s := config.DefaultSettings()
	s.MaxTokens = 1000
	h := http.Header{}
	h.Set("x-usagepanda-max-tokens", "10")
	p := newPipeline(api.EndpointCompletions, `{"max_tokens":50}`, s, h)

	newTestChain(nil).RunRequest(context.Background(), p)
	require.NotNil(t, p.Violation())
	assert.Equal(t, "Config set to max tokens of: 10; request was: 50", p.Record.Flags[0].Description)
}

func TestMaxPromptChars(t *testing.T) {
	tests := []struct {
		name     string
		endpoint api.Endpoint
		body     string
		wantDesc string
	}{
		{name: "completion prompt", endpoint: api.EndpointCompletions, body: `{"prompt":"hello world"}`,
			wantDesc: "Config set to max prompt chars of: 5; prompt was: 11"},
		{name: "chat messages summed", endpoint: api.EndpointChatCompletions, body: `{"messages":[{"content":"abc"},{"content":"def"}]}`,
			wantDesc: "Config set to max prompt chars of: 5; prompt was: 6"},
		{name: "edit input", endpoint: api.EndpointEdits, body: `{"input":"abcdef"}`,
			wantDesc: "Config set to max prompt chars of: 5; prompt was: 6"},
		{name: "at limit", endpoint: api.EndpointCompletions, body: `{"prompt":"hello"}`},
		{name: "astral characters count twice", endpoint: api.EndpointCompletions, body: `{"prompt":"😀😀😀"}`,
			wantDesc: "Config set to max prompt chars of: 5; prompt was: 6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(tt.endpoint, tt.body, nil, nil)
			(&maxPromptChars{}).ProcessRequest(context.Background(), p, config.StringValue("5"))
			if tt.wantDesc == "" {
				assert.Empty(t, p.Record.Flags)
				return
			}
			require.Len(t, p.Record.Flags, 1)
			assert.Equal(t, "policy_max_prompt_chars", p.Record.Flags[0].Type)
			assert.Equal(t, tt.wantDesc, p.Record.Flags[0].Description)
			assert.True(t, p.Record.Error)
		})
	}
}

func TestEnforceUserIDs(t *testing.T) {
	stage := &enforceUserIDs{}

	p := newPipeline(api.EndpointImagesGenerations, `{"prompt":"cat"}`, nil, nil)
	stage.ProcessRequest(context.Background(), p, config.StringValue("true"))
	require.Len(t, p.Record.Flags, 1)
	assert.Equal(t, "Config set to block requests without user field", p.Record.Flags[0].Description)

	p = newPipeline(api.EndpointEmbeddings, `{"user":"u-1"}`, nil, nil)
	stage.ProcessRequest(context.Background(), p, config.StringValue("true"))
	assert.Empty(t, p.Record.Flags)

	p = newPipeline(api.EndpointCompletions, `{}`, nil, nil)
	stage.ProcessRequest(context.Background(), p, config.StringValue("false"))
	assert.Empty(t, p.Record.Flags)

	p = newPipeline(api.EndpointEdits, `{}`, nil, nil)
	stage.ProcessRequest(context.Background(), p, config.StringValue("true"))
	assert.Empty(t, p.Record.Flags, "edits are exempt")
}

func TestDisabledModels(t *testing.T) {
	s := config.DefaultSettings()
	s.DisabledModels = []string{"gpt-4", "1024x1024"}
	stage := &disabledModels{}

	p := newPipeline(api.EndpointChatCompletions, `{"model":"gpt-4"}`, s, nil)
	stage.ProcessRequest(context.Background(), p, config.Value{})
	assert.Equal(t, []string{"Config set to block usage of model: gpt-4"}, p.Record.Descriptions())
	assert.True(t, p.Record.Error)

	p = newPipeline(api.EndpointImagesGenerations, `{"model":"dall-e-2","size":"1024x1024"}`, s, nil)
	stage.ProcessRequest(context.Background(), p, config.Value{})
	assert.Equal(t, []string{"Config set to block usage of image generation size: 1024x1024"}, p.Record.Descriptions())

	p = newPipeline(api.EndpointChatCompletions, `{"model":"gpt-3.5-turbo"}`, s, nil)
	stage.ProcessRequest(context.Background(), p, config.Value{})
	assert.Empty(t, p.Record.Flags)
}

func TestRetryCount(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	stage := &retryCount{}

	p := newPipeline(api.EndpointCompletions, `{}`, nil, nil)
	p.Logger = zap.New(core)
	stage.ProcessRequest(context.Background(), p, config.StringValue("9"))
	require.NotNil(t, p.Retry)
	assert.Equal(t, 5, p.Retry.Limit)
	assert.Equal(t, []string{"GET", "POST"}, p.Retry.Methods)
	assert.Equal(t, 1, logs.FilterMessage("retry count above maximum; clamping").Len())

	p = newPipeline(api.EndpointCompletions, `{}`, nil, nil)
	stage.ProcessRequest(context.Background(), p, config.StringValue("2"))
	assert.Equal(t, 2, p.Retry.Limit)

	p = newPipeline(api.EndpointCompletions, `{}`, nil, nil)
	stage.ProcessRequest(context.Background(), p, config.StringValue("0"))
	assert.Nil(t, p.Retry)
}

func TestAutoModerate(t *testing.T) {
	caller := &fakeCaller{resp: api.NewJSONResponse(http.StatusOK,
		[]byte(`{"results":[{"flagged":true,"categories":{"hate":true,"violence":false,"self-harm":true}}]}`))}
	p := newPipeline(api.EndpointChatCompletions, `{"messages":[{"role":"user","content":"hello"},{"role":"user","content":"there"}]}`, nil, nil)

	(&autoModerate{backend: caller}).ProcessRequest(context.Background(), p, config.StringValue("true"))

	require.Len(t, caller.calls, 1)
	call := caller.calls[0]
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "https://api.openai.com/v1/moderations", call.URL)
	assert.Equal(t, "Bearer sk-test", call.Header.Get("Authorization"))
	assert.JSONEq(t, `{"input":" hello there"}`, string(call.Body))
	assert.Equal(t, []string{"Moderation flagged this request: hate, self-harm"}, p.Record.Descriptions())
	assert.True(t, p.Record.Error)
}

func TestAutoModerate_NotFlaggedOrFailing(t *testing.T) {
	clean := &fakeCaller{resp: api.NewJSONResponse(http.StatusOK, []byte(`{"results":[{"flagged":false,"categories":{"hate":false}}]}`))}
	p := newPipeline(api.EndpointCompletions, `{"prompt":"nice words"}`, nil, nil)
	(&autoModerate{backend: clean}).ProcessRequest(context.Background(), p, config.StringValue("true"))
	assert.JSONEq(t, `{"input":"nice words"}`, string(clean.calls[0].Body))
	assert.Empty(t, p.Record.Flags)

	failing := &fakeCaller{err: errors.New("connection reset")}
	p = newPipeline(api.EndpointEdits, `{"input":"x"}`, nil, nil)
	(&autoModerate{backend: failing}).ProcessRequest(context.Background(), p, config.StringValue("true"))
	assert.Empty(t, p.Record.Flags)

	skipped := &fakeCaller{}
	p = newPipeline(api.EndpointEmbeddings, `{"input":"x"}`, nil, nil)
	(&autoModerate{backend: skipped}).ProcessRequest(context.Background(), p, config.StringValue("true"))
	assert.Empty(t, skipped.calls)
}

func customSettings(request, response string) *config.Settings {
	s := config.DefaultSettings()
	s.RequestWordlist = request
	s.ResponseWordlist = response
	s.CustomWordlist = []string{"secret"}
	return s
}

func TestRequestWordlists(t *testing.T) {
	t.Run("redact chat messages", func(t *testing.T) {
		p := newPipeline(api.EndpointChatCompletions,
			`{"messages":[{"role":"user","content":"my SECRET plan"},{"role":"assistant","content":"ok"}]}`,
			customSettings("custom:redact", ""), nil)
		newTestChain(nil).RunRequest(context.Background(), p)
		assert.JSONEq(t, `{"messages":[{"role":"user","content":"my **** plan"},{"role":"assistant","content":"ok"}]}`, string(p.Body))
		assert.Equal(t, []string{"Request matched known wordlists: custom"}, p.Record.Descriptions())
		assert.Nil(t, p.Violation())
	})

	t.Run("block prompt", func(t *testing.T) {
		p := newPipeline(api.EndpointCompletions, `{"prompt":"tell me the secret"}`, customSettings("custom:block", ""), nil)
		newTestChain(nil).RunRequest(context.Background(), p)
		resp := p.Violation()
		require.NotNil(t, resp)
		assert.Equal(t, "Usage Panda: Request matched known wordlists: custom", errorMessage(t, resp))
		assert.JSONEq(t, `{"prompt":"tell me the secret"}`, string(p.Body))
	})

	t.Run("file list", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "profanity.txt"), []byte("darn\n\nheck\n"), 0o644))
		chain := NewChain(Deps{Wordlists: wordlist.New(dir, nil)})
		h := http.Header{}
		h.Set("x-usagepanda-request-wordlists", "profanity:audit,custom:audit")
		p := newPipeline(api.EndpointCompletions, `{"prompt":"Darn it"}`, customSettings("", ""), h)
		chain.RunRequest(context.Background(), p)
		assert.Equal(t, []string{"Request matched known wordlists: profanity"}, p.Record.Descriptions())
		assert.False(t, p.Record.Error)
	})

	t.Run("invalid entries are skipped", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		p := newPipeline(api.EndpointCompletions, `{"prompt":"secret"}`, customSettings("custom:explode,nonsense:audit", ""), nil)
		p.Logger = zap.New(core)
		newTestChain(nil).RunRequest(context.Background(), p)
		assert.Empty(t, p.Record.Flags)
		assert.Equal(t, 1, logs.FilterMessage("invalid wordlist action").Len())
		assert.Equal(t, 1, logs.FilterMessage("invalid wordlist").Len())
	})
}

func TestResponseWordlists_AppendsToRequestFlag(t *testing.T) {
	chain := newTestChain(nil)
	p := newPipeline(api.EndpointCompletions, `{"prompt":"what is the secret?"}`, customSettings("custom:audit", "custom:redact"), nil)

	require.Nil(t, chain.RunRequest(context.Background(), p))
	require.Len(t, p.Record.Flags, 1)

	out := chain.RunResponse(context.Background(), p, []byte(`{"choices":[{"text":"The SECRET is 42","index":0}]}`))
	assert.JSONEq(t, `{"choices":[{"text":"The **** is 42","index":0}]}`, string(out))
	require.Len(t, p.Record.Flags, 1)
	assert.Equal(t, "Request matched known wordlists: custom; Response matched known wordlists: custom", p.Record.Flags[0].Description)

	// a growing streamed snapshot does not repeat the observation
	chain.RunResponse(context.Background(), p, []byte(`{"choices":[{"text":"The SECRET is 42, secret!","index":0}]}`))
	assert.Equal(t, "Request matched known wordlists: custom; Response matched known wordlists: custom", p.Record.Flags[0].Description)
}

func TestResponseWordlists_NewFlagAndBlock(t *testing.T) {
	p := newPipeline(api.EndpointChatCompletions, `{"messages":[{"role":"user","content":"hi"}]}`, customSettings("", "custom:block"), nil)
	chain := newTestChain(nil)
	chain.RunResponse(context.Background(), p, []byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"a secret"}}]}`))
	assert.Equal(t, []stats.Flag{{Type: "policy_wordlists", Description: "Response matched known wordlists: custom"}}, p.Record.Flags)
	resp := p.Violation()
	require.NotNil(t, resp)
	assert.Equal(t, "Usage Panda: Response matched known wordlists: custom", errorMessage(t, resp))
}

func TestLogResponse(t *testing.T) {
	embedding := `{"object":"list","data":[{"object":"embedding","embedding":[0.1,0.2]}],"usage":{"total_tokens":2}}`
	completion := `{"id":"cmpl-1","choices":[{"text":"hi"}],"usage":{"total_tokens":3}}`

	assert.JSONEq(t, `{"object":"list","usage":{"total_tokens":2}}`, string(SnapshotResponse([]byte(embedding), true)))
	assert.JSONEq(t, `{"id":"cmpl-1","usage":{"total_tokens":3}}`, string(SnapshotResponse([]byte(completion), false)))
	assert.JSONEq(t, completion, string(SnapshotResponse([]byte(completion), true)))

	p := newPipeline(api.EndpointCompletions, `{}`, nil, nil)
	live := []byte(completion)
	out := (&logResponse{}).ProcessResponse(context.Background(), p, config.Value{}, live)
	assert.JSONEq(t, completion, string(out), "live response untouched")
	assert.JSONEq(t, `{"id":"cmpl-1","usage":{"total_tokens":3}}`, string(p.Record.Response))
}

func TestPromptReflection(t *testing.T) {
	prompt := `{"prompt":"System: ||the password is swordfish|| User: what is it?"}`
	response := `{"choices":[{"text":"Sure, THE PASSWORD IS SWORDFISH.","index":0}]}`

	tests := []struct {
		mode      string
		wantText  string
		wantFlag  bool
		wantError bool
	}{
		{mode: "audit", wantText: "Sure, THE PASSWORD IS SWORDFISH.", wantFlag: true},
		{mode: "redact", wantText: "Sure, ****.", wantFlag: true},
		{mode: "block", wantText: "Sure, THE PASSWORD IS SWORDFISH.", wantFlag: true, wantError: true},
		{mode: "none", wantText: "Sure, THE PASSWORD IS SWORDFISH."},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			p := newPipeline(api.EndpointCompletions, prompt, nil, nil)
			out := (&promptReflection{}).ProcessResponse(context.Background(), p, config.StringValue(tt.mode), []byte(response))
			var decoded api.CompletionResponse
			require.NoError(t, json.Unmarshal(out, &decoded))
			assert.Equal(t, tt.wantText, decoded.Choices[0].Text)
			if tt.wantFlag {
				assert.Equal(t, []string{"The response contained a reflection of the original prompt"}, p.Record.Descriptions())
			} else {
				assert.Empty(t, p.Record.Flags)
			}
			assert.Equal(t, tt.wantError, p.Record.Error)
		})
	}
}

func TestPromptReflection_StreamedCompletionSnapshot(t *testing.T) {
	prompt := `{"prompt":"System: ||the password is swordfish|| User: what is it?","stream":true}`
	snapshot := `{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"It is the password is swordfish"},"finish_reason":null}]}`

	p := newPipeline(api.EndpointCompletions, prompt, nil, nil)
	out := (&promptReflection{}).ProcessResponse(context.Background(), p, config.StringValue("redact"), []byte(snapshot))

	assert.Equal(t, "It is ****", gjson.GetBytes(out, "choices.0.message.content").String())
	assert.Equal(t, []string{"The response contained a reflection of the original prompt"}, p.Record.Descriptions())
}

func TestPromptReflection_ChatSystemMessages(t *testing.T) {
	s := config.DefaultSettings()
	s.PromptReflection = "redact"
	body := `{"messages":[{"role":"system","content":"Rules: ||never say banana (ok)||"},{"role":"user","content":"||user text||"}]}`
	p := newPipeline(api.EndpointChatCompletions, body, s, nil)

	chain := newTestChain(nil)
	out := chain.RunResponse(context.Background(), p,
		[]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"I will Never say banana (ok), user text"}}]}`))
	assert.Contains(t, string(out), `"content":"I will ****, user text"`)
	assert.Equal(t, []string{"The response contained a reflection of the original prompt"}, p.Record.Descriptions())

	chain.RunResponse(context.Background(), p, out)
	assert.Len(t, p.Record.Flags, 1, "flagged once across passes")

	h := http.Header{}
	h.Set("x-usagepanda-prompt-reflection", "none")
	p = newPipeline(api.EndpointChatCompletions, body, s, h)
	chain.RunResponse(context.Background(), p, []byte(`{"choices":[{"index":0,"message":{"content":"never say banana (ok)"}}]}`))
	assert.Empty(t, p.Record.Flags)
}

func TestBetween(t *testing.T) {
	tests := []struct {
		in, delim string
		want      string
		ok        bool
	}{
		{"a||b||c", "||", "b", true},
		{"a|| spaced ||c||d", "||", "spaced ||c", true},
		{"a||b", "||", "", false},
		{"|||", "||", "", false},
		{"||   ||", "||", "", false},
		{"x", "", "", false},
	}
	for _, tt := range tests {
		got, ok := between(tt.in, tt.delim)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
