// Package policy implements the request and response middleware chains that
// enforce tenant policies around every proxied LLM call.
package policy

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/backend"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/stats"
	"github.com/usagepanda/usagepanda-proxy/internal/wordlist"
)

// Pipeline is the mutable state of one request as it moves through the
// chains. Settings is a read-only snapshot; everything a stage needs to tell
// a later stage lives here instead.
type Pipeline struct {
	Endpoint   api.Endpoint
	Header     http.Header
	Settings   *config.Settings
	Record     *stats.Record
	BackendKey string // "Bearer ..." credential used for side calls
	BaseURL    string // normalized LLM_API_BASE_PATH
	Logger     *zap.Logger

	// Body is the live request body. Preprocessors may rewrite it.
	Body []byte

	// Retry is set by the retry-count stage for the outbound call.
	Retry *backend.RetryPolicy

	wordlistFlag     int
	haveWordlistFlag bool
	responseLists    map[string]bool
	reflectionFlag   bool
}

func (p *Pipeline) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// flag records a policy observation. Blocking flags also mark the record as
// an error, which surfaces as a 422 after the current chain pass.
func (p *Pipeline) flag(typ, description string, block bool) int {
	if block {
		p.Record.Error = true
	}
	return p.Record.AddFlag(typ, description)
}

// Violation returns the 422 response when the accumulated flags include an
// error, storing the error body as the recorded response. It returns nil
// otherwise.
func (p *Pipeline) Violation() *api.Response {
	if !p.Record.Error {
		return nil
	}
	resp := api.NewPolicyViolation(p.Record.Descriptions())
	p.Record.Response = resp.Body
	return resp
}

// Stage identifies a chain entry and where its effective value comes from.
type Stage interface {
	Name() string
	Header() string // optional per-request override header
	Key() string    // optional settings key
}

// Preprocessor inspects or rewrites the request before it is sent. A non-nil
// response short-circuits the request.
type Preprocessor interface {
	Stage
	ProcessRequest(ctx context.Context, p *Pipeline, v config.Value) *api.Response
}

// Postprocessor inspects or rewrites the normalized response and returns the
// possibly modified body.
type Postprocessor interface {
	Stage
	ProcessResponse(ctx context.Context, p *Pipeline, v config.Value, resp []byte) []byte
}

type stage struct {
	name, header, key string
}

func (s stage) Name() string   { return s.name }
func (s stage) Header() string { return s.header }
func (s stage) Key() string    { return s.key }

// Caller performs a side call to the LLM backend, used by auto-moderation.
type Caller interface {
	Do(ctx context.Context, call backend.Call) (*api.Response, error)
}

// Deps are the collaborators of the built-in stages.
type Deps struct {
	Wordlists *wordlist.Matcher
	Backend   Caller
	Now       func() time.Time
}

// Chain runs preprocessors and postprocessors in their declared order.
type Chain struct {
	pre  []Preprocessor
	post []Postprocessor
}

// NewChain builds the default chain:
// log-request, auto-reply, max-tokens, max-prompt-chars, enforce-user-ids,
// disabled-models, retry-count, auto-moderate, request-wordlists; then
// log-response, response-wordlists, prompt-reflection.
func NewChain(deps Deps) *Chain {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Wordlists == nil {
		deps.Wordlists = wordlist.New("", nil)
	}
	return NewCustomChain(
		[]Preprocessor{
			&logRequest{stage{"log-request", "x-usagepanda-log-request", "POLICY_LOG_REQUEST"}},
			&autoReply{stage{"auto-reply", "x-usagepanda-auto-reply", ""}, deps.Now},
			&maxTokens{stage{"max-tokens", "x-usagepanda-max-tokens", "POLICY_MAX_TOKENS"}},
			&maxPromptChars{stage{"max-prompt-chars", "x-usagepanda-max-prompt-chars", "POLICY_MAX_PROMPT_CHARS"}},
			&enforceUserIDs{stage{"enforce-user-ids", "x-usagepanda-enforce-user-ids", "POLICY_ENFORCE_USER_IDS"}},
			&disabledModels{stage{"disabled-models", "", ""}},
			&retryCount{stage{"retry-count", "x-usagepanda-retry-count", "POLICY_RETRY_COUNT"}},
			&autoModerate{stage{"auto-moderate", "x-usagepanda-auto-moderate", "POLICY_AUTO_MODERATE"}, deps.Backend},
			&requestWordlists{stage{"request-wordlists", "x-usagepanda-request-wordlists", "POLICY_REQUEST_WORDLIST"}, deps.Wordlists},
		},
		[]Postprocessor{
			&logResponse{stage{"log-response", "x-usagepanda-log-response", "POLICY_LOG_RESPONSE"}},
			&responseWordlists{stage{"response-wordlists", "x-usagepanda-response-wordlists", "POLICY_RESPONSE_WORDLIST"}, deps.Wordlists},
			&promptReflection{stage{"prompt-reflection", "x-usagepanda-prompt-reflection", "POLICY_PROMPT_REFLECTION"}},
		},
	)
}

// NewCustomChain builds a chain from explicit stages.
func NewCustomChain(pre []Preprocessor, post []Postprocessor) *Chain {
	return &Chain{pre: pre, post: post}
}

// RunRequest runs every preprocessor in order and returns the first
// short-circuit response, if any. Blocking flags are not checked here; call
// Pipeline.Violation after the pass.
func (c *Chain) RunRequest(ctx context.Context, p *Pipeline) *api.Response {
	for _, s := range c.pre {
		v := config.Resolve(p.Header, p.Settings, s.Header(), s.Key())
		if resp := s.ProcessRequest(ctx, p, v); resp != nil {
			p.log().Debug("preprocessor returned a response", zap.String("stage", s.Name()))
			return resp
		}
	}
	return nil
}

// RunResponse runs every postprocessor in order over resp and returns the
// resulting body. It may be called repeatedly on growing snapshots of a
// streamed response; flags are recorded once per distinct observation.
func (c *Chain) RunResponse(ctx context.Context, p *Pipeline, resp []byte) []byte {
	for _, s := range c.post {
		v := config.Resolve(p.Header, p.Settings, s.Header(), s.Key())
		resp = s.ProcessResponse(ctx, p, v, resp)
	}
	return resp
}
