// Package gateway drives one proxied LLM call from the inbound HTTP request
// to the final response and its usage record.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/auth"
	"github.com/usagepanda/usagepanda-proxy/internal/backend"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/convert"
	"github.com/usagepanda/usagepanda-proxy/internal/logging"
	"github.com/usagepanda/usagepanda-proxy/internal/obfuscate"
	"github.com/usagepanda/usagepanda-proxy/internal/policy"
	"github.com/usagepanda/usagepanda-proxy/internal/stats"
	"github.com/usagepanda/usagepanda-proxy/internal/stream"
)

const (
	headerOrganization = "OpenAI-Organization"
	headerForwardedFor = "X-Forwarded-For"
	defaultTraceHeader = "x-usagepanda-trace-id"

	// maskedUserLen is the number of hex characters kept of a masked user id.
	maskedUserLen = 16

	defaultMaxBodyBytes = 10 << 20
)

// legacyOpenAIBase is rewritten to the bare host; endpoint paths carry /v1.
const legacyOpenAIBase = "https://api.openai.com/v1"

// ConfigLoader resolves the settings of a tenant.
type ConfigLoader interface {
	Load(ctx context.Context, tenantKey string) (*config.Settings, bool, error)
}

// Backend issues upstream calls.
type Backend interface {
	Do(ctx context.Context, call backend.Call) (*api.Response, error)
	Stream(ctx context.Context, call backend.Call) (*backend.StreamResponse, error)
}

// Uploader delivers usage records.
type Uploader interface {
	Upload(ctx context.Context, opts stats.Options, rec *stats.Record)
}

// Deps are the collaborators of an Orchestrator. Settings, Resolver, Loader,
// Chain, Router, Backend and Uploader are required.
type Deps struct {
	Settings     *config.Settings // local settings
	Resolver     auth.Resolver
	Loader       ConfigLoader
	Chain        *policy.Chain
	Router       *convert.Router
	Backend      Backend
	Uploader     Uploader
	Tokens       stream.Counter
	Logger       *zap.Logger
	MaxBodyBytes int64
	Now          func() time.Time
}

// Orchestrator is the http.Handler for proxied API calls.
type Orchestrator struct {
	local    *config.Settings
	resolver auth.Resolver
	loader   ConfigLoader
	chain    *policy.Chain
	router   *convert.Router
	backend  Backend
	uploader Uploader
	tokens   stream.Counter
	logger   *zap.Logger
	maxBody  int64
	now      func() time.Time
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		local:    d.Settings,
		resolver: d.Resolver,
		loader:   d.Loader,
		chain:    d.Chain,
		router:   d.Router,
		backend:  d.Backend,
		uploader: d.Uploader,
		tokens:   d.Tokens,
		logger:   d.Logger,
		maxBody:  d.MaxBodyBytes,
		now:      d.Now,
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tokens == nil {
		o.tokens = stream.NewTokenCounter(o.logger)
	}
	if o.router == nil {
		o.router = convert.NewRouter(o.logger)
	}
	if o.maxBody <= 0 {
		o.maxBody = defaultMaxBodyBytes
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// ServeHTTP implements http.Handler.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := &exchange{
		o:        o,
		w:        w,
		r:        r,
		ctx:      r.Context(),
		logger:   logging.FromContext(r.Context(), o.logger),
		settings: o.local,
	}
	x.run()
}

// exchange is the state of one request.
type exchange struct {
	o      *Orchestrator
	w      http.ResponseWriter
	r      *http.Request
	ctx    context.Context
	logger *zap.Logger
	state  State

	settings *config.Settings
	creds    *auth.Credentials
	path     string
	endpoint api.Endpoint
	pipeline *policy.Pipeline
	record   *stats.Record
	uploaded bool
}

func (x *exchange) enter(s State) {
	x.state = s
	x.logger.Debug("request state", zap.Stringer("state", s))
}

func (x *exchange) run() {
	x.enter(StateReceivingRequest)
	if x.r.Method == http.MethodOptions {
		x.logger.Debug("CORS response")
		x.write(&api.Response{StatusCode: http.StatusOK, Header: make(http.Header)})
		x.enter(StateDone)
		return
	}
	x.path = api.NormalizePath(x.r.URL.Path)
	x.endpoint = api.ParseEndpoint(x.path)
	x.logger.Debug("received proxy call", zap.String("method", x.r.Method), zap.String("path", x.path))

	x.enter(StateResolvingAuth)
	creds, err := x.o.resolver.Resolve(x.r.Header, x.o.local)
	if err == nil {
		err = auth.CheckEndpoint(creds, x.path)
	}
	if err != nil {
		x.fail(err)
		return
	}
	x.creds = creds

	x.enter(StateResolvingConfig)
	settings, cached, err := x.o.loader.Load(x.ctx, creds.TenantKey)
	if err != nil {
		if settings == nil || !settings.FailOpenOnConfigError {
			x.logger.Error("failed to load config", zap.String("tenant", obfuscate.Key(creds.TenantKey)), zap.Error(err))
			x.fail(err)
			return
		}
		x.logger.Warn("failed to load config; failing open to local config", zap.Error(err))
	}
	x.settings = settings
	x.logger.Debug("resolved config",
		zap.String("tenant", obfuscate.Key(creds.TenantKey)),
		zap.Bool("cached", cached),
		zap.String("llm_api_base", settings.LLMAPIBase))

	base := normalizeBase(settings.LLMAPIBase)
	url := base + x.path
	if q := x.r.URL.RawQuery; q != "" {
		url += "?" + q
	}
	header := make(http.Header)
	header.Set("Authorization", creds.BackendKey)
	if org := x.r.Header.Get(headerOrganization); org != "" {
		header.Set(headerOrganization, org)
	}

	if x.r.Method != http.MethodPost {
		x.logger.Debug("proxy pass-through for non-POST endpoint", zap.String("path", x.path))
		x.passthrough(url, header)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(x.w, x.r.Body, x.o.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			x.write(api.NewErrorResponse(http.StatusRequestEntityTooLarge, api.TypeInvalidRequest, "Request body too large"))
			return
		}
		x.write(api.NewErrorResponse(http.StatusBadRequest, api.TypeInvalidRequest, "Failed to read request body"))
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		x.write(api.NewErrorResponse(http.StatusBadRequest, api.TypeInvalidRequest, "Request body must be a JSON object"))
		return
	}
	body = x.prepareBody(body)

	x.record = stats.NewRecord(x.path, cached, x.metadata())
	x.pipeline = &policy.Pipeline{
		Endpoint:   x.endpoint,
		Header:     x.r.Header,
		Settings:   settings,
		Record:     x.record,
		BackendKey: creds.BackendKey,
		BaseURL:    base,
		Logger:     x.logger,
		Body:       body,
	}

	x.enter(StateRunningPreprocessors)
	if resp := x.o.chain.RunRequest(x.ctx, x.pipeline); resp != nil {
		x.finish(resp)
		return
	}
	if resp := x.pipeline.Violation(); resp != nil {
		x.logger.Info("request blocked by policy", zap.Int("flags", len(x.record.Flags)))
		x.finish(resp)
		return
	}

	x.enter(StateConvertingRequest)
	creq := convert.Request{
		Endpoint:   x.endpoint,
		Header:     x.r.Header,
		Body:       x.pipeline.Body,
		BackendKey: creds.BackendKey,
		Settings:   settings,
		Azure:      creds.Azure,
	}
	call := backend.Call{
		Method: http.MethodPost,
		URL:    url,
		Header: header,
		Body:   x.pipeline.Body,
		Retry:  x.pipeline.Retry,
	}
	override := x.o.router.ConvertRequest(creq, x.record)
	if !override.IsZero() {
		call.URL, call.Header, call.Body = override.URL, override.Header, override.Body
	}

	x.enter(StateCallingBackend)
	paLM := !override.IsZero() && x.o.router.Provider(creq) == convert.ProviderPaLM
	if gjson.GetBytes(x.pipeline.Body, "stream").Bool() && !paLM {
		x.stream(call)
		return
	}
	x.nonStreaming(creq, call)
}

func (x *exchange) passthrough(url string, header http.Header) {
	x.enter(StateCallingBackend)
	resp, err := x.o.backend.Do(x.ctx, backend.Call{Method: x.r.Method, URL: url, Header: header})
	if err != nil {
		x.logger.Error("LLM API request failed", zap.Error(err))
		x.write(api.ErrorResponse(err))
		x.enter(StateDone)
		return
	}
	x.write(resp)
	x.enter(StateDone)
}

func (x *exchange) nonStreaming(creq convert.Request, call backend.Call) {
	x.enter(StateNonStreaming)
	start := x.o.now()
	resp, err := x.o.backend.Do(x.ctx, call)
	x.record.Metadata.Latency = x.o.now().Sub(start).Milliseconds()
	if err != nil {
		x.logger.Error("LLM API request failed", zap.Error(err))
		x.record.Error = true
		x.finish(api.ErrorResponse(err))
		return
	}

	x.enter(StateConvertingResponse)
	if converted, ok := x.o.router.ConvertResponse(creq, resp.Body, x.record); ok {
		resp.Body = converted
	}
	if e := gjson.GetBytes(resp.Body, "error"); isSet(e) {
		x.logger.Error("LLM API returned an error", zap.Int("status", resp.StatusCode), zap.String("error", e.Raw))
		x.record.Error = true
		x.record.Response = append(json.RawMessage(nil), resp.Body...)
		x.finish(resp)
		return
	}

	x.enter(StateRunningPostprocessors)
	resp.Body = x.o.chain.RunResponse(x.ctx, x.pipeline, resp.Body)
	if v := x.pipeline.Violation(); v != nil {
		x.logger.Info("response blocked by policy", zap.Int("flags", len(x.record.Flags)))
		x.finish(v)
		return
	}
	x.logger.Debug("returning response", zap.Int("status", resp.StatusCode))
	x.finish(resp)
}

// prepareBody masks the user field and suppresses streaming when the
// settings require it.
func (x *exchange) prepareBody(body []byte) []byte {
	if x.settings.MaskUserField {
		if user := gjson.GetBytes(body, "user"); user.Type == gjson.String && user.Str != "" {
			if out, err := sjson.SetBytes(body, "user", maskUser(x.settings.ProxyID, user.Str)); err == nil {
				body = out
			}
		}
	}
	if !x.settings.AllowStreaming && gjson.GetBytes(body, "stream").Bool() {
		if out, err := sjson.SetBytes(body, "stream", false); err == nil {
			x.logger.Debug("streaming disabled by config")
			body = out
		}
	}
	return body
}

func (x *exchange) metadata() stats.Metadata {
	ip := strings.TrimSpace(strings.Split(x.r.Header.Get(headerForwardedFor), ",")[0])
	if ip == "" {
		ip = x.r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	traceHeader := x.settings.TraceHeader
	if traceHeader == "" {
		traceHeader = defaultTraceHeader
	}
	return stats.Metadata{
		ProxyID:      x.settings.ProxyID,
		IPAddress:    ip,
		UserAgent:    x.r.UserAgent(),
		Organization: x.r.Header.Get(headerOrganization),
		TraceID:      x.r.Header.Get(traceHeader),
	}
}

// fail writes the response for an auth or config error. No record exists
// yet, so nothing is uploaded.
func (x *exchange) fail(err error) {
	x.write(api.ErrorResponse(err))
	x.enter(StateDone)
}

// finish uploads the record and writes resp.
func (x *exchange) finish(resp *api.Response) {
	x.upload()
	x.write(resp)
	x.enter(StateDone)
}

// upload sends the record at most once.
func (x *exchange) upload() {
	if x.uploaded || x.record == nil {
		return
	}
	x.uploaded = true
	x.enter(StateUploadingStats)
	if len(x.record.Response) > 0 && !json.Valid(x.record.Response) {
		x.record.Response = nil
	}
	x.o.uploader.Upload(x.ctx, stats.Options{
		Method:    x.r.Method,
		TenantKey: x.creds.TenantKey,
		LocalMode: x.settings.LocalMode,
		Async:     x.settings.AsyncStatsUpload,
	}, x.record)
}

// write sends resp with the configured CORS headers.
func (x *exchange) write(resp *api.Response) {
	h := x.w.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}
	for k, v := range x.settings.CORSHeaders {
		h.Set(k, v)
	}
	if len(resp.Body) > 0 && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	x.w.WriteHeader(status)
	if len(resp.Body) > 0 {
		if _, err := x.w.Write(resp.Body); err != nil {
			x.logger.Debug("failed to write response", zap.Error(err))
		}
	}
}

func maskUser(key, user string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(user))
	return hex.EncodeToString(mac.Sum(nil))[:maskedUserLen]
}

func normalizeBase(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" || base == legacyOpenAIBase {
		return config.DefaultLLMAPIBasePath
	}
	return base
}

// isSet reports whether a JSON value is present and not null, false or "".
func isSet(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	}
	return r.Exists()
}
