// Package convert translates OpenAI-schema requests and responses to and
// from the Azure OpenAI and Google PaLM wire formats.
package convert

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/stats"
)

// Provider routing headers.
const (
	HeaderPaLMKey       = "x-usagepanda-palm-api-key"
	HeaderAzureResource = "x-usagepanda-azure-resource"
)

// Provider is the backend a request is routed to.
type Provider int

const (
	ProviderOpenAI Provider = iota
	ProviderAzure
	ProviderPaLM
)

func (p Provider) String() string {
	switch p {
	case ProviderAzure:
		return "azure"
	case ProviderPaLM:
		return "palm"
	default:
		return "openai"
	}
}

// Request is the input of a conversion.
type Request struct {
	Endpoint   api.Endpoint
	Header     http.Header
	Body       []byte
	BackendKey string // resolved "Bearer ..." credential
	Settings   *config.Settings
	Azure      *config.AzureOverride // per-client override from custom auth
}

// Override replaces the outbound URL, headers and body. The zero Override
// means "send the original request unmodified".
type Override struct {
	URL    string
	Header http.Header
	Body   []byte
}

// IsZero reports whether the override leaves the request unmodified.
func (o Override) IsZero() bool { return o.URL == "" }

// Router selects a provider for a request and applies the matching converter.
type Router struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewRouter creates a Router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger, now: time.Now}
}

// Provider reports which provider the request is routed to: PaLM when the
// PaLM key header is present, else Azure when a resource is configured by
// header, settings or custom auth, else OpenAI.
func (r *Router) Provider(req Request) Provider {
	if req.Header.Get(HeaderPaLMKey) != "" {
		return ProviderPaLM
	}
	if req.Header.Get(HeaderAzureResource) != "" || req.Azure != nil ||
		(req.Settings != nil && req.Settings.AzureResourceName != "") {
		return ProviderAzure
	}
	return ProviderOpenAI
}

// ConvertRequest returns the provider-specific override for req. Any missing
// precondition is logged and yields the zero Override.
func (r *Router) ConvertRequest(req Request, rec *stats.Record) Override {
	var (
		o   Override
		key string
	)
	switch r.Provider(req) {
	case ProviderPaLM:
		o = r.toPaLM(req)
		key = "palm_request"
	case ProviderAzure:
		o = r.toAzure(req)
		key = "azure_request"
	default:
		return Override{}
	}
	if !o.IsZero() && rec != nil && r.logEnabled(req, "x-usagepanda-log-request", "POLICY_LOG_REQUEST") {
		rec.SetAutorouted(key, o.Body)
	}
	return o
}

// ConvertResponse maps a provider reply back to the OpenAI schema. It reports
// false when the body should be used unchanged, including replies that
// already carry an error.
func (r *Router) ConvertResponse(req Request, body []byte, rec *stats.Record) ([]byte, bool) {
	if len(body) == 0 || truthy(gjson.GetBytes(body, "error")) {
		return nil, false
	}

	provider := r.Provider(req)
	if provider == ProviderOpenAI {
		return nil, false
	}
	logResponse := rec != nil && r.logEnabled(req, "x-usagepanda-log-response", "POLICY_LOG_RESPONSE")

	switch provider {
	case ProviderPaLM:
		convert, ok := palmResponses[req.Endpoint]
		if !ok {
			r.unsupported("PaLM to OpenAI response", req.Endpoint)
			return nil, false
		}
		if logResponse {
			rec.SetAutorouted("palm_response", body)
		}
		return convert(body, r.now()), true
	default:
		if !azureResponses[req.Endpoint] {
			r.unsupported("Azure to OpenAI response", req.Endpoint)
			return nil, false
		}
		if logResponse {
			rec.SetAutorouted("azure_response", body)
		}
		return body, true
	}
}

func (r *Router) logEnabled(req Request, header, key string) bool {
	return config.Resolve(req.Header, req.Settings, header, key).IsTrue()
}

func (r *Router) unsupported(direction string, ep api.Endpoint) {
	r.logger.Warn("conversion not supported; failing open to original",
		zap.String("direction", direction),
		zap.String("endpoint", ep.String()),
		zap.Error(api.ErrConversionUnsupported))
}

// truthy mirrors the loose truthiness used by OpenAI clients for optional
// fields: absent, null, false, 0 and "" are false.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return r.Exists()
	}
}
