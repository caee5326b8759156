// Package auth resolves the backend credential and tenant key of an inbound
// request.
package auth

import (
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
)

// HeaderTenantKey carries the Usage Panda tenant key.
const HeaderTenantKey = "x-usagepanda-api-key"

// chatKeyPrefix marks tenant keys restricted to the chat completions endpoint.
const chatKeyPrefix = "up-chat"

var (
	tenantKeyPattern  = regexp.MustCompile(`^up-[0-9a-zA-Z]{48}$`)
	backendKeyPattern = regexp.MustCompile(`^Bearer (sk-[0-9a-zA-Z]{48}|[a-z0-9]{32})$`)
)

// Credentials are the keys resolved for one request.
type Credentials struct {
	// BackendKey is the provider credential including its "Bearer " scheme.
	BackendKey string
	TenantKey  string
	// Azure, when set, forces Azure routing with the given resource and
	// deployment map.
	Azure *config.AzureOverride
	// Custom is set when the credentials came from a custom auth key.
	Custom bool
}

// Resolver resolves request credentials against the local settings.
// Failures are returned as *api.AuthError.
type Resolver interface {
	Resolve(header http.Header, settings *config.Settings) (*Credentials, error)
}

// HeaderResolver reads the credentials from request headers, falling back to
// the keys configured in settings, and validates their format.
type HeaderResolver struct {
	logger *zap.Logger
}

// NewHeaderResolver creates a HeaderResolver.
func NewHeaderResolver(logger *zap.Logger) *HeaderResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeaderResolver{logger: logger}
}

// Resolve implements Resolver.
func (r *HeaderResolver) Resolve(header http.Header, s *config.Settings) (*Credentials, error) {
	tenantKey := header.Get(HeaderTenantKey)
	if tenantKey == "" {
		tenantKey = s.UsagePandaKey
	}
	if !s.LocalMode && !tenantKeyPattern.MatchString(tenantKey) {
		r.logger.Warn("Invalid Usage Panda API key. Either pass the x-usagepanda-api-key header or set the USAGE_PANDA_API_KEY environment variable.")
		return nil, &api.AuthError{Message: "Invalid Usage Panda API"}
	}

	backendKey := header.Get("Authorization")
	if backendKey == "" {
		backendKey = "Bearer " + s.OpenAIAPIKey
	}
	if !backendKeyPattern.MatchString(backendKey) {
		r.logger.Warn("Invalid OpenAI API key. Either pass the authorization header or set the OPENAI_API_KEY environment variable.")
		return nil, &api.AuthError{Message: "Invalid OpenAI API key"}
	}
	return &Credentials{BackendKey: backendKey, TenantKey: tenantKey}, nil
}

// StaticResolver maps whole authorization header values to preconfigured
// credentials. Unknown values are passed to next.
type StaticResolver struct {
	keys   map[string]config.CustomAuthKey
	next   Resolver
	logger *zap.Logger
}

// NewStaticResolver creates a StaticResolver. A nil next rejects every
// unknown authorization value.
func NewStaticResolver(keys map[string]config.CustomAuthKey, next Resolver, logger *zap.Logger) *StaticResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticResolver{keys: keys, next: next, logger: logger}
}

// Resolve implements Resolver. A matched key skips format validation; empty
// fields of the entry default to the keys in settings.
func (r *StaticResolver) Resolve(header http.Header, s *config.Settings) (*Credentials, error) {
	if k, ok := r.keys[header.Get("Authorization")]; ok {
		openAIKey := k.OpenAIKey
		if openAIKey == "" {
			openAIKey = s.OpenAIAPIKey
		}
		tenantKey := k.UsagePandaKey
		if tenantKey == "" {
			tenantKey = s.UsagePandaKey
		}
		r.logger.Debug("request authenticated with custom auth key")
		return &Credentials{
			BackendKey: "Bearer " + strings.TrimPrefix(openAIKey, "Bearer "),
			TenantKey:  tenantKey,
			Azure:      k.Azure,
			Custom:     true,
		}, nil
	}
	if r.next == nil {
		return nil, &api.AuthError{Message: "No API keys found in headers"}
	}
	return r.next.Resolve(header, s)
}

// New returns the resolver chain for settings: custom auth keys first when
// configured, then header validation.
func New(s *config.Settings, logger *zap.Logger) Resolver {
	base := NewHeaderResolver(logger)
	if len(s.CustomAuthKeys) == 0 {
		return base
	}
	return NewStaticResolver(s.CustomAuthKeys, base, logger)
}

// CheckEndpoint rejects chat-only tenant keys used against any endpoint other
// than chat completions.
func CheckEndpoint(c *Credentials, path string) error {
	if strings.HasPrefix(c.TenantKey, chatKeyPrefix) && path != api.EndpointChatCompletions.Path() {
		return &api.AuthError{Message: "Chat API keys can only be used for the /v1/chat/completions endpoint"}
	}
	return nil
}
