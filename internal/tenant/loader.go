// Package tenant loads the per-tenant policy settings from the Usage Panda
// API and caches them in memory and, optionally, in Redis or on disk.
package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/backend"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/obfuscate"
)

// Config errors surfaced to clients.
const (
	msgInvalidConfig = "Error loading Usage Panda config"
	msgFetchFailed   = "Server error loading Usage Panda config"
)

// Fetcher performs the remote config call.
type Fetcher interface {
	Do(ctx context.Context, call backend.Call) (*api.Response, error)
}

// Loader resolves the effective settings for a tenant key.
type Loader struct {
	local   *config.Settings
	fetcher Fetcher
	store   Store
	logger  *zap.Logger

	mu     sync.RWMutex
	memory map[string][]byte
}

// NewLoader creates a Loader over the local settings. store may be nil.
func NewLoader(local *config.Settings, fetcher Fetcher, store Store, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		local:   local,
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		memory:  make(map[string][]byte),
	}
}

// NewStore returns the persistent store selected by the settings, or nil
// when CONFIG_CACHE_TYPE is empty. client is only used for the redis type.
func NewStore(s *config.Settings, client *redis.Client) Store {
	ttl := s.CacheTTL()
	switch s.ConfigCacheType {
	case StoreRedis:
		if client == nil {
			return nil
		}
		return NewRedisStore(client, s.ConfigCachePath, ttl)
	case StoreFile:
		return NewFileStore(s.ConfigCachePath, ttl)
	default:
		return nil
	}
}

// Load returns the local settings merged with the tenant's settings and
// whether they came from a cache. On error the local settings are still
// returned so the caller can fail open.
func (l *Loader) Load(ctx context.Context, tenantKey string) (*config.Settings, bool, error) {
	if l.local.LocalMode {
		l.logger.Debug("local mode enabled; returning default local config")
		return l.local, true, nil
	}

	l.mu.RLock()
	raw, ok := l.memory[tenantKey]
	l.mu.RUnlock()
	if ok {
		l.logger.Debug("found config in memory")
		return l.merge(raw), true, nil
	}

	if l.store != nil {
		raw, err := l.store.Get(ctx, tenantKey)
		switch {
		case err == nil:
			l.logger.Debug("loaded config from persistent cache", zap.String("type", l.local.ConfigCacheType))
			return l.merge(raw), true, nil
		case !errors.Is(err, ErrMiss):
			l.logger.Warn("failed to read config cache", zap.Error(err))
		}
	}

	l.logger.Debug("no cache found, or cache disabled; retrieving config")
	raw, err := l.retrieve(ctx, tenantKey)
	if err != nil {
		return l.local, false, err
	}
	return l.merge(raw), false, nil
}

// retrieve fetches the tenant config and caches it when the tenant enables
// caching.
func (l *Loader) retrieve(ctx context.Context, tenantKey string) ([]byte, error) {
	h := make(http.Header)
	h.Set("x-usagepanda-key", tenantKey)
	resp, err := l.fetcher.Do(ctx, backend.Call{
		Method: http.MethodGet,
		URL:    strings.TrimRight(l.local.UsagePandaAPI, "/") + "/proxy",
		Header: h,
	})
	if err != nil {
		l.logger.Error("failed to retrieve Usage Panda config", zap.String("tenant", obfuscate.Key(tenantKey)), zap.Error(err))
		return nil, &api.ConfigError{Message: msgFetchFailed, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.logger.Error("Usage Panda config request failed", zap.String("tenant", obfuscate.Key(tenantKey)), zap.Int("status", resp.StatusCode))
		return nil, &api.ConfigError{Message: msgFetchFailed}
	}
	if !gjson.ValidBytes(resp.Body) || gjson.GetBytes(resp.Body, "LLM_API_BASE_PATH").String() == "" {
		return nil, &api.ConfigError{Message: msgInvalidConfig}
	}

	if gjson.GetBytes(resp.Body, "CACHE_ENABLED").Bool() {
		l.mu.Lock()
		l.memory[tenantKey] = resp.Body
		l.mu.Unlock()
		l.logger.Debug("loaded config from Usage Panda API")

		if l.store != nil {
			if err := l.store.Set(ctx, tenantKey, resp.Body); err != nil {
				l.logger.Warn("failed to store config cache", zap.String("type", l.local.ConfigCacheType), zap.Error(err))
			}
		}
	}
	return resp.Body, nil
}

func (l *Loader) merge(raw []byte) *config.Settings {
	merged, skipped, err := l.local.Merge(raw)
	if err != nil {
		l.logger.Warn("ignoring malformed tenant config", zap.Error(err))
		return l.local
	}
	if len(skipped) > 0 {
		l.logger.Warn("ignoring tenant settings with invalid values", zap.Strings("keys", skipped))
	}
	return merged
}

// Refresh re-fetches the given tenants so their cache entries stay warm.
func (l *Loader) Refresh(ctx context.Context, tenantKeys []string) {
	if l.local.LocalMode {
		return
	}
	for _, key := range tenantKeys {
		if ctx.Err() != nil {
			return
		}
		if _, err := l.retrieve(ctx, key); err != nil {
			l.logger.Warn("scheduled config refresh failed", zap.String("tenant", obfuscate.Key(key)), zap.Error(err))
		}
	}
}

// Reset clears the in-memory cache.
func (l *Loader) Reset() {
	l.mu.Lock()
	l.memory = make(map[string][]byte)
	l.mu.Unlock()
}

// Local returns the local settings.
func (l *Loader) Local() *config.Settings { return l.local }
