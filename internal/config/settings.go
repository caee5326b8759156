package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultLLMAPIBasePath is the upstream used when nothing else is configured.
const DefaultLLMAPIBasePath = "https://api.openai.com"

// AutoReply is a canned response returned without contacting the backend
// when the caller's latest input equals Request.
type AutoReply struct {
	Type     string `json:"type" yaml:"type"` // "chat" or "completion"
	Request  string `json:"request" yaml:"request"`
	Response string `json:"response" yaml:"response"`
}

// AzureOverride forces Azure routing for a client.
type AzureOverride struct {
	Resource      string            `json:"resource" yaml:"resource"`
	DeploymentMap map[string]string `json:"deployment_map" yaml:"deployment_map"`
}

// CustomAuthKey maps a client key presented in the authorization header to
// the credentials used on its behalf.
type CustomAuthKey struct {
	OpenAIKey     string         `yaml:"openai_key"`
	UsagePandaKey string         `yaml:"usage_panda_key"`
	Azure         *AzureOverride `yaml:"azure"`
}

// Settings is the policy configuration for a request. A process-wide local
// copy is built at startup; tenant values fetched from the Usage Panda API are
// layered over it with Merge. A Settings value is never mutated once handed to
// a request.
type Settings struct {
	LocalMode     bool   `json:"LOCAL_MODE" yaml:"LOCAL_MODE"`
	DebugMode     bool   `json:"DEBUG_MODE" yaml:"DEBUG_MODE"`
	ProxyID       string `json:"PROXY_ID" yaml:"PROXY_ID"`
	UsagePandaAPI string `json:"USAGE_PANDA_API" yaml:"USAGE_PANDA_API"`
	UsagePandaKey string `json:"USAGE_PANDA_API_KEY" yaml:"USAGE_PANDA_API_KEY"`
	OpenAIAPIKey  string `json:"OPENAI_API_KEY" yaml:"OPENAI_API_KEY"`
	LLMAPIBase    string `json:"LLM_API_BASE_PATH" yaml:"LLM_API_BASE_PATH"`

	CacheEnabled       bool   `json:"CACHE_ENABLED" yaml:"CACHE_ENABLED"`
	ConfigCacheMinutes int    `json:"CONFIG_CACHE_MINUTES" yaml:"CONFIG_CACHE_MINUTES"`
	ConfigCacheType    string `json:"CONFIG_CACHE_TYPE" yaml:"CONFIG_CACHE_TYPE"`
	ConfigCachePath    string `json:"CONFIG_CACHE_PATH" yaml:"CONFIG_CACHE_PATH"`

	CORSHeaders         map[string]string `json:"CORS_HEADERS" yaml:"CORS_HEADERS"`
	RedactionString     string            `json:"REDACTION_STRING" yaml:"REDACTION_STRING"`
	ReflectionDelimiter string            `json:"PROMPT_REFLECTION_DELIMETER" yaml:"PROMPT_REFLECTION_DELIMETER"`

	RetryCount       int         `json:"POLICY_RETRY_COUNT" yaml:"POLICY_RETRY_COUNT"`
	DisabledModels   []string    `json:"POLICY_DISABLED_MODELS" yaml:"POLICY_DISABLED_MODELS"`
	AutoReplies      []AutoReply `json:"POLICY_AUTOREPLY" yaml:"POLICY_AUTOREPLY"`
	RequestWordlist  string      `json:"POLICY_REQUEST_WORDLIST" yaml:"POLICY_REQUEST_WORDLIST"`
	ResponseWordlist string      `json:"POLICY_RESPONSE_WORDLIST" yaml:"POLICY_RESPONSE_WORDLIST"`
	CustomWordlist   []string    `json:"POLICY_CUSTOM_WORDLIST" yaml:"POLICY_CUSTOM_WORDLIST"`
	MaxTokens        int         `json:"POLICY_MAX_TOKENS" yaml:"POLICY_MAX_TOKENS"`
	MaxPromptChars   int         `json:"POLICY_MAX_PROMPT_CHARS" yaml:"POLICY_MAX_PROMPT_CHARS"`
	AutoModerate     bool        `json:"POLICY_AUTO_MODERATE" yaml:"POLICY_AUTO_MODERATE"`
	EnforceUserIDs   bool        `json:"POLICY_ENFORCE_USER_IDS" yaml:"POLICY_ENFORCE_USER_IDS"`
	LogRequest       bool        `json:"POLICY_LOG_REQUEST" yaml:"POLICY_LOG_REQUEST"`
	LogResponse      bool        `json:"POLICY_LOG_RESPONSE" yaml:"POLICY_LOG_RESPONSE"`
	PromptReflection string      `json:"POLICY_PROMPT_REFLECTION" yaml:"POLICY_PROMPT_REFLECTION"`

	AzureResourceName  string            `json:"AZURE_RESOURCE_NAME" yaml:"AZURE_RESOURCE_NAME"`
	AzureDeploymentMap map[string]string `json:"AZURE_DEPLOYMENT_MAP" yaml:"AZURE_DEPLOYMENT_MAP"`
	AzureAPIVersion    string            `json:"AZURE_API_VERSION" yaml:"AZURE_API_VERSION"`

	AsyncStatsUpload      bool   `json:"ASYNC_STATS_UPLOAD" yaml:"ASYNC_STATS_UPLOAD"`
	FailOpenOnConfigError bool   `json:"FAIL_OPEN_ON_CONFIG_ERROR" yaml:"FAIL_OPEN_ON_CONFIG_ERROR"`
	MaskUserField         bool   `json:"MASK_USER_FIELD" yaml:"MASK_USER_FIELD"`
	TraceHeader           string `json:"TRACE_HEADER" yaml:"TRACE_HEADER"`
	AllowStreaming        bool   `json:"ALLOW_STREAMING" yaml:"ALLOW_STREAMING"`

	// Local only; never accepted from tenant config.
	CustomAuthKeys map[string]CustomAuthKey `json:"-" yaml:"CUSTOM_AUTH_KEYS"`
}

// DefaultSettings returns the built-in local settings.
func DefaultSettings() *Settings {
	return &Settings{
		ProxyID:            "usage_panda_cloud",
		UsagePandaAPI:      "https://api.usagepanda.com/v1",
		LLMAPIBase:         DefaultLLMAPIBasePath,
		ConfigCacheMinutes: 5,
		ConfigCachePath:    "/tmp/usagepanda-proxy",
		CORSHeaders: map[string]string{
			"Access-Control-Allow-Headers": "*",
			"Access-Control-Allow-Origin":  "*",
			"Access-Control-Allow-Methods": "OPTIONS,POST,GET",
			"Content-Type":                 "application/json",
		},
		RedactionString:     "****",
		ReflectionDelimiter: "||",
		DisabledModels:      []string{},
		AutoReplies:         []AutoReply{},
		CustomWordlist:      []string{},
		PromptReflection:    "none",
		AzureDeploymentMap:  map[string]string{},
		AzureAPIVersion:     "2023-05-15",
		TraceHeader:         "x-usagepanda-trace-id",
		AllowStreaming:      true,
	}
}

// LoadSettings builds the local settings: defaults, then the optional YAML
// file at path, then environment overrides.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path != "" {
		var err error
		if s, err = s.applyFile(path); err != nil {
			return nil, err
		}
	}
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert settings file %s: %w", path, err)
	}
	merged, skipped, err := s.Merge(asJSON)
	if err != nil {
		return nil, fmt.Errorf("apply settings file %s: %w", path, err)
	}
	if len(skipped) > 0 {
		return nil, fmt.Errorf("settings file %s: invalid values for %s", path, strings.Join(skipped, ", "))
	}

	var auth struct {
		Keys map[string]CustomAuthKey `yaml:"CUSTOM_AUTH_KEYS"`
	}
	if err := yaml.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("parse CUSTOM_AUTH_KEYS in %s: %w", path, err)
	}
	merged.CustomAuthKeys = auth.Keys
	return merged, nil
}

func (s *Settings) applyEnv() {
	s.ProxyID = getEnvString("USAGE_PANDA_PROXY_ID", s.ProxyID)
	s.UsagePandaAPI = getEnvString("USAGE_PANDA_API", s.UsagePandaAPI)
	s.UsagePandaKey = getEnvString("USAGE_PANDA_API_KEY", s.UsagePandaKey)
	s.OpenAIAPIKey = getEnvString("OPENAI_API_KEY", s.OpenAIAPIKey)
	s.LLMAPIBase = getEnvString("LLM_API_BASE", s.LLMAPIBase)
	s.LocalMode = getEnvBool("LOCAL_MODE", s.LocalMode)
	s.DebugMode = getEnvBool("DEBUG_MODE", s.DebugMode)
	s.ConfigCacheType = getEnvString("CONFIG_CACHE_TYPE", s.ConfigCacheType)
	s.ConfigCachePath = getEnvString("CONFIG_CACHE_PATH", s.ConfigCachePath)
	s.ConfigCacheMinutes = getEnvInt("CONFIG_CACHE_MINUTES", s.ConfigCacheMinutes)
	s.AsyncStatsUpload = getEnvBool("ASYNC_STATS_UPLOAD", s.AsyncStatsUpload)
	s.FailOpenOnConfigError = getEnvBool("FAIL_OPEN_ON_CONFIG_ERROR", s.FailOpenOnConfigError)
	s.AzureResourceName = getEnvString("AZURE_RESOURCE_NAME", s.AzureResourceName)
}

// Validate checks enumerated settings.
func (s *Settings) Validate() error {
	var errs []error
	switch s.ConfigCacheType {
	case "", "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("CONFIG_CACHE_TYPE must be empty, \"file\" or \"redis\", got %q", s.ConfigCacheType))
	}
	switch strings.ToLower(s.PromptReflection) {
	case "", "none", "audit", "redact", "block":
	default:
		errs = append(errs, fmt.Errorf("POLICY_PROMPT_REFLECTION must be none, audit, redact or block, got %q", s.PromptReflection))
	}
	if s.ConfigCacheMinutes <= 0 {
		errs = append(errs, fmt.Errorf("CONFIG_CACHE_MINUTES must be positive, got %d", s.ConfigCacheMinutes))
	}
	return errors.Join(errs...)
}

var settingsFields = func() map[string]int {
	fields := make(map[string]int)
	t := reflect.TypeOf(Settings{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			fields[name] = i
		}
	}
	return fields
}()

// Merge returns a copy of s with the keys of the JSON object data applied on
// top. Each present key replaces the local value entirely, composites
// included. Keys whose values do not fit the field type are left at the
// local value and reported in skipped. Unknown keys are ignored.
func (s *Settings) Merge(data []byte) (merged *Settings, skipped []string, err error) {
	var overrides map[string]json.RawMessage
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, nil, fmt.Errorf("tenant settings must be a JSON object: %w", err)
	}

	out := *s
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		idx, ok := settingsFields[key]
		if !ok {
			continue
		}
		scratch := out
		field := reflect.ValueOf(&scratch).Elem().Field(idx)
		field.Set(reflect.Zero(field.Type()))
		if err := json.Unmarshal(overrides[key], field.Addr().Interface()); err != nil {
			skipped = append(skipped, key)
			continue
		}
		out = scratch
	}
	return &out, skipped, nil
}

// CacheTTL is the lifetime of cached tenant configs.
func (s *Settings) CacheTTL() time.Duration {
	return time.Duration(s.ConfigCacheMinutes) * time.Minute
}

// Lookup returns the configured value for a settings key. Keys with no value
// (an empty optional string) report false, as do unknown keys.
func (s *Settings) Lookup(key string) (any, bool) {
	switch key {
	case "POLICY_LOG_REQUEST":
		return s.LogRequest, true
	case "POLICY_LOG_RESPONSE":
		return s.LogResponse, true
	case "POLICY_MAX_TOKENS":
		return s.MaxTokens, true
	case "POLICY_MAX_PROMPT_CHARS":
		return s.MaxPromptChars, true
	case "POLICY_ENFORCE_USER_IDS":
		return s.EnforceUserIDs, true
	case "POLICY_AUTO_MODERATE":
		return s.AutoModerate, true
	case "POLICY_RETRY_COUNT":
		return s.RetryCount, true
	case "POLICY_REQUEST_WORDLIST":
		return s.RequestWordlist, true
	case "POLICY_RESPONSE_WORDLIST":
		return s.ResponseWordlist, true
	case "POLICY_PROMPT_REFLECTION":
		return s.PromptReflection, true
	case "POLICY_DISABLED_MODELS":
		return s.DisabledModels, s.DisabledModels != nil
	case "POLICY_AUTOREPLY":
		return s.AutoReplies, s.AutoReplies != nil
	case "POLICY_CUSTOM_WORDLIST":
		return s.CustomWordlist, s.CustomWordlist != nil
	case "AZURE_RESOURCE_NAME":
		return s.AzureResourceName, s.AzureResourceName != ""
	case "AZURE_DEPLOYMENT_MAP":
		return s.AzureDeploymentMap, s.AzureDeploymentMap != nil
	case "AZURE_API_VERSION":
		return s.AzureAPIVersion, s.AzureAPIVersion != ""
	case "TRACE_HEADER":
		return s.TraceHeader, s.TraceHeader != ""
	}
	return nil, false
}
