package config

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsMerge(t *testing.T) {
	local := DefaultSettings()
	local.DisabledModels = []string{"gpt-4"}

	merged, skipped, err := local.Merge([]byte(`{
		"LLM_API_BASE_PATH": "https://llm.example.com",
		"CACHE_ENABLED": true,
		"POLICY_MAX_TOKENS": 200,
		"POLICY_DISABLED_MODELS": ["256x256"],
		"CORS_HEADERS": {"Content-Type": "application/json"},
		"POLICY_MAX_PROMPT_CHARS": "lots",
		"SOMETHING_NEW": 1
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"POLICY_MAX_PROMPT_CHARS"}, skipped)
	assert.Equal(t, "https://llm.example.com", merged.LLMAPIBase)
	assert.True(t, merged.CacheEnabled)
	assert.Equal(t, 200, merged.MaxTokens)
	assert.Equal(t, []string{"256x256"}, merged.DisabledModels)
	assert.Equal(t, map[string]string{"Content-Type": "application/json"}, merged.CORSHeaders, "composites replace, not merge")
	assert.Equal(t, 0, merged.MaxPromptChars)

	// local snapshot untouched
	assert.Equal(t, []string{"gpt-4"}, local.DisabledModels)
	assert.Len(t, local.CORSHeaders, 4)
	assert.Equal(t, 0, local.MaxTokens)
}

func TestSettingsMerge_NotAnObject(t *testing.T) {
	_, _, err := DefaultSettings().Merge([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestLoadSettings_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
PROXY_ID: from-file
POLICY_REQUEST_WORDLIST: profanity:block
POLICY_AUTOREPLY:
  - type: chat
    request: hello
    response: Hi there
AZURE_DEPLOYMENT_MAP:
  gpt-3.5-turbo: gpt-35
CUSTOM_AUTH_KEYS:
  local-apikey:
    openai_key: sk-local
  azure-override:
    openai_key: azurekey
    usage_panda_key: up-custom
    azure:
      resource: my-resource
      deployment_map:
        gpt-3.5-turbo: gpt-35-custom
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("USAGE_PANDA_PROXY_ID", "from-env")
	t.Setenv("LOCAL_MODE", "true")

	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", s.ProxyID)
	assert.True(t, s.LocalMode)
	assert.Equal(t, "profanity:block", s.RequestWordlist)
	require.Len(t, s.AutoReplies, 1)
	assert.Equal(t, AutoReply{Type: "chat", Request: "hello", Response: "Hi there"}, s.AutoReplies[0])
	assert.Equal(t, map[string]string{"gpt-3.5-turbo": "gpt-35"}, s.AzureDeploymentMap)

	require.Contains(t, s.CustomAuthKeys, "azure-override")
	override := s.CustomAuthKeys["azure-override"]
	assert.Equal(t, "up-custom", override.UsagePandaKey)
	require.NotNil(t, override.Azure)
	assert.Equal(t, "my-resource", override.Azure.Resource)
	assert.Equal(t, "sk-local", s.CustomAuthKeys["local-apikey"].OpenAIKey)
}

func TestLoadSettings_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("POLICY_MAX_TOKENS: [1, 2]\n"), 0o600))

	_, err := LoadSettings(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLICY_MAX_TOKENS")

	_, err = LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	s.ConfigCacheType = "ssm"
	s.PromptReflection = "shout"
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFIG_CACHE_TYPE")
	assert.Contains(t, err.Error(), "POLICY_PROMPT_REFLECTION")
}

func TestResolve(t *testing.T) {
	s := DefaultSettings()
	s.MaxTokens = 100
	s.LogRequest = true
	s.PromptReflection = "AUDIT"

	header := http.Header{}
	header.Set("x-usagepanda-max-tokens", "50")

	tests := []struct {
		name       string
		headerName string
		key        string
		wantSet    bool
		wantString string
	}{
		{name: "header wins", headerName: "x-usagepanda-max-tokens", key: "POLICY_MAX_TOKENS", wantSet: true, wantString: "50"},
		{name: "bool stringified", headerName: "x-usagepanda-log-request", key: "POLICY_LOG_REQUEST", wantSet: true, wantString: "true"},
		{name: "string lowercased", headerName: "x-usagepanda-prompt-reflection", key: "POLICY_PROMPT_REFLECTION", wantSet: true, wantString: "audit"},
		{name: "empty optional unset", headerName: "x-usagepanda-azure-resource", key: "AZURE_RESOURCE_NAME", wantSet: false},
		{name: "no header and no key", headerName: "x-usagepanda-auto-reply", wantSet: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Resolve(header, s, tt.headerName, tt.key)
			assert.Equal(t, tt.wantSet, v.IsSet())
			if tt.wantSet {
				assert.Equal(t, tt.wantString, v.String())
			}
		})
	}

	v := Resolve(header, s, "", "POLICY_DISABLED_MODELS")
	composite, ok := v.Composite()
	require.True(t, ok)
	assert.Equal(t, []string{}, composite)
	assert.False(t, v.IsTrue())
}

func TestResolve_HeaderCaseInsensitive(t *testing.T) {
	header := http.Header{}
	header.Set("X-Usagepanda-Log-Request", "TRUE")
	v := Resolve(header, DefaultSettings(), "x-usagepanda-log-request", "POLICY_LOG_REQUEST")
	assert.True(t, v.IsTrue())
}

func TestValueInt(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"100", 100},
		{"  42abc", 42},
		{"-3", -3},
		{"abc", 0},
		{"", 0},
		{"7.9", 7},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, StringValue(tt.in).Int())
		})
	}
}
