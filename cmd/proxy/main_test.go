package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/usagepanda/usagepanda-proxy/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"server", "check-settings", "wordlist"})
}

func TestWordlistTest(t *testing.T) {
	t.Run("builtin list", func(t *testing.T) {
		out, err := execute(t, "wordlist", "test", "--dir", t.TempDir(), "dan", "please", "enable", "developer", "mode")
		require.NoError(t, err)
		assert.Equal(t, "matched\nplease enable ****\n", out)
	})

	t.Run("custom words", func(t *testing.T) {
		out, err := execute(t, "wordlist", "test", "custom", "the password is hunter2", "--word", "hunter2", "--marker", "[x]")
		require.NoError(t, err)
		assert.Equal(t, "matched\nthe password is [x]\n", out)
	})

	t.Run("no match", func(t *testing.T) {
		out, err := execute(t, "wordlist", "test", "profanity", "hello world")
		require.NoError(t, err)
		assert.Equal(t, "no match\n", out)
	})

	t.Run("unknown list", func(t *testing.T) {
		_, err := execute(t, "wordlist", "test", "nope", "text")
		assert.ErrorContains(t, err, "unknown wordlist")
	})
}

func TestCheckSettingsObfuscatesCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-"+strings.Repeat("a", 48))
	t.Setenv("USAGE_PANDA_API_KEY", "up-"+strings.Repeat("b", 48))
	t.Setenv("LOCAL_MODE", "true")

	out, err := execute(t, "check-settings", "--env", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.NotContains(t, out, strings.Repeat("a", 48))
	assert.NotContains(t, out, strings.Repeat("b", 48))

	var s config.Settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &s))
	assert.True(t, s.LocalMode)
	assert.Equal(t, "sk-aaaa"+strings.Repeat("*", 40)+"aaaa", s.OpenAIAPIKey)
	assert.Equal(t, "****", s.RedactionString)
}

func TestPrintSettingsObfuscatesCustomAuthKeys(t *testing.T) {
	s := config.DefaultSettings()
	s.CustomAuthKeys = map[string]config.CustomAuthKey{
		"client-secret-key-123": {OpenAIKey: "sk-" + strings.Repeat("c", 48)},
	}

	var buf bytes.Buffer
	require.NoError(t, printSettings(&buf, s))
	assert.NotContains(t, buf.String(), "client-secret-key-123")
	assert.Contains(t, buf.String(), "client-s...-123")
	assert.NotContains(t, buf.String(), strings.Repeat("c", 48))
	// The source settings are left untouched.
	assert.Equal(t, "sk-"+strings.Repeat("c", 48), s.CustomAuthKeys["client-secret-key-123"].OpenAIKey)
}

func TestCheckSettingsRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("CONFIG_CACHE_TYPE: ssm\n"), 0o600))

	_, err := execute(t, "check-settings", "--env", filepath.Join(t.TempDir(), "missing.env"), "--settings", path)
	assert.ErrorContains(t, err, "CONFIG_CACHE_TYPE")
}
