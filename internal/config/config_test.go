package config

import (
	"testing"
	"time"
)

func TestGetEnvFunctions(t *testing.T) {
	t.Run("getEnvInt", func(t *testing.T) {
		if got := getEnvInt("TEST_INT_UNSET", 42); got != 42 {
			t.Errorf("Expected default value 42, got %d", got)
		}

		t.Setenv("TEST_INT", "123")
		if got := getEnvInt("TEST_INT", 42); got != 123 {
			t.Errorf("Expected value 123, got %d", got)
		}

		t.Setenv("TEST_INT", "not-an-int")
		if got := getEnvInt("TEST_INT", 42); got != 42 {
			t.Errorf("Expected default value 42 for invalid input, got %d", got)
		}
	})

	t.Run("getEnvStringSlice", func(t *testing.T) {
		defaultSlice := []string{"a", "b", "c"}
		if got := getEnvStringSlice("TEST_SLICE_UNSET", defaultSlice); len(got) != 3 {
			t.Errorf("Expected default slice, got %v", got)
		}

		t.Setenv("TEST_SLICE", "")
		if got := getEnvStringSlice("TEST_SLICE", defaultSlice); len(got) != 3 {
			t.Errorf("Expected default slice for empty input, got %v", got)
		}

		t.Setenv("TEST_SLICE", "one, two,,three , four")
		got := getEnvStringSlice("TEST_SLICE", defaultSlice)
		if len(got) != 4 || got[0] != "one" || got[1] != "two" || got[2] != "three" || got[3] != "four" {
			t.Errorf("Expected trimmed slice without empty items, got %v", got)
		}
	})

	t.Run("getEnvDuration", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "45s")
		if got := getEnvDuration("TEST_DURATION", time.Second); got != 45*time.Second {
			t.Errorf("Expected 45s, got %s", got)
		}
		t.Setenv("TEST_DURATION", "soon")
		if got := getEnvDuration("TEST_DURATION", time.Second); got != time.Second {
			t.Errorf("Expected default 1s for invalid input, got %s", got)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("DefaultValues", func(t *testing.T) {
		config, err := New()
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if config.ListenAddr != ":9000" {
			t.Errorf("Expected ListenAddr to be :9000, got %s", config.ListenAddr)
		}
		if config.MaxRequestSize != 10*1024*1024 {
			t.Errorf("Expected MaxRequestSize to be 10MB, got %d", config.MaxRequestSize)
		}
		if config.StatsSink != StatsSinkHTTP {
			t.Errorf("Expected StatsSink to be http, got %s", config.StatsSink)
		}
		if config.StatsTimeout != 3500*time.Millisecond {
			t.Errorf("Expected StatsTimeout to be 3.5s, got %s", config.StatsTimeout)
		}
	})

	t.Run("CustomValues", func(t *testing.T) {
		t.Setenv("LISTEN_ADDR", ":9090")
		t.Setenv("REQUEST_TIMEOUT", "45s")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("WORDLIST_DIR", "/etc/usagepanda/wordlists")
		t.Setenv("CONFIG_REFRESH_KEYS", "up-one,up-two")

		config, err := New()
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if config.ListenAddr != ":9090" {
			t.Errorf("Expected ListenAddr to be :9090, got %s", config.ListenAddr)
		}
		if config.RequestTimeout != 45*time.Second {
			t.Errorf("Expected RequestTimeout to be 45s, got %s", config.RequestTimeout)
		}
		if config.LogLevel != "debug" {
			t.Errorf("Expected LogLevel to be debug, got %s", config.LogLevel)
		}
		if config.WordlistDir != "/etc/usagepanda/wordlists" {
			t.Errorf("Unexpected WordlistDir %s", config.WordlistDir)
		}
		if len(config.ConfigRefreshKeys) != 2 || config.ConfigRefreshKeys[1] != "up-two" {
			t.Errorf("Unexpected ConfigRefreshKeys %v", config.ConfigRefreshKeys)
		}
	})

	t.Run("RedisSinkRequiresAddr", func(t *testing.T) {
		t.Setenv("STATS_SINK", "redis")
		t.Setenv("REDIS_ADDR", "")
		config, err := New()
		if err == nil {
			t.Fatalf("Expected error for redis sink without REDIS_ADDR")
		}
		if config != nil {
			t.Errorf("Expected nil config when validation fails, got %+v", config)
		}
	})

	t.Run("UnknownSink", func(t *testing.T) {
		t.Setenv("STATS_SINK", "kafka")
		if _, err := New(); err == nil {
			t.Fatalf("Expected error for unknown STATS_SINK")
		}
	})

	t.Run("InvalidValuesFallBack", func(t *testing.T) {
		t.Setenv("REQUEST_TIMEOUT", "invalid")
		t.Setenv("MAX_REQUEST_SIZE", "invalid")

		config, err := New()
		if err != nil {
			t.Fatalf("Expected no error despite invalid values, got %v", err)
		}
		if config.RequestTimeout != DefaultConfig().RequestTimeout {
			t.Errorf("Expected default RequestTimeout for invalid input, got %s", config.RequestTimeout)
		}
		if config.MaxRequestSize != 10*1024*1024 {
			t.Errorf("Expected default MaxRequestSize for invalid input, got %d", config.MaxRequestSize)
		}
	})
}
