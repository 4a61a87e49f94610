package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.5")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.5 {
		t.Fatalf("expected 0.5, got %v", v)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "half")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="half" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " /workspace, /srv/projects ,,")
	got := envList("TEST_LIST")
	if len(got) != 2 || got[0] != "/workspace" || got[1] != "/srv/projects" {
		t.Fatalf("unexpected list: %#v", got)
	}
}

func TestEnvListDefaultWhenUnset(t *testing.T) {
	got := envListDefault("TEST_LIST_MISSING", []string{"/workspace"})
	if len(got) != 1 || got[0] != "/workspace" {
		t.Fatalf("unexpected list: %#v", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("TSUNAGI_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid TSUNAGI_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "TSUNAGI_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention TSUNAGI_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("TSUNAGI_PORT", "abc")
	t.Setenv("TSUNAGI_RETRY_MULTIPLIER", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "TSUNAGI_PORT") {
		t.Fatalf("error should mention TSUNAGI_PORT, got: %s", got)
	}
	if !strings.Contains(got, "TSUNAGI_RETRY_MULTIPLIER") {
		t.Fatalf("error should mention TSUNAGI_RETRY_MULTIPLIER, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.BreakerTimeoutWeight != 0.5 {
		t.Fatalf("expected default timeout weight 0.5, got %v", cfg.BreakerTimeoutWeight)
	}
	if cfg.SessionTTL != time.Hour {
		t.Fatalf("expected default session TTL 1h, got %s", cfg.SessionTTL)
	}
	if cfg.AuthEnabled() {
		t.Fatal("auth should be disabled with no keys configured")
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rps", func(c *Config) { c.RateLimitRPS = 0 }},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }},
		{"zero failure threshold", func(c *Config) { c.BreakerFailureThreshold = 0 }},
		{"negative weight", func(c *Config) { c.BreakerProcessWeight = -1 }},
		{"max timeout below default", func(c *Config) { c.MaxTimeout = c.DefaultTimeout - time.Second }},
		{"retry wait inverted", func(c *Config) { c.RetryMaxWait = c.RetryMinWait - time.Millisecond }},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }},
		{"empty allow-list", func(c *Config) { c.AllowedDirectories = nil }},
		{"zero session max", func(c *Config) { c.SessionMax = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected Validate() to fail")
			}
		})
	}
}
