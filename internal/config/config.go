// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // 0 disables the write timeout; required for SSE.
	LogLevel     string
	TrustProxy   bool // trust X-Forwarded-For for rate-limit client keys

	// Auth settings. Hashes take precedence; plaintext keys are a dev-mode
	// convenience. Both empty disables auth entirely.
	APIKeyHashes []string
	APIKeys      []string

	// Request limits.
	MaxRequestBodyBytes int64
	MaxPromptBytes      int

	// Execution settings.
	AllowedDirectories []string
	DefaultModel       string
	DefaultMaxTurns    int
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration
	MaxResponseBytes   int64
	StallWarning       time.Duration
	CleanupTimeout     time.Duration

	// Retry policy.
	RetryMaxAttempts int
	RetryMinWait     time.Duration
	RetryMaxWait     time.Duration
	RetryMultiplier  float64
	RetryJitterMax   time.Duration

	// Rate limiter.
	RateLimitRPS           float64
	RateLimitBurst         int
	RateLimitMaxKeys       int
	RateLimitSweepInterval time.Duration
	RateLimitStaleAfter    time.Duration

	// Circuit breaker.
	BreakerFailureThreshold float64
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration
	BreakerMaxProbes        int
	BreakerTimeoutWeight    float64
	BreakerConnectionWeight float64
	BreakerProcessWeight    float64

	// Session cache.
	SessionTTL             time.Duration
	SessionMax             int
	SessionFile            string // empty disables persistence
	SessionPersistInterval time.Duration

	// Alerting.
	AlertWebhookURL  string // empty means log-only sink
	AlertMinInterval time.Duration

	// Shutdown.
	ShutdownTimeout time.Duration

	// Engine settings.
	AnthropicAPIKey string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed variables are collected and reported together rather than one at
// a time.
func Load() (Config, error) {
	var errs []error
	intv := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durv := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	floatv := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolv := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:         intv("TSUNAGI_PORT", 8080),
		ReadTimeout:  durv("TSUNAGI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: durv("TSUNAGI_WRITE_TIMEOUT", 0),
		LogLevel:     envStr("TSUNAGI_LOG_LEVEL", "info"),
		TrustProxy:   boolv("TSUNAGI_TRUST_PROXY", false),

		APIKeyHashes: envList("TSUNAGI_API_KEY_HASHES"),
		APIKeys:      envList("TSUNAGI_API_KEYS"),

		MaxRequestBodyBytes: int64(intv("TSUNAGI_MAX_REQUEST_BODY_BYTES", 150_000)),
		MaxPromptBytes:      intv("TSUNAGI_MAX_PROMPT_BYTES", 100_000),

		AllowedDirectories: envListDefault("TSUNAGI_ALLOWED_DIRECTORIES", []string{"/workspace"}),
		DefaultModel:       envStr("TSUNAGI_DEFAULT_MODEL", "claude-sonnet-4-20250514"),
		DefaultMaxTurns:    intv("TSUNAGI_DEFAULT_MAX_TURNS", 20),
		DefaultTimeout:     durv("TSUNAGI_DEFAULT_TIMEOUT", 5*time.Minute),
		MaxTimeout:         durv("TSUNAGI_MAX_TIMEOUT", 10*time.Minute),
		MaxResponseBytes:   int64(intv("TSUNAGI_MAX_RESPONSE_BYTES", 10*1024*1024)),
		StallWarning:       durv("TSUNAGI_STALL_WARNING", 60*time.Second),
		CleanupTimeout:     durv("TSUNAGI_CLEANUP_TIMEOUT", 5*time.Second),

		RetryMaxAttempts: intv("TSUNAGI_RETRY_MAX_ATTEMPTS", 3),
		RetryMinWait:     durv("TSUNAGI_RETRY_MIN_WAIT", time.Second),
		RetryMaxWait:     durv("TSUNAGI_RETRY_MAX_WAIT", 10*time.Second),
		RetryMultiplier:  floatv("TSUNAGI_RETRY_MULTIPLIER", 2.0),
		RetryJitterMax:   durv("TSUNAGI_RETRY_JITTER_MAX", time.Second),

		RateLimitRPS:           floatv("TSUNAGI_RATE_LIMIT_RPS", 10),
		RateLimitBurst:         intv("TSUNAGI_RATE_LIMIT_BURST", 20),
		RateLimitMaxKeys:       intv("TSUNAGI_RATE_LIMIT_MAX_KEYS", 10_000),
		RateLimitSweepInterval: durv("TSUNAGI_RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),
		RateLimitStaleAfter:    durv("TSUNAGI_RATE_LIMIT_STALE_AFTER", 10*time.Minute),

		BreakerFailureThreshold: floatv("TSUNAGI_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: intv("TSUNAGI_BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerTimeout:          durv("TSUNAGI_BREAKER_TIMEOUT", 30*time.Second),
		BreakerMaxProbes:        intv("TSUNAGI_BREAKER_MAX_PROBES", 3),
		BreakerTimeoutWeight:    floatv("TSUNAGI_BREAKER_TIMEOUT_WEIGHT", 0.5),
		BreakerConnectionWeight: floatv("TSUNAGI_BREAKER_CONNECTION_WEIGHT", 1.0),
		BreakerProcessWeight:    floatv("TSUNAGI_BREAKER_PROCESS_WEIGHT", 1.5),

		SessionTTL:             durv("TSUNAGI_SESSION_TTL", time.Hour),
		SessionMax:             intv("TSUNAGI_SESSION_MAX", 1000),
		SessionFile:            envStr("TSUNAGI_SESSION_FILE", ""),
		SessionPersistInterval: durv("TSUNAGI_SESSION_PERSIST_INTERVAL", 5*time.Minute),

		AlertWebhookURL:  envStr("TSUNAGI_ALERT_WEBHOOK_URL", ""),
		AlertMinInterval: durv("TSUNAGI_ALERT_MIN_INTERVAL", 60*time.Second),

		ShutdownTimeout: durv("TSUNAGI_SHUTDOWN_TIMEOUT", 30*time.Second),

		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: boolv("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "tsunagi"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the loaded configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: TSUNAGI_PORT must be in [1, 65535]")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TSUNAGI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MaxPromptBytes <= 0 {
		return fmt.Errorf("config: TSUNAGI_MAX_PROMPT_BYTES must be positive")
	}
	if c.MaxResponseBytes <= 0 {
		return fmt.Errorf("config: TSUNAGI_MAX_RESPONSE_BYTES must be positive")
	}
	if len(c.AllowedDirectories) == 0 {
		return fmt.Errorf("config: TSUNAGI_ALLOWED_DIRECTORIES must not be empty")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("config: TSUNAGI_DEFAULT_TIMEOUT must be positive")
	}
	if c.MaxTimeout < c.DefaultTimeout {
		return fmt.Errorf("config: TSUNAGI_MAX_TIMEOUT must be >= TSUNAGI_DEFAULT_TIMEOUT")
	}
	if c.CleanupTimeout <= 0 {
		return fmt.Errorf("config: TSUNAGI_CLEANUP_TIMEOUT must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: TSUNAGI_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("config: TSUNAGI_RETRY_MULTIPLIER must be at least 1")
	}
	if c.RetryMinWait <= 0 || c.RetryMaxWait < c.RetryMinWait {
		return fmt.Errorf("config: retry wait bounds must satisfy 0 < min <= max")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("config: TSUNAGI_RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("config: TSUNAGI_RATE_LIMIT_BURST must be at least 1")
	}
	if c.RateLimitMaxKeys < 1 {
		return fmt.Errorf("config: TSUNAGI_RATE_LIMIT_MAX_KEYS must be at least 1")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("config: TSUNAGI_BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.BreakerSuccessThreshold < 1 {
		return fmt.Errorf("config: TSUNAGI_BREAKER_SUCCESS_THRESHOLD must be at least 1")
	}
	if c.BreakerTimeout <= 0 {
		return fmt.Errorf("config: TSUNAGI_BREAKER_TIMEOUT must be positive")
	}
	if c.BreakerMaxProbes < 1 {
		return fmt.Errorf("config: TSUNAGI_BREAKER_MAX_PROBES must be at least 1")
	}
	if c.BreakerTimeoutWeight < 0 || c.BreakerConnectionWeight < 0 || c.BreakerProcessWeight < 0 {
		return fmt.Errorf("config: breaker weights must not be negative")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: TSUNAGI_SESSION_TTL must be positive")
	}
	if c.SessionMax < 1 {
		return fmt.Errorf("config: TSUNAGI_SESSION_MAX must be at least 1")
	}
	if c.SessionFile != "" && c.SessionPersistInterval <= 0 {
		return fmt.Errorf("config: TSUNAGI_SESSION_PERSIST_INTERVAL must be positive when persistence is enabled")
	}
	return nil
}

// AuthEnabled reports whether any API keys or hashes are configured.
func (c Config) AuthEnabled() bool {
	return len(c.APIKeyHashes) > 0 || len(c.APIKeys) > 0
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable, trimming whitespace and
// dropping empty elements. Unset or empty yields nil.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envListDefault(key string, defaultVal []string) []string {
	if v := envList(key); v != nil {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
