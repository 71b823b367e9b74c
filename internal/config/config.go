// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database paths, the AI provider endpoint, escalation policy
// limits, cache lifetimes, rate limiting, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ProviderConfig defines the external text-completion provider.
type ProviderConfig struct {
	URL     string        // AI_PROVIDER_URL; empty disables automatic replies
	Model   string        // AI_MODEL
	APIKey  string        // AI_API_KEY
	Timeout time.Duration // AI_TIMEOUT per call; the responder retries once
}

// EscalationConfig carries the tenant-wide hand-off limits.
type EscalationConfig struct {
	MaxResponsesPerConversation int           // ESCALATION_MAX_RESPONSES
	AgentWait                   time.Duration // ESCALATION_AGENT_WAIT
	NegativeSentimentThreshold  float64       // ESCALATION_SENTIMENT_THRESHOLD
}

// CacheConfig bounds the AI response cache.
type CacheConfig struct {
	TTL           time.Duration // CACHE_TTL: how long an entry stays servable
	Retention     time.Duration // CACHE_RETENTION: unused-entry lifetime
	SweepInterval time.Duration // CACHE_SWEEP_INTERVAL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	APIBasePath     string  // base path for API routes
	DBPath          string  // SQLite path
	RedisAddr       string  // empty: in-process conversation locks
	BusinessFacts   string  // CONTEXT_FACTS, ';'-separated business facts
	MaxContentRunes int     // message content cap
	IdempotencyTTL  time.Duration
	RateRPS         float64 // tokens per second (>= 0)
	RateBurst       int     // bucket size (>= 1)

	Provider   ProviderConfig
	Escalation EscalationConfig
	Cache      CacheConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		APIBasePath:     normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		DBPath:          getenv("DB_PATH", "livechat.db"),
		RedisAddr:       getenv("REDIS_ADDR", ""),
		BusinessFacts:   getenv("CONTEXT_FACTS", ""),
		MaxContentRunes: getint("MAX_CONTENT_RUNES", 8000),
		IdempotencyTTL:  getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		RateRPS:         getfloat("RATE_RPS", 10.0),
		RateBurst:       getint("RATE_BURST", 20),

		Provider: ProviderConfig{
			URL:     getenv("AI_PROVIDER_URL", ""),
			Model:   getenv("AI_MODEL", "gpt-4o-mini"),
			APIKey:  getenv("AI_API_KEY", ""),
			Timeout: getdur("AI_TIMEOUT", 20*time.Second),
		},
		Escalation: EscalationConfig{
			MaxResponsesPerConversation: getint("ESCALATION_MAX_RESPONSES", 3),
			AgentWait:                   getdur("ESCALATION_AGENT_WAIT", 10*time.Minute),
			NegativeSentimentThreshold:  getfloat("ESCALATION_SENTIMENT_THRESHOLD", 0.3),
		},
		Cache: CacheConfig{
			TTL:           getdur("CACHE_TTL", 24*time.Hour),
			Retention:     getdur("CACHE_RETENTION", 7*24*time.Hour),
			SweepInterval: getdur("CACHE_SWEEP_INTERVAL", time.Hour),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-livechat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.MaxContentRunes < 0 {
		return cfg, errors.New("MAX_CONTENT_RUNES must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Provider.Timeout <= 0 {
		return cfg, errors.New("AI_TIMEOUT must be > 0")
	}
	if cfg.Escalation.MaxResponsesPerConversation < 1 {
		return cfg, errors.New("ESCALATION_MAX_RESPONSES must be >= 1")
	}
	if cfg.Escalation.AgentWait <= 0 {
		return cfg, errors.New("ESCALATION_AGENT_WAIT must be > 0")
	}
	if cfg.Escalation.NegativeSentimentThreshold < 0 || cfg.Escalation.NegativeSentimentThreshold > 1 {
		return cfg, errors.New("ESCALATION_SENTIMENT_THRESHOLD must be in [0,1]")
	}
	if cfg.Cache.TTL <= 0 || cfg.Cache.Retention <= 0 || cfg.Cache.SweepInterval <= 0 {
		return cfg, errors.New("cache lifetimes must be positive durations")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// Facts splits the configured ';'-separated business facts.
func (c Config) Facts() []string {
	if c.BusinessFacts == "" {
		return nil
	}
	parts := strings.Split(c.BusinessFacts, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
