// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Browser origins allowed by CORS and the credit stream.
	CORSOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Identity
	JWTSecret           string // HS256 secret for bearer tokens
	AllowHeaderIdentity bool   // Trust X-User-ID (dev / trusted proxy only)
	AdminSecret         string

	// Provider credentials. An empty key means the provider is not registered.
	OpenAIAPIKey       string
	GeminiAPIKey       string
	ElevenLabsAPIKey   string
	DeepgramAPIKey     string
	HuggingFaceAPIKey  string
	HuggingFaceChatURL string
	HuggingFaceTTSURL  string
	SLMMode            bool

	// Base URL overrides, for proxies and test doubles.
	OpenAIBaseURL     string
	ElevenLabsBaseURL string
	DeepgramBaseURL   string

	// Preference lists override the built-in selection order.
	ChatProviders []string
	TTSProviders  []string
	STTProviders  []string

	// Ledger policy
	RefundOnProviderFailure     bool
	TopUpOnUpgrade              bool
	LedgerFallbackOnUnavailable bool
	RolloverInterval            time.Duration

	// Provider admission and retry
	ProviderMaxConcurrent int
	ProviderMaxPerMinute  int
	RetryMaxAttempts      int
	RetryBaseDelay        time.Duration

	// Per-user HTTP rate limit
	RateLimitRPM   int
	RateLimitBurst int

	// Billing
	StripeWebhookSecret  string
	StripePricePro       string
	StripePriceUnlimited string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
	DefaultMaxConcurrent    = 8
	DefaultMaxPerMinute     = 120
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = 500 * time.Millisecond
	DefaultRolloverInterval = 15 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                        getEnv("PORT", DefaultPort),
		Env:                         getEnv("ENV", DefaultEnv),
		LogLevel:                    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		JWTSecret:                   os.Getenv("JWT_SECRET"),
		AllowHeaderIdentity:         getEnvBool("ALLOW_HEADER_IDENTITY", false),
		AdminSecret:                 os.Getenv("ADMIN_SECRET"),
		OpenAIAPIKey:                os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:                os.Getenv("GEMINI_API_KEY"),
		ElevenLabsAPIKey:            os.Getenv("ELEVENLABS_API_KEY"),
		DeepgramAPIKey:              os.Getenv("DEEPGRAM_API_KEY"),
		HuggingFaceAPIKey:           os.Getenv("HUGGINGFACE_API_KEY"),
		HuggingFaceChatURL:          os.Getenv("HUGGINGFACE_CHAT_URL"),
		HuggingFaceTTSURL:           os.Getenv("HUGGINGFACE_TTS_URL"),
		OpenAIBaseURL:               os.Getenv("OPENAI_BASE_URL"),
		ElevenLabsBaseURL:           os.Getenv("ELEVENLABS_BASE_URL"),
		DeepgramBaseURL:             os.Getenv("DEEPGRAM_BASE_URL"),
		CORSOrigins:                 getEnvList("CORS_ALLOWED_ORIGINS"),
		SLMMode:                     getEnvBool("SLM_MODE", false),
		ChatProviders:               getEnvList("CHAT_PROVIDERS"),
		TTSProviders:                getEnvList("TTS_PROVIDERS"),
		STTProviders:                getEnvList("STT_PROVIDERS"),
		RefundOnProviderFailure:     getEnvBool("REFUND_ON_PROVIDER_FAILURE", true),
		TopUpOnUpgrade:              getEnvBool("TOPUP_ON_UPGRADE", true),
		LedgerFallbackOnUnavailable: getEnvBool("LEDGER_FALLBACK_ON_UNAVAILABLE", true),
		RolloverInterval:            getEnvDuration("ROLLOVER_INTERVAL", DefaultRolloverInterval),
		ProviderMaxConcurrent:       int(getEnvInt64("PROVIDER_MAX_CONCURRENT", DefaultMaxConcurrent)),
		ProviderMaxPerMinute:        int(getEnvInt64("PROVIDER_MAX_PER_MINUTE", DefaultMaxPerMinute)),
		RetryMaxAttempts:            int(getEnvInt64("RETRY_MAX_ATTEMPTS", DefaultRetryAttempts)),
		RetryBaseDelay:              getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		RateLimitRPM:                int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:              int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		StripeWebhookSecret:         os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePricePro:              os.Getenv("STRIPE_PRICE_PRO"),
		StripePriceUnlimited:        os.Getenv("STRIPE_PRICE_UNLIMITED"),
		OTLPEndpoint:                os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:            getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.ProviderMaxConcurrent < 0 || c.ProviderMaxPerMinute < 0 {
		return fmt.Errorf("provider limits must not be negative")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.AllowHeaderIdentity {
			return fmt.Errorf("ALLOW_HEADER_IDENTITY must be disabled in production")
		}
		if !c.HasChatProvider() {
			return fmt.Errorf("at least one chat provider key is required in production")
		}
	}

	return nil
}

// EndpointOverrides lists the configured provider URLs that replace a
// vendor default.
func (c *Config) EndpointOverrides() map[string]string {
	out := make(map[string]string)
	for name, u := range map[string]string{
		"OPENAI_BASE_URL":      c.OpenAIBaseURL,
		"ELEVENLABS_BASE_URL":  c.ElevenLabsBaseURL,
		"DEEPGRAM_BASE_URL":    c.DeepgramBaseURL,
		"HUGGINGFACE_CHAT_URL": c.HuggingFaceChatURL,
		"HUGGINGFACE_TTS_URL":  c.HuggingFaceTTSURL,
	} {
		if u != "" {
			out[name] = u
		}
	}
	return out
}

// HasChatProvider reports whether any chat-capable provider has credentials.
func (c *Config) HasChatProvider() bool {
	return c.OpenAIAPIKey != "" || c.GeminiAPIKey != "" ||
		(c.HuggingFaceAPIKey != "" && c.HuggingFaceChatURL != "")
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
