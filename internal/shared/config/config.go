package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port          string
	Env           string
	GatewayPrefix string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Provider API Keys
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Provider base URL overrides (mainly for testing)
	OpenAIBaseURL    string
	AnthropicBaseURL string

	// Rate Limiting
	DefaultRateLimit   int
	BurstWindowMinutes int
	BurstMaxRequests   int

	// Budget
	DailyBudgetUSD float64

	// Caching
	CacheTTLSeconds int
	CacheMaxBytes   int

	// Pricing
	PricingFile string

	// Mock mode skips upstream calls and returns synthetic responses
	MockUpstream bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		GatewayPrefix:      getEnv("GATEWAY_PREFIX", "/gateway"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		AnthropicBaseURL:   getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		DefaultRateLimit:   getEnvInt("DEFAULT_RATE_LIMIT", 60),
		BurstWindowMinutes: getEnvInt("BURST_WINDOW_MINUTES", 0),
		BurstMaxRequests:   getEnvInt("BURST_MAX_REQUESTS", 0),
		DailyBudgetUSD:     getEnvFloat("DAILY_BUDGET_USD", 10.0),
		CacheTTLSeconds:    getEnvInt("CACHE_TTL_SECONDS", 3600),
		CacheMaxBytes:      getEnvInt("CACHE_MAX_BYTES", 100*1024),
		PricingFile:        getEnv("PRICING_FILE", ""),
		MockUpstream:       getEnvBool("MOCK_UPSTREAM", false),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Provider credentials are only needed when talking to real upstreams
	if !cfg.MockUpstream && cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("at least one provider API key is required (OPENAI_API_KEY or ANTHROPIC_API_KEY), or set MOCK_UPSTREAM=true")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
