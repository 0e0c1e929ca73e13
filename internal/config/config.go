package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis, optional: without it the server runs as a single instance.
	RedisURL string

	// JWT
	JWTSecret string

	// Options
	OptionsSecret      string
	DefaultModel       string
	DefaultTemperature float64

	// OpenAI-compatible provider
	OpenAIBaseURL        string
	OpenAIProxyURL       string
	OpenAIAPIKey         string
	OpenAIRequestsPerMin int
	OpenAIConcurrentReqs int

	// Gemini AI
	GeminiAPIKey string

	// Generation
	GenerationWorkers   int
	GenerationQueueSize int

	// Narrative
	NarrativeMode bool
	RulesPath     string

	// Sessions
	SessionTTL      time.Duration
	ChatCacheSize   int
	RateLimitPerMin int
	RateLimitBurst  int

	// Frontend
	FrontendURL string
}

// Load reads the server configuration. The database URL and secrets are
// required.
func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := loadCommon()
	cfg.DatabaseURL = mustGetEnv("DATABASE_URL")
	cfg.RedisURL = getEnvOrDefault("REDIS_URL", "")
	cfg.JWTSecret = mustGetEnv("JWT_SECRET")
	cfg.OptionsSecret = mustGetEnv("OPTIONS_SECRET")
	return cfg
}

// LoadLocal reads the configuration of the terminal client, which needs no
// database, Redis or secrets.
func LoadLocal() *Config {
	godotenv.Load()
	return loadCommon()
}

func loadCommon() *Config {
	return &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		DefaultModel:         getEnvOrDefault("DEFAULT_MODEL", "gpt-3.5-turbo"),
		DefaultTemperature:   getEnvAsFloatOrDefault("DEFAULT_TEMPERATURE", 0.5),
		OpenAIBaseURL:        getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIProxyURL:       getEnvOrDefault("OPENAI_PROXY_URL", ""),
		OpenAIAPIKey:         getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIRequestsPerMin: getEnvAsIntOrDefault("OPENAI_REQUESTS_PER_MINUTE", 60),
		OpenAIConcurrentReqs: getEnvAsIntOrDefault("OPENAI_CONCURRENT_REQUESTS", 5),
		GeminiAPIKey:         getEnvOrDefault("GEMINI_API_KEY", ""),
		GenerationWorkers:    getEnvAsIntOrDefault("GENERATION_WORKERS", 5),
		GenerationQueueSize:  getEnvAsIntOrDefault("GENERATION_QUEUE_SIZE", 100),
		NarrativeMode:        getEnvAsBoolOrDefault("NARRATIVE_MODE", true),
		RulesPath:            getEnvOrDefault("RULES_PATH", ""),
		SessionTTL:           getEnvAsDurationOrDefault("SESSION_TTL", 2*time.Hour),
		ChatCacheSize:        getEnvAsIntOrDefault("CHAT_CACHE_SIZE", 1024),
		RateLimitPerMin:      getEnvAsIntOrDefault("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:       getEnvAsIntOrDefault("RATE_LIMIT_BURST", 20),
		FrontendURL:          getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
