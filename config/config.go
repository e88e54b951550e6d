package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache / queue
	RedisAddr string

	// Providers
	Providers       []string // enabled provider identifiers, default: all with credentials
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OpenAIBaseURL   string
	AnthropicBaseURL string
	OllamaBaseURL   string // default: http://localhost:11434/v1
	DefaultModel    string

	// Upstream behavior
	RequestTimeout time.Duration // per upstream call, default: 60s
	MaxRetries     int           // default: 2
	RetryBaseDelay time.Duration // default: 500ms
	RetryMaxDelay  time.Duration // default: 8s

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIBaseURL:        os.Getenv("OPENAI_BASE_URL"),
		AnthropicBaseURL:     os.Getenv("ANTHROPIC_BASE_URL"),
		OllamaBaseURL:        getEnv("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
		DefaultModel:         os.Getenv("DEFAULT_MODEL"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	if list := os.Getenv("PROVIDERS"); list != "" {
		for _, name := range strings.Split(list, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Providers = append(cfg.Providers, name)
			}
		}
	}

	var err error
	if cfg.RequestTimeout, err = getDurationEnv("REQUEST_TIMEOUT_MS", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getDurationEnv("RETRY_BASE_DELAY_MS", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = getDurationEnv("RETRY_MAX_DELAY_MS", 8*time.Second); err != nil {
		return nil, err
	}

	retriesStr := getEnv("MAX_RETRIES", "2")
	retries, err := strconv.Atoi(retriesStr)
	if err != nil || retries < 0 {
		return nil, fmt.Errorf("invalid MAX_RETRIES: %q", retriesStr)
	}
	cfg.MaxRetries = retries

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
