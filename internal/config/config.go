// Package config provides configuration management for the intake service.
// It loads settings from environment variables with the INTAKE_ prefix and
// provides sensible defaults for all options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration settings for the intake service.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Detection DetectionConfig
	Security  SecurityConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    // Server port (default: 8484)
	Host string // Server host (default: 127.0.0.1)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string // Path to the sqlite data directory (default: ./data)
	PostgresDSN string // Connection string when Engine is postgres
}

// LLMConfig contains model provider configuration.
type LLMConfig struct {
	Provider       string        // Provider: ollama, openai (default: ollama)
	BaseURL        string        // Provider base URL (default per provider)
	APIKey         string        // API key for hosted providers
	ChatModel      string        // Model for the dialogue collector
	EmbeddingModel string        // Model for embeddings (default: nomic-embed-text)
	Timeout        time.Duration // Per-request provider timeout
}

// DetectionConfig contains duplicate-detection tunables.
type DetectionConfig struct {
	SimilarityThreshold float64       // Minimum cosine similarity for a hit (default: 0.85)
	EmbedTimeout        time.Duration // Timeout for the embedding call (default: 10s)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	Mode     string // development or production (default: development)
	APIToken string // Bearer token required in production mode
}

// LoadConfig loads configuration from environment variables with defaults.
// All environment variables use the INTAKE_ prefix.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("INTAKE_PORT", 8484),
			Host: getEnv("INTAKE_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			Engine:      getEnv("INTAKE_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("INTAKE_DATA_PATH", "./data"),
			PostgresDSN: getEnv("INTAKE_POSTGRES_DSN", ""),
		},
		LLM: LLMConfig{
			Provider:       getEnv("INTAKE_LLM_PROVIDER", "ollama"),
			BaseURL:        getEnv("INTAKE_LLM_BASE_URL", ""),
			APIKey:         getEnv("INTAKE_LLM_API_KEY", ""),
			ChatModel:      getEnv("INTAKE_CHAT_MODEL", ""),
			EmbeddingModel: getEnv("INTAKE_EMBEDDING_MODEL", "nomic-embed-text"),
			Timeout:        getEnvDuration("INTAKE_LLM_TIMEOUT", 30*time.Second),
		},
		Detection: DetectionConfig{
			SimilarityThreshold: getEnvFloat("INTAKE_SIMILARITY_THRESHOLD", 0.85),
			EmbedTimeout:        getEnvDuration("INTAKE_EMBED_TIMEOUT", 10*time.Second),
		},
		Security: SecurityConfig{
			Mode:     getEnv("INTAKE_SECURITY_MODE", "development"),
			APIToken: getEnv("INTAKE_API_TOKEN", ""),
		},
	}

	if cfg.Detection.SimilarityThreshold <= 0 || cfg.Detection.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("config: INTAKE_SIMILARITY_THRESHOLD must be in (0, 1], got %v",
			cfg.Detection.SimilarityThreshold)
	}
	if cfg.Security.Mode == "production" && cfg.Security.APIToken == "" {
		return nil, fmt.Errorf("config: INTAKE_API_TOKEN is required in production mode")
	}

	return cfg, nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "10s") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
