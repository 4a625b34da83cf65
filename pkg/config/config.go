package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GoogleApiKey        string
	DatabaseURL         string
	ReasoningModel      string
	FastModel           string
	Port                string
	ChunkSize           int
	ChunkOverlap        int
	EmbeddingModel      string
	EmbeddingDimensions int
	CollectionName      string
	MistralApiKey       string
	NotifyWebhookURL    string

	StateTTL             time.Duration
	SynthesisParallelism int
	MaxTurns             int
	SearchMaxResults     int
	Workers              int
	DBMaxConns           int
	DBMinConns           int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	return &Config{
		GoogleApiKey:         getEnv("GOOGLE_API_KEY", ""),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		ReasoningModel:       getEnv("REASONING_MODEL", "gemini-3-pro-preview"),
		FastModel:            getEnv("FAST_MODEL", "gemini-3-flash-preview"),
		Port:                 getEnv("PORT", "3000"),
		ChunkSize:            getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:         getEnvAsInt("CHUNK_OVERLAP", 200),
		EmbeddingModel:       getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),
		EmbeddingDimensions:  getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
		CollectionName:       getEnv("COLLECTION_NAME", "research_knowledge"),
		MistralApiKey:        getEnv("MISTRAL_API_KEY", ""),
		NotifyWebhookURL:     getEnv("NOTIFY_WEBHOOK_URL", ""),
		StateTTL:             getEnvAsDuration("STATE_TTL", time.Hour),
		SynthesisParallelism: getEnvAsInt("SYNTHESIS_PARALLELISM", 3),
		MaxTurns:             getEnvAsInt("MAX_TURNS", 200),
		SearchMaxResults:     getEnvAsInt("SEARCH_MAX_RESULTS", 5),
		Workers:              getEnvAsInt("RESEARCH_WORKERS", 2),
		DBMaxConns:           getEnvAsInt("DB_MAX_CONNS", 25),
		DBMinConns:           getEnvAsInt("DB_MIN_CONNS", 5),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
