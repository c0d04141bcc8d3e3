package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BlobLocal = "local"
	BlobGCS   = "gcs"
)

type Config struct {
	LLMProvider    string
	GeminiAPIKey   string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int

	DBDriver    string
	DatabaseURL string

	HTTPPort string
	LogMode  string

	BlobBackend string
	BlobDir     string
	GCSBucket   string

	RedisURL    string
	SeedLockTTL time.Duration

	ChunkSize      int
	ChunkOverlap   int
	EmbedPacing    time.Duration
	IngestTimeout  time.Duration
	MaxUploadBytes int64
	PDFToTextPath  string
}

var AppConfig Config

// LoadConfig reads .env (if present) and the environment into AppConfig.
func LoadConfig() (*Config, error) {
	// A missing .env is fine; the environment is the source of truth.
	_ = godotenv.Load()

	AppConfig = Config{
		LLMProvider:    strings.ToLower(getEnv("LLM_PROVIDER", ProviderGemini)),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		ChatModel:      getEnv("CHAT_MODEL", ""),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", ""),
		EmbeddingDim:   getEnvAsInt("EMBEDDING_DIM", 0),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DatabaseURL: getEnv("DATABASE_URL", "rag.db"),

		HTTPPort: getEnv("HTTP_PORT", "8080"),
		LogMode:  getEnv("LOG_MODE", "dev"),

		BlobBackend: strings.ToLower(getEnv("BLOB_BACKEND", BlobLocal)),
		BlobDir:     getEnv("BLOB_DIR", "uploads"),
		GCSBucket:   getEnv("GCS_BUCKET", ""),

		RedisURL:    getEnv("REDIS_URL", ""),
		SeedLockTTL: getEnvAsDuration("SEED_LOCK_TTL", 10*time.Minute),

		ChunkSize:      getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   getEnvAsInt("CHUNK_OVERLAP", 200),
		EmbedPacing:    getEnvAsDuration("EMBED_PACING", 100*time.Millisecond),
		IngestTimeout:  getEnvAsDuration("INGEST_TIMEOUT", 15*time.Minute),
		MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 50<<20)),
		PDFToTextPath:  getEnv("PDFTOTEXT_PATH", "pdftotext"),
	}
	AppConfig.applyProviderDefaults()

	if err := AppConfig.Validate(); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

func (c *Config) applyProviderDefaults() {
	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.ChatModel == "" {
			c.ChatModel = "gpt-4o-mini"
		}
		if c.EmbeddingModel == "" {
			c.EmbeddingModel = "text-embedding-3-small"
		}
		if c.EmbeddingDim == 0 {
			c.EmbeddingDim = 1536
		}
	default:
		if c.ChatModel == "" {
			c.ChatModel = "gemini-2.0-flash"
		}
		if c.EmbeddingModel == "" {
			c.EmbeddingModel = "text-embedding-004"
		}
		if c.EmbeddingDim == 0 {
			c.EmbeddingDim = 768
		}
	}
}

// Validate checks that the settings required by the selected backends are present.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderGemini, ProviderOpenAI, c.LLMProvider)
	}

	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}

	switch c.BlobBackend {
	case BlobLocal:
	case BlobGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when BLOB_BACKEND=gcs")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be %q or %q, got %q", BlobLocal, BlobGCS, c.BlobBackend)
	}

	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	// The chunker reads a zero overlap as "use the default".
	if c.ChunkOverlap <= 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [1, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
