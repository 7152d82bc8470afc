package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreQdrant = "qdrant"
)

// Provider names for generation and embeddings.
const (
	ProviderOpenAICompatible = "openai-compatible"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAI           = "openai"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel  slog.Level
	LogFormat string

	APIPort    string
	BrokerURL  string // empty means the in-process broker
	BrokerPort string

	StoreBackend     string
	DBPath           string
	QdrantURL        string
	QdrantCollection string
	VectorSize       int // zero until VECTOR_SIZE is set; required by RequireStore
	IndexRoot        string

	LLMProvider        string
	LLMBaseURL         string
	LLMModelName       string
	LLMAPIKey          string
	EmbeddingProvider  string
	EmbeddingBaseURL   string
	EmbeddingModelName string
	EmbeddingAPIKey    string

	GenerationRPM  int
	EmbeddingRPM   int
	RetryMax       int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	WorkerConcurrency int
	WorkerQueueSize   int
	EmbedBatchSize    int
	JobResultTimeout  time.Duration

	ChunkMaxLines     int
	ChunkMaxChars     int
	ChunkOverlapLines int
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates required fields.
// If a .env file exists in the current directory or project root, it will be loaded automatically.
// Environment variables already set take precedence over .env file values.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ { // Limit search depth
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	logLevel, err := parseLogLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	llmAPIKey := getEnv("LLM_API_KEY", "dummy-key")
	cfg := &Config{
		LogLevel:           logLevel,
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		APIPort:            getEnv("API_PORT", "9000"),
		BrokerURL:          getEnv("BROKER_URL", ""),
		BrokerPort:         getEnv("BROKER_PORT", "9100"),
		StoreBackend:       getEnv("STORE_BACKEND", StoreSQLite),
		DBPath:             getEnv("DB_PATH", "./data/codecompass.db"),
		QdrantURL:          getEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantCollection:   getEnv("QDRANT_COLLECTION", "chunks"),
		IndexRoot:          getEnv("INDEX_ROOT", ""),
		LLMProvider:        getEnv("LLM_PROVIDER", ProviderOpenAICompatible),
		LLMBaseURL:         getEnv("LLM_BASE_URL", "http://localhost:8080"),
		LLMModelName:       getEnv("LLM_MODEL", "Llama-3.1-8B-Instruct"),
		LLMAPIKey:          llmAPIKey,
		EmbeddingProvider:  getEnv("EMBEDDING_PROVIDER", ProviderOpenAICompatible),
		EmbeddingBaseURL:   getEnv("EMBEDDING_BASE_URL", "http://localhost:8081"),
		EmbeddingModelName: getEnv("EMBEDDING_MODEL_NAME", "nomic-embed-code"),
		EmbeddingAPIKey:    getEnv("EMBEDDING_API_KEY", llmAPIKey),
	}

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"GENERATION_RPM", 50, &cfg.GenerationRPM},
		{"EMBEDDING_RPM", 300, &cfg.EmbeddingRPM},
		{"RETRY_MAX", 5, &cfg.RetryMax},
		{"WORKER_CONCURRENCY", 4, &cfg.WorkerConcurrency},
		{"WORKER_QUEUE_SIZE", 64, &cfg.WorkerQueueSize},
		{"EMBED_BATCH_SIZE", 20, &cfg.EmbedBatchSize},
		{"CHUNK_MAX_LINES", 100, &cfg.ChunkMaxLines},
		{"CHUNK_MAX_CHARS", 4000, &cfg.ChunkMaxChars},
		{"CHUNK_OVERLAP_LINES", 5, &cfg.ChunkOverlapLines},
	}
	for _, v := range ints {
		n, err := getEnvInt(v.key, v.def)
		if err != nil {
			return nil, err
		}
		*v.dest = n
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"RETRY_BASE_DELAY", 500 * time.Millisecond, &cfg.RetryBaseDelay},
		{"RETRY_MAX_DELAY", 8 * time.Second, &cfg.RetryMaxDelay},
		{"JOB_RESULT_TIMEOUT", 0, &cfg.JobResultTimeout},
	}
	for _, v := range durations {
		d, err := getEnvDuration(v.key, v.def)
		if err != nil {
			return nil, err
		}
		*v.dest = d
	}

	// VECTOR_SIZE must match the output size of the embedding model.
	if vectorSizeStr := getEnv("VECTOR_SIZE", ""); vectorSizeStr != "" {
		vectorSize, err := strconv.Atoi(vectorSizeStr)
		if err != nil {
			return nil, fmt.Errorf("VECTOR_SIZE must be a valid integer: %w", err)
		}
		if vectorSize <= 0 {
			return nil, fmt.Errorf("VECTOR_SIZE must be greater than 0")
		}
		cfg.VectorSize = vectorSize
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RequireStore checks the settings needed by processes that open the
// similarity store and embed, and prepares the sqlite data directory.
func (c *Config) RequireStore() error {
	if c.VectorSize == 0 {
		return fmt.Errorf("VECTOR_SIZE is required")
	}

	if c.IndexRoot != "" {
		info, err := os.Stat(c.IndexRoot)
		if err != nil {
			return fmt.Errorf("INDEX_ROOT is not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("INDEX_ROOT %s is not a directory", c.IndexRoot)
		}
	}

	if c.StoreBackend == StoreSQLite {
		dataDir := filepath.Dir(c.DBPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreSQLite, StoreQdrant:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreSQLite, StoreQdrant, c.StoreBackend)
	}
	switch c.LLMProvider {
	case ProviderOpenAICompatible, ProviderAnthropic:
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAICompatible, ProviderAnthropic, c.LLMProvider)
	}
	switch c.EmbeddingProvider {
	case ProviderOpenAICompatible, ProviderOpenAI:
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be %q or %q, got %q", ProviderOpenAICompatible, ProviderOpenAI, c.EmbeddingProvider)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.GenerationRPM <= 0 || c.EmbeddingRPM <= 0 {
		return fmt.Errorf("GENERATION_RPM and EMBEDDING_RPM must be greater than 0")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be greater than 0")
	}
	if c.EmbedBatchSize <= 0 {
		return fmt.Errorf("EMBED_BATCH_SIZE must be greater than 0")
	}
	if c.ChunkOverlapLines >= c.ChunkMaxLines {
		return fmt.Errorf("CHUNK_OVERLAP_LINES must be smaller than CHUNK_MAX_LINES")
	}
	return nil
}

// NewLogger builds the process logger from the configured level and format
// and installs it as the slog default.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: c.LogLevel,
	}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", s)
	}
}
