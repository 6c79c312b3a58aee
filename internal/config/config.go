// Package config loads service configuration from defaults, an optional
// .env file, and ASKDOC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	OpenAI   OpenAIConfig
	Vector   VectorConfig
	Pipeline PipelineConfig
	Limits   LimitsConfig
	Chunking ChunkingConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
}

// VectorConfig selects and tunes the vector index backend. Backend is
// "sqlite" (embedded, default) or "qdrant".
type VectorConfig struct {
	Backend      string
	QdrantURL    string
	QdrantAPIKey string
	Collection   string
	Dimension    int
}

type PipelineConfig struct {
	Workers         int
	PollInterval    time.Duration
	MaxStepAttempts int
	RetryBackoff    time.Duration
}

// LimitsConfig holds the admission-control windows. Ingest jobs are
// throttled globally and rate-limited per document; query jobs are only
// throttled.
type LimitsConfig struct {
	IngestThrottleCount  int
	IngestThrottleWindow time.Duration
	IngestPerDocCount    int
	IngestPerDocWindow   time.Duration
	QueryThrottleCount   int
	QueryThrottleWindow  time.Duration
}

type ChunkingConfig struct {
	SentencesPerChunk int
	OverlapSentences  int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		OpenAI: OpenAIConfig{
			EmbedModel: "text-embedding-3-large",
			ChatModel:  "gpt-4o-mini",
		},
		Vector: VectorConfig{
			Backend:    "sqlite",
			QdrantURL:  "http://localhost:6333",
			Collection: "documents",
			Dimension:  3072,
		},
		Pipeline: PipelineConfig{
			Workers:         4,
			PollInterval:    250 * time.Millisecond,
			MaxStepAttempts: 3,
			RetryBackoff:    200 * time.Millisecond,
		},
		Limits: LimitsConfig{
			IngestThrottleCount:  2,
			IngestThrottleWindow: time.Minute,
			IngestPerDocCount:    1,
			IngestPerDocWindow:   4 * time.Hour,
			QueryThrottleCount:   10,
			QueryThrottleWindow:  time.Minute,
		},
		Chunking: ChunkingConfig{
			SentencesPerChunk: 5,
			OverlapSentences:  1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "askdoc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "askdoc")
}

// Load reads configuration for the server process. A .env file in the
// working directory is loaded first (without overriding variables already
// set), then ASKDOC_* environment variables override defaults.
func Load() (Config, error) {
	// Missing .env is the common case and not an error.
	_ = godotenv.Load()
	return loadFromEnv(os.Getenv)
}

func loadFromEnv(getenv func(string) string) (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg, getenv)

	if cfg.OpenAI.APIKey == "" {
		return Config{}, errors.New("missing required config: OpenAI API key. Set ASKDOC_OPENAI_API_KEY or add it to .env")
	}
	switch cfg.Vector.Backend {
	case "sqlite", "qdrant":
	default:
		return Config{}, fmt.Errorf("unknown vector backend %q (want sqlite or qdrant)", cfg.Vector.Backend)
	}
	if cfg.Vector.Dimension <= 0 {
		return Config{}, fmt.Errorf("vector dimension must be positive, got %d", cfg.Vector.Dimension)
	}

	return cfg, nil
}
