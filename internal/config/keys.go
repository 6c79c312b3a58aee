package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		env: "ASKDOC_SERVER_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		env: "ASKDOC_SERVER_TOKEN", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
	},
	{
		env: "ASKDOC_STORAGE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "ASKDOC_OPENAI_API_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
	},
	{
		env: "ASKDOC_OPENAI_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
	},
	{
		env: "ASKDOC_OPENAI_EMBED_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
	},
	{
		env: "ASKDOC_OPENAI_CHAT_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
	},
	{
		env: "ASKDOC_VECTOR_BACKEND", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
	},
	{
		env: "ASKDOC_VECTOR_QDRANT_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Vector.QdrantURL = v.(string) },
	},
	{
		env: "ASKDOC_VECTOR_QDRANT_API_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Vector.QdrantAPIKey = v.(string) },
	},
	{
		env: "ASKDOC_VECTOR_COLLECTION", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Vector.Collection = v.(string) },
	},
	{
		env: "ASKDOC_VECTOR_DIMENSION", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Vector.Dimension = v.(int) },
	},
	{
		env: "ASKDOC_PIPELINE_WORKERS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
	},
	{
		env: "ASKDOC_PIPELINE_POLL_INTERVAL", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Pipeline.PollInterval = v.(time.Duration) },
	},
	{
		env: "ASKDOC_PIPELINE_MAX_STEP_ATTEMPTS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Pipeline.MaxStepAttempts = v.(int) },
	},
	{
		env: "ASKDOC_PIPELINE_RETRY_BACKOFF", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Pipeline.RetryBackoff = v.(time.Duration) },
	},
	{
		env: "ASKDOC_LIMITS_INGEST_THROTTLE_COUNT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Limits.IngestThrottleCount = v.(int) },
	},
	{
		env: "ASKDOC_LIMITS_INGEST_THROTTLE_WINDOW", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Limits.IngestThrottleWindow = v.(time.Duration) },
	},
	{
		env: "ASKDOC_LIMITS_INGEST_PER_DOC_COUNT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Limits.IngestPerDocCount = v.(int) },
	},
	{
		env: "ASKDOC_LIMITS_INGEST_PER_DOC_WINDOW", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Limits.IngestPerDocWindow = v.(time.Duration) },
	},
	{
		env: "ASKDOC_LIMITS_QUERY_THROTTLE_COUNT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Limits.QueryThrottleCount = v.(int) },
	},
	{
		env: "ASKDOC_LIMITS_QUERY_THROTTLE_WINDOW", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Limits.QueryThrottleWindow = v.(time.Duration) },
	},
	{
		env: "ASKDOC_CHUNKING_SENTENCES_PER_CHUNK", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Chunking.SentencesPerChunk = v.(int) },
	},
	{
		env: "ASKDOC_CHUNKING_OVERLAP_SENTENCES", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Chunking.OverlapSentences = v.(int) },
	},
	{
		env: "ASKDOC_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
