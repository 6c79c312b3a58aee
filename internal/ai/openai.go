package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/errgroup"
)

// Chunks per embedding request. Larger batches are split and embedded with
// bounded concurrency.
const embedBatchSize = 64

// Config holds connection settings for the OpenAI-compatible endpoints.
type Config struct {
	APIKey     string
	BaseURL    string // empty means the default OpenAI endpoint
	EmbedModel string // e.g. text-embedding-3-large
	ChatModel  string // e.g. gpt-4o-mini
}

// Client implements Embedder and Generator against an OpenAI-compatible API.
type Client struct {
	embedder embeddings.Embedder
	llm      llms.Model
	logger   *slog.Logger
}

var _ Embedder = (*Client)(nil)
var _ Generator = (*Client)(nil)

// NewClient builds the embedding and chat clients from one config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: API key is required")
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.ChatModel),
		openai.WithEmbeddingModel(cfg.EmbedModel),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &Client{
		embedder: embedder,
		llm:      llm,
		logger:   slog.Default().With("component", "openai"),
	}, nil
}

// EmbedTexts embeds all texts, preserving input order. Large inputs are
// split into sub-batches embedded concurrently (bounded to avoid
// overwhelming the upstream service).
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		g.Go(func() error {
			vecs, err := c.embedder.EmbedDocuments(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding batch [%d:%d]: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding batch [%d:%d]: got %d vectors for %d texts", start, end, len(vecs), end-start)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// EmbedQuery embeds a single query text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vec, nil
}

// Generate runs a chat completion with a system instruction and returns the
// trimmed assistant response.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error) {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(userPrompt)},
		},
	}

	resp, err := c.llm.GenerateContent(ctx, content,
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(temperature),
	)
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}
	if len(resp.Choices) < 1 {
		return "", errors.New("generation returned no choices")
	}

	answer := strings.TrimSpace(resp.Choices[0].Content)
	c.logger.Debug("generated answer", "chars", len(answer))
	return answer, nil
}
