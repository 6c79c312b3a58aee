// Package ai defines the external model capabilities the pipeline steps
// call: text embedding and answer generation. The pipeline engine never
// touches these directly; steps receive them as interfaces so tests can
// substitute deterministic fakes.
package ai

import "context"

// Embedder turns texts into fixed-dimension vectors, one per input, in
// input order.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator produces an answer from a system instruction and user prompt.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}
