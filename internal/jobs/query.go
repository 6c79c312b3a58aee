package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/veselov/askdoc/internal/pipeline"
)

const (
	systemPrompt = "You answer questions using only the provided context."

	answerMaxTokens   = 1024
	answerTemperature = 0.2

	// noContextAnswer is returned without calling the model when retrieval
	// finds nothing to ground an answer on.
	noContextAnswer = "I don't have any ingested documents to answer from yet."
)

// runQuery is the query-documents step chain:
//
//	embed-and-retrieve -> generate-answer
//
// The first step embeds the question and pulls the nearest chunks; the
// second grounds the model on those chunks and produces the answer.
func (d Deps) runQuery(ctx context.Context, r *pipeline.StepRunner) (any, error) {
	var p QueryPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return nil, pipeline.Fatal(fmt.Errorf("decoding query payload: %w", err))
	}
	if strings.TrimSpace(p.Question) == "" {
		return nil, pipeline.Fatal(errors.New("query payload requires a question"))
	}
	topK := p.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	found, err := pipeline.Step(ctx, r, "embed-and-retrieve", func(ctx context.Context) (retrieval, error) {
		vector, err := d.Embedder.EmbedQuery(ctx, p.Question)
		if err != nil {
			return retrieval{}, fmt.Errorf("embedding question: %w", err)
		}

		scored, err := d.Vectors.Query(ctx, d.Collection, vector, topK)
		if err != nil {
			return retrieval{}, fmt.Errorf("querying vector store: %w", err)
		}

		ret := retrieval{}
		seen := make(map[string]bool)
		for _, rec := range scored {
			ret.Chunks = append(ret.Chunks, rec.Text)
			if rec.SourceID != "" && !seen[rec.SourceID] {
				seen[rec.SourceID] = true
				ret.Sources = append(ret.Sources, rec.SourceID)
			}
		}
		return ret, nil
	})
	if err != nil {
		return nil, err
	}

	return pipeline.Step(ctx, r, "generate-answer", func(ctx context.Context) (QueryResult, error) {
		if len(found.Chunks) == 0 {
			return QueryResult{
				Answer:       noContextAnswer,
				Sources:      []string{},
				ContextCount: 0,
			}, nil
		}

		answer, err := d.Generator.Generate(ctx, systemPrompt, buildPrompt(p.Question, found.Chunks), answerMaxTokens, answerTemperature)
		if err != nil {
			return QueryResult{}, fmt.Errorf("generating answer: %w", err)
		}
		return QueryResult{
			Answer:       answer,
			Sources:      found.Sources,
			ContextCount: len(found.Chunks),
		}, nil
	})
}

// buildPrompt assembles the user prompt: the retrieved chunks as a bulleted
// context block, followed by the question.
func buildPrompt(question string, chunks []string) string {
	var b strings.Builder
	b.WriteString("Use the following context to answer the question.\n\nContext:\n")
	for _, chunk := range chunks {
		b.WriteString("- ")
		b.WriteString(chunk)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer concisely using the context above.")
	return b.String()
}
