package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veselov/askdoc/internal/extract"
	"github.com/veselov/askdoc/internal/pipeline"
	"github.com/veselov/askdoc/internal/vectorstore"
)

// runIngest is the ingest-document step chain:
//
//	extract-and-segment -> embed-and-store
//
// The first step reads and chunks the file; the second embeds the chunks
// and upserts them into the vector collection under deterministic ids.
func (d Deps) runIngest(ctx context.Context, r *pipeline.StepRunner) (any, error) {
	var p IngestPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return nil, pipeline.Fatal(fmt.Errorf("decoding ingest payload: %w", err))
	}
	if p.DocumentID == "" || p.FilePath == "" {
		return nil, pipeline.Fatal(errors.New("ingest payload requires document_id and file_path"))
	}

	batch, err := pipeline.Step(ctx, r, "extract-and-segment", func(ctx context.Context) (chunkBatch, error) {
		text, err := extract.Text(p.FilePath)
		if err != nil {
			// Retrying cannot make an unreadable or unsupported file
			// readable.
			if errors.Is(err, extract.ErrUnsupported) {
				return chunkBatch{}, pipeline.Fatal(err)
			}
			return chunkBatch{}, err
		}
		return chunkBatch{
			DocumentID: p.DocumentID,
			Chunks:     d.Chunker.Split(text),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	return pipeline.Step(ctx, r, "embed-and-store", func(ctx context.Context) (IngestResult, error) {
		if len(batch.Chunks) == 0 {
			return IngestResult{TotalInserted: 0}, nil
		}

		vectors, err := d.Embedder.EmbedTexts(ctx, batch.Chunks)
		if err != nil {
			return IngestResult{}, fmt.Errorf("embedding %d chunks: %w", len(batch.Chunks), err)
		}
		if len(vectors) != len(batch.Chunks) {
			return IngestResult{}, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch.Chunks))
		}

		records := make([]vectorstore.Record, len(batch.Chunks))
		for i, chunk := range batch.Chunks {
			records[i] = vectorstore.Record{
				ID:       RecordID(batch.DocumentID, i),
				Vector:   vectors[i],
				SourceID: batch.DocumentID,
				Text:     chunk,
			}
		}

		if err := d.Vectors.Upsert(ctx, d.Collection, records); err != nil {
			if errors.Is(err, vectorstore.ErrDimensionMismatch) {
				return IngestResult{}, pipeline.Fatal(err)
			}
			return IngestResult{}, fmt.Errorf("upserting %d records: %w", len(records), err)
		}
		return IngestResult{TotalInserted: len(records)}, nil
	})
}
