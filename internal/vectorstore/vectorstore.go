// Package vectorstore defines the vector index abstraction used by the
// ingestion and retrieval steps, with a SQLite backend (default) and a
// Qdrant REST backend.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// Metric is the distance metric fixed at collection creation.
type Metric string

// MetricCosine is the only metric currently supported by both backends.
const MetricCosine Metric = "cosine"

// ErrDimensionMismatch indicates a vector whose length does not match the
// collection dimension. This is a caller bug and is never retried.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ErrUnavailable indicates the backing store is unreachable. Retryable.
var ErrUnavailable = errors.New("vector store unavailable")

// Record is one stored vector with its payload. IDs are deterministic
// (derived from document id and chunk index), so upserting the same record
// overwrites rather than duplicates.
type Record struct {
	ID       string
	Vector   []float32
	SourceID string
	Text     string
}

// ScoredRecord is a Record with its similarity to the query vector
// (higher is closer for cosine).
type ScoredRecord struct {
	Record
	Score float32
}

// Store is the vector index contract.
type Store interface {
	// EnsureCollection creates the named collection if it does not exist.
	// Idempotent; re-declaring with a different dimension or metric is an error.
	EnsureCollection(ctx context.Context, name string, dimension int, metric Metric) error

	// Upsert writes records by id, overwriting existing ids. Every vector
	// must match the collection dimension.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Query returns up to topK records nearest to vector, closest first.
	// Fewer than topK records are returned when the collection is smaller.
	Query(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredRecord, error)
}

func checkDimensions(records []Record, dimension int) error {
	for _, r := range records {
		if len(r.Vector) != dimension {
			return fmt.Errorf("record %s has %d dimensions, collection has %d: %w",
				r.ID, len(r.Vector), dimension, ErrDimensionMismatch)
		}
	}
	return nil
}
