package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Compile-time check that QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)

// QdrantStore is a minimal REST client to a Qdrant instance. Collection
// creation is idempotent and upserts use wait=true so a completed upsert is
// durable before the step result is persisted.
type QdrantStore struct {
	baseURL string
	apiKey  string
	client  *http.Client

	// Dimension per collection, learned from EnsureCollection. Used for
	// client-side validation so malformed vectors fail fast as a caller
	// bug instead of an opaque backend error.
	dimensions map[string]int
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// NewQdrantStore creates a Qdrant-backed Store.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		dimensions: make(map[string]int),
	}
}

// EnsureCollection creates the collection if missing. Qdrant returns 200 for
// a fresh create and 409 when the collection already exists; both are fine.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dimension int, metric Metric) error {
	if dimension <= 0 {
		return fmt.Errorf("collection %s: dimension %d: %w", name, dimension, ErrDimensionMismatch)
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": qdrantDistance(metric),
		},
	}
	status, err := s.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusConflict {
		return fmt.Errorf("creating collection %s: unexpected status %d", name, status)
	}
	s.dimensions[name] = dimension
	return nil
}

// Upsert writes points by id with wait=true, overwriting existing ids.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if dim, ok := s.dimensions[collection]; ok {
		if err := checkDimensions(records, dim); err != nil {
			return err
		}
	}

	points := make([]map[string]any, len(records))
	for i, r := range records {
		points[i] = map[string]any{
			"id":     r.ID,
			"vector": r.Vector,
			"payload": map[string]any{
				"source": r.SourceID,
				"text":   r.Text,
			},
		}
	}
	body := map[string]any{"points": points}

	status, err := s.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("upserting %d points to %s: unexpected status %d", len(records), collection, status)
	}
	return nil
}

// Query runs a similarity search, returning up to topK payloads closest first.
func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredRecord, error) {
	if dim, ok := s.dimensions[collection]; ok && len(vector) != dim {
		return nil, fmt.Errorf("query vector has %d dimensions, collection has %d: %w",
			len(vector), dim, ErrDimensionMismatch)
	}
	if topK <= 0 {
		return nil, nil
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			ID      any     `json:"id"`
			Score   float32 `json:"score"`
			Payload struct {
				Source string `json:"source"`
				Text   string `json:"text"`
			} `json:"payload"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", req, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("searching %s: unexpected status %d", collection, status)
	}

	results := make([]ScoredRecord, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, ScoredRecord{
			Record: Record{
				ID:       fmt.Sprintf("%v", r.ID),
				SourceID: r.Payload.Source,
				Text:     r.Payload.Text,
			},
			Score: r.Score,
		})
	}
	return results, nil
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qdrant request %s %s: %v: %w", method, path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

func qdrantDistance(metric Metric) string {
	switch metric {
	case MetricCosine:
		return "Cosine"
	default:
		return "Cosine"
	}
}
