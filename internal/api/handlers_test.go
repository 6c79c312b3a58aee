package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/veselov/askdoc/internal/ai"
	"github.com/veselov/askdoc/internal/extract"
	"github.com/veselov/askdoc/internal/govern"
	"github.com/veselov/askdoc/internal/jobs"
	"github.com/veselov/askdoc/internal/pipeline"
	"github.com/veselov/askdoc/internal/storage"
	"github.com/veselov/askdoc/internal/vectorstore"
)

const testToken = "test-token"

type stubEmbedder struct{}

func (stubEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i + 1), 1, 1}
	}
	return out, nil
}

func (stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 1, 1}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, string, string, int, float64) (string, error) {
	return "stub answer", nil
}

var (
	_ ai.Embedder  = stubEmbedder{}
	_ ai.Generator = stubGenerator{}
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })

	vs := vectorstore.NewSQLiteStore(s.DB())
	if err := vs.EnsureCollection(context.Background(), "documents", 3, vectorstore.MetricCosine); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	engine, err := pipeline.New(s, govern.New(nil), pipeline.Options{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		Retry:        pipeline.RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(engine.Close)

	jobs.Register(engine, jobs.Deps{
		Chunker:    extract.NewChunker(1, 0),
		Embedder:   stubEmbedder{},
		Generator:  stubGenerator{},
		Vectors:    vs,
		Collection: "documents",
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	srv := httptest.NewServer(NewHandler(Deps{Engine: engine, Store: s, Token: testToken}))
	t.Cleanup(srv.Close)
	return srv
}

func request(t *testing.T, method, url, token, body string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, url, err)
		}
	}
	return resp
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv := newTestServer(t)

	var body map[string]string
	resp := request(t, http.MethodGet, srv.URL+"/health", "", "", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/documents"},
		{http.MethodPost, "/queries"},
		{http.MethodGet, "/jobs"},
		{http.MethodGet, "/jobs/some-id"},
	} {
		resp := request(t, tc.method, srv.URL+tc.path, "", "{}", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", tc.method, tc.path, resp.StatusCode)
		}
		resp = request(t, tc.method, srv.URL+tc.path, "wrong-token", "{}", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: status = %d, want 401", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestIngestEndpointRunsJob(t *testing.T) {
	srv := newTestServer(t)

	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("Fact one. Fact two."), 0o644); err != nil {
		t.Fatalf("writing test document: %v", err)
	}

	var queued map[string]string
	resp := request(t, http.MethodPost, srv.URL+"/documents", testToken,
		`{"document_id":"doc-1","file_path":"`+path+`"}`, &queued)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if queued["job_id"] == "" || queued["document_id"] != "doc-1" {
		t.Fatalf("queued = %v", queued)
	}

	var job struct {
		Status string `json:"status"`
		Result struct {
			TotalInserted int `json:"total_inserted"`
		} `json:"result"`
	}
	resp = request(t, http.MethodGet, srv.URL+"/jobs/"+queued["job_id"]+"/wait?timeout=5s", testToken, "", &job)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wait status = %d, want 200", resp.StatusCode)
	}
	if job.Status != "succeeded" {
		t.Fatalf("job status = %q, want succeeded", job.Status)
	}
	if job.Result.TotalInserted != 2 {
		t.Errorf("total_inserted = %d, want 2", job.Result.TotalInserted)
	}
}

func TestQueryEndpointReturnsAnswer(t *testing.T) {
	srv := newTestServer(t)

	var queued map[string]string
	resp := request(t, http.MethodPost, srv.URL+"/queries", testToken, `{"question":"what?"}`, &queued)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var job struct {
		Status string `json:"status"`
		Result struct {
			Answer       string `json:"answer"`
			ContextCount int    `json:"context_count"`
		} `json:"result"`
	}
	request(t, http.MethodGet, srv.URL+"/jobs/"+queued["job_id"]+"/wait?timeout=5s", testToken, "", &job)
	if job.Status != "succeeded" {
		t.Fatalf("job status = %q, want succeeded", job.Status)
	}
	// Nothing ingested, so the deterministic no-context answer comes back.
	if job.Result.ContextCount != 0 || job.Result.Answer == "" {
		t.Errorf("result = %+v", job.Result)
	}
}

func TestIngestEndpointValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := request(t, http.MethodPost, srv.URL+"/documents", testToken, `{"document_id":"doc-1"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing file_path: status = %d, want 400", resp.StatusCode)
	}
	resp = request(t, http.MethodPost, srv.URL+"/documents", testToken, `not json`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", resp.StatusCode)
	}
	resp = request(t, http.MethodPost, srv.URL+"/queries", testToken, `{}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing question: status = %d, want 400", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp := request(t, http.MethodGet, srv.URL+"/jobs/no-such-job", testToken, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	srv := newTestServer(t)

	var queued map[string]string
	request(t, http.MethodPost, srv.URL+"/queries", testToken, `{"question":"one"}`, &queued)
	request(t, http.MethodPost, srv.URL+"/queries", testToken, `{"question":"two"}`, &queued)

	var list []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	resp := request(t, http.MethodGet, srv.URL+"/jobs", testToken, "", &list)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d jobs, want 2", len(list))
	}
	for _, j := range list {
		if j.Type != jobs.TypeQuery {
			t.Errorf("job %s type = %q, want %q", j.ID, j.Type, jobs.TypeQuery)
		}
	}
}
