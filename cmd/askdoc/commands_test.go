package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/veselov/askdoc/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestIngestRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents": `{"job_id":"job-123","document_id":"doc-1","status":"queued"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/documents", map[string]string{
		"document_id": "doc-1",
		"file_path":   "/tmp/notes.txt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["job_id"] != "job-123" || result["status"] != "queued" {
		t.Errorf("result = %v", result)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["file_path"] != "/tmp/notes.txt" {
		t.Errorf("body.file_path = %q", body["file_path"])
	}
}

func TestIngestCommand_MissingFile(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest", filepath.Join(t.TempDir(), "no-such-file.pdf")})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for a nonexistent file")
	}
	if !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("error = %q, want it to mention the unreadable file", err.Error())
	}
}

func TestIngestCommand_NoArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing file argument")
	}
}

func TestAskCommandFlow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /queries":         `{"job_id":"job-q1","status":"queued"}`,
		"GET /jobs/job-q1/wait": `{"id":"job-q1","type":"query-documents","status":"succeeded","result":{"answer":"Blue.","sources":["doc-1"],"context_count":3}}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/queries", map[string]any{"question": "what color?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var queued map[string]string
	if err := decodeJSON(resp, &queued); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	waitResp, err := client.get(ctx, "/jobs/"+queued["job_id"]+"/wait?timeout=2m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var job jobInfo
	if err := decodeJSON(waitResp, &job); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if job.Status != "succeeded" {
		t.Fatalf("status = %q", job.Status)
	}

	var result struct {
		Answer  string   `json:"answer"`
		Sources []string `json:"sources"`
	}
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("result parse error: %v", err)
	}
	if result.Answer != "Blue." || len(result.Sources) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestJobsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs": `[{"id":"aaaaaaaa-1111","type":"ingest-document","status":"succeeded","created_at":"2025-01-01T00:00:00Z"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/jobs?limit=20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var list []jobInfo
	if err := decodeJSON(resp, &list); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(list) != 1 || list[0].Type != "ingest-document" {
		t.Errorf("list = %+v", list)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/jobs")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	cfg := config.Config{}
	cfg.Storage.DataDir = dataDir

	// First start mints a token and persists it.
	token, err := loadOrCreateToken(cfg)
	if err != nil {
		t.Fatalf("loadOrCreateToken: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	// Subsequent starts and CLI invocations resolve the same token.
	again, err := loadOrCreateToken(cfg)
	if err != nil {
		t.Fatalf("second loadOrCreateToken: %v", err)
	}
	if again != token {
		t.Error("token changed between loads")
	}
	resolved, err := resolveToken(cfg)
	if err != nil {
		t.Fatalf("resolveToken: %v", err)
	}
	if resolved != token {
		t.Error("resolveToken returned a different token")
	}

	info, err := os.Stat(tokenFilePath(dataDir))
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %o, want 600", info.Mode().Perm())
	}
}

func TestResolveTokenPrefersConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Token = "configured-token"
	cfg.Storage.DataDir = t.TempDir()

	token, err := resolveToken(cfg)
	if err != nil {
		t.Fatalf("resolveToken: %v", err)
	}
	if token != "configured-token" {
		t.Errorf("token = %q, want the configured value", token)
	}
}

func TestGovernorPoliciesFromConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.Limits.IngestThrottleCount = 2
	cfg.Limits.IngestPerDocCount = 1
	cfg.Limits.QueryThrottleCount = 10

	policies := governorPolicies(cfg)
	if p, ok := policies["ingest-document"]; !ok || p.Throttle.Count != 2 || p.RateLimit.Count != 1 {
		t.Errorf("ingest policy = %+v", p)
	}
	if p, ok := policies["query-documents"]; !ok || p.Throttle.Count != 10 || p.RateLimit.Count != 0 {
		t.Errorf("query policy = %+v", p)
	}
}
