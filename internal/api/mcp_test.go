package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/veselov/askdoc/internal/extract"
	"github.com/veselov/askdoc/internal/govern"
	"github.com/veselov/askdoc/internal/jobs"
	"github.com/veselov/askdoc/internal/pipeline"
	"github.com/veselov/askdoc/internal/storage"
	"github.com/veselov/askdoc/internal/vectorstore"
)

func newTestMCPDeps(t *testing.T) MCPDeps {
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

	return MCPDeps{Engine: engine}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_IngestDocument(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpIngestDocument(deps)

	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("A fact."), 0o644); err != nil {
		t.Fatalf("writing test document: %v", err)
	}

	result, err := handler(context.Background(), makeCallToolRequest("ingest_document", map[string]interface{}{
		"file_path":   path,
		"document_id": "doc-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	if !strings.Contains(text, "doc-1") {
		t.Fatalf("response does not name the document: %s", text)
	}
}

func TestMCPTool_IngestDocument_MissingPath(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpIngestDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ingest_document", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result without file_path")
	}
}

func TestMCPTool_AskDocuments(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpAskDocuments(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_documents", map[string]interface{}{
		"question": "what is stored?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var res jobs.QueryResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("parsing answer JSON: %v", err)
	}
	// Empty index: the fallback answer with no sources.
	if res.ContextCount != 0 || res.Answer == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestMCPTool_JobStatus(t *testing.T) {
	deps := newTestMCPDeps(t)

	jobID, err := deps.Engine.Trigger(jobs.TypeQuery, jobs.QueryPayload{Question: "anything?"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := deps.Engine.Wait(context.Background(), jobID, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	handler := mcpJobStatus(deps)
	result, err := handler(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{
		"job_id": jobID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var view struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &view); err != nil {
		t.Fatalf("parsing job JSON: %v", err)
	}
	if view.ID != jobID || view.Status != string(storage.JobSucceeded) {
		t.Fatalf("view = %+v", view)
	}
}

func TestMCPTool_JobStatus_Unknown(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpJobStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{
		"job_id": "no-such-job",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown job")
	}
}
