package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/veselov/askdoc/internal/jobs"
	"github.com/veselov/askdoc/internal/pipeline"
	"github.com/veselov/askdoc/internal/storage"
)

// mcpAskTimeout bounds how long the ask_documents tool waits for the query
// job before giving up and returning the job id instead of an answer.
const mcpAskTimeout = 90 * time.Second

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine *pipeline.Engine
}

// NewMCPServer creates an MCP server exposing document ingestion and
// question answering as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"askdoc",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("askdoc — ingest local documents and answer questions grounded on them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Queue a local document (pdf, html, or plain text) for ingestion into the knowledge base."),
			mcp.WithString("file_path", mcp.Description("Path to the document on this machine"), mcp.Required()),
			mcp.WithString("document_id", mcp.Description("Stable identifier for the document; defaults to a new UUID. Re-using an id replaces the document's chunks.")),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_documents",
			mcp.WithDescription("Ask a question answered only from the ingested documents. Returns the answer with its source document ids."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("How many context chunks to retrieve (default 5)")),
		),
		mcpAskDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Check the status and result of a previously queued job."),
			mcp.WithString("job_id", mcp.Description("Job id returned by ingest_document or ask_documents"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	return s
}

func mcpIngestDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filePath, err := req.RequireString("file_path")
		if err != nil {
			return mcpError("file_path is required"), nil
		}
		documentID := req.GetString("document_id", "")
		if documentID == "" {
			documentID = uuid.New().String()
		}

		jobID, err := deps.Engine.Trigger(jobs.TypeIngest, jobs.IngestPayload{
			DocumentID: documentID,
			FilePath:   filePath,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue ingest: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued ingest job %s for document %s", jobID, documentID)), nil
	}
}

func mcpAskDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		topK := req.GetInt("top_k", 0)

		jobID, err := deps.Engine.Trigger(jobs.TypeQuery, jobs.QueryPayload{
			Question: question,
			TopK:     topK,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue query: %v", err)), nil
		}

		job, err := deps.Engine.Wait(ctx, jobID, mcpAskTimeout)
		if err != nil {
			return mcpError(fmt.Sprintf("query job %s still running; check it with job_status", jobID)), nil
		}
		if job.Status != storage.JobSucceeded {
			return mcpError(fmt.Sprintf("query job %s %s: %s", jobID, job.Status, job.LastError)), nil
		}

		var res jobs.QueryResult
		if err := json.Unmarshal([]byte(job.ResultJSON), &res); err != nil {
			return mcpError(fmt.Sprintf("failed to decode query result: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Engine.GetJob(jobID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}

		b, err := json.Marshal(viewOf(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
