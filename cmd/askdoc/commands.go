package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a document into the knowledge base",
	Long: `Ingest a document into the knowledge base.

Supported formats: PDF, HTML, and plain text.

Examples:
  askdoc ingest ./paper.pdf
  askdoc ingest ./notes.txt --id meeting-notes
  askdoc ingest ./report.html --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, _ := cmd.Flags().GetString("id")
		wait, _ := cmd.Flags().GetBool("wait")

		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{"file_path": path}
		if docID != "" {
			req["document_id"] = docID
		}

		resp, err := client.post(cmd.Context(), "/documents", req)
		if err != nil {
			return err
		}

		var queued map[string]string
		if err := decodeJSON(resp, &queued); err != nil {
			return err
		}

		printSuccess("Queued ingest job %s for document %s", queued["job_id"], queued["document_id"])
		if !wait {
			return nil
		}

		printStep("Waiting for ingestion to finish...")
		job, err := waitForJob(cmd, client, queued["job_id"])
		if err != nil {
			return err
		}
		if job.Status != "succeeded" {
			printError("Ingest failed at step %s: %s", job.FailedStep, job.Error)
			return fmt.Errorf("job %s %s", queued["job_id"], job.Status)
		}

		var result struct {
			TotalInserted int `json:"total_inserted"`
		}
		if err := json.Unmarshal(job.Result, &result); err != nil {
			return fmt.Errorf("decoding job result: %w", err)
		}
		printSuccess("Inserted %d chunks", result.TotalInserted)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("id", "", "stable document id (re-using an id replaces the document's chunks)")
	ingestCmd.Flags().Bool("wait", false, "wait for the ingest job to finish")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered only from the ingested documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		topK, _ := cmd.Flags().GetInt("top-k")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"question": question}
		if topK > 0 {
			req["top_k"] = topK
		}

		resp, err := client.post(cmd.Context(), "/queries", req)
		if err != nil {
			return err
		}

		var queued map[string]string
		if err := decodeJSON(resp, &queued); err != nil {
			return err
		}

		job, err := waitForJob(cmd, client, queued["job_id"])
		if err != nil {
			return err
		}
		if job.Status != "succeeded" {
			printError("Query failed at step %s: %s", job.FailedStep, job.Error)
			return fmt.Errorf("job %s %s", queued["job_id"], job.Status)
		}

		var result struct {
			Answer       string   `json:"answer"`
			Sources      []string `json:"sources"`
			ContextCount int      `json:"context_count"`
		}
		if err := json.Unmarshal(job.Result, &result); err != nil {
			return fmt.Errorf("decoding job result: %w", err)
		}

		fmt.Println(result.Answer)
		if len(result.Sources) > 0 {
			fmt.Printf("\n%s %s\n", colorize(colorBold, "Sources:"), strings.Join(result.Sources, ", "))
		}
		return nil
	},
}

func init() {
	askCmd.Flags().Int("top-k", 0, "number of context chunks to retrieve (default 5)")
}

// --- jobs ---

type jobInfo struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	FailedStep string          `json:"failed_step"`
	Error      string          `json:"error"`
	CreatedAt  string          `json:"created_at"`
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent pipeline jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/jobs?limit=%d", limit))
		if err != nil {
			return err
		}

		var list []jobInfo
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		for _, j := range list {
			status := j.Status
			switch status {
			case "succeeded":
				status = colorize(colorGreen, status)
			case "failed":
				status = colorize(colorRed, status)
			}
			fmt.Printf("%s  %-18s %-10s %s\n",
				colorize(colorCyan, j.ID[:8]),
				j.Type,
				status,
				j.CreatedAt,
			)
			if j.Status == "failed" {
				fmt.Printf("          %s: %s\n", j.FailedStep, j.Error)
			}
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsWaitCmd = &cobra.Command{
	Use:   "wait <id>",
	Short: "Wait for a job to finish and show it as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		job, err := waitForJob(cmd, client, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
		if job.Status != "succeeded" && job.Status != "failed" {
			return fmt.Errorf("job %s still %s", args[0], job.Status)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsWaitCmd)
}

func waitForJob(cmd *cobra.Command, client *apiClient, jobID string) (jobInfo, error) {
	resp, err := client.get(cmd.Context(), "/jobs/"+jobID+"/wait?timeout=2m")
	if err != nil {
		return jobInfo{}, err
	}
	var job jobInfo
	if err := decodeJSON(resp, &job); err != nil {
		return jobInfo{}, err
	}
	return job, nil
}
