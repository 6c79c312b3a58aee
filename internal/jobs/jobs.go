// Package jobs defines the two pipeline job types: ingesting a document
// into the vector index and answering a question against it.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/veselov/askdoc/internal/ai"
	"github.com/veselov/askdoc/internal/extract"
	"github.com/veselov/askdoc/internal/pipeline"
	"github.com/veselov/askdoc/internal/vectorstore"
)

// Job type names, used as trigger identifiers and throttle keys.
const (
	TypeIngest = "ingest-document"
	TypeQuery  = "query-documents"
)

// DefaultTopK is the retrieval depth when a query omits top_k.
const DefaultTopK = 5

// IngestPayload triggers an ingest-document job.
type IngestPayload struct {
	DocumentID string `json:"document_id"`
	FilePath   string `json:"file_path"`
}

// IngestResult is the ingest job's final output.
type IngestResult struct {
	TotalInserted int `json:"total_inserted"`
}

// QueryPayload triggers a query-documents job.
type QueryPayload struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

// QueryResult is the query job's final output. Sources holds the distinct
// document ids contributing context; their order is unspecified.
type QueryResult struct {
	Answer       string   `json:"answer"`
	Sources      []string `json:"sources"`
	ContextCount int      `json:"context_count"`
}

// chunkBatch is the intermediate output of extract-and-segment.
type chunkBatch struct {
	DocumentID string   `json:"document_id"`
	Chunks     []string `json:"chunks"`
}

// retrieval is the intermediate output of embed-and-retrieve.
type retrieval struct {
	Chunks  []string `json:"chunks"`
	Sources []string `json:"sources"`
}

// Deps carries everything the job steps call out to.
type Deps struct {
	Chunker    *extract.Chunker
	Embedder   ai.Embedder
	Generator  ai.Generator
	Vectors    vectorstore.Store
	Collection string
}

// Register wires both job types into the engine. Ingest jobs are
// rate-limited per document id so duplicate-trigger storms for the same
// document collapse into one run per window.
func Register(e *pipeline.Engine, deps Deps) {
	e.Register(pipeline.JobDef{
		Type: TypeIngest,
		RateKey: func(payload json.RawMessage) string {
			var p IngestPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return ""
			}
			return p.DocumentID
		},
		Run: deps.runIngest,
	})
	e.Register(pipeline.JobDef{
		Type: TypeQuery,
		Run:  deps.runQuery,
	})
}

// RecordID derives the deterministic vector record id for one chunk:
// UUIDv5 over "documentID:index". Re-ingesting the same document with the
// same chunking reproduces the same ids, making upserts convergent.
func RecordID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%d", documentID, index))).String()
}
