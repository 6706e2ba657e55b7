package ingest

import "fmt"

// Pair is one relationship instance: the declaring record's identity and
// the match value for the target endpoint.
type Pair struct {
	SourceID string `json:"source"`
	TargetID string `json:"target"`
}

// BatchError records a batch that still failed after the retry policy
// gave up. Ingestion keeps going; the failed batch's records simply do
// not advance to the current epoch and age out as stale.
type BatchError struct {
	Kind  string
	Batch int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("kind %s batch %d: %v", e.Kind, e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Result summarizes one ingestion call for a single kind or relationship
// label. Counters are disjoint: Total = Upserted + Rejected + Skipped +
// records lost to failed batches.
type Result struct {
	// Kind is the resource kind the call was made for.
	Kind string
	// Label is the node label written, or the relationship label.
	Label string
	// Total is the number of records or pairs submitted.
	Total int
	// Upserted counts rows the database acknowledged.
	Upserted int
	// Rejected counts records dropped before reaching the database,
	// such as rows missing their identity field.
	Rejected int
	// Skipped counts relationship pairs whose endpoints were not both
	// present in the graph. Relationships never create nodes.
	Skipped int
	// FailedBatches lists batches that exhausted their retries.
	FailedBatches []*BatchError
}

// Complete reports whether every batch was written.
func (r *Result) Complete() bool { return len(r.FailedBatches) == 0 }

// Stats is a point-in-time census of the graph.
type Stats struct {
	NodesByLabel map[string]int64
	EdgesByLabel map[string]int64
	TotalNodes   int64
	TotalEdges   int64
}
