// Package service defines the operations surface consumed by the HTTP
// and CLI transports, along with its request and result types.
//
// The collection engine implements Service; transports hold the
// interface and render results into their own envelopes.
package service

import "context"

// IngestRequest describes one document ingest.
type IngestRequest struct {
	// Data is the raw document bytes.
	Data []byte

	// Filename is the upload's filename, used for format detection and
	// docid derivation.
	Filename string

	// ContentType is the declared media type, if any.
	ContentType string

	// DocID overrides docid resolution. Empty means derive from
	// Filename, falling back to a generated UUID.
	DocID string

	// Metadata is caller-supplied document-level metadata.
	Metadata map[string]any

	// CSVHasHeader, CSVMetaCols, and CSVIncludeCols are the CSV
	// preprocessor knobs.
	CSVHasHeader   bool
	CSVMetaCols    []string
	CSVIncludeCols map[string]string
}

// IngestResult reports a completed ingest.
type IngestResult struct {
	DocID     string  `json:"docid"`
	Chunks    int     `json:"chunks"`
	Version   int     `json:"version"`
	LatencyMS float64 `json:"latency_ms"`
}

// DeleteDocResult reports a document deletion.
type DeleteDocResult struct {
	ChunksDeleted int     `json:"chunks_deleted"`
	LatencyMS     float64 `json:"latency_ms"`
}

// SearchRequest describes one search.
type SearchRequest struct {
	Query     string
	K         int
	Filters   map[string]any
	RequestID string
}

// Match is one search hit.
type Match struct {
	ID          string         `json:"id"`
	Score       float32        `json:"score"`
	Text        string         `json:"text"`
	Meta        map[string]any `json:"meta"`
	MatchReason string         `json:"match_reason"`
	DocID       string         `json:"docid"`
	Page        *int           `json:"page,omitempty"`
	Offset      *int           `json:"offset,omitempty"`
}

// SearchResult is the search response payload.
type SearchResult struct {
	Matches   []Match `json:"matches"`
	LatencyMS float64 `json:"latency_ms"`
	RequestID string  `json:"request_id,omitempty"`
	Truncated bool    `json:"truncated"`
}

// Service is the narrow operations surface of the engine.
type Service interface {
	CreateCollection(ctx context.Context, tenant, name string) error
	DeleteCollection(ctx context.Context, tenant, name string) error
	RenameCollection(ctx context.Context, tenant, oldName, newName string) error

	IngestDocument(ctx context.Context, tenant, name string, req IngestRequest) (*IngestResult, error)
	DeleteDocument(ctx context.Context, tenant, name, docid string) (*DeleteDocResult, error)
	Search(ctx context.Context, tenant, name string, req SearchRequest) (*SearchResult, error)

	ListTenants(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context, tenant string) ([]string, error)

	Archive(ctx context.Context, tenant, name string) ([]byte, error)
	Restore(ctx context.Context, tenant, name string, data []byte) error
}
