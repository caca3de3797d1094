// Package backend defines the vector backend adapter and its embedded
// implementations.
//
// The engine treats the backend as opaque: it stores (rid, vector,
// indexed fields) rows, answers SQL-pre-filtered k-NN queries, and
// reports which pre-filter operators it evaluates natively so the
// planner can route the rest to the post-filter.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/filter"
)

// Point is one upserted row.
type Point struct {
	RID    string
	Vector []float32

	// Fields are the pre-filter columns denormalised into the index.
	Fields map[string]string

	// Text is the chunk payload, stored when the backend supports it.
	Text string
}

// Hit is one search result.
type Hit struct {
	RID   string
	Score float32

	// Text is the stored payload; HasText distinguishes an empty payload
	// from a backend that returns none.
	Text    string
	HasText bool
}

// Backend is the narrow adapter interface the engine depends on.
type Backend interface {
	// Configure creates or opens the on-disk index, failing with
	// model_mismatch when the stored fingerprint differs.
	Configure(ctx context.Context, dim int, fingerprint string) error

	// Upsert writes vectors and their indexed fields atomically.
	Upsert(ctx context.Context, points []Point) error

	// Delete removes the given rids atomically. Unknown rids are ignored.
	Delete(ctx context.Context, rids []string) error

	// Search returns up to k rows matching preFilterSQL ranked by
	// similarity, best first.
	Search(ctx context.Context, vector []float32, k int, preFilterSQL string) ([]Hit, error)

	// Capabilities reports native pre-filter operators and indexed fields.
	Capabilities(ctx context.Context) (filter.Capabilities, error)

	// Save flushes a durable snapshot.
	Save(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Open creates a backend of the given kind rooted at dir.
func Open(kind, dir string, logger *zap.Logger) (Backend, error) {
	switch kind {
	case "sqlite":
		return OpenSQLite(dir, logger)
	case "chromem":
		return OpenChromem(dir, logger)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}
