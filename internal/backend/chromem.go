package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/filter"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

const (
	// chromemDirName is the chromem database inside a collection directory.
	chromemDirName = "chromem"

	// chromemManifest records dim and fingerprint next to the database.
	chromemManifest = "backend.json"

	// chromemCollection is the single chromem collection per backend.
	chromemCollection = "points"
)

// Chromem wraps an embedded chromem-go index.
//
// chromem has no SQL layer, so the backend reports zero native
// pre-filter operators and the planner sends every filter to the
// post-filter. Vectors are always supplied pre-computed; the embedding
// hook chromem requires is wired to fail loudly if it is ever reached.
type Chromem struct {
	dir    string
	logger *zap.Logger
	db     *chromem.DB
	col    *chromem.Collection
}

type chromemConfig struct {
	Dim         int    `json:"dim"`
	Fingerprint string `json:"fingerprint"`
}

// OpenChromem opens or creates the chromem backend in dir.
func OpenChromem(dir string, logger *zap.Logger) (*Chromem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, chromemDirName), false)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db: %w", err)
	}
	return &Chromem{dir: dir, logger: logger, db: db}, nil
}

// Configure writes the dimension and fingerprint manifest on first use;
// afterwards it verifies the fingerprint only (the stored dimension is
// not compared).
func (c *Chromem) Configure(ctx context.Context, dim int, fingerprint string) error {
	manifestPath := filepath.Join(c.dir, chromemManifest)
	data, err := os.ReadFile(manifestPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		out, err := json.Marshal(chromemConfig{Dim: dim, Fingerprint: fingerprint})
		if err != nil {
			return fmt.Errorf("encoding backend manifest: %w", err)
		}
		if err := os.WriteFile(manifestPath, out, 0o644); err != nil {
			return fmt.Errorf("writing backend manifest: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading backend manifest: %w", err)
	default:
		var stored chromemConfig
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("decoding backend manifest: %w", err)
		}
		if stored.Fingerprint != fingerprint {
			return pverr.New(pverr.CodeModelMismatch,
				"index built with model %q, engine configured with %q", stored.Fingerprint, fingerprint)
		}
	}

	col, err := c.db.GetOrCreateCollection(chromemCollection, nil, rejectEmbedding)
	if err != nil {
		return fmt.Errorf("opening chromem collection: %w", err)
	}
	c.col = col
	return nil
}

// rejectEmbedding is the chromem embedding hook; patchvec always
// supplies vectors, so reaching it indicates a wiring bug.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("chromem backend received a document without a vector")
}

// Upsert adds or replaces documents with pre-computed embeddings.
func (c *Chromem) Upsert(ctx context.Context, points []Point) error {
	for _, p := range points {
		doc := chromem.Document{
			ID:        p.RID,
			Content:   p.Text,
			Embedding: p.Vector,
			Metadata:  p.Fields,
		}
		if err := c.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("upserting %s: %w", p.RID, err)
		}
	}
	return nil
}

// Delete removes the given rids. Unknown rids are ignored.
func (c *Chromem) Delete(ctx context.Context, rids []string) error {
	if len(rids) == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, rids...); err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Search ranks up to k results by similarity. chromem reports no native
// pre-filter support, so a non-empty preFilterSQL is a routing bug.
func (c *Chromem) Search(ctx context.Context, vector []float32, k int, preFilterSQL string) ([]Hit, error) {
	if preFilterSQL != "" {
		return nil, fmt.Errorf("chromem backend cannot evaluate pre-filter %q", preFilterSQL)
	}
	count := c.col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := c.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying chromem: %w", err)
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{RID: r.ID, Score: r.Similarity, Text: r.Content, HasText: r.Content != ""}
	}
	return hits, nil
}

// Capabilities reports that nothing is natively filterable.
func (c *Chromem) Capabilities(ctx context.Context) (filter.Capabilities, error) {
	return filter.Capabilities{
		NativeOps:     map[filter.Kind]bool{},
		IndexedFields: map[string]bool{},
	}, nil
}

// Save is a no-op: chromem persists on every write.
func (c *Chromem) Save(ctx context.Context) error { return nil }

// Close is a no-op: the chromem database holds no handle to release.
func (c *Chromem) Close() error { return nil }
