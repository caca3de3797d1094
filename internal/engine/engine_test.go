package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigopitanga/patchvec/internal/config"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PATCHVEC_VECTOR_STORE__DATA_DIR", t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func txtIngest(data, docid string, meta map[string]any) service.IngestRequest {
	return service.IngestRequest{
		Data:        []byte(data),
		Filename:    docid + ".txt",
		ContentType: "text/plain",
		DocID:       docid,
		Metadata:    meta,
	}
}

// verneText builds a TXT document of roughly n bytes that mentions
// captain nemo throughout.
func verneText(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString("Captain Nemo guided the Nautilus through the silent deep. ")
		b.WriteString("The crew watched the luminous water with quiet awe. ")
	}
	return b.String()[:n]
}

func TestCreateCollectionLifecycle(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, "demo", "books"))

	err := e.CreateCollection(ctx, "demo", "books")
	assert.True(t, pverr.IsCode(err, pverr.CodeAlreadyExists))

	cols, err := e.ListCollections(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"books"}, cols)

	tenants, err := e.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, tenants)

	require.NoError(t, e.DeleteCollection(ctx, "demo", "books"))
	err = e.DeleteCollection(ctx, "demo", "books")
	assert.True(t, pverr.IsCode(err, pverr.CodeNotFound))
}

func TestCreateCollectionValidatesSlugs(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	err := e.CreateCollection(ctx, "Bad Tenant", "books")
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidRequest))
	err = e.CreateCollection(ctx, "demo", "no/slash")
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidRequest))
}

// Scenario 1: round-trip TXT ingest and search.
func TestRoundTripTXT(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "demo", "books"))

	text := verneText(20 * 1024)
	res, err := e.IngestDocument(ctx, "demo", "books",
		txtIngest(text, "verne-20k", map[string]any{"lang": "en"}))
	require.NoError(t, err)

	assert.Equal(t, "verne-20k", res.DocID)
	// size 800, overlap 120 -> stride 680; 20480 chars.
	wantChunks := 1 + (20*1024-800+679)/680
	assert.Equal(t, wantChunks, res.Chunks)
	assert.Equal(t, 1, res.Version)
	assert.Greater(t, res.LatencyMS, 0.0)

	sr, err := e.Search(ctx, "demo", "books", service.SearchRequest{Query: "captain nemo", K: 3})
	require.NoError(t, err)
	require.Len(t, sr.Matches, 3)
	assert.Greater(t, sr.LatencyMS, 0.0)
	assert.False(t, sr.Truncated)

	for i, m := range sr.Matches {
		assert.Equal(t, "verne-20k", m.DocID)
		assert.Equal(t, "en", m.Meta["lang"])
		assert.NotEmpty(t, m.Text)
		assert.NotNil(t, m.Offset)
		assert.Contains(t, m.MatchReason, "captain")
		if i > 0 {
			assert.LessOrEqual(t, m.Score, sr.Matches[i-1].Score)
		}
	}
}

// Scenario 2: filter split across pre- and post-filters.
func TestFilterSplit(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "demo", "docs"))

	_, err := e.IngestDocument(ctx, "demo", "docs",
		txtIngest(strings.Repeat("the water is wide and cold ", 200), "A", map[string]any{"lang": "en"}))
	require.NoError(t, err)
	_, err = e.IngestDocument(ctx, "demo", "docs",
		txtIngest(strings.Repeat("a agua e larga e fria water ", 200), "B", map[string]any{"lang": "pt"}))
	require.NoError(t, err)

	sr, err := e.Search(ctx, "demo", "docs", service.SearchRequest{
		Query: "water", K: 10, Filters: map[string]any{"lang": "en"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sr.Matches)
	for _, m := range sr.Matches {
		assert.Equal(t, "A", m.DocID)
		assert.Contains(t, m.MatchReason, "lang=en")
	}

	sr, err = e.Search(ctx, "demo", "docs", service.SearchRequest{
		Query: "water", K: 10, Filters: map[string]any{"lang": "!en"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sr.Matches)
	for _, m := range sr.Matches {
		assert.Equal(t, "B", m.DocID)
	}
}

func TestPostFilterOnChunkMeta(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "demo", "docs"))

	// The offset comparison can only run as a post-filter.
	_, err := e.IngestDocument(ctx, "demo", "docs",
		txtIngest(verneText(4000), "D", nil))
	require.NoError(t, err)

	sr, err := e.Search(ctx, "demo", "docs", service.SearchRequest{
		Query: "captain nemo", K: 20, Filters: map[string]any{"offset": ">1000"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sr.Matches)
	for _, m := range sr.Matches {
		require.NotNil(t, m.Offset)
		assert.Greater(t, *m.Offset, 1000)
	}
}

// Post-filter results are a subset of pre-filter results, which are a
// subset of the unfiltered k-NN result.
func TestFilterSubsetProperty(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "demo", "docs"))

	_, err := e.IngestDocument(ctx, "demo", "docs",
		txtIngest(verneText(6000), "A", map[string]any{"lang": "en"}))
	require.NoError(t, err)
	_, err = e.IngestDocument(ctx, "demo", "docs",
		txtIngest(verneText(6000), "B", map[string]any{"lang": "pt"}))
	require.NoError(t, err)

	ridSet := func(filters map[string]any) map[string]bool {
		sr, err := e.Search(ctx, "demo", "docs", service.SearchRequest{Query: "captain", K: 50, Filters: filters})
		require.NoError(t, err)
		set := make(map[string]bool)
		for _, m := range sr.Matches {
			set[m.ID] = true
		}
		return set
	}

	all := ridSet(nil)
	pre := ridSet(map[string]any{"lang": "en"})
	post := ridSet(map[string]any{"lang": "en", "offset": ">=0"})

	for rid := range pre {
		assert.True(t, all[rid], "pre-filter rid %s missing from unfiltered result", rid)
	}
	for rid := range post {
		assert.True(t, pre[rid], "post-filter rid %s missing from pre-filter result", rid)
	}
}

// Scenario 3: re-ingest replaces all prior chunks.
func TestReingestReplaces(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "demo", "docs"))

	short := verneText(2000)
	res1, err := e.IngestDocument(ctx, "demo", "docs", txtIngest(short, "D", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, res1.Version)

	longer := short + verneText(3000)
	res2, err := e.IngestDocument(ctx, "demo", "docs", txtIngest(longer, "D", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Version)
	assert.Greater(t, res2.Chunks, res1.Chunks)

	// Identical bytes produce the identical rid set and bump the version.
	res3, err := e.IngestDocument(ctx, "demo", "docs", txtIngest(longer, "D", nil))
	require.NoError(t, err)
	assert.Equal(t, 3, res3.Version)
	assert.Equal(t, res2.Chunks, res3.Chunks)

	// No stale rid beyond the new chunk count is reachable.
	sr, err := e.Search(ctx, "demo", "docs", service.SearchRequest{Query: "captain nemo", K: 100})
	require.NoError(t, err)
	for _, m := range sr.Matches {
		assert.Equal(t, "D", m.DocID)
	}
	assert.LessOrEqual(t, len(sr.Matches), res2.Chunks)
}

func TestDeleteDocumentIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "demo", "docs"))

	res, err := e.IngestDocument(ctx, "demo", "docs", txtIngest(verneText(2000), "D", nil))
	require.NoError(t, err)

	del, err := e.DeleteDocument(ctx, "demo", "docs", "D")
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, del.ChunksDeleted)

	del, err = e.DeleteDocument(ctx, "demo", "docs", "D")
	require.NoError(t, err)
	assert.Equal(t, 0, del.ChunksDeleted)

	sr, err := e.Search(ctx, "demo", "docs", service.SearchRequest{Query: "captain", K: 10})
	require.NoError(t, err)
	assert.Empty(t, sr.Matches)
}

// Scenario 4: concurrent searches during an ingest observe either all
// of the new docid's chunks or none.
func TestConcurrentSearchDuringIngest(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "demo", "docs"))

	_, err := e.IngestDocument(ctx, "demo", "docs", txtIngest(verneText(3000), "steady", nil))
	require.NoError(t, err)

	bigDoc := verneText(512 * 1024)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := e.IngestDocument(ctx, "demo", "docs", txtIngest(bigDoc, "huge", nil))
		assert.NoError(t, err)
	}()

	expectChunks := 1 + (len(bigDoc)-800+679)/680
	var searchWG sync.WaitGroup
	for i := 0; i < 16; i++ {
		searchWG.Add(1)
		go func() {
			defer searchWG.Done()
			sr, err := e.Search(ctx, "demo", "docs", service.SearchRequest{Query: "captain nemo", K: 2000})
			if pverr.IsCode(err, pverr.CodeOverloaded) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			seen := 0
			for _, m := range sr.Matches {
				if m.DocID == "huge" {
					seen++
				}
			}
			// All-or-nothing: the ingest commits metadata atomically.
			if seen != 0 && seen < expectChunks {
				// The k cap can hide chunks; only flag a partial set when
				// the result had room for more.
				if len(sr.Matches) < 2000 {
					t.Errorf("observed %d of %d chunks of in-flight docid", seen, expectChunks)
				}
			}
		}()
	}
	searchWG.Wait()
	wg.Wait()
}

// Scenario 5: overload shedding.
func TestOverloadShedding(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.Limits.Search.MaxConcurrent = 2
	})
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "demo", "docs"))
	_, err := e.IngestDocument(ctx, "demo", "docs", txtIngest(verneText(2000), "D", nil))
	require.NoError(t, err)

	// Hold both admission slots.
	rel1, err := e.adm.acquireSearch("demo")
	require.NoError(t, err)
	rel2, err := e.adm.acquireSearch("demo")
	require.NoError(t, err)

	var rejected int
	for i := 0; i < 10; i++ {
		_, err := e.Search(ctx, "demo", "docs", service.SearchRequest{Query: "captain", K: 3})
		if pverr.IsCode(err, pverr.CodeOverloaded) {
			rejected++
		}
	}
	assert.Equal(t, 10, rejected)

	rel1()
	rel2()
	_, err = e.Search(ctx, "demo", "docs", service.SearchRequest{Query: "captain", K: 3})
	assert.NoError(t, err)
}

// Scenario 6: rename round-trip.
func TestRenameRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "old"))
	_, err := e.IngestDocument(ctx, "t", "old", txtIngest(verneText(2000), "D", nil))
	require.NoError(t, err)

	require.NoError(t, e.RenameCollection(ctx, "t", "old", "new"))

	sr, err := e.Search(ctx, "t", "new", service.SearchRequest{Query: "captain", K: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, sr.Matches)

	_, err = e.Search(ctx, "t", "old", service.SearchRequest{Query: "captain", K: 3})
	assert.True(t, pverr.IsCode(err, pverr.CodeNotFound))

	require.NoError(t, e.RenameCollection(ctx, "t", "new", "old"))
	sr, err = e.Search(ctx, "t", "old", service.SearchRequest{Query: "captain", K: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, sr.Matches)
}

func TestRenameTargetExists(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "a"))
	require.NoError(t, e.CreateCollection(ctx, "t", "b"))

	err := e.RenameCollection(ctx, "t", "a", "b")
	assert.True(t, pverr.IsCode(err, pverr.CodeAlreadyExists))
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "src"))
	_, err := e.IngestDocument(ctx, "t", "src", txtIngest(verneText(2000), "D", map[string]any{"lang": "en"}))
	require.NoError(t, err)

	archive, err := e.Archive(ctx, "t", "src")
	require.NoError(t, err)
	require.NotEmpty(t, archive)

	// Restore over a modified original: restore is destructive.
	_, err = e.IngestDocument(ctx, "t", "src", txtIngest(verneText(2000), "extra", nil))
	require.NoError(t, err)
	require.NoError(t, e.Restore(ctx, "t", "src", archive))

	sr, err := e.Search(ctx, "t", "src", service.SearchRequest{Query: "captain", K: 10})
	require.NoError(t, err)
	require.NotEmpty(t, sr.Matches)
	for _, m := range sr.Matches {
		assert.Equal(t, "D", m.DocID)
	}

	// Restore into a different collection name.
	require.NoError(t, e.Restore(ctx, "t", "copy", archive))
	sr, err = e.Search(ctx, "t", "copy", service.SearchRequest{Query: "captain", K: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, sr.Matches)
}

func TestSearchTimeoutWithZeroCandidates(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.Limits.Search.TimeoutMS = 1
	})
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "c"))
	_, err := e.IngestDocument(ctx, "t", "c", txtIngest(verneText(2000), "D", nil))
	require.NoError(t, err)

	// With a 1ms budget the deadline generally fires during embedding;
	// accept either a timeout or a fast success, never a crash.
	_, err = e.Search(ctx, "t", "c", service.SearchRequest{Query: "captain", K: 3})
	if err != nil {
		assert.True(t, pverr.IsCode(err, pverr.CodeTimeout), "got %v", err)
	}
}

func TestSearchValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "c"))

	_, err := e.Search(ctx, "t", "c", service.SearchRequest{Query: "", K: 3})
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidRequest))

	_, err = e.Search(ctx, "t", "c", service.SearchRequest{Query: "x", K: 0})
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidRequest))

	_, err = e.Search(ctx, "t", "missing", service.SearchRequest{Query: "x", K: 3})
	assert.True(t, pverr.IsCode(err, pverr.CodeNotFound))

	_, err = e.Search(ctx, "t", "c", service.SearchRequest{Query: "x", K: 3, Filters: map[string]any{"bad field": "v"}})
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidFilter))
}

func TestIngestTooLarge(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.Limits.Ingest.MaxBytes = 100
	})
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "c"))

	_, err := e.IngestDocument(ctx, "t", "c", txtIngest(verneText(2000), "D", nil))
	assert.True(t, pverr.IsCode(err, pverr.CodeTooLarge))
}

func TestDocIDResolution(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "c"))

	// Explicit docid wins.
	res, err := e.IngestDocument(ctx, "t", "c", service.IngestRequest{
		Data: []byte(verneText(1000)), Filename: "file.txt", DocID: "explicit",
	})
	require.NoError(t, err)
	assert.Equal(t, "explicit", res.DocID)

	// Filename-derived.
	res, err = e.IngestDocument(ctx, "t", "c", service.IngestRequest{
		Data: []byte(verneText(1000)), Filename: "report.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "report.txt", res.DocID)

	// Generated UUID.
	res, err = e.IngestDocument(ctx, "t", "c", service.IngestRequest{
		Data: []byte(verneText(1000)), ContentType: "text/plain",
	})
	require.NoError(t, err)
	assert.Len(t, res.DocID, 36)
}

func TestSidecarHoldsChunkText(t *testing.T) {
	// Both backends store payloads, so the search fallback is not
	// reached here; the test checks that ingest wrote the chunk text to
	// the sidecar that the fallback reads.
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "c"))
	_, err := e.IngestDocument(ctx, "t", "c", txtIngest(verneText(2000), "D", nil))
	require.NoError(t, err)

	col, err := e.get("t", "c")
	require.NoError(t, err)
	text, err := col.sidecar.Read("D::1")
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}

func TestSearchHitInvariants(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "c"))
	_, err := e.IngestDocument(ctx, "t", "c", txtIngest(verneText(4000), "D", map[string]any{"lang": "en"}))
	require.NoError(t, err)

	sr, err := e.Search(ctx, "t", "c", service.SearchRequest{Query: "captain nemo", K: 5, RequestID: "req-9"})
	require.NoError(t, err)
	assert.Equal(t, "req-9", sr.RequestID)
	require.NotEmpty(t, sr.Matches)

	col, err := e.get("t", "c")
	require.NoError(t, err)
	for _, m := range sr.Matches {
		// Every returned rid has sidecar text and a metadata row.
		text, err := col.sidecar.Read(m.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, text)

		hyd, err := col.meta.GetMetaBatch(ctx, []string{m.ID})
		require.NoError(t, err)
		require.Contains(t, hyd, m.ID)
		assert.Equal(t, "D", hyd[m.ID].DocID)
	}
}

func TestChromemBackendEndToEnd(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.VectorStore.Backend = "chromem"
	})
	ctx := context.Background()
	require.NoError(t, e.CreateCollection(ctx, "t", "c"))

	_, err := e.IngestDocument(ctx, "t", "c", txtIngest(verneText(3000), "A", map[string]any{"lang": "en"}))
	require.NoError(t, err)
	_, err = e.IngestDocument(ctx, "t", "c", txtIngest(strings.Repeat("agua fria ", 300), "B", map[string]any{"lang": "pt"}))
	require.NoError(t, err)

	// chromem has no native pre-filter: equality runs as a post-filter
	// with overfetch, and results still honour it.
	sr, err := e.Search(ctx, "t", "c", service.SearchRequest{
		Query: "captain nemo", K: 5, Filters: map[string]any{"lang": "en"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sr.Matches)
	for _, m := range sr.Matches {
		assert.Equal(t, "A", m.DocID)
	}
}

func TestPerTenantCap(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.Limits.Tenant.MaxConcurrent = 1
	})

	rel, err := e.adm.acquireSearch("acme")
	require.NoError(t, err)

	_, err = e.adm.acquireSearch("acme")
	assert.True(t, pverr.IsCode(err, pverr.CodeOverloaded))

	// Other tenants are unaffected.
	rel2, err := e.adm.acquireSearch("globex")
	require.NoError(t, err)
	rel2()
	rel()

	rel3, err := e.adm.acquireSearch("acme")
	require.NoError(t, err)
	rel3()
}

func TestLatencyMSPrecision(t *testing.T) {
	start := time.Now().Add(-1234567 * time.Microsecond)
	ms := latencyMS(start)
	assert.InDelta(t, 1234.57, ms, 0.5)
	// Two decimal places: scaling by 100 yields a whole number.
	assert.InDelta(t, ms*100, float64(int64(ms*100+0.5)), 1e-3)
}
