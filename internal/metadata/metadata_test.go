package metadata

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleChunks() []ChunkRow {
	return []ChunkRow{
		{RID: "doc::1", Ordinal: 1, Meta: map[string]any{"offset": 0}},
		{RID: "doc::2", Ordinal: 2, Meta: map[string]any{"offset": 680}},
	}
}

func TestUpsertAndHydrate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.UpsertChunks(ctx, "doc", sampleChunks(), map[string]any{"lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	hydrated, err := s.GetMetaBatch(ctx, []string{"doc::1", "doc::2", "ghost::1"})
	require.NoError(t, err)
	require.Len(t, hydrated, 2)

	h := hydrated["doc::1"]
	assert.Equal(t, "doc", h.DocID)
	assert.Equal(t, 1, h.Version)
	assert.Equal(t, "en", h.Meta["lang"])
	assert.Equal(t, float64(0), h.Meta["offset"])
	assert.NotEmpty(t, h.Meta["ingested_at"])
}

func TestChunkMetaWinsOverDocMeta(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []ChunkRow{{RID: "d::1", Ordinal: 1, Meta: map[string]any{"section": "chunk-level"}}}
	_, err := s.UpsertChunks(ctx, "d", chunks, map[string]any{"section": "doc-level"})
	require.NoError(t, err)

	hydrated, err := s.GetMetaBatch(ctx, []string{"d::1"})
	require.NoError(t, err)
	assert.Equal(t, "chunk-level", hydrated["d::1"].Meta["section"])
}

func TestReingestBumpsVersionAndReplacesChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertChunks(ctx, "doc", sampleChunks(), nil)
	require.NoError(t, err)

	newChunks := []ChunkRow{
		{RID: "doc::1", Ordinal: 1, Meta: map[string]any{}},
		{RID: "doc::2", Ordinal: 2, Meta: map[string]any{}},
		{RID: "doc::3", Ordinal: 3, Meta: map[string]any{}},
	}
	v, err := s.UpsertChunks(ctx, "doc", newChunks, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	rids, err := s.GetRIDs(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc::1", "doc::2", "doc::3"}, rids)

	v, err = s.DocVersion(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestDeleteDoc(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertChunks(ctx, "doc", sampleChunks(), nil)
	require.NoError(t, err)

	rids, err := s.DeleteDoc(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc::1", "doc::2"}, rids)

	has, err := s.HasDoc(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, has)

	// Idempotent: second delete returns nothing.
	rids, err = s.DeleteDoc(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, rids)
}

func TestDocVersionAbsent(t *testing.T) {
	s := openTestStore(t)
	v, err := s.DocVersion(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestLegacyLayoutDetected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), []byte("{}"), 0o644))

	_, err := Open(dir)
	require.Error(t, err)
	assert.True(t, pverr.IsCode(err, pverr.CodeLegacyMetadata))
}

func TestConcurrentReadsDuringWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertChunks(ctx, "doc", sampleChunks(), map[string]any{"lang": "en"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := s.GetMetaBatch(ctx, []string{"doc::1", "doc::2"}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		if _, err := s.UpsertChunks(ctx, "doc", sampleChunks(), map[string]any{"lang": "en"}); err != nil {
			errs <- err
			break
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent access failed: %v", err)
	}
}

func TestUpsertAtomicVisibility(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertChunks(ctx, "doc", sampleChunks(), nil)
	require.NoError(t, err)

	// Readers must see either the old rid set or the new one, never a mix.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			rids, err := s.GetRIDs(ctx, "doc")
			if err != nil {
				t.Errorf("GetRIDs: %v", err)
				return
			}
			if len(rids) != 2 && len(rids) != 3 {
				t.Errorf("observed partial chunk set: %v", rids)
				return
			}
		}
	}()

	three := []ChunkRow{
		{RID: "doc::1", Ordinal: 1, Meta: map[string]any{}},
		{RID: "doc::2", Ordinal: 2, Meta: map[string]any{}},
		{RID: "doc::3", Ordinal: 3, Meta: map[string]any{}},
	}
	two := sampleChunks()
	for i := 0; i < 10; i++ {
		chunks := two
		if i%2 == 0 {
			chunks = three
		}
		_, err := s.UpsertChunks(ctx, "doc", chunks, nil)
		require.NoError(t, err)
	}
	<-done
}
