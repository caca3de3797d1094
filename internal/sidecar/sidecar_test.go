package sidecar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write("doc::1", "chunk one text"))
	got, err := s.Read("doc::1")
	require.NoError(t, err)
	assert.Equal(t, "chunk one text", got)
}

func TestWriteReplaces(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write("d::1", "old"))
	require.NoError(t, s.Write("d::1", "new"))
	got, err := s.Read("d::1")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestAwkwardRIDs(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	// Docids derived from filenames can carry spaces and dots.
	rid := "My Report (final).pdf::3"
	require.NoError(t, s.Write(rid, "page three"))
	assert.True(t, s.Has(rid))
	got, err := s.Read(rid)
	require.NoError(t, err)
	assert.Equal(t, "page three", got)
}

func TestDeleteIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write("d::1", "a"))
	require.NoError(t, s.Write("d::2", "b"))

	require.NoError(t, s.Delete([]string{"d::1", "d::2"}))
	assert.False(t, s.Has("d::1"))

	// Second delete of the same rids is a no-op.
	require.NoError(t, s.Delete([]string{"d::1", "d::2"}))
}

func TestReadMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Read("ghost::1")
	assert.Error(t, err)
}
