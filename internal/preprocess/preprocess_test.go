package preprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

func TestChunkTextWindow(t *testing.T) {
	// 2000 chars, size 800, overlap 120 -> stride 680.
	// Windows start at 0, 680, 1360: the last reaches the end.
	data := []byte(strings.Repeat("a", 2000))
	chunks, err := chunkText("doc", data, TxtOptions{Size: 800, Overlap: 120})
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, "doc::1", chunks[0].RID)
	assert.Equal(t, "doc::3", chunks[2].RID)
	assert.Equal(t, 0, chunks[0].Meta["offset"])
	assert.Equal(t, 680, chunks[1].Meta["offset"])
	assert.Equal(t, 1360, chunks[2].Meta["offset"])
	assert.Len(t, chunks[0].Text, 800)
	assert.Len(t, chunks[2].Text, 640)
}

func TestChunkTextOverlapContent(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("0123456789")
	}
	chunks, err := chunkText("d", []byte(b.String()), TxtOptions{Size: 100, Overlap: 20})
	require.NoError(t, err)
	require.True(t, len(chunks) > 1)

	// The tail of each chunk equals the head of the next.
	for i := 0; i < len(chunks)-1; i++ {
		tail := chunks[i].Text[len(chunks[i].Text)-20:]
		head := chunks[i+1].Text[:20]
		assert.Equal(t, tail, head, "chunk %d/%d overlap", i, i+1)
	}
}

func TestChunkTextDeterministicRIDs(t *testing.T) {
	data := []byte(strings.Repeat("x", 5000))
	a, err := chunkText("same", data, TxtOptions{Size: 800, Overlap: 120})
	require.NoError(t, err)
	b, err := chunkText("same", data, TxtOptions{Size: 800, Overlap: 120})
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].RID, b[i].RID)
		assert.Equal(t, a[i].Text, b[i].Text)
	}
}

func TestChunkTextShortInput(t *testing.T) {
	chunks, err := chunkText("d", []byte("tiny"), TxtOptions{Size: 800, Overlap: 120})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "tiny", chunks[0].Text)
}

func TestChunkTextEmpty(t *testing.T) {
	chunks, err := chunkText("d", nil, TxtOptions{Size: 800, Overlap: 120})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkTextMultibyteOffsets(t *testing.T) {
	// Each rune is 3 bytes; offsets must count bytes, windows runes.
	data := []byte(strings.Repeat("日", 30))
	chunks, err := chunkText("d", data, TxtOptions{Size: 10, Overlap: 0})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Meta["offset"])
	assert.Equal(t, 30, chunks[1].Meta["offset"])
	assert.Equal(t, 60, chunks[2].Meta["offset"])
}

func TestChunkCSVWithHeader(t *testing.T) {
	data := []byte("title,lang,body\nMoby Dick,en,a whale story\nOs Lusiadas,pt,epic poem\n")
	chunks, err := chunkCSV("d", data, CSVOptions{
		HasHeader: true,
		MetaCols:  []string{"title", "lang"},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "d::1", chunks[0].RID)
	assert.Equal(t, "a whale story", chunks[0].Text)
	assert.Equal(t, "Moby Dick", chunks[0].Meta["title"])
	assert.Equal(t, "en", chunks[0].Meta["lang"])
	assert.Equal(t, 1, chunks[0].Meta["row"])

	assert.Equal(t, "pt", chunks[1].Meta["lang"])
	assert.Equal(t, 2, chunks[1].Meta["row"])
}

func TestChunkCSVIncludeCols(t *testing.T) {
	data := []byte("lang,body\nen,first\npt,second\nen,third\n")
	chunks, err := chunkCSV("d", data, CSVOptions{
		HasHeader:   true,
		IncludeCols: map[string]string{"lang": "en"},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	// Row numbers reflect source rows, ordinals are dense.
	assert.Equal(t, 1, chunks[0].Meta["row"])
	assert.Equal(t, 3, chunks[1].Meta["row"])
	assert.Equal(t, "d::1", chunks[0].RID)
	assert.Equal(t, "d::2", chunks[1].RID)
}

func TestChunkCSVNoHeader(t *testing.T) {
	data := []byte("one,two\nthree,four\n")
	chunks, err := chunkCSV("d", data, CSVOptions{})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "one two", chunks[0].Text)
}

func TestChunkCSVMetaColsRequireHeader(t *testing.T) {
	_, err := chunkCSV("d", []byte("a,b\n"), CSVOptions{MetaCols: []string{"a"}})
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidRequest))
}

func TestChunkPDFInvalidBytes(t *testing.T) {
	_, err := chunkPDF("d", []byte("%PDF-1.7 this is not a real pdf body"))
	assert.True(t, pverr.IsCode(err, pverr.CodeUnsupportedMedia))
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		src     Source
		want    Format
		wantErr bool
	}{
		{"content type txt", Source{ContentType: "text/plain; charset=utf-8"}, FormatTxt, false},
		{"content type pdf", Source{ContentType: "application/pdf"}, FormatPDF, false},
		{"content type csv", Source{ContentType: "text/csv"}, FormatCSV, false},
		{"extension", Source{Filename: "notes.md"}, FormatTxt, false},
		{"pdf magic", Source{Data: []byte("%PDF-1.7 ...")}, FormatPDF, false},
		{"bare bytes default to txt", Source{Data: []byte("hello")}, FormatTxt, false},
		{"unsupported", Source{ContentType: "image/png"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := detectFormat(tt.src)
			if tt.wantErr {
				assert.True(t, pverr.IsCode(err, pverr.CodeUnsupportedMedia))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcessDocMeta(t *testing.T) {
	res, err := Process("doc", Source{
		Data:        []byte("some text"),
		Filename:    "notes.txt",
		ContentType: "text/plain",
	}, TxtOptions{Size: 800, Overlap: 120})
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", res.DocMeta["filename"])
	assert.Equal(t, "text/plain", res.DocMeta["content_type"])
	assert.Equal(t, "txt", res.DocMeta["format"])
}
