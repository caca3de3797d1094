// Package preprocess turns ingested documents into ordered chunks.
//
// Each supported format has its own chunking rule: plain text uses a
// sliding character window with overlap, PDFs emit one chunk per page,
// and CSV emits one chunk per data row with header-aware metadata
// projection. Chunk ids are deterministic ({DOCID}::{ordinal}), so
// re-ingesting identical bytes yields identical rids.
package preprocess

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

// Chunk is one indexed unit produced by the preprocessor.
type Chunk struct {
	// RID is the record id, {DOCID}::{ordinal} with a 1-based ordinal.
	RID string

	// Ordinal is the 1-based position of the chunk within its document.
	Ordinal int

	// Text is the chunk content. May be empty for blank PDF pages.
	Text string

	// Meta holds genuinely per-chunk fields: offset, page, or row.
	Meta map[string]any
}

// Result is the preprocessor output for one document.
type Result struct {
	Chunks  []Chunk
	DocMeta map[string]any
}

// Source is the raw input handed to the preprocessor.
type Source struct {
	Data        []byte
	Filename    string
	ContentType string
	CSV         CSVOptions
}

// CSVOptions are the caller-supplied knobs for CSV sources.
type CSVOptions struct {
	// HasHeader promotes the first row to column names.
	HasHeader bool

	// MetaCols lists header names projected into chunk metadata instead
	// of chunk text. Requires HasHeader.
	MetaCols []string

	// IncludeCols restricts which rows are emitted: a row is kept only
	// when every named column equals the given value. Requires HasHeader.
	IncludeCols map[string]string
}

// TxtOptions are the sliding-window parameters for plain text.
type TxtOptions struct {
	Size    int
	Overlap int
}

// Format identifies a supported source format.
type Format string

const (
	FormatTxt Format = "txt"
	FormatPDF Format = "pdf"
	FormatCSV Format = "csv"
)

// RID formats a record id from a document id and 1-based ordinal.
func RID(docid string, ordinal int) string {
	return fmt.Sprintf("%s::%d", docid, ordinal)
}

// Process chunks src into ordered (rid, text, meta) triples for docid.
// The returned DocMeta records filename and content type; caller-supplied
// document metadata is merged downstream.
func Process(docid string, src Source, txt TxtOptions) (*Result, error) {
	format, err := detectFormat(src)
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	switch format {
	case FormatTxt:
		chunks, err = chunkText(docid, src.Data, txt)
	case FormatPDF:
		chunks, err = chunkPDF(docid, src.Data)
	case FormatCSV:
		chunks, err = chunkCSV(docid, src.Data, src.CSV)
	}
	if err != nil {
		return nil, err
	}

	docMeta := map[string]any{"format": string(format)}
	if src.Filename != "" {
		docMeta["filename"] = src.Filename
	}
	if src.ContentType != "" {
		docMeta["content_type"] = src.ContentType
	}

	return &Result{Chunks: chunks, DocMeta: docMeta}, nil
}

// detectFormat resolves the source format from the content-type hint,
// the filename extension, and finally content sniffing.
func detectFormat(src Source) (Format, error) {
	ct := strings.ToLower(src.ContentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "text/plain", "text/markdown":
		return FormatTxt, nil
	case "application/pdf":
		return FormatPDF, nil
	case "text/csv", "application/csv":
		return FormatCSV, nil
	}

	switch strings.ToLower(filepath.Ext(src.Filename)) {
	case ".txt", ".md", ".text":
		return FormatTxt, nil
	case ".pdf":
		return FormatPDF, nil
	case ".csv":
		return FormatCSV, nil
	}

	// Octet-stream or absent hints still get a chance via magic bytes.
	if len(src.Data) >= 5 && string(src.Data[:5]) == "%PDF-" {
		return FormatPDF, nil
	}
	if ct == "" || ct == "application/octet-stream" {
		return FormatTxt, nil
	}

	return "", pverr.New(pverr.CodeUnsupportedMedia, "unsupported content type %q", src.ContentType)
}
