package preprocess

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

// chunkCSV emits one chunk per data row. With a header, the header names
// become metadata keys: columns listed in MetaCols are projected into
// chunk metadata and the remaining cells are concatenated into the chunk
// text. IncludeCols drops rows whose named columns don't match.
func chunkCSV(docid string, data []byte, opts CSVOptions) ([]Chunk, error) {
	if !opts.HasHeader && (len(opts.MetaCols) > 0 || len(opts.IncludeCols) > 0) {
		return nil, pverr.New(pverr.CodeInvalidRequest, "meta_cols and include_cols require has_header")
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	var header []string
	if opts.HasHeader {
		row, err := r.Read()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, pverr.Wrap(pverr.CodeInvalidRequest, err, "reading CSV header")
		}
		header = row
	}

	metaSet := make(map[string]bool, len(opts.MetaCols))
	for _, c := range opts.MetaCols {
		metaSet[c] = true
	}

	var chunks []Chunk
	rowNum := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, pverr.Wrap(pverr.CodeInvalidRequest, err, "reading CSV row %d", rowNum+1)
		}
		rowNum++

		cells := rowCells(header, row)
		if !rowIncluded(cells, opts.IncludeCols) {
			continue
		}

		meta := map[string]any{"row": rowNum}
		var textParts []string
		for _, c := range cells {
			if metaSet[c.name] {
				meta[c.name] = c.value
			} else {
				textParts = append(textParts, c.value)
			}
		}

		ordinal := len(chunks) + 1
		chunks = append(chunks, Chunk{
			RID:     RID(docid, ordinal),
			Ordinal: ordinal,
			Text:    strings.Join(textParts, " "),
			Meta:    meta,
		})
	}
	return chunks, nil
}

type cell struct {
	name  string
	value string
}

// rowCells pairs each value with its header name; cells beyond the
// header get an empty name and stay in the chunk text, so no data is
// dropped.
func rowCells(header, row []string) []cell {
	cells := make([]cell, len(row))
	for i, v := range row {
		name := ""
		if i < len(header) {
			name = header[i]
		}
		cells[i] = cell{name: name, value: v}
	}
	return cells
}

func rowIncluded(cells []cell, include map[string]string) bool {
	if len(include) == 0 {
		return true
	}
	byName := make(map[string]string, len(cells))
	for _, c := range cells {
		if c.name != "" {
			byName[c.name] = c.value
		}
	}
	for name, want := range include {
		if byName[name] != want {
			return false
		}
	}
	return true
}
