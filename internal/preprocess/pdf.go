package preprocess

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

// chunkPDF emits one chunk per page. Pages whose text extraction fails
// or yields nothing are still emitted with empty text so that page
// numbering stays aligned with the source document.
func chunkPDF(docid string, data []byte) ([]Chunk, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, pverr.Wrap(pverr.CodeUnsupportedMedia, err, "parsing PDF")
	}

	total := reader.NumPage()
	chunks := make([]Chunk, 0, total)
	for pageNum := 1; pageNum <= total; pageNum++ {
		text := ""
		page := reader.Page(pageNum)
		if !page.V.IsNull() {
			if extracted, err := page.GetPlainText(nil); err == nil {
				text = strings.TrimSpace(extracted)
			}
		}
		chunks = append(chunks, Chunk{
			RID:     RID(docid, pageNum),
			Ordinal: pageNum,
			Text:    text,
			Meta:    map[string]any{"page": pageNum},
		})
	}
	return chunks, nil
}
