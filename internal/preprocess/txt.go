package preprocess

import "github.com/rodrigopitanga/patchvec/internal/pverr"

// chunkText splits data into a sliding character window of opts.Size with
// opts.Overlap characters of overlap. Offsets recorded in chunk metadata
// are byte offsets into the original data.
func chunkText(docid string, data []byte, opts TxtOptions) ([]Chunk, error) {
	if opts.Size <= 0 {
		return nil, pverr.New(pverr.CodeInvalidRequest, "chunk size must be positive, got %d", opts.Size)
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		return nil, pverr.New(pverr.CodeInvalidRequest, "chunk overlap %d out of range for size %d", opts.Overlap, opts.Size)
	}

	runes := []rune(string(data))
	if len(runes) == 0 {
		return nil, nil
	}

	// byteOff[i] is the byte offset of runes[i] in the original data.
	byteOff := make([]int, len(runes)+1)
	for i, r := range runes {
		byteOff[i+1] = byteOff[i] + len(string(r))
	}

	stride := opts.Size - opts.Overlap
	var chunks []Chunk
	for start := 0; ; start += stride {
		end := start + opts.Size
		if end > len(runes) {
			end = len(runes)
		}
		ordinal := len(chunks) + 1
		chunks = append(chunks, Chunk{
			RID:     RID(docid, ordinal),
			Ordinal: ordinal,
			Text:    string(runes[start:end]),
			Meta:    map[string]any{"offset": byteOff[start]},
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
