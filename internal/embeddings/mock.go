package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// defaultMockDim keeps mock vectors small but collision-resistant enough
// for meaningful cosine ranking in tests.
const defaultMockDim = 128

// Mock is a deterministic embedder: each lowercased token hashes into a
// bucket of the output vector and the result is L2-normalised. Texts
// sharing tokens score higher under cosine similarity, which is enough
// for search-quality assertions without a model.
type Mock struct {
	dim int
}

// NewMock creates a mock embedder. dim <= 0 selects the default.
func NewMock(dim int) *Mock {
	if dim <= 0 {
		dim = defaultMockDim
	}
	return &Mock{dim: dim}
}

// EmbedDocuments generates embeddings for a batch of texts.
func (m *Mock) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.embed(t)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (m *Mock) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.embed(text), nil
}

// Dim returns the embedding dimensionality.
func (m *Mock) Dim() int { return m.dim }

// Fingerprint identifies the mock model and its dimension.
func (m *Mock) Fingerprint() string {
	return "mock:" + strconv.Itoa(m.dim)
}

func (m *Mock) embed(text string) []float32 {
	vec := make([]float32, m.dim)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(m.dim)] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Tokenize lowercases text and splits on non-alphanumeric runes. Shared
// with match-reason generation so both agree on what a query term is.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
