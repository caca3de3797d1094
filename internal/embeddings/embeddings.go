// Package embeddings provides embedding generation for patchvec.
//
// The engine consumes the narrow Embedder interface; the concrete model
// behind it is a collaborator. Providers: "openai" for any
// OpenAI-compatible embeddings API, and "mock" for deterministic
// offline vectors used in tests.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/rodrigopitanga/patchvec/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates dense vectors from text.
//
// Implementations must be safe for concurrent use: the engine embeds
// queries outside any collection lock.
type Embedder interface {
	// EmbedDocuments generates embeddings for a batch of texts,
	// one vector per input in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dim is the output dimensionality.
	Dim() int

	// Fingerprint identifies the model. Collections record it at
	// creation and refuse to open under a different fingerprint.
	Fingerprint() string
}

// New builds an Embedder from config.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAI(cfg)
	case "mock":
		return NewMock(0), nil
	default:
		return nil, fmt.Errorf("unknown embedder type %q", cfg.Type)
	}
}
