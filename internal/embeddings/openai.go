package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rodrigopitanga/patchvec/internal/config"
)

// defaultOpenAIModel is used when no model is configured.
const defaultOpenAIModel = "text-embedding-3-small"

// openAIDims maps known models to their output dimensionality.
var openAIDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAI embeds text via an OpenAI-compatible embeddings API.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAI creates an OpenAI-compatible embedder. BaseURL may point at
// any server implementing the embeddings endpoint.
func NewOpenAI(cfg config.EmbedderConfig) (*OpenAI, error) {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	dim, ok := openAIDims[model]
	if !ok {
		// Unknown models are allowed; Dim reports 0 until the first
		// response sets it. A backend configured with dimension 0 does
		// not check vector lengths on upsert.
		dim = 0
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		dim:    dim,
	}, nil
}

// EmbedDocuments generates embeddings for a batch of texts.
func (o *OpenAI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEmbeddingFailed, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	if o.dim == 0 && len(out[0]) > 0 {
		o.dim = len(out[0])
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (o *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dim returns the embedding dimensionality, 0 if not yet known.
func (o *OpenAI) Dim() int { return o.dim }

// Fingerprint identifies the provider and model.
func (o *OpenAI) Fingerprint() string { return "openai:" + o.model }
