package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilnhq/kiln"
)

// EmbeddingClient implements kiln.EmbeddingProvider against an
// OpenAI-compatible /embeddings endpoint.
type EmbeddingClient struct {
	p          *Provider
	dimensions int
}

// NewEmbedding creates an embedding client. dimensions is the requested
// output size; zero lets the model decide.
func NewEmbedding(apiKey, model, baseURL string, dimensions int, opts ...Option) *EmbeddingClient {
	p := New(apiKey, model, baseURL, opts...)
	return &EmbeddingClient{p: p, dimensions: dimensions}
}

// Name reports the provider name.
func (e *EmbeddingClient) Name() string { return e.p.name }

// Dimensions reports the embedding width.
func (e *EmbeddingClient) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order.
func (e *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()
	data, err := e.p.post(ctx, "/embeddings", embedBody{
		Model:      e.p.model,
		Input:      texts,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, kiln.Errorf(kiln.KindTransport, "decode embeddings response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, kiln.E(kiln.KindTransport,
			fmt.Sprintf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(texts)))
	}

	// The API reports an index per vector; order by it rather than trusting
	// array order.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, kiln.E(kiln.KindTransport, fmt.Sprintf("embedding index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	e.p.logger.Debug("embeddings", "provider", e.p.name, "inputs", len(texts), "duration", time.Since(start))
	return vectors, nil
}

var _ kiln.EmbeddingProvider = (*EmbeddingClient)(nil)
