// Package embeddings defines the Provider interface for vector embedding
// backends. The knowledge-base sync embeds every document chunk through a
// Provider, and cloud queries embed the question with the same Provider before
// a vector search, so both sides of a similarity computation must come from
// the same model.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"fmt"
)

// Provider is the abstraction over any text-embedding backend.
type Provider interface {
	// Embed computes the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for texts in one backend call. The i-th
	// result corresponds to texts[i]. On error the whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces.
	Dimensions() int

	// ModelID returns the backend model identifier, e.g. "nomic-embed-text".
	ModelID() string
}

// DefaultBatchSize bounds a single EmbedBatch call made by [EmbedAll].
const DefaultBatchSize = 64

// EmbedAll embeds texts in batches of at most batchSize (DefaultBatchSize when
// batchSize <= 0). Results keep the order of texts.
func EmbedAll(ctx context.Context, p Provider, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		vecs, err := p.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embeddings: batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embeddings: batch %d-%d: got %d vectors", start, end, len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}
