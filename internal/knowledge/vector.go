package knowledge

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/devecho/pkg/kb"
	"github.com/MrWong99/devecho/pkg/provider/embeddings"
)

// ChunkStore persists embedded chunks and searches them by vector.
// *postgres.ChunkIndex implements it.
type ChunkStore interface {
	Replace(ctx context.Context, chunks []kb.Chunk) error
	Search(ctx context.Context, embedding []float32, topK int) ([]kb.ScoredChunk, error)
}

var _ Index = (*VectorIndex)(nil)

// VectorIndex embeds chunks and queries with one embeddings provider and
// ranks by cosine similarity in a [ChunkStore].
type VectorIndex struct {
	store     ChunkStore
	embedder  embeddings.Provider
	batchSize int
	minScore  float64

	// queries caches query embeddings; nil disables caching.
	queries *lru.Cache[string, []float32]
}

// DefaultQueryCacheSize is how many query embeddings a [VectorIndex] keeps.
const DefaultQueryCacheSize = 256

// VectorOption configures a [VectorIndex].
type VectorOption func(*VectorIndex)

// WithBatchSize bounds a single embedding call during Replace.
func WithBatchSize(n int) VectorOption {
	return func(v *VectorIndex) { v.batchSize = n }
}

// WithMinScore drops hits scoring below s.
func WithMinScore(s float64) VectorOption {
	return func(v *VectorIndex) { v.minScore = s }
}

// WithQueryCache keeps the embeddings of the last n queries. Zero or less
// disables the cache.
func WithQueryCache(n int) VectorOption {
	return func(v *VectorIndex) {
		v.queries = nil
		if n <= 0 {
			return
		}
		c, err := lru.New[string, []float32](n)
		if err != nil {
			// Only reachable with a non-positive size.
			panic(err)
		}
		v.queries = c
	}
}

// NewVectorIndex returns a VectorIndex over store.
func NewVectorIndex(store ChunkStore, embedder embeddings.Provider, opts ...VectorOption) *VectorIndex {
	v := &VectorIndex{store: store, embedder: embedder}
	WithQueryCache(DefaultQueryCacheSize)(v)
	for _, o := range opts {
		o(v)
	}
	return v
}

// Replace embeds every chunk and hands them to the store.
func (v *VectorIndex) Replace(ctx context.Context, chunks []kb.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := embeddings.EmbedAll(ctx, v.embedder, texts, v.batchSize)
	if err != nil {
		return fmt.Errorf("knowledge: embed chunks: %w", err)
	}
	embedded := make([]kb.Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = vecs[i]
		embedded[i] = c
	}
	return v.store.Replace(ctx, embedded)
}

// Search embeds query and returns the nearest chunks.
func (v *VectorIndex) Search(ctx context.Context, query string, topK int) ([]kb.ScoredChunk, error) {
	if topK <= 0 {
		return []kb.ScoredChunk{}, nil
	}
	vec, err := v.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := v.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= v.minScore {
			out = append(out, h)
		}
	}
	return out, nil
}

func (v *VectorIndex) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if v.queries != nil {
		if vec, ok := v.queries.Get(query); ok {
			return vec, nil
		}
	}
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if v.queries != nil {
		v.queries.Add(query, vec)
	}
	return vec, nil
}
