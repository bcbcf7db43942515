package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/devecho/pkg/kb"
)

// ChunkIndex stores embedded chunks in kb_chunks and ranks them by cosine
// distance. Obtain one via [Store.Chunks].
type ChunkIndex struct {
	pool       *pgxpool.Pool
	dimensions int
}

// Dimensions returns the embedding width of the table.
func (c *ChunkIndex) Dimensions() int { return c.dimensions }

// Replace swaps the whole index for chunks in one transaction, so searches
// never observe a half-built index.
func (c *ChunkIndex) Replace(ctx context.Context, chunks []kb.Chunk) error {
	for _, ch := range chunks {
		if len(ch.Embedding) != c.dimensions {
			return fmt.Errorf("postgres: chunk %q has %d dimensions, want %d", ch.ID, len(ch.Embedding), c.dimensions)
		}
	}
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM kb_chunks`); err != nil {
			return err
		}
		rows := make([][]any, len(chunks))
		for i, ch := range chunks {
			rows[i] = []any{ch.ID, ch.Document, ch.Ordinal, ch.Content, pgvector.NewVector(ch.Embedding)}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"kb_chunks"},
			[]string{"id", "document", "ordinal", "content", "embedding"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: replace chunks: %w", err)
	}
	return nil
}

// Search returns the topK chunks closest to embedding. Score is
// 1 - cosine distance.
func (c *ChunkIndex) Search(ctx context.Context, embedding []float32, topK int) ([]kb.ScoredChunk, error) {
	const q = `
		SELECT id, document, ordinal, content, embedding <=> $1 AS distance
		FROM   kb_chunks
		ORDER  BY distance
		LIMIT  $2`
	rows, err := c.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search chunks: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kb.ScoredChunk, error) {
		var (
			sc       kb.ScoredChunk
			distance float64
		)
		if err := row.Scan(&sc.ID, &sc.Document, &sc.Ordinal, &sc.Content, &distance); err != nil {
			return kb.ScoredChunk{}, err
		}
		sc.Score = 1 - distance
		return sc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: search chunks: scan: %w", err)
	}
	if results == nil {
		results = []kb.ScoredChunk{}
	}
	return results, nil
}

// Count returns the number of indexed chunks.
func (c *ChunkIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.pool.QueryRow(ctx, `SELECT count(*) FROM kb_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count chunks: %w", err)
	}
	return n, nil
}
