// Package postgres stores knowledge-base documents in a kb_documents table
// and their embedded chunks in a kb_chunks table searched with pgvector.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
//
//	page, _ := store.List(ctx, "", 20)
//	_ = store.Chunks().Replace(ctx, chunks)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS kb_documents (
    name          TEXT         PRIMARY KEY,
    key           TEXT         NOT NULL,
    content       TEXT         NOT NULL,
    size_bytes    BIGINT       NOT NULL,
    etag          TEXT         NOT NULL,
    last_modified TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlChunks bakes the embedding dimension into the column type.
func ddlChunks(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS kb_chunks (
    id         TEXT     PRIMARY KEY,
    document   TEXT     NOT NULL,
    ordinal    INTEGER  NOT NULL,
    content    TEXT     NOT NULL,
    embedding  vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kb_chunks_document
    ON kb_chunks (document);

CREATE INDEX IF NOT EXISTS idx_kb_chunks_embedding
    ON kb_chunks USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates the tables if they do not exist. A dimensions value of
// zero skips the chunk table, for deployments that only store documents.
// Changing dimensions after the first migration needs a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	statements := []string{ddlDocuments}
	if dimensions > 0 {
		statements = append(statements, ddlChunks(dimensions))
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
