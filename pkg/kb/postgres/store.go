package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/devecho/pkg/kb"
)

var _ kb.Store = (*Store)(nil)

// uniqueViolation is the SQLSTATE for a duplicate primary key.
const uniqueViolation = "23505"

// Store implements [kb.Store] over a connection pool. Continuation tokens
// encode the last name of the previous page (keyset pagination).
type Store struct {
	pool   *pgxpool.Pool
	prefix string
	chunks *ChunkIndex
}

// NewStore connects to dsn, registers the pgvector types on every
// connection and runs [Migrate]. dimensions sizes the chunk embeddings; zero
// leaves the chunk table out and makes [Store.Chunks] return nil.
func NewStore(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if dimensions > 0 {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool, prefix: "kb-documents/"}
	if dimensions > 0 {
		s.chunks = &ChunkIndex{pool: pool, dimensions: dimensions}
	}
	return s, nil
}

// Chunks returns the vector chunk index sharing this store's pool.
func (s *Store) Chunks() *ChunkIndex { return s.chunks }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// List implements [kb.Store].
func (s *Store) List(ctx context.Context, token string, limit int) (kb.Page, error) {
	after, err := kb.DecodeCursor(token)
	if err != nil {
		return kb.Page{}, err
	}
	limit = kb.ClampLimit(limit)

	// One extra row tells us whether another page follows.
	const q = `
		SELECT name, key, size_bytes, etag, last_modified
		FROM   kb_documents
		WHERE  name > $1
		ORDER  BY name
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, after, limit+1)
	if err != nil {
		return kb.Page{}, fmt.Errorf("postgres: list: %w", err)
	}
	docs, err := pgx.CollectRows(rows, scanDocument)
	if err != nil {
		return kb.Page{}, fmt.Errorf("postgres: list: scan: %w", err)
	}

	page := kb.Page{Documents: docs}
	if len(docs) > limit {
		page.Documents = docs[:limit]
		page.NextToken = kb.EncodeCursor(docs[limit-1].Name)
	}
	if page.Documents == nil {
		page.Documents = []kb.Document{}
	}
	return page, nil
}

// Get implements [kb.Store].
func (s *Store) Get(ctx context.Context, name string) (kb.Document, []byte, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, nil, err
	}
	const q = `
		SELECT name, key, size_bytes, etag, last_modified, content
		FROM   kb_documents
		WHERE  name = $1`
	var (
		doc     kb.Document
		content string
	)
	err = s.pool.QueryRow(ctx, q, name).Scan(&doc.Name, &doc.Key, &doc.SizeBytes, &doc.ETag, &doc.LastModified, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return kb.Document{}, nil, &kb.NotFoundError{Name: name}
	}
	if err != nil {
		return kb.Document{}, nil, fmt.Errorf("postgres: get %q: %w", name, err)
	}
	doc.LastModified = doc.LastModified.UTC()
	return doc, []byte(content), nil
}

// Add implements [kb.Store].
func (s *Store) Add(ctx context.Context, name string, content []byte) (kb.Document, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, err
	}
	doc := s.document(name, content)
	const q = `
		INSERT INTO kb_documents (name, key, content, size_bytes, etag, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.pool.Exec(ctx, q, doc.Name, doc.Key, string(content), doc.SizeBytes, doc.ETag, doc.LastModified)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return kb.Document{}, &kb.ExistsError{Name: name}
		}
		return kb.Document{}, fmt.Errorf("postgres: add %q: %w", name, err)
	}
	return doc, nil
}

// Update implements [kb.Store].
func (s *Store) Update(ctx context.Context, name string, content []byte) (kb.Document, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, err
	}
	doc := s.document(name, content)
	const q = `
		UPDATE kb_documents
		SET    content = $2, size_bytes = $3, etag = $4, last_modified = $5
		WHERE  name = $1`
	tag, err := s.pool.Exec(ctx, q, doc.Name, string(content), doc.SizeBytes, doc.ETag, doc.LastModified)
	if err != nil {
		return kb.Document{}, fmt.Errorf("postgres: update %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return kb.Document{}, &kb.NotFoundError{Name: name}
	}
	return doc, nil
}

// Remove implements [kb.Store]. The document's chunks are removed with it.
func (s *Store) Remove(ctx context.Context, name string) error {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM kb_documents WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("postgres: remove %q: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			return &kb.NotFoundError{Name: name}
		}
		if s.chunks != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM kb_chunks WHERE document = $1`, name); err != nil {
				return fmt.Errorf("postgres: remove chunks of %q: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) document(name string, content []byte) kb.Document {
	return kb.Document{
		Name:         name,
		Key:          s.prefix + name,
		SizeBytes:    int64(len(content)),
		LastModified: time.Now().UTC().Truncate(time.Microsecond),
		ETag:         kb.ETag(content),
	}
}

func scanDocument(row pgx.CollectableRow) (kb.Document, error) {
	var d kb.Document
	if err := row.Scan(&d.Name, &d.Key, &d.SizeBytes, &d.ETag, &d.LastModified); err != nil {
		return kb.Document{}, err
	}
	d.LastModified = d.LastModified.UTC()
	return d, nil
}
