// Package kb defines the knowledge-base document store: a flat collection of
// markdown documents addressed by name and listed in pages.
//
// Implementations live in subpackages: memstore (in memory), s3store (an S3
// bucket prefix) and postgres (a kb_documents table). All of them order
// documents by name and hand out opaque continuation tokens.
package kb

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors. Implementations wrap them so callers can use errors.Is.
var (
	ErrExists          = errors.New("kb: document already exists")
	ErrNotFound        = errors.New("kb: document not found")
	ErrInvalidMarkdown = errors.New("kb: invalid markdown")
	ErrInvalidToken    = errors.New("kb: invalid continuation token")
)

// Paging limits.
const (
	DefaultPageSize = 20
	MaxPageSize     = 1000
)

// Extensions accepted for documents.
var Extensions = []string{".md", ".markdown"}

// Document describes one stored document.
type Document struct {
	Name         string
	Key          string
	SizeBytes    int64
	LastModified time.Time
	ETag         string
}

// Page is one slice of a listing. NextToken is empty on the last page.
type Page struct {
	Documents []Document
	NextToken string
}

// HasMore reports whether another page follows.
func (p Page) HasMore() bool { return p.NextToken != "" }

// Store persists knowledge-base documents.
type Store interface {
	// List returns up to limit documents in name order, starting after the
	// position encoded in token. An empty token starts at the beginning.
	// A limit of zero or less means DefaultPageSize.
	List(ctx context.Context, token string, limit int) (Page, error)

	// Get returns the document and its content.
	Get(ctx context.Context, name string) (Document, []byte, error)

	// Add stores a new document. It fails with ErrExists if name is taken.
	Add(ctx context.Context, name string, content []byte) (Document, error)

	// Update replaces an existing document. It fails with ErrNotFound if
	// there is nothing to replace.
	Update(ctx context.Context, name string, content []byte) (Document, error)

	// Remove deletes a document. It fails with ErrNotFound if it is absent.
	Remove(ctx context.Context, name string) error
}

// NotFoundError carries the missing name and unwraps to [ErrNotFound].
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return "document not found: " + e.Name }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ExistsError carries the taken name and unwraps to [ErrExists].
type ExistsError struct{ Name string }

func (e *ExistsError) Error() string {
	return fmt.Sprintf("document already exists: %s. Use /update instead.", e.Name)
}
func (e *ExistsError) Unwrap() error { return ErrExists }

// InvalidMarkdownError explains why a file was rejected.
type InvalidMarkdownError struct {
	Path   string
	Reason string
}

func (e *InvalidMarkdownError) Error() string {
	return fmt.Sprintf("invalid markdown file '%s': %s", e.Path, e.Reason)
}
func (e *InvalidMarkdownError) Unwrap() error { return ErrInvalidMarkdown }

// IsMarkdownName reports whether name carries one of [Extensions].
func IsMarkdownName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// NormalizeName trims name and appends ".md" when it has no markdown
// extension. Names must not contain path separators.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &InvalidMarkdownError{Path: name, Reason: "document name is empty"}
	}
	if strings.ContainsAny(name, `/\`) {
		return "", &InvalidMarkdownError{Path: name, Reason: "document name must not contain path separators"}
	}
	if !IsMarkdownName(name) {
		name += ".md"
	}
	return name, nil
}

// ReadMarkdown loads a local markdown file for upload. When name is empty it
// is derived from the file name. The file must have a markdown extension,
// be a regular readable file, be non-empty and hold valid UTF-8.
func ReadMarkdown(path, name string) (string, []byte, error) {
	if !IsMarkdownName(path) {
		return "", nil, &InvalidMarkdownError{Path: path, Reason: "File must have extension: " + strings.Join(Extensions, ", ")}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, fmt.Errorf("kb: source file not found: %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", nil, &InvalidMarkdownError{Path: path, Reason: "source is not a file"}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("kb: read %s: %w", path, err)
	}
	if len(content) == 0 {
		return "", nil, &InvalidMarkdownError{Path: path, Reason: "file is empty"}
	}
	if !utf8.Valid(content) {
		return "", nil, &InvalidMarkdownError{Path: path, Reason: "file is not valid UTF-8 text"}
	}
	if name == "" {
		name = filepath.Base(path)
	}
	name, err = NormalizeName(name)
	if err != nil {
		return "", nil, err
	}
	return name, content, nil
}

// ClampLimit maps a requested page size onto [1, MaxPageSize], with zero or
// less meaning DefaultPageSize.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// ListAll walks every page of s.
func ListAll(ctx context.Context, s Store, pageSize int) ([]Document, error) {
	var (
		all   []Document
		token string
		seen  = map[string]bool{}
	)
	for {
		page, err := s.List(ctx, token, pageSize)
		if err != nil {
			return all, err
		}
		all = append(all, page.Documents...)
		if !page.HasMore() {
			return all, nil
		}
		if seen[page.NextToken] {
			return all, fmt.Errorf("kb: list all: repeated continuation token %q", page.NextToken)
		}
		seen[page.NextToken] = true
		token = page.NextToken
	}
}

// EncodeCursor turns the last name of a page into a continuation token for
// keyset-paginated stores.
func EncodeCursor(lastName string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastName))
}

// DecodeCursor reverses [EncodeCursor]. An empty token decodes to "".
func DecodeCursor(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(b) == 0 || !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return string(b), nil
}

// ETag returns the hex MD5 of content, the same form S3 uses for
// single-part uploads.
func ETag(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// Chunk is a retrievable slice of a document.
type Chunk struct {
	// ID is unique across the index, e.g. "notes.md#3".
	ID       string
	Document string
	Ordinal  int
	Content  string

	// Embedding is set for vector indexes.
	Embedding []float32
}

// ScoredChunk is a retrieval hit. Higher Score is more relevant.
type ScoredChunk struct {
	Chunk
	Score float64
}
