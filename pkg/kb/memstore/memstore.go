// Package memstore is an in-memory [kb.Store]. Documents are kept in a map
// with a sorted name index; continuation tokens encode the last name served.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/devecho/pkg/kb"
)

var _ kb.Store = (*Store)(nil)

type entry struct {
	doc     kb.Document
	content []byte
}

// Store is safe for concurrent use.
type Store struct {
	prefix string
	now    func() time.Time

	mu    sync.RWMutex
	docs  map[string]entry
	names []string // sorted
}

// Option configures a [Store].
type Option func(*Store)

// WithPrefix sets the prefix used to build each document's Key.
// Default: "kb-documents/".
func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

// WithClock replaces time.Now for LastModified stamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{prefix: "kb-documents/", now: time.Now, docs: make(map[string]entry)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// List implements [kb.Store].
func (s *Store) List(_ context.Context, token string, limit int) (kb.Page, error) {
	after, err := kb.DecodeCursor(token)
	if err != nil {
		return kb.Page{}, err
	}
	limit = kb.ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if after != "" {
		i, found := slices.BinarySearch(s.names, after)
		if found {
			i++
		}
		start = i
	}
	end := min(start+limit, len(s.names))

	page := kb.Page{Documents: make([]kb.Document, 0, end-start)}
	for _, name := range s.names[start:end] {
		page.Documents = append(page.Documents, s.docs[name].doc)
	}
	if end < len(s.names) {
		page.NextToken = kb.EncodeCursor(s.names[end-1])
	}
	return page, nil
}

// Get implements [kb.Store].
func (s *Store) Get(_ context.Context, name string) (kb.Document, []byte, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[name]
	if !ok {
		return kb.Document{}, nil, &kb.NotFoundError{Name: name}
	}
	return e.doc, slices.Clone(e.content), nil
}

// Add implements [kb.Store].
func (s *Store) Add(_ context.Context, name string, content []byte) (kb.Document, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[name]; ok {
		return kb.Document{}, &kb.ExistsError{Name: name}
	}
	i, _ := slices.BinarySearch(s.names, name)
	s.names = slices.Insert(s.names, i, name)
	return s.put(name, content), nil
}

// Update implements [kb.Store].
func (s *Store) Update(_ context.Context, name string, content []byte) (kb.Document, error) {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return kb.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[name]; !ok {
		return kb.Document{}, &kb.NotFoundError{Name: name}
	}
	return s.put(name, content), nil
}

// Remove implements [kb.Store].
func (s *Store) Remove(_ context.Context, name string) error {
	name, err := kb.NormalizeName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[name]; !ok {
		return &kb.NotFoundError{Name: name}
	}
	delete(s.docs, name)
	if i, found := slices.BinarySearch(s.names, name); found {
		s.names = slices.Delete(s.names, i, i+1)
	}
	return nil
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}

// put must be called with s.mu held.
func (s *Store) put(name string, content []byte) kb.Document {
	doc := kb.Document{
		Name:         name,
		Key:          s.prefix + name,
		SizeBytes:    int64(len(content)),
		LastModified: s.now().UTC(),
		ETag:         kb.ETag(content),
	}
	s.docs[name] = entry{doc: doc, content: slices.Clone(content)}
	return doc
}
