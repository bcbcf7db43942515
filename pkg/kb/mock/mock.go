// Package mock provides a test double for [kb.Store].
//
// Each method records its call and returns the configured result. When the
// corresponding Func field is set, it replaces the canned result.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/devecho/pkg/kb"
)

var _ kb.Store = (*Store)(nil)

// ListCall records one List invocation.
type ListCall struct {
	Token string
	Limit int
}

// WriteCall records one Add or Update invocation.
type WriteCall struct {
	Name    string
	Content []byte
}

// Store is a configurable [kb.Store]. The zero value is ready to use.
type Store struct {
	mu sync.Mutex

	ListResult kb.Page
	ListErr    error
	ListFunc   func(token string, limit int) (kb.Page, error)

	GetDocument kb.Document
	GetContent  []byte
	GetErr      error

	AddErr    error
	UpdateErr error
	RemoveErr error

	ListCalls   []ListCall
	GetCalls    []string
	AddCalls    []WriteCall
	UpdateCalls []WriteCall
	RemoveCalls []string
}

// List implements [kb.Store].
func (s *Store) List(_ context.Context, token string, limit int) (kb.Page, error) {
	s.mu.Lock()
	s.ListCalls = append(s.ListCalls, ListCall{Token: token, Limit: limit})
	fn, res, err := s.ListFunc, s.ListResult, s.ListErr
	s.mu.Unlock()
	if fn != nil {
		return fn(token, limit)
	}
	return res, err
}

// Get implements [kb.Store].
func (s *Store) Get(_ context.Context, name string) (kb.Document, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls = append(s.GetCalls, name)
	return s.GetDocument, s.GetContent, s.GetErr
}

// Add implements [kb.Store]. On success it echoes a document named name.
func (s *Store) Add(_ context.Context, name string, content []byte) (kb.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AddCalls = append(s.AddCalls, WriteCall{Name: name, Content: content})
	if s.AddErr != nil {
		return kb.Document{}, s.AddErr
	}
	return kb.Document{Name: name, SizeBytes: int64(len(content)), ETag: kb.ETag(content)}, nil
}

// Update implements [kb.Store]. On success it echoes a document named name.
func (s *Store) Update(_ context.Context, name string, content []byte) (kb.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateCalls = append(s.UpdateCalls, WriteCall{Name: name, Content: content})
	if s.UpdateErr != nil {
		return kb.Document{}, s.UpdateErr
	}
	return kb.Document{Name: name, SizeBytes: int64(len(content)), ETag: kb.ETag(content)}, nil
}

// Remove implements [kb.Store].
func (s *Store) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RemoveCalls = append(s.RemoveCalls, name)
	return s.RemoveErr
}
