package knowledge

import (
	"context"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/devecho/pkg/kb"
)

// Index is a retrieval index over document chunks.
//
// Implementations must be safe for concurrent use. Replace is atomic with
// respect to Search.
type Index interface {
	// Replace swaps the indexed chunks for chunks.
	Replace(ctx context.Context, chunks []kb.Chunk) error

	// Search returns at most topK chunks ranked by relevance to query,
	// best first.
	Search(ctx context.Context, query string, topK int) ([]kb.ScoredChunk, error)
}

var _ Index = (*KeywordIndex)(nil)

// KeywordIndex ranks chunks by the share of query terms they contain. It
// needs no embedding model, so it is the default for the memory and S3 stores.
type KeywordIndex struct {
	mu     sync.RWMutex
	chunks []keywordEntry
}

type keywordEntry struct {
	chunk kb.Chunk
	terms map[string]int
}

// NewKeywordIndex returns an empty index.
func NewKeywordIndex() *KeywordIndex { return &KeywordIndex{} }

// Replace implements [Index].
func (x *KeywordIndex) Replace(_ context.Context, chunks []kb.Chunk) error {
	entries := make([]keywordEntry, len(chunks))
	for i, c := range chunks {
		terms := make(map[string]int)
		for _, t := range tokenize(c.Content) {
			terms[t]++
		}
		entries[i] = keywordEntry{chunk: c, terms: terms}
	}
	x.mu.Lock()
	x.chunks = entries
	x.mu.Unlock()
	return nil
}

// Search implements [Index]. Score is the fraction of distinct query terms
// found in the chunk; term frequency breaks ties. Chunks sharing no term are
// never returned.
func (x *KeywordIndex) Search(_ context.Context, query string, topK int) ([]kb.ScoredChunk, error) {
	qterms := uniqueTerms(query)
	if len(qterms) == 0 || topK <= 0 {
		return []kb.ScoredChunk{}, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	type hit struct {
		kb.ScoredChunk
		freq int
	}
	var hits []hit
	for _, e := range x.chunks {
		matched, freq := 0, 0
		for _, t := range qterms {
			if n := e.terms[t]; n > 0 {
				matched++
				freq += n
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, hit{
			ScoredChunk: kb.ScoredChunk{Chunk: e.chunk, Score: float64(matched) / float64(len(qterms))},
			freq:        freq,
		})
	}
	slices.SortStableFunc(hits, func(a, b hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return b.freq - a.freq
	})

	out := make([]kb.ScoredChunk, 0, min(topK, len(hits)))
	for _, h := range hits[:min(topK, len(hits))] {
		out = append(out, h.ScoredChunk)
	}
	return out, nil
}

// Len returns the number of indexed chunks.
func (x *KeywordIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "why": true,
	"with": true,
}

// tokenize lowercases s and returns its non-stopword terms.
func tokenize(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, w := range words {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

func uniqueTerms(s string) []string {
	ts := tokenize(s)
	slices.Sort(ts)
	return slices.Compact(ts)
}
