package knowledge

import (
	"strings"
	"unicode"
)

// DefaultRAGKeywords are the words and phrases that point a question at the
// team's own documents rather than general knowledge.
var DefaultRAGKeywords = []string{
	// personal and historical references
	"previous", "last time", "before", "earlier", "ago",
	"our", "we", "my", "us",
	// documents
	"document", "doc", "docs", "documentation",
	"file", "files", "notes", "note",
	// architecture and design
	"architecture", "design", "decision", "decisions",
	"pattern", "patterns", "approach",
	// code
	"codebase", "repository", "repo", "code",
	"implementation", "implemented",
	// memory
	"remember", "recall", "mentioned", "discussed",
	"talked about", "said",
	// the knowledge base itself
	"knowledge base", "kb", "stored", "saved",
}

// Classifier decides whether a query needs knowledge-base retrieval.
// Keywords match whole words, so "us" does not match "just".
type Classifier struct {
	keywords []string
}

// NewClassifier returns a Classifier over keywords, or [DefaultRAGKeywords]
// when none are given.
func NewClassifier(keywords ...string) *Classifier {
	if len(keywords) == 0 {
		keywords = DefaultRAGKeywords
	}
	c := &Classifier{keywords: make([]string, 0, len(keywords))}
	for _, k := range keywords {
		if n := normalize(k); n != "" {
			c.keywords = append(c.keywords, " "+n+" ")
		}
	}
	return c
}

// NeedsRetrieval reports whether query mentions any keyword.
func (c *Classifier) NeedsRetrieval(query string) bool {
	_, ok := c.Match(query)
	return ok
}

// Match returns the first keyword found in query.
func (c *Classifier) Match(query string) (string, bool) {
	q := " " + normalize(query) + " "
	for _, k := range c.keywords {
		if strings.Contains(q, k) {
			return strings.TrimSpace(k), true
		}
	}
	return "", false
}

// normalize lowercases s and collapses everything that is not a letter or
// digit into single spaces.
func normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}
