// Package knowledge turns knowledge-base documents into something the cloud
// query path can retrieve from.
//
// A [Syncer] pages through a [kb.Store], splits every document into chunks
// and replaces an [Index] with them. At query time a [Classifier] decides
// whether a question needs retrieval, and the index returns the top-k chunks.
package knowledge

import (
	"fmt"
	"strings"

	"github.com/MrWong99/devecho/pkg/kb"
)

// DefaultChunkSize is the target chunk length in words.
const DefaultChunkSize = 200

// Split cuts content into chunks of at most size words. Paragraphs (blank-line
// separated) are kept together when they fit; a paragraph longer than size is
// cut on word boundaries. Chunk IDs are "<document>#<ordinal>".
func Split(document string, content []byte, size int) []kb.Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var (
		chunks  []kb.Chunk
		current []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, kb.Chunk{
			ID:       fmt.Sprintf("%s#%d", document, len(chunks)),
			Document: document,
			Ordinal:  len(chunks),
			Content:  strings.Join(current, "\n\n"),
		})
		current = current[:0]
	}

	words := 0
	for _, para := range paragraphs(string(content)) {
		fields := strings.Fields(para)
		if words+len(fields) > size {
			flush()
			words = 0
		}
		for len(fields) > size {
			current = append(current, strings.Join(fields[:size], " "))
			flush()
			fields = fields[size:]
		}
		if len(fields) == 0 {
			continue
		}
		current = append(current, strings.Join(fields, " "))
		words += len(fields)
	}
	flush()
	return chunks
}

func paragraphs(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(s, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
