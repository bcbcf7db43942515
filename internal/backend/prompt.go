package backend

import (
	"fmt"
	"strings"

	"github.com/MrWong99/devecho/pkg/audio"
	"github.com/MrWong99/devecho/pkg/ipc"
	"github.com/MrWong99/devecho/pkg/kb"
)

// buildPrompt lays out the transcript, the retrieved documents and the
// question, separated by "---" rules.
func buildPrompt(transcript []ipc.ContextEntry, docs []kb.ScoredChunk, query string) string {
	var b strings.Builder

	if block := transcriptBlock(transcript); block != "" {
		b.WriteString(block)
		b.WriteString("\n\n---\n\n")
	}

	if len(docs) > 0 {
		b.WriteString("## Relevant Documents from Knowledge Base\n\n")
		for i, d := range docs {
			fmt.Fprintf(&b, "### Document %d: %s (relevance: %.2f)\n%s\n\n", i+1, d.Document, d.Score, d.Content)
		}
		b.WriteString("---\n\n")
	}

	b.WriteString("User Query: ")
	b.WriteString(query)
	return b.String()
}

func transcriptBlock(entries []ipc.ContextEntry) string {
	var lines []string
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		lines = append(lines, speakerLabel(e.Source)+": "+text)
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Conversation Transcript\n\n" + strings.Join(lines, "\n")
}

func speakerLabel(source string) string {
	if source == audio.SourceMicrophone.String() {
		return "You"
	}
	return "System"
}

// sourcesOf returns the distinct document names of hits in rank order.
func sourcesOf(hits []kb.ScoredChunk) []string {
	sources := []string{}
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if h.Document == "" || seen[h.Document] {
			continue
		}
		seen[h.Document] = true
		sources = append(sources, h.Document)
	}
	return sources
}
