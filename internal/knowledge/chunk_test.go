package knowledge

import (
	"strings"
	"testing"
)

func TestSplit(t *testing.T) {
	t.Parallel()

	long := strings.TrimSpace(strings.Repeat("word ", 25))

	tests := []struct {
		name    string
		content string
		size    int
		want    []string
	}{
		{
			name:    "empty",
			content: "  \n\n ",
			size:    10,
			want:    nil,
		},
		{
			name:    "paragraphs packed together",
			content: "# Title\n\none two three\n\nfour five",
			size:    10,
			want:    []string{"# Title\n\none two three\n\nfour five"},
		},
		{
			name:    "paragraph boundary starts a new chunk",
			content: "a b c d\n\ne f g h",
			size:    5,
			want:    []string{"a b c d", "e f g h"},
		},
		{
			name:    "long paragraph cut on words",
			content: long,
			size:    10,
			want: []string{
				strings.TrimSpace(strings.Repeat("word ", 10)),
				strings.TrimSpace(strings.Repeat("word ", 10)),
				strings.TrimSpace(strings.Repeat("word ", 5)),
			},
		},
		{
			name:    "crlf line endings",
			content: "a b\r\n\r\nc d",
			size:    2,
			want:    []string{"a b", "c d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Split("doc.md", []byte(tt.content), tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, c := range got {
				if c.Content != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, c.Content, tt.want[i])
				}
				if c.Ordinal != i || c.Document != "doc.md" {
					t.Errorf("chunk %d = %+v", i, c)
				}
			}
		})
	}
}

func TestSplit_IDs(t *testing.T) {
	t.Parallel()
	got := Split("notes.md", []byte("a\n\nb"), 1)
	if len(got) != 2 || got[0].ID != "notes.md#0" || got[1].ID != "notes.md#1" {
		t.Errorf("ids = %+v", got)
	}
}

func TestSplit_DefaultSize(t *testing.T) {
	t.Parallel()
	content := strings.Repeat("x ", DefaultChunkSize+1)
	if got := Split("d.md", []byte(content), 0); len(got) != 2 {
		t.Errorf("got %d chunks, want 2", len(got))
	}
}
