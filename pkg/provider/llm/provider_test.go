package llm

import "testing"

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		texts []string
		want  int
	}{
		{"empty", nil, 0},
		{"blank", []string{"   \n\t"}, 0},
		{"single", []string{"hello world"}, 2},
		{"multiple", []string{"what did we decide", "use  postgres\nfor storage"}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := EstimateTokens(tt.texts...); got != tt.want {
				t.Errorf("EstimateTokens = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTokensUsed(t *testing.T) {
	t.Parallel()
	reported := &CompletionResponse{Content: "one two", Usage: Usage{TotalTokens: 42}}
	if got := reported.TokensUsed("a b c"); got != 42 {
		t.Errorf("reported usage: got %d, want 42", got)
	}
	estimated := &CompletionResponse{Content: "one two"}
	if got := estimated.TokensUsed("a b c"); got != 5 {
		t.Errorf("estimated usage: got %d, want 5", got)
	}
}
