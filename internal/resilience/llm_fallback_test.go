package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/devecho/pkg/provider/llm"
	llmmock "github.com/MrWong99/devecho/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		primaryErr error
		wantText   string
		wantModel  string
		wantCalls2 int
	}{
		{name: "primary answers", wantText: "from primary", wantModel: "claude", wantCalls2: 0},
		{name: "failover", primaryErr: errors.New("primary down"), wantText: "from secondary", wantModel: "gpt", wantCalls2: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{
				ModelName:        "claude",
				CompleteErr:      tt.primaryErr,
				CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
			}
			secondary := &llmmock.Provider{
				ModelName:        "gpt",
				CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
			}
			fb := NewLLMFallback(primary, "anthropic", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
			fb.AddFallback("openai", secondary)

			resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Content != tt.wantText || resp.Model != tt.wantModel {
				t.Errorf("resp = %+v, want %q from %q", resp, tt.wantText, tt.wantModel)
			}
			if got := len(secondary.Calls()); got != tt.wantCalls2 {
				t.Errorf("secondary called %d times, want %d", got, tt.wantCalls2)
			}
			if fb.Model() != "claude" {
				t.Errorf("Model() = %q, want primary's", fb.Model())
			}
		})
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	t.Parallel()
	boom := errors.New("401 unauthorized")
	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: boom}, "anthropic", FallbackConfig{})
	fb.AddFallback("openai", &llmmock.Provider{CompleteErr: errors.New("503")})

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the primary error", err)
	}
	if st := fb.States(); len(st) != 2 {
		t.Errorf("States() = %v", st)
	}
}
