package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// embeddingsServer serves /v1/embeddings, returning vectors in reverse index
// order so the provider has to reorder them.
func embeddingsServer(t *testing.T, wantDims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("path = %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req struct {
			Model      string `json:"model"`
			Input      any    `json:"input"`
			Dimensions int    `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Dimensions != wantDims {
			t.Errorf("dimensions = %d, want %d", req.Dimensions, wantDims)
		}
		var inputs []string
		switch in := req.Input.(type) {
		case string:
			inputs = []string{in}
		case []any:
			for _, s := range in {
				inputs = append(inputs, s.(string))
			}
		}
		data := make([]map[string]any, 0, len(inputs))
		for i := len(inputs) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{float64(i), float64(len(inputs[i]))},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
}

func TestEmbedBatch_ReordersByIndex(t *testing.T) {
	t.Parallel()
	srv := embeddingsServer(t, 0)
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range got {
		if v[0] != float32(i) || v[1] != float32(i+1) {
			t.Errorf("vec[%d] = %v", i, v)
		}
	}
}

func TestEmbed_WithDimensions(t *testing.T) {
	t.Parallel()
	srv := embeddingsServer(t, 256)
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-large", WithBaseURL(srv.URL+"/v1/"), WithDimensions(256))
	if err != nil {
		t.Fatal(err)
	}
	if p.Dimensions() != 256 {
		t.Errorf("Dimensions() = %d, want 256", p.Dimensions())
	}
	v, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 2 || v[1] != 5 {
		t.Errorf("Embed = %v", v)
	}
}

func TestModelDimensions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"my-custom-model", 1536},
	}
	for _, tt := range tests {
		if got := (&Provider{model: tt.model}).Dimensions(); got != tt.want {
			t.Errorf("%s: Dimensions() = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("sk-test", "", WithOrganization("org-123"))
	if err != nil {
		t.Fatal(err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want %q", p.ModelID(), DefaultModel)
	}
}
