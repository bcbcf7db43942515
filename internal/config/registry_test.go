package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/devecho/internal/config"
	"github.com/MrWong99/devecho/pkg/provider/embeddings"
	embmock "github.com/MrWong99/devecho/pkg/provider/embeddings/mock"
	"github.com/MrWong99/devecho/pkg/provider/llm"
	llmmock "github.com/MrWong99/devecho/pkg/provider/llm/mock"
	"github.com/MrWong99/devecho/pkg/provider/stt"
	sttmock "github.com/MrWong99/devecho/pkg/provider/stt/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{ModelName: e.Model}, nil
	})
	r.RegisterSTT("whisper", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	r.RegisterEmbeddings("ollama", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{DimensionsValue: 768}, nil
	})

	p, err := r.CreateLLM(config.ProviderEntry{Name: "ollama", Model: "llama3.2:3b"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p.Model() != "llama3.2:3b" {
		t.Errorf("model: got %q", p.Model())
	}
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "whisper"}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	e, err := r.CreateEmbeddings(config.ProviderEntry{Name: "ollama"})
	if err != nil || e.Dimensions() != 768 {
		t.Errorf("CreateEmbeddings = %v, %v", e, err)
	}
	if got := r.LLMNames(); !slices.Equal(got, []string{"ollama"}) {
		t.Errorf("LLMNames = %v", got)
	}
}

func TestRegistry_Errors(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateLLM(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unregistered: got %v, want ErrProviderNotRegistered", err)
	}

	boom := errors.New("missing api key")
	r.RegisterSTT("whisper", func(config.ProviderEntry) (stt.Provider, error) { return nil, boom })
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "whisper"}); !errors.Is(err, boom) {
		t.Errorf("factory error: got %v, want wrapped %v", err, boom)
	}
}
