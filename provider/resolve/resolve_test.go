package resolve

import (
	"strings"
	"testing"

	"github.com/kilnhq/kiln"
)

func TestProviderKnownEndpoints(t *testing.T) {
	t.Setenv("KILN_API_KEY", "shared-key")
	for _, model := range []string{
		"openrouter/qwen/qwen3-coder",
		"openai/gpt-4o-mini",
		"groq/llama-3.1-8b-instant",
		"ollama/llama3",
	} {
		p, err := Provider(Config{Model: model})
		if err != nil {
			t.Errorf("%s: %v", model, err)
			continue
		}
		if p == nil {
			t.Errorf("%s: nil provider", model)
		}
	}
}

func TestProviderEmptyModelIsNil(t *testing.T) {
	p, err := Provider(Config{})
	if err != nil || p != nil {
		t.Errorf("p = %v, err = %v", p, err)
	}
}

func TestProviderSpecificKeyWins(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "specific")
	t.Setenv("KILN_API_KEY", "shared")
	p, err := Provider(Config{Model: "openrouter/some/model"})
	if err != nil || p == nil {
		t.Fatalf("p = %v, err = %v", p, err)
	}
}

func TestProviderMissingCredential(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("KILN_API_KEY", "")
	_, err := Provider(Config{Model: "openrouter/some/model"})
	if kiln.KindOf(err) != kiln.KindValidation {
		t.Fatalf("kind = %v (%v)", kiln.KindOf(err), err)
	}
	if msg := kiln.Message(err); !strings.Contains(msg, "OPENROUTER_API_KEY") {
		t.Errorf("message = %q", msg)
	}
}

func TestProviderOllamaNeedsNoKey(t *testing.T) {
	t.Setenv("KILN_API_KEY", "")
	p, err := Provider(Config{Model: "ollama/llama3"})
	if err != nil || p == nil {
		t.Errorf("p = %v, err = %v", p, err)
	}
}

func TestProviderBadSpecs(t *testing.T) {
	t.Setenv("KILN_API_KEY", "k")
	for _, model := range []string{"gpt-4o", "openrouter/", "nonsense/model"} {
		_, err := Provider(Config{Model: model})
		if kiln.KindOf(err) != kiln.KindValidation {
			t.Errorf("%q: kind = %v (%v)", model, kiln.KindOf(err), err)
		}
	}
}

func TestEmbeddingDefaultsToHash(t *testing.T) {
	for _, model := range []string{"", "hash"} {
		e, err := Embedding(EmbeddingConfig{Model: model, Dimensions: 128})
		if err != nil {
			t.Fatalf("%q: %v", model, err)
		}
		if e.Name() != "hash" || e.Dimensions() != 128 {
			t.Errorf("%q: name = %q, dims = %d", model, e.Name(), e.Dimensions())
		}
	}
}

func TestEmbeddingAPIProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "k")
	e, err := Embedding(EmbeddingConfig{Model: "openai/text-embedding-3-small", Dimensions: 256})
	if err != nil {
		t.Fatal(err)
	}
	if e.Name() != "openai" || e.Dimensions() != 256 {
		t.Errorf("name = %q, dims = %d", e.Name(), e.Dimensions())
	}
}
