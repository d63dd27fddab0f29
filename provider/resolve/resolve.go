// Package resolve turns "provider/model" strings into configured providers.
// Credentials are read from the environment at construction time, never from
// config files, and never stored anywhere that serializes.
package resolve

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/knowledge"
	"github.com/kilnhq/kiln/provider/openaicompat"
)

// endpoint describes one known OpenAI-compatible provider.
type endpoint struct {
	baseURL string
	envKey  string // provider-specific credential variable; "" = no key needed
}

var endpoints = map[string]endpoint{
	"openrouter": {baseURL: "https://openrouter.ai/api/v1", envKey: "OPENROUTER_API_KEY"},
	"openai":     {baseURL: "https://api.openai.com/v1", envKey: "OPENAI_API_KEY"},
	"groq":       {baseURL: "https://api.groq.com/openai/v1", envKey: "GROQ_API_KEY"},
	"deepseek":   {baseURL: "https://api.deepseek.com/v1", envKey: "DEEPSEEK_API_KEY"},
	"together":   {baseURL: "https://api.together.xyz/v1", envKey: "TOGETHER_API_KEY"},
	"mistral":    {baseURL: "https://api.mistral.ai/v1", envKey: "MISTRAL_API_KEY"},
	"ollama":     {baseURL: "http://localhost:11434/v1", envKey: ""},
}

// fallbackEnvKey is honored for every provider when the specific variable
// is unset.
const fallbackEnvKey = "KILN_API_KEY"

// Config selects a chat provider.
type Config struct {
	// Model is "provider/model", e.g. "openrouter/qwen/qwen3-coder" or
	// "ollama/llama3". Empty disables the provider (callers get nil).
	Model string

	// BaseURL overrides the provider's default API base.
	BaseURL string

	Temperature *float64
	MaxTokens   int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// EmbeddingConfig selects an embedding provider.
type EmbeddingConfig struct {
	// Model is "hash" (or empty) for the local deterministic embedder, or
	// "provider/model" for an API embedder.
	Model      string
	BaseURL    string
	Dimensions int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Provider builds a chat provider from cfg. An empty model returns
// (nil, nil): the caller runs without that model.
func Provider(cfg Config) (kiln.Provider, error) {
	if cfg.Model == "" {
		return nil, nil
	}
	name, model, ep, err := split(cfg.Model)
	if err != nil {
		return nil, err
	}
	key, err := credential(name, ep)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ep.baseURL
	}
	opts := []openaicompat.Option{openaicompat.WithName(name)}
	if cfg.HTTPClient != nil {
		opts = append(opts, openaicompat.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Logger != nil {
		opts = append(opts, openaicompat.WithLogger(cfg.Logger))
	}
	if cfg.Temperature != nil {
		opts = append(opts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	return openaicompat.New(key, model, baseURL, opts...), nil
}

// Embedding builds an embedding provider from cfg. "hash" and empty select
// the local feature-hashing embedder, which needs no credential or network.
func Embedding(cfg EmbeddingConfig) (kiln.EmbeddingProvider, error) {
	if cfg.Model == "" || cfg.Model == "hash" {
		return knowledge.NewHashEmbedder(cfg.Dimensions), nil
	}
	name, model, ep, err := split(cfg.Model)
	if err != nil {
		return nil, err
	}
	key, err := credential(name, ep)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ep.baseURL
	}
	opts := []openaicompat.Option{openaicompat.WithName(name)}
	if cfg.HTTPClient != nil {
		opts = append(opts, openaicompat.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Logger != nil {
		opts = append(opts, openaicompat.WithLogger(cfg.Logger))
	}
	return openaicompat.NewEmbedding(key, model, baseURL, cfg.Dimensions, opts...), nil
}

// split parses "provider/model" and looks up the provider endpoint.
func split(spec string) (name, model string, ep endpoint, err error) {
	name, model, ok := strings.Cut(spec, "/")
	if !ok || model == "" {
		return "", "", endpoint{}, kiln.E(kiln.KindValidation,
			fmt.Sprintf("model %q must be provider/model", spec))
	}
	ep, known := endpoints[name]
	if !known {
		return "", "", endpoint{}, kiln.E(kiln.KindValidation,
			fmt.Sprintf("unknown provider %q in model %q", name, spec))
	}
	return name, model, ep, nil
}

// credential reads the provider key from the environment. The specific
// variable wins over the shared fallback; key-less providers skip both.
func credential(name string, ep endpoint) (string, error) {
	if ep.envKey == "" {
		return "", nil
	}
	if key := os.Getenv(ep.envKey); key != "" {
		return key, nil
	}
	if key := os.Getenv(fallbackEnvKey); key != "" {
		return key, nil
	}
	return "", kiln.E(kiln.KindValidation,
		fmt.Sprintf("provider %q needs %s or %s set", name, ep.envKey, fallbackEnvKey))
}
