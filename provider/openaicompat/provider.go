package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kilnhq/kiln"
)

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// Provider implements kiln.Provider against any OpenAI-compatible chat
// completions endpoint. The /chat/completions path is appended to baseURL.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	name        string
	temperature *float64
	maxTokens   int
	logger      *slog.Logger
}

// Option configures a Provider or EmbeddingClient.
type Option func(*Provider)

// WithName overrides the provider name reported in usage accounting.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets the shared HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithTemperature sets a default sampling temperature for every request.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// WithMaxTokens caps completion length for every request.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates an OpenAI-compatible chat provider. baseURL is the API base,
// e.g. "https://api.openai.com/v1" or "https://openrouter.ai/api/v1".
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
		logger:  nopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name reports the provider name.
func (p *Provider) Name() string { return p.name }

// Model reports the configured model identifier.
func (p *Provider) Model() string { return p.model }

// Chat sends a non-streaming chat request.
func (p *Provider) Chat(ctx context.Context, req kiln.ChatRequest) (kiln.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return kiln.ChatResponse{}, kiln.E(kiln.KindValidation, "chat request needs at least one message")
	}
	body := chatBody{
		Model:       p.model,
		Messages:    make([]message, len(req.Messages)),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	for i, m := range req.Messages {
		body.Messages[i] = message{Role: m.Role, Content: m.Content}
	}
	if req.Temperature != nil {
		body.Temperature = req.Temperature
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	}

	start := time.Now()
	data, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return kiln.ChatResponse{}, err
	}
	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return kiln.ChatResponse{}, kiln.Errorf(kiln.KindTransport, "decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return kiln.ChatResponse{}, kiln.E(kiln.KindTransport, "chat response has no choices")
	}
	if refusal := resp.Choices[0].Message.Refusal; refusal != "" {
		return kiln.ChatResponse{}, kiln.E(kiln.KindBlocked, "model refused: "+refusal)
	}

	out := kiln.ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
	}
	if out.Model == "" {
		out.Model = p.model
	}
	if resp.Usage != nil {
		out.Usage = kiln.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	p.logger.Debug("chat completion", "provider", p.name, "model", out.Model,
		"duration", time.Since(start),
		"input_tokens", out.Usage.InputTokens, "output_tokens", out.Usage.OutputTokens)
	return out, nil
}

// post sends a JSON request and returns the raw response body. Non-200
// statuses come back as *kiln.ErrHTTP so callers classify by kind
// (429 is rate_limited, 5xx is unavailable).
func (p *Provider) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, kiln.Errorf(kiln.KindTimeout, "%s request: %w", p.name, err)
		}
		return nil, kiln.Errorf(kiln.KindTransport, "%s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kiln.Errorf(kiln.KindTransport, "read %s response: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &kiln.ErrHTTP{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

var _ kiln.Provider = (*Provider)(nil)
