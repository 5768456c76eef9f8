package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clawinfra/parlo/internal/config"
)

// Provider is the interface for LLM providers
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Models() []config.Model
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []ChatMessage
	MaxTokens    int
	Temperature  float64
	// JSON asks the provider to constrain output to a JSON object where the
	// wire protocol supports it.
	JSON bool
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	Content      string
	Model        string
	TokensInput  int
	TokensOutput int
	FinishReason string
}

// dialect maps chat requests onto one vendor's HTTP API.
type dialect interface {
	defaultBaseURL() string
	timeout() time.Duration
	path() string
	headers(apiKey string) http.Header
	encode(req ChatRequest) any
	// decode parses a 200 response body.
	decode(body []byte) (*ChatResponse, error)
	// failure extracts the message from an error body, or "".
	failure(body []byte) string
}

// HTTPProvider is a Provider speaking a vendor dialect over HTTP.
type HTTPProvider struct {
	name    string
	kind    string
	baseURL string
	apiKey  string
	models  []config.Model
	client  *http.Client
	wire    dialect
}

// NewProvider builds a provider for cfg.Kind, or for name when Kind is
// empty. Kinds: ollama, anthropic, and openai with its compatible hosts
// (openrouter, together, groq).
func NewProvider(name string, cfg config.ProviderConfig) (*HTTPProvider, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = name
	}
	var wire dialect
	switch kind {
	case "ollama":
		wire = ollamaDialect{}
	case "anthropic":
		wire = anthropicDialect{}
	case "openai", "openrouter", "together", "groq":
		wire = openAIDialect{}
	default:
		return nil, fmt.Errorf("unknown provider kind %q for %s", kind, name)
	}

	base := cfg.BaseURL
	if base == "" {
		base = wire.defaultBaseURL()
	}
	return &HTTPProvider{
		name:    name,
		kind:    kind,
		baseURL: base,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Timeout: wire.timeout()},
		wire:    wire,
	}, nil
}

func (p *HTTPProvider) Name() string { return p.name }

// Kind returns the wire protocol in use.
func (p *HTTPProvider) Kind() string { return p.kind }

func (p *HTTPProvider) Models() []config.Model { return p.models }

// Chat sends one non-streaming completion request.
func (p *HTTPProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(p.wire.encode(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.wire.path(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = p.wire.headers(p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", p.name, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := p.wire.failure(body)
		if msg == "" {
			msg = string(bytes.TrimSpace(body))
		}
		return nil, fmt.Errorf("%s API error %d: %s", p.name, resp.StatusCode, msg)
	}

	out, err := p.wire.decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", p.name, err)
	}
	return out, nil
}

// withSystem prepends the system prompt as a message, the convention of
// the OpenAI and Ollama chat endpoints.
func withSystem(req ChatRequest) []ChatMessage {
	if req.SystemPrompt == "" {
		return req.Messages
	}
	msgs := make([]ChatMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, ChatMessage{Role: "system", Content: req.SystemPrompt})
	return append(msgs, req.Messages...)
}
