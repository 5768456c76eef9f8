package models

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// anthropicDialect speaks the Messages API. It has no JSON mode, so the
// instruction goes into the system prompt.
type anthropicDialect struct{}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (anthropicDialect) defaultBaseURL() string { return "https://api.anthropic.com" }
func (anthropicDialect) timeout() time.Duration { return 60 * time.Second }
func (anthropicDialect) path() string           { return "/v1/messages" }

func (anthropicDialect) headers(apiKey string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", "2023-06-01")
	return h
}

func (anthropicDialect) encode(req ChatRequest) any {
	system := req.SystemPrompt
	if req.JSON {
		system += "\n\nRispondi solo con un oggetto JSON."
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024 // required by the API
	}
	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.TrimSpace(system),
		Messages:    req.Messages,
		Temperature: req.Temperature,
	}
}

func (anthropicDialect) decode(data []byte) (*ChatResponse, error) {
	var r anthropicResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &ChatResponse{
		Content:      text.String(),
		Model:        r.Model,
		TokensInput:  r.Usage.InputTokens,
		TokensOutput: r.Usage.OutputTokens,
		FinishReason: r.StopReason,
	}, nil
}

func (anthropicDialect) failure(data []byte) string {
	var e struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &e) != nil || e.Error.Message == "" {
		return ""
	}
	return e.Error.Type + ": " + e.Error.Message
}
