package models

import (
	"encoding/json"
	"net/http"
	"time"
)

// ollamaDialect talks to a local Ollama daemon's /api/chat.
type ollamaDialect struct{}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string      `json:"model"`
	Message         ChatMessage `json:"message"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

func (ollamaDialect) defaultBaseURL() string { return "http://localhost:11434" }

// Local inference on small boxes is slow, especially on a cold model.
func (ollamaDialect) timeout() time.Duration { return 120 * time.Second }

func (ollamaDialect) path() string               { return "/api/chat" }
func (ollamaDialect) headers(string) http.Header { return http.Header{} }

func (ollamaDialect) encode(req ChatRequest) any {
	body := ollamaChatRequest{
		Model:    req.Model,
		Messages: withSystem(req),
		Options:  &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	if req.JSON {
		body.Format = "json"
	}
	return body
}

func (ollamaDialect) decode(data []byte) (*ChatResponse, error) {
	var r ollamaChatResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	reason := r.DoneReason
	if reason == "" {
		reason = "stop"
	}
	return &ChatResponse{
		Content:      r.Message.Content,
		Model:        r.Model,
		TokensInput:  r.PromptEvalCount,
		TokensOutput: r.EvalCount,
		FinishReason: reason,
	}, nil
}

func (ollamaDialect) failure(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &e)
	return e.Error
}
