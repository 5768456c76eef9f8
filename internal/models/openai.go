package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// openAIDialect covers /chat/completions and its many compatible hosts.
type openAIDialect struct{}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (openAIDialect) defaultBaseURL() string { return "https://api.openai.com/v1" }
func (openAIDialect) timeout() time.Duration { return 60 * time.Second }
func (openAIDialect) path() string           { return "/chat/completions" }

func (openAIDialect) headers(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

func (openAIDialect) encode(req ChatRequest) any {
	body := openAIRequest{
		Model:       req.Model,
		Messages:    withSystem(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return body
}

func (openAIDialect) decode(data []byte) (*ChatResponse, error) {
	var r openAIResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if len(r.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}
	return &ChatResponse{
		Content:      r.Choices[0].Message.Content,
		Model:        r.Model,
		TokensInput:  r.Usage.PromptTokens,
		TokensOutput: r.Usage.CompletionTokens,
		FinishReason: r.Choices[0].FinishReason,
	}, nil
}

func (openAIDialect) failure(data []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &e) != nil || e.Error.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (%s)", e.Error.Message, e.Error.Type)
}
