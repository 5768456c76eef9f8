package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/dispatch"
	"github.com/clawinfra/parlo/internal/models"
)

// phrase asks the chat model to answer seed in the assistant's voice, with
// the connection's recent history as context. Any failure is spoken as the
// apology.
func (o *Orchestrator) phrase(ctx context.Context, dc *dialogue.Context, seed string) string {
	if o.chat == nil {
		o.logger.Warn("no chat model configured", "device", dc.DeviceID)
		return dispatch.Apology
	}
	start := time.Now()

	history := dc.History.Recent(o.cfg.HistoryTurns)
	messages := make([]models.ChatMessage, 0, len(history)+1)
	for _, h := range history {
		messages = append(messages, models.ChatMessage{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, models.ChatMessage{Role: "user", Content: seed})

	prompt, _ := o.systemPrompt.Load().(string)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ChatTimeout)
	defer cancel()
	resp, err := o.chat.Chat(callCtx, models.ChatRequest{
		SystemPrompt: prompt,
		Messages:     messages,
		MaxTokens:    o.cfg.MaxTokens,
		Temperature:  o.cfg.Temperature,
	})
	if err != nil {
		o.logger.Warn("chat model failed", "device", dc.DeviceID, "error", err)
		return dispatch.Apology
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		o.logger.Warn("chat model returned nothing", "device", dc.DeviceID, "model", resp.Model)
		return dispatch.Apology
	}

	o.logger.Debug("chat phrased",
		"device", dc.DeviceID,
		"model", resp.Model,
		"elapsed", time.Since(start),
		"tokens", resp.TokensInput+resp.TokensOutput,
	)
	return text
}
