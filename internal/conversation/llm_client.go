package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatMessage is the provider-neutral message handed to an LLMClient.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// LLMRequest carries the system instruction blocks and the transcript to
// generate the next agent line from.
type LLMRequest struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

type LLMResponse struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// LLMClient produces a single reply for a request.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// GenerationError is a non-success answer from a text-generation provider.
type GenerationError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *GenerationError) Error() string {
	body := strings.TrimSpace(e.Body)
	body = truncateBody(body, maxErrorBody)
	if e.StatusCode > 0 {
		return fmt.Sprintf("conversation: %s generation failed with status %d: %s", e.Provider, e.StatusCode, body)
	}
	return fmt.Sprintf("conversation: %s generation failed: %s", e.Provider, body)
}

func (e *GenerationError) Unwrap() error { return e.Err }

const maxErrorBody = 300

// truncateBody cuts s to at most limit bytes without splitting a rune.
func truncateBody(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Retryable reports whether the status is worth another attempt.
func (e *GenerationError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}
