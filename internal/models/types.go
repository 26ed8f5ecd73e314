// Package models holds the data shapes shared across the gateway: requests
// flowing into the queue, response envelopes flowing out of it, derived
// failover events, and the optional audit record. Provider, credential and
// failover state live in their own packages.
package models

import "time"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the client-submitted payload. Provider adapters forward
// ResponseFormat upstream unexamined; the core never parses it.
type ChatRequest struct {
	Model          string      `json:"model"`
	Messages       []Message   `json:"messages"`
	Temperature    float64     `json:"temperature,omitempty"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	TopP           float64     `json:"top_p,omitempty"`
	ResponseFormat interface{} `json:"response_format,omitempty"`
}

// RequestItem is a queued unit of work. EnqueuedAt is wall time in
// milliseconds since epoch, used both for FIFO tie-breaking and for the
// persistent backend's composite priority score.
type RequestItem struct {
	ID               string      `json:"id"`
	Payload          ChatRequest `json:"payload"`
	Priority         int         `json:"priority"`
	EnqueuedAt       int64       `json:"enqueued_at"`
	TriedProviders   []string    `json:"tried_providers,omitempty"`
	RetryCount       int         `json:"retry_count"`
	OriginalProvider string      `json:"original_provider"`
}

// HasTried reports whether provider appears in TriedProviders.
func (r *RequestItem) HasTried(provider string) bool {
	for _, p := range r.TriedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// TokenUsage mirrors the provider's usage block.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseEnvelope is the terminal state stored under response:{id}.
type ResponseEnvelope struct {
	Status           string      `json:"status"` // "completed" | "error"
	Model            string      `json:"model,omitempty"`
	Provider         string      `json:"provider,omitempty"`
	FinishReason     string      `json:"finish_reason,omitempty"`
	Usage            *TokenUsage `json:"usage,omitempty"`
	StructuredOutput interface{} `json:"structured_output,omitempty"`
	Content          string      `json:"content,omitempty"`
	Error            string      `json:"error,omitempty"`
	ErrorType        string      `json:"error_type,omitempty"`
	TriedProviders   []string    `json:"tried_providers,omitempty"`
}

// FailoverEvent is derived by scanning the metrics sink's log for adjacent
// entries whose Provider differs.
type FailoverEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}
