package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sugardevspace/sugar-grok/internal/keymanager"
	"github.com/sugardevspace/sugar-grok/internal/models"
)

// httpAdapter is the shared OpenAI-compatible chat-completions client that
// both grok and openai are built from — the upstreams differ only in base
// URL, default model, and the model list.
type httpAdapter struct {
	name         string
	baseURL      string
	defaultModel string
	models       []string

	client         *http.Client
	keys           *keymanager.Manager
	maxRetries     int
	baseRetryDelay time.Duration
}

func newHTTPAdapter(name, baseURL, defaultModel string, modelList []string, keys *keymanager.Manager, maxRetries int, baseRetryDelay time.Duration) *httpAdapter {
	return &httpAdapter{
		name:           name,
		baseURL:        strings.TrimRight(baseURL, "/"),
		defaultModel:   defaultModel,
		models:         modelList,
		client:         &http.Client{Timeout: 30 * time.Second},
		keys:           keys,
		maxRetries:     maxRetries,
		baseRetryDelay: baseRetryDelay,
	}
}

func (a *httpAdapter) DefaultModel() string  { return a.defaultModel }
func (a *httpAdapter) ListModels() []string  { return a.models }

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []models.Message `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	TopP           float64         `json:"top_p,omitempty"`
	ResponseFormat interface{}     `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      struct{ Content string `json:"content"` } `json:"message"`
		FinishReason string                                     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke is the grounding for grok_api.py/openai_api.py's call_api: model
// rewrite for unsupported models is handled by the caller-visible
// MODEL_UNKNOWN classification (the dispatcher rewrites and retries once,
// per spec.md's error table); here the adapter's own responsibility is the
// single HTTP round trip plus its in-adapter RATE_LIMIT backoff.
func (a *httpAdapter) Invoke(ctx context.Context, req models.ChatRequest, key string) (*models.ResponseEnvelope, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	if !a.supportsModel(model) {
		return nil, classify(a.name, KindModelUnknown, fmt.Errorf("model %q not supported by %s", model, a.name))
	}

	body := chatCompletionRequest{
		Model:          model,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		TopP:           req.TopP,
		ResponseFormat: req.ResponseFormat,
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxRetries+1; attempt++ {
		env, err := a.doRequest(ctx, body, key)
		if err == nil {
			return env, nil
		}

		kind, _ := AsClassified(err)
		if kind != KindRateLimit || attempt > a.maxRetries {
			return nil, err
		}

		wait := a.baseRetryDelay * time.Duration(1<<(attempt-1))
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, classify(a.name, KindTimeout, ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (a *httpAdapter) supportsModel(model string) bool {
	for _, m := range a.models {
		if m == model {
			return true
		}
	}
	return false
}

func (a *httpAdapter) doRequest(ctx context.Context, body chatCompletionRequest, key string) (*models.ResponseEnvelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, classify(a.name, KindOther, err)
	}

	url := a.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, classify(a.name, KindOther, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classify(a.name, KindTimeout, err)
		}
		return nil, classify(a.name, KindTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		a.keys.MarkInvalid(a.name, key)
		return nil, classify(a.name, KindAuth, fmt.Errorf("upstream status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, classify(a.name, KindRateLimit, fmt.Errorf("upstream status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, classify(a.name, KindModelUnknown, fmt.Errorf("upstream status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, classify(a.name, KindTimeout, fmt.Errorf("upstream status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, classify(a.name, KindTransport, fmt.Errorf("upstream status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, classify(a.name, KindOther, fmt.Errorf("upstream status %d", resp.StatusCode))
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, classify(a.name, KindOther, fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, classify(a.name, KindOther, fmt.Errorf("empty choices in response"))
	}

	return &models.ResponseEnvelope{
		Status:       "completed",
		Model:        parsed.Model,
		Provider:     a.name,
		FinishReason: parsed.Choices[0].FinishReason,
		Content:      parsed.Choices[0].Message.Content,
		Usage: &models.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// HealthCheck performs the minimal round trip spec.md 4.E calls for: a
// single low-cost completion request, collapsing any failure to a bool.
func (a *httpAdapter) HealthCheck(ctx context.Context, key string) bool {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.doRequest(hctx, chatCompletionRequest{
		Model:    a.defaultModel,
		Messages: []models.Message{{Role: "user", Content: "ping"}},
	}, key)
	return err == nil
}
