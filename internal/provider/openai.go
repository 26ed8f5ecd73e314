package provider

import (
	"time"

	"github.com/sugardevspace/sugar-grok/internal/keymanager"
)

// openaiModels is the subset relevant to a chat-completions gateway,
// grounded on openai_api.py's usage of gpt-4o-family models.
var openaiModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}

// NewOpenAI builds the OpenAI chat completions adapter.
func NewOpenAI(baseURL, defaultModel string, keys *keymanager.Manager, maxRetries int, baseRetryDelay time.Duration) Adapter {
	models := openaiModels
	if defaultModel != "" && !contains(models, defaultModel) {
		models = append([]string{defaultModel}, models...)
	}
	return newHTTPAdapter("openai", baseURL, defaultModel, models, keys, maxRetries, baseRetryDelay)
}
