package provider

import (
	"time"

	"github.com/sugardevspace/sugar-grok/internal/keymanager"
)

// grokModels mirrors grok_api.py's get_model_list, the fixed set of
// structured-output-capable models upstream currently exposes.
var grokModels = []string{"grok-3-mini-fast", "grok-3-mini", "grok-3-fast", "grok-3"}

// NewGrok builds the Grok chat completions adapter.
func NewGrok(baseURL, defaultModel string, keys *keymanager.Manager, maxRetries int, baseRetryDelay time.Duration) Adapter {
	models := grokModels
	if defaultModel != "" && !contains(models, defaultModel) {
		models = append([]string{defaultModel}, models...)
	}
	return newHTTPAdapter("grok", baseURL, defaultModel, models, keys, maxRetries, baseRetryDelay)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
