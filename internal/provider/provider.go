// Package provider implements the uniform façade around heterogeneous
// upstream chat completion APIs, grounded on
// original_source/services/llm/{base,grok_api,openai_api,factory}.py and on
// the teacher's internal/ai/client.go net/http client idiom.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/sugardevspace/sugar-grok/internal/models"
)

// ErrorKind is the fixed taxonomy every adapter normalizes its upstream's
// native error shapes into. The dispatcher never inspects raw upstream
// errors, only this classification.
type ErrorKind string

const (
	KindAuth         ErrorKind = "AUTH"
	KindRateLimit    ErrorKind = "RATE_LIMIT"
	KindModelUnknown ErrorKind = "MODEL_UNKNOWN"
	KindTimeout      ErrorKind = "TIMEOUT"
	KindTransport    ErrorKind = "TRANSPORT"
	KindOther        ErrorKind = "OTHER"
)

// ClassifiedError is the only error shape an Adapter may return.
type ClassifiedError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func classify(provider string, kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Provider: provider, Err: err}
}

// AsClassified extracts the ErrorKind from err if it is (or wraps) a
// ClassifiedError, defaulting to OTHER otherwise.
func AsClassified(err error) (ErrorKind, bool) {
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		return KindOther, false
	}
	return ce.Kind, true
}

// Adapter is the only polymorphic component in the engine: one variant per
// upstream provider, selected from a registry by explicit name lookup.
type Adapter interface {
	Invoke(ctx context.Context, req models.ChatRequest, key string) (*models.ResponseEnvelope, error)
	HealthCheck(ctx context.Context, key string) bool
	DefaultModel() string
	ListModels() []string
}

// Registry maps provider name to its constructed Adapter, built once at
// startup. This replaces the Python original's factory pattern — which
// temporarily mutated a global settings.LLM_PROVIDER inside a try/finally —
// with an explicit argument at every call site, per the redesign decision
// recorded in DESIGN.md.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters map[string]Adapter) *Registry {
	return &Registry{adapters: adapters}
}

func (r *Registry) Get(provider string) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
