// Package dispatcher implements the top-level dequeue-limit-dispatch-retry
// loop binding the rate limiter, key manager, metrics sink, queue, provider
// registry, and failover manager together, grounded on
// original_source/services/processor.py.
package dispatcher

import (
	"context"
	"log"
	"time"

	"github.com/sugardevspace/sugar-grok/internal/failover"
	"github.com/sugardevspace/sugar-grok/internal/keymanager"
	"github.com/sugardevspace/sugar-grok/internal/metricssink"
	"github.com/sugardevspace/sugar-grok/internal/models"
	"github.com/sugardevspace/sugar-grok/internal/obsmetrics"
	"github.com/sugardevspace/sugar-grok/internal/provider"
	"github.com/sugardevspace/sugar-grok/internal/queue"
	"github.com/sugardevspace/sugar-grok/internal/ratelimiter"
)

// AuditWriter persists a terminal envelope for offline inspection. The
// Postgres-backed implementation degrades to a no-op when no database is
// configured; Dispatcher never depends on the concrete type.
type AuditWriter interface {
	Write(requestID string, item *models.RequestItem, envelope models.ResponseEnvelope, cost float64)
}

// Config bounds the dispatcher's retry and pacing behavior.
type Config struct {
	MaxRetries          int
	MaxConsecutiveError int
}

// Dispatcher is the single long-running loop that drains the queue.
type Dispatcher struct {
	limiter  *ratelimiter.Limiter
	keys     *keymanager.Manager
	sink     *metricssink.Sink
	costCalc *metricssink.CostCalculator
	q        *queue.Queue
	registry *provider.Registry
	failover *failover.Manager
	audit    AuditWriter
	cfg      Config
}

func New(limiter *ratelimiter.Limiter, keys *keymanager.Manager, sink *metricssink.Sink, costCalc *metricssink.CostCalculator, q *queue.Queue, registry *provider.Registry, fm *failover.Manager, audit AuditWriter, cfg Config) *Dispatcher {
	if cfg.MaxConsecutiveError <= 0 {
		cfg.MaxConsecutiveError = 10
	}
	return &Dispatcher{
		limiter: limiter, keys: keys, sink: sink, costCalc: costCalc,
		q: q, registry: registry, failover: fm, audit: audit, cfg: cfg,
	}
}

// Run drains the queue until ctx is cancelled. It finishes any in-flight
// item (bounded by its own 30s ceiling) before returning, matching
// spec.md 5's stop-order guarantee.
func (d *Dispatcher) Run(ctx context.Context) {
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !d.limiter.AcquireWithDeadline(2 * time.Second) {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		item, err := d.q.Dequeue()
		if err != nil {
			log.Printf("dispatcher: dequeue failed: %v", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if item == nil {
			time.Sleep(100 * time.Millisecond)
			consecutiveErrors = 0
			continue
		}

		if d.processOneWithDeadline(ctx, item) {
			consecutiveErrors = 0
		} else {
			consecutiveErrors++
			if consecutiveErrors >= d.cfg.MaxConsecutiveError {
				log.Printf("dispatcher: %d consecutive errors, pausing", consecutiveErrors)
				time.Sleep(5 * time.Second)
				consecutiveErrors = 0
			}
		}
	}
}

// processOneWithDeadline bounds ProcessOne to 30s; on timeout it publishes
// a terminal timeout envelope instead of leaving the request orphaned.
func (d *Dispatcher) processOneWithDeadline(ctx context.Context, item *models.RequestItem) bool {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- d.processOne(pctx, item) }()

	select {
	case ok := <-done:
		return ok
	case <-pctx.Done():
		envelope := models.ResponseEnvelope{Status: "error", Error: "request processing timed out", ErrorType: "timeout_error"}
		d.publish(item, envelope, 0)
		return false
	}
}

// processOne implements spec.md 4.H's ProcessOne: select provider, call
// the adapter, and on failure either re-queue with retry metadata or
// publish a terminal error.
func (d *Dispatcher) processOne(ctx context.Context, item *models.RequestItem) bool {
	if item.OriginalProvider == "" {
		if _, name, err := d.failover.CurrentService(ctx); err == nil {
			item.OriginalProvider = name
		}
	}

	adapter, providerName, err := d.failover.CurrentService(ctx)
	if err != nil {
		d.publish(item, models.ResponseEnvelope{Status: "error", Error: err.Error(), ErrorType: "no_provider_available", TriedProviders: item.TriedProviders}, 0)
		return false
	}

	if item.HasTried(providerName) && item.RetryCount < d.cfg.MaxRetries {
		if alt, ok := d.pickUntried(item); ok {
			adapter, providerName = alt.adapter, alt.name
		}
	}

	req := item.Payload
	if providerName != item.OriginalProvider && providerName != "" {
		req.Model = adapter.DefaultModel()
	}

	key, err := d.keys.GetNext(providerName)
	if err != nil {
		d.failover.ReportFailure(providerName)
		return d.retryOrFail(item, providerName, err)
	}

	start := time.Now()
	d.sink.RecordRequest(providerName, item.ID, req.Model, len(req.Messages))
	envelope, invokeErr := adapter.Invoke(ctx, req, key)
	if kind, _ := provider.AsClassified(invokeErr); kind == provider.KindModelUnknown && req.Model != adapter.DefaultModel() {
		req.Model = adapter.DefaultModel()
		envelope, invokeErr = adapter.Invoke(ctx, req, key)
	}
	duration := time.Since(start)

	if invokeErr != nil {
		cost := 0.0
		d.sink.RecordResponse(providerName, item.ID, false, duration, 0, 0, cost)
		obsmetrics.RecordDispatch(providerName, req.Model, "error", duration, 0, 0)
		d.failover.ReportFailure(providerName)
		return d.retryOrFail(item, providerName, invokeErr)
	}

	promptTok, completionTok := 0, 0
	if envelope.Usage != nil {
		promptTok, completionTok = envelope.Usage.PromptTokens, envelope.Usage.CompletionTokens
	}
	requestCost := 0.0
	if d.costCalc != nil {
		requestCost = d.costCalc.Calculate(providerName, promptTok, completionTok)
	}
	d.sink.RecordResponse(providerName, item.ID, true, duration, promptTok, completionTok, requestCost)
	obsmetrics.RecordDispatch(providerName, req.Model, "completed", duration, promptTok, completionTok)
	d.failover.ReportSuccess(providerName)

	envelope.Provider = providerName
	d.publish(item, *envelope, requestCost)
	return true
}

type candidate struct {
	adapter provider.Adapter
	name    string
}

// pickUntried looks for any provider not yet in item.TriedProviders that
// the failover manager currently considers available.
func (d *Dispatcher) pickUntried(item *models.RequestItem) (candidate, bool) {
	tried := make(map[string]bool, len(item.TriedProviders))
	for _, p := range item.TriedProviders {
		tried[p] = true
	}
	snap := d.failover.Snapshot()
	for _, name := range d.failover.AllProviders() {
		if tried[name] || !snap.Providers[name].Available {
			continue
		}
		if a, ok := d.registry.Get(name); ok {
			return candidate{adapter: a, name: name}, true
		}
	}
	return candidate{}, false
}

// retryOrFail appends providerName to the tried set and either re-queues
// the item on the retry band or publishes a terminal error envelope.
func (d *Dispatcher) retryOrFail(item *models.RequestItem, providerName string, cause error) bool {
	item.TriedProviders = append(item.TriedProviders, providerName)

	if item.RetryCount < d.cfg.MaxRetries && d.failover.AvailableUntried(triedSet(item.TriedProviders)) {
		item.RetryCount++
		time.Sleep(1 * time.Second)
		if err := d.q.PriorityEnqueue(item); err != nil {
			log.Printf("dispatcher: failed to re-enqueue retry for %s: %v", item.ID, err)
			d.publish(item, models.ResponseEnvelope{Status: "error", Error: cause.Error(), TriedProviders: item.TriedProviders}, 0)
		}
		return false
	}

	d.publish(item, models.ResponseEnvelope{
		Status:         "error",
		Error:          "all available providers failed: " + cause.Error(),
		ErrorType:      "llm_service_error",
		TriedProviders: item.TriedProviders,
	}, 0)
	return false
}

func triedSet(tried []string) map[string]bool {
	m := make(map[string]bool, len(tried))
	for _, p := range tried {
		m[p] = true
	}
	return m
}

func (d *Dispatcher) publish(item *models.RequestItem, envelope models.ResponseEnvelope, cost float64) {
	if err := d.q.StoreResponse(item.ID, envelope); err != nil {
		log.Printf("dispatcher: failed to store terminal response for %s: %v", item.ID, err)
	}
	if d.audit != nil {
		d.audit.Write(item.ID, item, envelope, cost)
	}
}
