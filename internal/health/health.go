// Package health implements the periodic provider health-check scheduler,
// grounded on original_source/services/health_checker.py's
// initial_health_check/_check_loop pair and on the teacher's
// internal/monitoring/health.go pluggable-checker shape (adapted: the
// teacher's checker probes Postgres/Redis/an AI sidecar; this one probes
// LLM providers and reports outcomes into the failover state machine
// through ApplyProbeResult rather than mutating it directly).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sugardevspace/sugar-grok/internal/failover"
	"github.com/sugardevspace/sugar-grok/internal/keymanager"
	"github.com/sugardevspace/sugar-grok/internal/provider"
)

// Checker periodically probes every configured provider and feeds results
// back to the failover Manager. It owns no provider state of its own.
type Checker struct {
	registry *provider.Registry
	keys     *keymanager.Manager
	manager  *failover.Manager
	interval time.Duration

	mu        sync.Mutex
	lastCheck map[string]time.Time

	// onProbe, if set, is notified of every probe outcome — wired to the
	// ops feed so admin clients see health events as they happen.
	onProbe func(provider string, healthy bool)
}

func New(registry *provider.Registry, keys *keymanager.Manager, manager *failover.Manager, interval time.Duration) *Checker {
	return &Checker{
		registry:  registry,
		keys:      keys,
		manager:   manager,
		interval:  interval,
		lastCheck: make(map[string]time.Time),
	}
}

// OnProbe registers a callback invoked (outside any lock) after every
// probe's outcome has been applied.
func (c *Checker) OnProbe(fn func(provider string, healthy bool)) {
	c.onProbe = fn
}

// Run performs the startup sweep and then loops, probing stale or
// unavailable providers every half-interval until ctx is cancelled.
// Cancellation is cooperative: it is only observed at the sleep boundary
// between sweeps, never in the middle of one, matching spec.md 4.G.
func (c *Checker) Run(ctx context.Context) {
	c.initialSweep(ctx)

	ticker := time.NewTicker(c.interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.steadyStateSweep(ctx)
		}
	}
}

// initialSweep probes every provider once, primary first, on startup. A
// failing probe counts toward the provider's failure threshold inside
// ApplyProbeResult, which rotates away from the current provider once that
// threshold is reached; the sweep itself requests no rotation, so with a
// threshold above 1 a primary that fails only this probe stays current.
func (c *Checker) initialSweep(ctx context.Context) {
	for _, name := range c.manager.AllProviders() {
		c.probe(ctx, name)
	}
}

// steadyStateSweep probes every provider currently marked unavailable, or
// not checked within the last full interval.
func (c *Checker) steadyStateSweep(ctx context.Context) {
	snap := c.manager.Snapshot()
	for _, name := range c.manager.AllProviders() {
		state, ok := snap.Providers[name]
		stale := !ok || time.Since(state.LastCheck) >= c.interval
		if stale || (ok && !state.Available) {
			c.probe(ctx, name)
		}
	}
}

// probe runs a single health check for provider and reports the outcome,
// never holding any lock across the upstream call itself.
func (c *Checker) probe(ctx context.Context, name string) {
	adapter, ok := c.registry.Get(name)
	if !ok {
		return
	}

	var key string
	if c.keys != nil {
		if k, err := c.keys.GetNext(name); err == nil {
			key = k
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	ok2 := adapter.HealthCheck(pctx, key)
	cancel()

	c.mu.Lock()
	c.lastCheck[name] = time.Now()
	c.mu.Unlock()

	c.manager.ApplyProbeResult(name, ok2)
	if c.onProbe != nil {
		c.onProbe(name, ok2)
	}
}
