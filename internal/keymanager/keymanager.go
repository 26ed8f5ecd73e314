// Package keymanager round-robins a pool of upstream API credentials per
// provider under a per-key sliding-window RPS budget, grounded on
// original_source/utils/api_key_manager.py.
package keymanager

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoKeys is returned when a provider has no configured keys, or every
// configured key is permanently marked invalid.
var ErrNoKeys = errors.New("keymanager: no valid keys for provider")

type keyState struct {
	key       string
	invalid   bool
	usage     int64
	lastUsed  time.Time
	window    []time.Time
}

type providerPool struct {
	mu     sync.Mutex
	keys   []*keyState
	cursor int
}

// Manager owns one rotating pool per provider.
type Manager struct {
	rate float64 // RATE_LIMIT_RPS: the per-key window budget

	mu       sync.RWMutex
	pools    map[string]*providerPool
}

// New creates a key manager. providerKeys maps provider name to its
// configured credential list (already split from the comma-separated env
// vars). rate is the per-key RPS budget (RATE_LIMIT_RPS, per spec.md 4.B:
// the same constant bounds both the global bucket and each key's window).
func New(providerKeys map[string][]string, rate float64) *Manager {
	if rate <= 0 {
		rate = 1
	}
	m := &Manager{rate: rate, pools: make(map[string]*providerPool)}
	for provider, keys := range providerKeys {
		pool := &providerPool{}
		for _, k := range keys {
			pool.keys = append(pool.keys, &keyState{key: k})
		}
		m.pools[provider] = pool
	}
	return m
}

func (m *Manager) pool(provider string) (*providerPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[provider]
	return p, ok
}

// GetNext advances the round-robin cursor for provider and returns a key
// with available window budget. If no key has budget within one full
// cycle, it sleeps 100ms and retries; there is no hard deadline, matching
// spec.md 4.B.
func (m *Manager) GetNext(provider string) (string, error) {
	pool, ok := m.pool(provider)
	if !ok || len(pool.keys) == 0 {
		return "", fmt.Errorf("%w: provider=%s", ErrNoKeys, provider)
	}

	for {
		if key, ok := pool.tryNext(m.rate); ok {
			return key, nil
		}
		if !pool.hasAnyValid() {
			return "", fmt.Errorf("%w: provider=%s", ErrNoKeys, provider)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (p *providerPool) hasAnyValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if !k.invalid {
			return true
		}
	}
	return false
}

// tryNext runs one full cycle over the pool looking for a key with window
// budget. Returns ok=false if none is currently available (caller should
// retry after a short sleep) unless every key is invalid, in which case the
// caller treats it as a hard failure via hasAnyValid.
func (p *providerPool) tryNext(rate float64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.keys)
	now := time.Now()
	for i := 0; i < n; i++ {
		p.cursor = (p.cursor + 1) % n
		k := p.keys[p.cursor]
		if k.invalid {
			continue
		}
		k.window = pruneWindow(k.window, now)
		if len(k.window) < int(rate) {
			k.window = append(k.window, now)
			k.usage++
			k.lastUsed = now
			return k.key, true
		}
	}
	return "", false
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-1 * time.Second)
	out := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// MarkInvalid permanently removes key from future rotation for provider.
// Invalidation is monotonic: there is no re-validation path.
func (m *Manager) MarkInvalid(provider, key string) {
	pool, ok := m.pool(provider)
	if !ok {
		return
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for _, k := range pool.keys {
		if k.key == key {
			k.invalid = true
			return
		}
	}
}

// KeyStat is one entry of Stats' masked-key report.
type KeyStat struct {
	MaskedKey string `json:"masked_key"`
	UsageCount int64  `json:"usage_count"`
	Invalid   bool   `json:"invalid"`
	LastUsed  string `json:"last_used"`
}

// Stats returns masked per-key usage counters for provider. If provider is
// empty, it returns stats across every configured provider.
func (m *Manager) Stats(provider string) map[string][]KeyStat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]KeyStat)
	for name, pool := range m.pools {
		if provider != "" && name != provider {
			continue
		}
		pool.mu.Lock()
		stats := make([]KeyStat, 0, len(pool.keys))
		for _, k := range pool.keys {
			lastUsed := ""
			if !k.lastUsed.IsZero() {
				lastUsed = k.lastUsed.Format(time.RFC3339)
			}
			stats = append(stats, KeyStat{
				MaskedKey:  maskKey(k.key),
				UsageCount: k.usage,
				Invalid:    k.invalid,
				LastUsed:   lastUsed,
			})
		}
		pool.mu.Unlock()
		result[name] = stats
	}
	return result
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "sk-***" + key[len(key)-4:]
}
