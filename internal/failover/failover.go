// Package failover implements the NORMAL/FAILOVER provider state machine,
// grounded on original_source/services/failover_manager.py, generalized
// from its hardcoded-pair fallback to an explicit primary+ordered-backups
// list and from its single-provider global to an explicit Manager handle.
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/sugardevspace/sugar-grok/internal/provider"
)

// ProviderState is a read-only snapshot of one provider's tracked status.
type ProviderState struct {
	Name         string
	Available    bool
	FailureCount int
	LastCheck    time.Time
}

// Status is the full snapshot returned to callers (admin API, ops feed).
type Status struct {
	CurrentProvider   string
	PrimaryProvider   string
	FailoverProviders []string
	InFailoverMode    bool
	Providers         map[string]ProviderState
}

// Manager owns the provider table exclusively, breaking the natural cycle
// with the health checker: the checker only ever calls ApplyProbeResult,
// never touches state directly (spec.md section 9's cyclic-reference note).
type Manager struct {
	mu sync.Mutex

	primary        string
	backups        []string
	enableFailover bool
	threshold      int
	recoveryTime   time.Duration

	current        string
	inFailoverMode bool
	states         map[string]*ProviderState

	registry *provider.Registry

	// onTransition, if set, is invoked (outside the lock) whenever the
	// current provider or failover mode changes, letting the ops feed
	// broadcast the event without the manager depending on opsfeed.
	onTransition func(from, to string, inFailover bool)
}

type Config struct {
	Primary        string
	Backups        []string
	EnableFailover bool
	Threshold      int
	RecoveryTime   time.Duration
}

func New(cfg Config, registry *provider.Registry, onTransition func(from, to string, inFailover bool)) *Manager {
	states := make(map[string]*ProviderState)
	for _, p := range append([]string{cfg.Primary}, cfg.Backups...) {
		states[p] = &ProviderState{Name: p, Available: true, LastCheck: time.Now()}
	}
	return &Manager{
		primary:        cfg.Primary,
		backups:        cfg.Backups,
		enableFailover: cfg.EnableFailover,
		threshold:      cfg.Threshold,
		recoveryTime:   cfg.RecoveryTime,
		current:        cfg.Primary,
		states:         states,
		registry:       registry,
		onTransition:   onTransition,
	}
}

func (m *Manager) allProviders() []string {
	return append([]string{m.primary}, m.backups...)
}

// AllProviders returns the primary followed by the backups in priority
// order, for callers (the health checker) that need to enumerate the set
// without reaching into Snapshot's map.
func (m *Manager) AllProviders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allProviders()
}

// Primary returns the configured primary provider name.
func (m *Manager) Primary() string {
	return m.primary
}

// tryLockWithDeadline polls TryLock until it succeeds or the deadline
// elapses, returning false without ever leaving the mutex held on failure.
// Used instead of a goroutine-plus-channel dance so a late acquisition
// after a reported timeout can't leak a held lock onto the next caller.
func (m *Manager) tryLockWithDeadline(deadline time.Duration) bool {
	end := time.Now().Add(deadline)
	for {
		if m.mu.TryLock() {
			return true
		}
		if time.Now().After(end) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// CurrentService returns the adapter for the provider that should serve
// the next request. Bounded by an overall ~3s deadline and a ~2s lock
// acquisition budget; on either timeout it falls back to the current
// provider (or primary, or any known provider) without touching state.
func (m *Manager) CurrentService(ctx context.Context) (provider.Adapter, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if !m.tryLockWithDeadline(2 * time.Second) {
		return m.fallbackService()
	}
	defer m.mu.Unlock()

	if m.inFailoverMode {
		primaryState := m.states[m.primary]
		if time.Since(primaryState.LastCheck) > m.recoveryTime {
			m.probeLocked(ctx, m.primary)
		}
	}

	current := m.current
	if a, ok := m.registry.Get(current); ok {
		return a, current, nil
	}
	return m.fallbackServiceLocked()
}

func (m *Manager) fallbackService() (provider.Adapter, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackServiceLocked()
}

func (m *Manager) fallbackServiceLocked() (provider.Adapter, string, error) {
	if a, ok := m.registry.Get(m.current); ok {
		return a, m.current, nil
	}
	if a, ok := m.registry.Get(m.primary); ok {
		return a, m.primary, nil
	}
	for _, name := range m.registry.Names() {
		if a, ok := m.registry.Get(name); ok {
			return a, name, nil
		}
	}
	return nil, "", errNoProviderAvailable
}

// ReportSuccess resets the provider's failure count and, if it had been
// unavailable, restores it; recovering the primary exits FAILOVER mode.
func (m *Manager) ReportSuccess(provider string) {
	if provider == "" {
		provider = m.CurrentProviderName()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportSuccessLocked(provider)
}

func (m *Manager) reportSuccessLocked(p string) {
	state, ok := m.states[p]
	if !ok {
		return
	}
	state.FailureCount = 0
	if !state.Available {
		state.Available = true
		if p == m.primary && m.current != m.primary {
			m.transitionLocked(m.primary, false)
		}
	}
}

// ReportFailure increments the provider's failure count, marking it
// unavailable and rotating away from it at threshold.
func (m *Manager) ReportFailure(p string) {
	if !m.enableFailover {
		return
	}
	if p == "" {
		p = m.CurrentProviderName()
	}

	if !m.tryLockWithDeadline(1 * time.Second) {
		return
	}
	defer m.mu.Unlock()

	state, ok := m.states[p]
	if !ok {
		return
	}
	state.FailureCount++
	if state.FailureCount >= m.threshold {
		state.Available = false
		state.LastCheck = time.Now()
		if p == m.current {
			m.switchToNextAvailableLocked()
		}
	}
}

func (m *Manager) switchToNextAvailableLocked() {
	if m.states[m.primary].Available {
		if m.current != m.primary {
			m.transitionLocked(m.primary, false)
		}
		return
	}
	for _, backup := range m.backups {
		if m.states[backup].Available {
			m.transitionLocked(backup, true)
			return
		}
	}
	// No provider available: fall back to the primary (even though it is
	// marked unavailable) and leave failover mode, matching the Python
	// original's last-resort fallback to primary.
	m.transitionLocked(m.primary, false)
}

func (m *Manager) transitionLocked(to string, inFailover bool) {
	from := m.current
	m.current = to
	m.inFailoverMode = inFailover
	if m.onTransition != nil && from != to {
		go m.onTransition(from, to, inFailover)
	}
}

// ApplyProbeResult is the single entry point the health checker uses to
// report a probe outcome, breaking the failover/health cycle. A failing
// probe increments the provider's failure count and, at threshold, marks it
// unavailable and rotates away from it if it is the one currently serving
// dispatch — mirroring ReportFailure's fail path.
func (m *Manager) ApplyProbeResult(p string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, exists := m.states[p]
	if !exists {
		return
	}
	state.LastCheck = time.Now()
	if ok {
		state.Available = true
		state.FailureCount = 0
		if p == m.primary && m.inFailoverMode {
			m.transitionLocked(m.primary, false)
		}
		return
	}

	state.FailureCount++
	if state.FailureCount >= m.threshold {
		state.Available = false
		if p == m.current {
			m.switchToNextAvailableLocked()
		}
	}
}

// probeLocked runs a recovery probe while temporarily releasing the lock,
// per spec.md 4.F's "must not hold the manager's lock for their entire
// duration" requirement.
func (m *Manager) probeLocked(ctx context.Context, p string) {
	adapter, ok := m.registry.Get(p)
	if !ok {
		return
	}
	m.mu.Unlock()
	healthy := adapter.HealthCheck(ctx, "")
	m.mu.Lock()

	state, exists := m.states[p]
	if !exists {
		return
	}
	state.LastCheck = time.Now()
	if healthy {
		state.Available = true
		state.FailureCount = 0
		if p == m.primary && m.inFailoverMode {
			m.transitionLocked(m.primary, false)
		}
	}
}

// ForceSwitch is the admin-triggered manual override.
func (m *Manager) ForceSwitch(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(p, p != m.primary)
}

// ResetProvider clears a provider's failure state without changing which
// provider is current.
func (m *Manager) ResetProvider(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[p]; ok {
		state.Available = true
		state.FailureCount = 0
	}
}

func (m *Manager) CurrentProviderName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot returns a point-in-time copy of the full state for reporting.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	providers := make(map[string]ProviderState, len(m.states))
	for name, s := range m.states {
		providers[name] = *s
	}
	return Status{
		CurrentProvider:   m.current,
		PrimaryProvider:   m.primary,
		FailoverProviders: append([]string(nil), m.backups...),
		InFailoverMode:    m.inFailoverMode,
		Providers:         providers,
	}
}

// AvailableUntried reports whether any provider other than those in tried
// is currently marked available, used by the dispatcher to decide whether
// a retry has anywhere left to go.
func (m *Manager) AvailableUntried(tried map[string]bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.allProviders() {
		if !tried[p] && m.states[p].Available {
			return true
		}
	}
	return false
}

var errNoProviderAvailable = &noProviderError{}

type noProviderError struct{}

func (*noProviderError) Error() string { return "failover: no provider available" }
