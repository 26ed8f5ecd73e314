// Package metricssink keeps a sliding-window, in-memory log of per-request
// outcomes per provider, grounded on
// original_source/services/metrics_service.py. Persistence is explicitly a
// Non-goal (spec.md 1): the log lives only for the process lifetime and is
// pruned on a schedule.
package metricssink

import (
	"sort"
	"sync"
	"time"

	"github.com/sugardevspace/sugar-grok/internal/models"
)

type logEntry struct {
	requestID        string
	provider         string
	model            string
	tsStart          time.Time
	tsEnd            time.Time
	completed        bool
	success          bool
	duration         time.Duration
	promptTokens     int
	completionTokens int
	cost             float64
}

// Sink is the process-wide metrics store, constructed once at startup and
// passed by explicit handle.
type Sink struct {
	window time.Duration

	mu       sync.Mutex
	byID     map[string]*logEntry
	entries  []*logEntry // append-only in request-start order
}

// New creates a sink retaining records for windowHours, per
// METRICS_WINDOW_HOURS.
func New(windowHours int) *Sink {
	if windowHours <= 0 {
		windowHours = 24
	}
	return &Sink{
		window: time.Duration(windowHours) * time.Hour,
		byID:   make(map[string]*logEntry),
	}
}

// RecordRequest logs dispatch start.
func (s *Sink) RecordRequest(provider, id, model string, msgCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &logEntry{
		requestID: id,
		provider:  provider,
		model:     model,
		tsStart:   time.Now(),
	}
	s.byID[id] = e
	s.entries = append(s.entries, e)
}

// RecordResponse logs a terminal outcome for id. A RecordResponse for an
// unknown id (RecordRequest never called, or already pruned) is a no-op.
func (s *Sink) RecordResponse(provider, id string, success bool, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || e.completed {
		return
	}
	e.completed = true
	e.success = success
	e.duration = duration
	e.promptTokens = promptTokens
	e.completionTokens = completionTokens
	e.cost = cost
	e.tsEnd = time.Now()
	e.provider = provider
}

// Prune drops records older than the configured window. Intended to be
// called periodically by a background task (spec.md 5: hourly).
func (s *Sink) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.window)
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.tsStart.After(cutoff) {
			kept = append(kept, e)
		} else {
			delete(s.byID, e.requestID)
		}
	}
	s.entries = kept
}

// ProviderMetrics is the per-provider view returned by GetMetrics.
type ProviderMetrics struct {
	RequestCount         int            `json:"request_count"`
	CompletedCount       int            `json:"completed_count"`
	SuccessCount         int            `json:"success_count"`
	FailureCount         int            `json:"failure_count"`
	SuccessRate          float64        `json:"success_rate"`
	AvgResponseTime      float64        `json:"avg_response_time"`
	TotalPromptTokens    int            `json:"total_prompt_tokens"`
	TotalCompletionTokens int           `json:"total_completion_tokens"`
	TotalTokens          int            `json:"total_tokens"`
	TotalCost            float64        `json:"total_cost"`
	HourlyRequests       map[string]int `json:"hourly_requests"`
}

// OverallMetrics adds provider usage and failover-event detection on top
// of ProviderMetrics.
type OverallMetrics struct {
	ProviderMetrics
	ProviderUsage map[string]int          `json:"provider_usage"`
	Failovers     []models.FailoverEvent  `json:"failover_events"`
	FailoverCount int                     `json:"failover_count"`
}

// GetMetrics returns the per-provider view when provider is non-empty, or
// the aggregate view (with failover-event detection) otherwise. window, if
// non-zero, narrows the lookback below the sink's configured retention.
func (s *Sink) GetMetrics(provider string, window time.Duration) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if window <= 0 {
		window = s.window
	}
	cutoff := time.Now().Add(-window)

	var filtered []*logEntry
	for _, e := range s.entries {
		if e.tsStart.After(cutoff) && (provider == "" || e.provider == provider) {
			filtered = append(filtered, e)
		}
	}

	if provider != "" {
		return summarize(filtered)
	}

	pm := summarize(filtered)
	providerUsage := map[string]int{}
	for _, e := range filtered {
		providerUsage[e.provider]++
	}
	failovers := detectFailovers(filtered)
	return OverallMetrics{
		ProviderMetrics: pm,
		ProviderUsage:   providerUsage,
		Failovers:       failovers,
		FailoverCount:   len(failovers),
	}
}

func summarize(entries []*logEntry) ProviderMetrics {
	pm := ProviderMetrics{HourlyRequests: map[string]int{}}
	pm.RequestCount = len(entries)

	var totalDuration time.Duration
	var durationSamples int

	for _, e := range entries {
		if e.completed {
			pm.CompletedCount++
			if e.success {
				pm.SuccessCount++
			}
			totalDuration += e.duration
			durationSamples++
			pm.TotalPromptTokens += e.promptTokens
			pm.TotalCompletionTokens += e.completionTokens
			pm.TotalCost += e.cost
		}
		hour := e.tsStart.Format("2006-01-02 15:00")
		pm.HourlyRequests[hour]++
	}
	pm.FailureCount = pm.CompletedCount - pm.SuccessCount
	if pm.CompletedCount > 0 {
		pm.SuccessRate = float64(pm.SuccessCount) / float64(pm.CompletedCount) * 100
	}
	if durationSamples > 0 {
		pm.AvgResponseTime = totalDuration.Seconds() / float64(durationSamples)
	}
	pm.TotalTokens = pm.TotalPromptTokens + pm.TotalCompletionTokens
	return pm
}

// detectFailovers scans entries sorted by start time for adjacent records
// whose provider differs, per
// original_source/services/metrics_service.py::_get_overall_metrics.
func detectFailovers(entries []*logEntry) []models.FailoverEvent {
	sorted := make([]*logEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].tsStart.Before(sorted[j].tsStart) })

	var events []models.FailoverEvent
	var last string
	for _, e := range sorted {
		if last != "" && e.provider != last {
			events = append(events, models.FailoverEvent{From: last, To: e.provider, At: e.tsStart})
		}
		last = e.provider
	}
	return events
}
