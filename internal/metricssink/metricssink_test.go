package metricssink

import (
	"testing"
	"time"
)

func TestRecordResponseUnknownIDIsNoop(t *testing.T) {
	s := New(1)
	s.RecordResponse("grok", "missing", true, time.Second, 10, 20, 0.01)

	m := s.GetMetrics("grok", 0).(ProviderMetrics)
	if m.RequestCount != 0 {
		t.Fatalf("expected no entries recorded for an unknown request id, got %d", m.RequestCount)
	}
}

func TestRecordResponseIgnoresSecondCallForSameID(t *testing.T) {
	s := New(1)
	s.RecordRequest("grok", "req-1", "grok-beta", 1)
	s.RecordResponse("grok", "req-1", true, time.Second, 10, 20, 0.01)
	s.RecordResponse("grok", "req-1", false, 2*time.Second, 999, 999, 99)

	m := s.GetMetrics("grok", 0).(ProviderMetrics)
	if m.SuccessCount != 1 || m.FailureCount != 0 {
		t.Fatalf("expected the first terminal outcome to stick, got success=%d failure=%d", m.SuccessCount, m.FailureCount)
	}
	if m.TotalPromptTokens != 10 {
		t.Fatalf("expected token totals from the first response, got %d", m.TotalPromptTokens)
	}
}

func TestGetMetricsPerProviderFiltersByProvider(t *testing.T) {
	s := New(1)
	s.RecordRequest("grok", "req-1", "grok-beta", 1)
	s.RecordResponse("grok", "req-1", true, time.Millisecond, 5, 5, 0.001)
	s.RecordRequest("openai", "req-2", "gpt-4", 1)
	s.RecordResponse("openai", "req-2", true, time.Millisecond, 5, 5, 0.001)

	m := s.GetMetrics("grok", 0).(ProviderMetrics)
	if m.RequestCount != 1 {
		t.Fatalf("expected only the grok request to be counted, got %d", m.RequestCount)
	}
}

func TestGetMetricsOverallAggregatesAcrossProviders(t *testing.T) {
	s := New(1)
	s.RecordRequest("grok", "req-1", "grok-beta", 1)
	s.RecordResponse("grok", "req-1", true, time.Millisecond, 5, 5, 0.001)
	s.RecordRequest("openai", "req-2", "gpt-4", 1)
	s.RecordResponse("openai", "req-2", true, time.Millisecond, 5, 5, 0.001)

	m := s.GetMetrics("", 0).(OverallMetrics)
	if m.RequestCount != 2 {
		t.Fatalf("expected both requests counted in the aggregate view, got %d", m.RequestCount)
	}
	if m.ProviderUsage["grok"] != 1 || m.ProviderUsage["openai"] != 1 {
		t.Fatalf("expected per-provider usage counts of 1 each, got %+v", m.ProviderUsage)
	}
}

func TestGetMetricsOverallDetectsFailoverTransition(t *testing.T) {
	s := New(1)
	s.RecordRequest("grok", "req-1", "grok-beta", 1)
	s.RecordResponse("grok", "req-1", true, time.Millisecond, 1, 1, 0)
	s.RecordRequest("openai", "req-2", "gpt-4", 1)
	s.RecordResponse("openai", "req-2", true, time.Millisecond, 1, 1, 0)

	m := s.GetMetrics("", 0).(OverallMetrics)
	if m.FailoverCount != 1 {
		t.Fatalf("expected one detected failover transition grok->openai, got %d", m.FailoverCount)
	}
	if len(m.Failovers) != 1 || m.Failovers[0].From != "grok" || m.Failovers[0].To != "openai" {
		t.Fatalf("unexpected failover events: %+v", m.Failovers)
	}
}

func TestSuccessRateComputedOverCompletedOnly(t *testing.T) {
	s := New(1)
	s.RecordRequest("grok", "req-1", "grok-beta", 1)
	s.RecordResponse("grok", "req-1", true, time.Millisecond, 1, 1, 0)
	s.RecordRequest("grok", "req-2", "grok-beta", 1)
	s.RecordResponse("grok", "req-2", false, time.Millisecond, 1, 1, 0)
	// req-3 never completes: must not count toward the success-rate denominator.
	s.RecordRequest("grok", "req-3", "grok-beta", 1)

	m := s.GetMetrics("grok", 0).(ProviderMetrics)
	if m.RequestCount != 3 {
		t.Fatalf("expected 3 total requests, got %d", m.RequestCount)
	}
	if m.CompletedCount != 2 {
		t.Fatalf("expected 2 completed requests, got %d", m.CompletedCount)
	}
	if m.SuccessRate != 50 {
		t.Fatalf("expected a 50%% success rate over completed requests, got %v", m.SuccessRate)
	}
}

func TestPruneDropsEntriesOlderThanWindow(t *testing.T) {
	s := New(1) // 1 hour window
	s.RecordRequest("grok", "old", "grok-beta", 1)
	s.byID["old"].tsStart = time.Now().Add(-2 * time.Hour)
	s.entries[0].tsStart = s.byID["old"].tsStart

	s.RecordRequest("grok", "recent", "grok-beta", 1)

	s.Prune()

	if _, ok := s.byID["old"]; ok {
		t.Fatalf("expected the stale entry to be pruned")
	}
	if _, ok := s.byID["recent"]; !ok {
		t.Fatalf("expected the recent entry to survive pruning")
	}
	if len(s.entries) != 1 {
		t.Fatalf("expected exactly one surviving entry, got %d", len(s.entries))
	}
}

func TestNewDefaultsNonPositiveWindowTo24Hours(t *testing.T) {
	s := New(0)
	if s.window != 24*time.Hour {
		t.Fatalf("expected a default 24h window, got %v", s.window)
	}
}
