package failover

import (
	"context"
	"testing"
	"time"

	"github.com/sugardevspace/sugar-grok/internal/models"
	"github.com/sugardevspace/sugar-grok/internal/provider"
)

// fakeAdapter satisfies provider.Adapter for state-machine tests that
// never need a real HTTP round trip.
type fakeAdapter struct {
	name    string
	healthy bool
}

func (f fakeAdapter) Invoke(ctx context.Context, req models.ChatRequest, key string) (*models.ResponseEnvelope, error) {
	return &models.ResponseEnvelope{Status: "completed", Provider: f.name}, nil
}
func (f fakeAdapter) HealthCheck(ctx context.Context, key string) bool { return f.healthy }
func (f fakeAdapter) DefaultModel() string                            { return "model-" + f.name }
func (f fakeAdapter) ListModels() []string                            { return []string{"model-" + f.name} }

func newRegistryAdapters() *provider.Registry {
	return provider.NewRegistry(map[string]provider.Adapter{
		"a": fakeAdapter{name: "a", healthy: true},
		"b": fakeAdapter{name: "b", healthy: true},
	})
}

func TestReportFailureRotatesAtThreshold(t *testing.T) {
	reg := newRegistryAdapters()
	var transitions [][2]string
	m := New(Config{Primary: "a", Backups: []string{"b"}, EnableFailover: true, Threshold: 3, RecoveryTime: time.Minute}, reg,
		func(from, to string, inFailover bool) { transitions = append(transitions, [2]string{from, to}) })

	m.ReportFailure("a")
	m.ReportFailure("a")
	if m.CurrentProviderName() != "a" {
		t.Fatalf("should not rotate before threshold")
	}
	m.ReportFailure("a")
	time.Sleep(10 * time.Millisecond) // onTransition runs in a goroutine
	if m.CurrentProviderName() != "b" {
		t.Fatalf("expected rotation to backup b, got %s", m.CurrentProviderName())
	}
	if !m.Snapshot().InFailoverMode {
		t.Fatal("expected failover mode after rotating to a backup")
	}
}

func TestReportSuccessResetsAndRecoversPrimary(t *testing.T) {
	reg := newRegistryAdapters()
	m := New(Config{Primary: "a", Backups: []string{"b"}, EnableFailover: true, Threshold: 2, RecoveryTime: time.Minute}, reg, nil)

	m.ReportFailure("a")
	m.ReportFailure("a")
	if m.CurrentProviderName() != "b" {
		t.Fatalf("expected rotation to b, got %s", m.CurrentProviderName())
	}

	m.ReportSuccess("a")
	if m.CurrentProviderName() != "a" {
		t.Fatalf("expected recovery to primary a, got %s", m.CurrentProviderName())
	}
	if m.Snapshot().InFailoverMode {
		t.Fatal("expected NORMAL mode after primary recovery")
	}
}

func TestApplyProbeResultRecoversUnavailableProvider(t *testing.T) {
	reg := newRegistryAdapters()
	m := New(Config{Primary: "a", Backups: []string{"b"}, EnableFailover: true, Threshold: 1, RecoveryTime: time.Minute}, reg, nil)

	m.ReportFailure("a")
	if m.CurrentProviderName() != "b" {
		t.Fatalf("expected rotation to b, got %s", m.CurrentProviderName())
	}

	m.ApplyProbeResult("a", true)
	if m.CurrentProviderName() != "a" {
		t.Fatalf("expected probe pass to restore primary, got %s", m.CurrentProviderName())
	}
}

func TestApplyProbeResultRotatesAtThreshold(t *testing.T) {
	reg := newRegistryAdapters()
	m := New(Config{Primary: "a", Backups: []string{"b"}, EnableFailover: true, Threshold: 2, RecoveryTime: time.Minute}, reg, nil)

	m.ApplyProbeResult("a", false)
	if m.CurrentProviderName() != "a" {
		t.Fatalf("should not rotate before threshold")
	}
	m.ApplyProbeResult("a", false)
	if m.CurrentProviderName() != "b" {
		t.Fatalf("expected a failing probe at threshold to rotate to backup b, got %s", m.CurrentProviderName())
	}
	if m.Snapshot().Providers["a"].Available {
		t.Fatal("expected a to be marked unavailable")
	}
}

func TestForceSwitchAndResetProvider(t *testing.T) {
	reg := newRegistryAdapters()
	m := New(Config{Primary: "a", Backups: []string{"b"}, EnableFailover: true, Threshold: 3, RecoveryTime: time.Minute}, reg, nil)

	m.ForceSwitch("b")
	if m.CurrentProviderName() != "b" || !m.Snapshot().InFailoverMode {
		t.Fatalf("ForceSwitch did not take effect: %+v", m.Snapshot())
	}

	m.ReportFailure("b")
	m.ResetProvider("b")
	snap := m.Snapshot()
	if !snap.Providers["b"].Available || snap.Providers["b"].FailureCount != 0 {
		t.Fatalf("ResetProvider did not clear state: %+v", snap.Providers["b"])
	}
}

func TestAvailableUntriedReflectsStatuses(t *testing.T) {
	reg := newRegistryAdapters()
	m := New(Config{Primary: "a", Backups: []string{"b"}, EnableFailover: true, Threshold: 1, RecoveryTime: time.Minute}, reg, nil)

	m.ReportFailure("a") // a unavailable, rotates to b
	if !m.AvailableUntried(map[string]bool{"a": true}) {
		t.Fatal("b should still be available and untried")
	}
	if m.AvailableUntried(map[string]bool{"a": true, "b": true}) {
		t.Fatal("no untried providers should remain")
	}
}
