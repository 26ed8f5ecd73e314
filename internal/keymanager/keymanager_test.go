package keymanager

import (
	"testing"
	"time"
)

func TestGetNextRoundRobins(t *testing.T) {
	m := New(map[string][]string{"grok": {"k1", "k2"}}, 10)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		k, err := m.GetNext("grok")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[k]++
	}
	if seen["k1"] != 2 || seen["k2"] != 2 {
		t.Fatalf("expected even rotation, got %v", seen)
	}
}

func TestMarkInvalidExcludesKeyPermanently(t *testing.T) {
	m := New(map[string][]string{"grok": {"k1", "k2"}}, 10)
	m.MarkInvalid("grok", "k1")

	for i := 0; i < 5; i++ {
		k, err := m.GetNext("grok")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if k == "k1" {
			t.Fatalf("invalidated key k1 was returned")
		}
	}
}

func TestGetNextAllInvalidReturnsError(t *testing.T) {
	m := New(map[string][]string{"grok": {"k1"}}, 10)
	m.MarkInvalid("grok", "k1")

	if _, err := m.GetNext("grok"); err == nil {
		t.Fatalf("expected ErrNoKeys when all keys invalid")
	}
}

func TestGetNextUnknownProvider(t *testing.T) {
	m := New(map[string][]string{}, 10)
	if _, err := m.GetNext("nope"); err == nil {
		t.Fatalf("expected error for unconfigured provider")
	}
}

func TestPerKeyWindowBoundsRate(t *testing.T) {
	m := New(map[string][]string{"grok": {"k1"}}, 2)

	k, err := m.GetNext("grok")
	if err != nil || k != "k1" {
		t.Fatalf("expected k1, got %q err=%v", k, err)
	}
	k, err = m.GetNext("grok")
	if err != nil || k != "k1" {
		t.Fatalf("expected k1 again (single key pool), got %q err=%v", k, err)
	}

	// window is now full (2 uses within the last second); a third call
	// must not return immediately without waiting for the window to drain.
	start := time.Now()
	done := make(chan struct{})
	go func() {
		m.GetNext("grok")
		close(done)
	}()
	select {
	case <-done:
		if time.Since(start) < 50*time.Millisecond {
			t.Fatalf("third acquire returned immediately despite a full window")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("third acquire never returned")
	}
}

func TestStatsMasksKeys(t *testing.T) {
	m := New(map[string][]string{"grok": {"sk-abcdef1234"}}, 10)
	m.GetNext("grok")

	stats := m.Stats("grok")
	ks := stats["grok"]
	if len(ks) != 1 {
		t.Fatalf("expected 1 stat entry, got %d", len(ks))
	}
	if ks[0].MaskedKey == "sk-abcdef1234" {
		t.Fatalf("key was not masked: %s", ks[0].MaskedKey)
	}
	if ks[0].UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", ks[0].UsageCount)
	}
}
