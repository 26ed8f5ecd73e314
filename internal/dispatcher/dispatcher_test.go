package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/sugardevspace/sugar-grok/internal/failover"
	"github.com/sugardevspace/sugar-grok/internal/keymanager"
	"github.com/sugardevspace/sugar-grok/internal/metricssink"
	"github.com/sugardevspace/sugar-grok/internal/models"
	"github.com/sugardevspace/sugar-grok/internal/provider"
	"github.com/sugardevspace/sugar-grok/internal/queue"
	"github.com/sugardevspace/sugar-grok/internal/ratelimiter"
)

// scriptedAdapter returns a fixed outcome for every Invoke call and counts
// how many times it was invoked, standing in for a real upstream in the
// dispatcher's wiring tests.
type scriptedAdapter struct {
	name    string
	fail    *provider.ClassifiedError
	calls   *atomic.Int32
	healthy bool
}

func (a scriptedAdapter) Invoke(ctx context.Context, req models.ChatRequest, key string) (*models.ResponseEnvelope, error) {
	a.calls.Add(1)
	if a.fail != nil {
		return nil, a.fail
	}
	return &models.ResponseEnvelope{
		Status: "completed", Model: req.Model, Provider: a.name,
		Usage: &models.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}
func (a scriptedAdapter) HealthCheck(ctx context.Context, key string) bool { return a.healthy }
func (a scriptedAdapter) DefaultModel() string                            { return "model-" + a.name }
func (a scriptedAdapter) ListModels() []string                            { return []string{"model-" + a.name} }

type noopAudit struct{}

func (noopAudit) Write(string, *models.RequestItem, models.ResponseEnvelope, float64) {}

func newHarness(t *testing.T, aCalls, bCalls *atomic.Int32, aFails bool) (*Dispatcher, *queue.Queue, *miniredis.Miniredis, *failover.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.New(queue.Config{Addr: mr.Addr(), QueueKey: "dispatch_test", ResponsePrefix: "resp:"})

	var aFail *provider.ClassifiedError
	if aFails {
		aFail = &provider.ClassifiedError{Kind: provider.KindTransport}
	}
	reg := provider.NewRegistry(map[string]provider.Adapter{
		"a": scriptedAdapter{name: "a", fail: aFail, calls: aCalls, healthy: true},
		"b": scriptedAdapter{name: "b", calls: bCalls, healthy: true},
	})
	fm := failover.New(failover.Config{Primary: "a", Backups: []string{"b"}, EnableFailover: true, Threshold: 1, RecoveryTime: time.Hour}, reg, nil)
	keys := keymanager.New(map[string][]string{"a": {"key-a"}, "b": {"key-b"}}, 100)
	sink := metricssink.New(1)
	limiter := ratelimiter.New(1000)

	d := New(limiter, keys, sink, nil, q, reg, fm, noopAudit{}, Config{MaxRetries: 2})
	return d, q, mr, fm
}

func TestProcessOneSuccessStoresCompletedEnvelope(t *testing.T) {
	aCalls, bCalls := &atomic.Int32{}, &atomic.Int32{}
	d, q, mr, _ := newHarness(t, aCalls, bCalls, false)
	defer mr.Close()

	id, err := q.Enqueue(models.ChatRequest{Model: "model-a"}, 10)
	require.NoError(t, err)
	item, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, item)

	ok := d.processOne(context.Background(), item)
	require.True(t, ok)

	env, err := q.GetResponse(id)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, "completed", env.Status)
	require.Equal(t, "a", env.Provider)
	require.Equal(t, int32(1), aCalls.Load())
}

func TestProcessOneFailureRetriesOnBackupThenSucceeds(t *testing.T) {
	aCalls, bCalls := &atomic.Int32{}, &atomic.Int32{}
	d, q, mr, fm := newHarness(t, aCalls, bCalls, true)
	defer mr.Close()

	id, err := q.Enqueue(models.ChatRequest{Model: "model-a"}, 10)
	require.NoError(t, err)
	item, err := q.Dequeue()
	require.NoError(t, err)

	ok := d.processOne(context.Background(), item)
	require.False(t, ok, "primary adapter fails, so the first attempt is not a success")
	require.Equal(t, int32(1), aCalls.Load())

	require.Equal(t, "b", fm.CurrentProviderName(), "threshold 1 should rotate off a failing primary")

	requeued, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, requeued)
	require.Equal(t, 1, requeued.RetryCount)
	require.Contains(t, requeued.TriedProviders, "a")

	ok = d.processOne(context.Background(), requeued)
	require.True(t, ok)
	require.Equal(t, int32(1), bCalls.Load())

	env, err := q.GetResponse(id)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, "completed", env.Status)
	require.Equal(t, "b", env.Provider)
}

func TestProcessOneExhaustsRetriesAndPublishesError(t *testing.T) {
	aCalls, bCalls := &atomic.Int32{}, &atomic.Int32{}
	mr := miniredis.RunT(t)
	defer mr.Close()
	q := queue.New(queue.Config{Addr: mr.Addr(), QueueKey: "dispatch_test2", ResponsePrefix: "resp:"})

	failA := &provider.ClassifiedError{Kind: provider.KindTransport}
	failB := &provider.ClassifiedError{Kind: provider.KindTransport}
	reg := provider.NewRegistry(map[string]provider.Adapter{
		"a": scriptedAdapter{name: "a", fail: failA, calls: aCalls},
		"b": scriptedAdapter{name: "b", fail: failB, calls: bCalls},
	})
	fm := failover.New(failover.Config{Primary: "a", Backups: []string{"b"}, EnableFailover: true, Threshold: 1, RecoveryTime: time.Hour}, reg, nil)
	keys := keymanager.New(map[string][]string{"a": {"key-a"}, "b": {"key-b"}}, 100)
	sink := metricssink.New(1)
	limiter := ratelimiter.New(1000)
	d := New(limiter, keys, sink, nil, q, reg, fm, noopAudit{}, Config{MaxRetries: 2})

	id, err := q.Enqueue(models.ChatRequest{Model: "model-a"}, 10)
	require.NoError(t, err)

	item, err := q.Dequeue()
	require.NoError(t, err)
	d.processOne(context.Background(), item)

	item, err = q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, item, "should have been re-queued once before both providers are exhausted")
	d.processOne(context.Background(), item)

	env, err := q.GetResponse(id)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, "error", env.Status)
	require.ElementsMatch(t, []string{"a", "b"}, env.TriedProviders)
}
