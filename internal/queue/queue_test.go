package queue

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugardevspace/sugar-grok/internal/models"
)

// newTestQueue wires a Queue at a miniredis instance, grounded on the
// miniredis.RunT(t) + go-redis idiom used for Redis-backed store tests
// across the reference pack.
func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := New(Config{Addr: mr.Addr(), QueueKey: "test_queue", ResponsePrefix: "resp:"})
	return q, mr
}

func TestEnqueueDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	lowID, err := q.Enqueue(models.ChatRequest{Model: "grok"}, 0)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	highID, err := q.Enqueue(models.ChatRequest{Model: "grok"}, 10)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	high2ID, err := q.Enqueue(models.ChatRequest{Model: "grok"}, 10)
	require.NoError(t, err)

	first, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, lowID, first.ID, "lower priority value is more urgent and dequeues first")

	second, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, highID, second.ID)

	third, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, high2ID, third.ID, "equal priority preserves FIFO order")
}

func TestDequeueOnEmptyReturnsNilWithoutError(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	item, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestPriorityEnqueueRetryBandPrecedesFreshItems(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	freshID, err := q.Enqueue(models.ChatRequest{Model: "grok"}, 50)
	require.NoError(t, err)

	retryItem := &models.RequestItem{
		ID:         "req_retry_1",
		Payload:    models.ChatRequest{Model: "grok"},
		Priority:   0,
		EnqueuedAt: time.Now().UnixMilli(),
		RetryCount: 1,
	}
	require.NoError(t, q.PriorityEnqueue(retryItem))

	first, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, retryItem.ID, first.ID, "retry-band score must stay below any fresh composite score")

	second, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, freshID, second.ID)
}

func TestStoreResponseIsIdempotent(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	id := "req_123"
	require.NoError(t, q.StoreResponse(id, models.ResponseEnvelope{Status: "success", Content: "first"}))
	require.NoError(t, q.StoreResponse(id, models.ResponseEnvelope{Status: "success", Content: "second"}))

	env, err := q.GetResponse(id)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "first", env.Content, "first publish wins")
}

func TestGetResponsePendingReturnsNilNil(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	env, err := q.GetResponse("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestDegradeRoundTripsContentThroughSecondary(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	mr.Close() // simulate backend outage: pings now fail

	id, err := q.Enqueue(models.ChatRequest{Model: "grok", Messages: []models.Message{{Role: "user", Content: "hi"}}}, 5)
	require.NoError(t, err)
	sec := q.usingSecondary()
	require.NotNil(t, sec, "Enqueue during an outage must degrade to the secondary")
	assert.EqualValues(t, 1, sec.Length())

	item, err := sec.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, "hi", item.Payload.Messages[0].Content)
}

func TestLengthReflectsPersistentBacklog(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	_, err := q.Enqueue(models.ChatRequest{Model: "grok"}, 1)
	require.NoError(t, err)
	_, err = q.Enqueue(models.ChatRequest{Model: "grok"}, 2)
	require.NoError(t, err)

	n, err := q.Length()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
