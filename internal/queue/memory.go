package queue

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/sugardevspace/sugar-grok/internal/models"
)

// memoryQueue is the in-memory secondary used while the persistent backend
// is unreachable, grounded on
// original_source/services/queue/memory_queue.py. It keeps a single
// priority-ordered list rather than the Python original's plain FIFO
// asyncio.Queue, so that degraded operation still respects the priority/
// retry-band ordering invariant.
type memoryQueue struct {
	mu        sync.Mutex
	items     *list.List // of *models.RequestItem, kept sorted by (priority band, enqueued_at)
	responses map[string]cachedResponse
}

type cachedResponse struct {
	envelope models.ResponseEnvelope
	expires  time.Time
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{
		items:     list.New(),
		responses: make(map[string]cachedResponse),
	}
}

// score mirrors the persistent backend's ordering rule so behavior is
// indistinguishable to callers across degrade/reconcile transitions: fresh
// items use the full composite score, retry items (isRetry, set only by
// PriorityEnqueue) use EnqueuedAt alone.
func memScore(item *models.RequestItem, isRetry bool) int64 {
	if isRetry {
		return item.EnqueuedAt
	}
	return compositeScore(item.Priority, item.EnqueuedAt)
}

func (m *memoryQueue) insertSorted(item *models.RequestItem, isRetry bool) {
	s := memScore(item, isRetry)
	for e := m.items.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*queueEntry)
		if s < entry.score {
			m.items.InsertBefore(&queueEntry{item: item, score: s}, e)
			return
		}
	}
	m.items.PushBack(&queueEntry{item: item, score: s})
}

type queueEntry struct {
	item  *models.RequestItem
	score int64
}

func (m *memoryQueue) Enqueue(payload models.ChatRequest, priority int) (string, error) {
	priority = clampPriority(priority)
	now := time.Now()
	id := fmt.Sprintf("req_%d_%x", now.UnixMilli(), now.UnixNano()%0xffffffff)
	item := &models.RequestItem{
		ID:         id,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: now.UnixMilli(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertSorted(item, false)
	return id, nil
}

func (m *memoryQueue) PriorityEnqueue(item *models.RequestItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertSorted(item, true)
	return nil
}

func (m *memoryQueue) Dequeue() (*models.RequestItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	front := m.items.Front()
	if front == nil {
		return nil, nil
	}
	m.items.Remove(front)
	return front.Value.(*queueEntry).item, nil
}

func (m *memoryQueue) Length() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.items.Len())
}

func (m *memoryQueue) StoreResponse(id string, envelope models.ResponseEnvelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.responses[id]; exists {
		return // idempotent: first publish wins
	}
	m.responses[id] = cachedResponse{envelope: envelope, expires: time.Now().Add(time.Hour)}
}

func (m *memoryQueue) GetResponse(id string) *models.ResponseEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	cr, ok := m.responses[id]
	if !ok {
		return nil
	}
	if time.Now().After(cr.expires) {
		delete(m.responses, id)
		return nil
	}
	env := cr.envelope
	return &env
}

// DrainAll removes and returns every queued item in order. Responses
// cached on the secondary are intentionally not migrated: per spec.md
// 4.D's "Failure semantics", their process-lifetime TTL is accepted as
// equivalent to what the persistent TTL would already have clipped.
func (m *memoryQueue) DrainAll() []*models.RequestItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RequestItem
	for e := m.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*queueEntry).item)
	}
	m.items.Init()
	return out
}
