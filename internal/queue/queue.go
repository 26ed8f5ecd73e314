// Package queue implements the prioritized persistent request queue with
// in-memory fallback and background reconciliation, grounded on
// original_source/services/queue/{base,redis_queue,memory_queue}.py and on
// the teacher's internal/storage/redis.go Redis client idiom.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sugardevspace/sugar-grok/internal/models"
)

const (
	// retryBandCeiling bounds scores belonging to the retry band: any
	// score below this precedes all fresh-enqueue items.
	retryBandCeiling = int64(1e13)
	// reconciliationOffset is added to fresh timestamp scores when
	// writing reconciled items back, placing them above the retry band
	// but interleaved with (not ahead of) ordinary fresh traffic.
	reconciliationOffset = int64(1e14)

	opDeadline = 2 * time.Second
)

// Queue is the spec.md 4.D contract: a persistent backend with degrade-to-
// memory and reconciliation-on-recovery.
type Queue struct {
	rdb           *redis.Client
	queueKey      string
	responsePrefix string
	responseTTL   time.Duration

	mu        sync.Mutex
	secondary *memoryQueue // non-nil while degraded

	reconcileOnce sync.Once
	reconciling   atomic.Bool
}

// Config configures the persistent backend connection and key layout.
type Config struct {
	Addr           string
	Password       string
	DB             int
	QueueKey       string
	ResponsePrefix string
	ResponseTTL    time.Duration
}

// New connects to the persistent backend. It does not fail startup if the
// backend is unreachable; the first operation will observe the failure and
// degrade, matching the Python original's "best effort, degrade on demand"
// posture at the queue layer (though its constructor does ping eagerly —
// here we keep New cheap and let Enqueue/Dequeue perform the ping-then-
// degrade dance per call, per spec.md 4.D's "Degradation" paragraph).
func New(cfg Config) *Queue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if cfg.QueueKey == "" {
		cfg.QueueKey = "grok_api_request_queue"
	}
	if cfg.ResponsePrefix == "" {
		cfg.ResponsePrefix = "response:"
	}
	if cfg.ResponseTTL <= 0 {
		cfg.ResponseTTL = time.Hour
	}
	return &Queue{
		rdb:            rdb,
		queueKey:       cfg.QueueKey,
		responsePrefix: cfg.ResponsePrefix,
		responseTTL:    cfg.ResponseTTL,
	}
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func compositeScore(priority int, enqueuedAtMs int64) int64 {
	return int64(priority)*int64(1e13) + enqueuedAtMs
}

// usingSecondary reports whether the queue is currently degraded, and
// returns the secondary if so. Reading the pointer under the lock is the
// single short critical section spec.md 5 calls for.
func (q *Queue) usingSecondary() *memoryQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.secondary
}

// degrade switches to (or returns the existing) in-memory secondary and
// lazily starts reconciliation.
func (q *Queue) degrade() *memoryQueue {
	q.mu.Lock()
	if q.secondary == nil {
		q.secondary = newMemoryQueue()
	}
	sec := q.secondary
	q.mu.Unlock()

	if q.reconciling.CompareAndSwap(false, true) {
		go q.reconcileLoop()
	}
	return sec
}

// pingWithRetry performs the ping-then-invoke degradation dance: up to 3
// attempts with backoff 0.5*(attempt+1)s, returning ok=false if every
// attempt failed (caller should degrade).
func (q *Queue) pingWithRetry(ctx context.Context) bool {
	for attempt := 0; attempt < 3; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, opDeadline)
		err := q.rdb.Ping(pctx).Err()
		cancel()
		if err == nil {
			return true
		}
		if attempt < 2 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Duration(float64(attempt+1)*0.5) * time.Second):
			}
		}
	}
	return false
}

// Enqueue assigns a fresh id and inserts the item at its priority band.
func (q *Queue) Enqueue(payload models.ChatRequest, priority int) (string, error) {
	if sec := q.usingSecondary(); sec != nil {
		return sec.Enqueue(payload, priority)
	}

	priority = clampPriority(priority)
	now := time.Now()
	id := fmt.Sprintf("req_%d_%x", now.UnixMilli(), now.UnixNano()%0xffffffff)

	item := models.RequestItem{
		ID:         id,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: now.UnixMilli(),
	}

	if !q.tryZAdd(&item, compositeScore(priority, item.EnqueuedAt)) {
		return q.degrade().Enqueue(payload, priority)
	}
	return id, nil
}

// PriorityEnqueue re-queues item in the retry band: score = EnqueuedAt
// alone, always < retryBandCeiling, preserving FIFO among retries. Per
// DESIGN.md's resolution of spec.md's Open Question, this is the single
// scoring rule used for every PriorityEnqueue call.
func (q *Queue) PriorityEnqueue(item *models.RequestItem) error {
	if sec := q.usingSecondary(); sec != nil {
		return sec.PriorityEnqueue(item)
	}
	if !q.tryZAdd(item, item.EnqueuedAt) {
		return q.degrade().PriorityEnqueue(item)
	}
	return nil
}

func (q *Queue) tryZAdd(item *models.RequestItem, score int64) bool {
	data, err := json.Marshal(item)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), opDeadline)
	defer cancel()
	if !q.pingWithRetry(ctx) {
		return false
	}
	err = q.rdb.ZAdd(ctx, q.queueKey, redis.Z{Score: float64(score), Member: data}).Err()
	return err == nil
}

// Dequeue pops the head of the total order, or nil if empty. It returns
// within opDeadline even under backend failure.
func (q *Queue) Dequeue() (*models.RequestItem, error) {
	if sec := q.usingSecondary(); sec != nil {
		return sec.Dequeue()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opDeadline)
	defer cancel()
	if !q.pingWithRetry(ctx) {
		return q.degrade().Dequeue()
	}

	res, err := q.rdb.ZPopMin(ctx, q.queueKey, 1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return q.degrade().Dequeue()
	}
	if len(res) == 0 {
		return nil, nil
	}

	var item models.RequestItem
	member, _ := res[0].Member.(string)
	if err := json.Unmarshal([]byte(member), &item); err != nil {
		return nil, fmt.Errorf("queue: decode dequeued item: %w", err)
	}
	return &item, nil
}

// Length returns the current queue depth.
func (q *Queue) Length() (int64, error) {
	if sec := q.usingSecondary(); sec != nil {
		return sec.Length(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opDeadline)
	defer cancel()
	if !q.pingWithRetry(ctx) {
		return q.degrade().Length(), nil
	}
	return q.rdb.ZCard(ctx, q.queueKey).Result()
}

// StoreResponse publishes the terminal envelope for id with a bounded TTL.
func (q *Queue) StoreResponse(id string, envelope models.ResponseEnvelope) error {
	if sec := q.usingSecondary(); sec != nil {
		sec.StoreResponse(id, envelope)
		return nil
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opDeadline)
	defer cancel()
	if !q.pingWithRetry(ctx) {
		q.degrade().StoreResponse(id, envelope)
		return nil
	}
	key := q.responsePrefix + id
	if err := q.rdb.SetNX(ctx, key, data, q.responseTTL).Err(); err != nil {
		return err
	}
	return nil
}

// GetResponse returns the stored envelope, or nil if pending/expired. The
// Redis round trip is bounded by opDeadline (2s), which keeps the call
// within the 3s ceiling from spec.md 5; callers add no timeout of their own.
func (q *Queue) GetResponse(id string) (*models.ResponseEnvelope, error) {
	if sec := q.usingSecondary(); sec != nil {
		return sec.GetResponse(id), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opDeadline)
	defer cancel()
	data, err := q.rdb.Get(ctx, q.responsePrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, nil // transient errors are treated as "not yet available"
	}
	var env models.ResponseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("queue: decode response envelope: %w", err)
	}
	return &env, nil
}

// reconcileLoop pings the persistent backend on exponential backoff
// (1s, doubling, capped at 10s) and, on success, atomically drains the
// secondary back into the persistent backend and clears it.
func (q *Queue) reconcileLoop() {
	defer q.reconciling.Store(false)
	backoff := time.Second

	for {
		time.Sleep(backoff)

		ctx, cancel := context.WithTimeout(context.Background(), opDeadline)
		err := q.rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			backoff *= 2
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			continue
		}

		q.mu.Lock()
		sec := q.secondary
		q.mu.Unlock()
		if sec == nil {
			return
		}

		drained := sec.DrainAll()
		for _, item := range drained {
			score := time.Now().UnixMilli() + reconciliationOffset
			data, merr := json.Marshal(item)
			if merr != nil {
				continue
			}
			wctx, wcancel := context.WithTimeout(context.Background(), opDeadline)
			if werr := q.rdb.ZAdd(wctx, q.queueKey, redis.Z{Score: float64(score), Member: data}).Err(); werr != nil {
				log.Printf("queue: reconciliation write failed for %s: %v", item.ID, werr)
			}
			wcancel()
		}

		// Pointer-swap-after-drain: only now does usingSecondary() start
		// routing back to the persistent backend, so a concurrent Enqueue
		// either lands in sec (still referenced until this point) or in
		// Redis (after), never lost.
		q.mu.Lock()
		q.secondary = nil
		q.mu.Unlock()
		log.Printf("queue: reconciliation complete, %d item(s) migrated", len(drained))
		return
	}
}

// Close releases the persistent backend connection.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
