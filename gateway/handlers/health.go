package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sugardevspace/sugar-grok/internal/failover"
	"github.com/sugardevspace/sugar-grok/internal/provider"
	"github.com/sugardevspace/sugar-grok/internal/queue"
)

// HealthHandler answers liveness/readiness probes. It holds no exclusive
// state of its own, only read access into the already-running engine.
type HealthHandler struct {
	queue     *queue.Queue
	registry  *provider.Registry
	failover  *failover.Manager
	startedAt time.Time
}

func NewHealthHandler(q *queue.Queue, registry *provider.Registry, fm *failover.Manager) *HealthHandler {
	return &HealthHandler{queue: q, registry: registry, failover: fm, startedAt: time.Now()}
}

// Health handles GET /health: redis reachability (via a queue length probe),
// the configured provider set, and how long the process has been up. The
// dispatcher itself has no separate liveness signal beyond the process
// being alive, so this never reports anything worse than "degraded".
func (h *HealthHandler) Health(c *gin.Context) {
	status := "healthy"

	queueReachable := true
	if _, err := h.queue.Length(); err != nil {
		queueReachable = false
		status = "degraded"
	}

	snap := h.failover.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"uptime_seconds":   int64(time.Since(h.startedAt).Seconds()),
		"queue_reachable":  queueReachable,
		"providers":        h.registry.Names(),
		"current_provider": snap.CurrentProvider,
		"in_failover_mode": snap.InFailoverMode,
		"timestamp":        time.Now(),
	})
}
