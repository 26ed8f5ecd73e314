package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sugardevspace/sugar-grok/internal/failover"
	"github.com/sugardevspace/sugar-grok/internal/keymanager"
	"github.com/sugardevspace/sugar-grok/internal/metricssink"
	"github.com/sugardevspace/sugar-grok/internal/provider"
	"github.com/sugardevspace/sugar-grok/internal/queue"
)

// AdminHandler exposes the engine's internal state for operators: usage
// stats, failover status, and manual failover controls.
type AdminHandler struct {
	queue    *queue.Queue
	keys     *keymanager.Manager
	sink     *metricssink.Sink
	failover *failover.Manager
	registry *provider.Registry
}

func NewAdminHandler(q *queue.Queue, keys *keymanager.Manager, sink *metricssink.Sink, fm *failover.Manager, registry *provider.Registry) *AdminHandler {
	return &AdminHandler{queue: q, keys: keys, sink: sink, failover: fm, registry: registry}
}

// Stats handles GET /stats?provider=: usage metrics, the current queue
// length, and masked per-key usage counters.
func (h *AdminHandler) Stats(c *gin.Context) {
	providerName := c.Query("provider")

	length, _ := h.queue.Length()

	c.JSON(http.StatusOK, gin.H{
		"usage_stats":         h.sink.GetMetrics(providerName, 0),
		"current_queue_length": length,
		"api_keys":            h.keys.Stats(providerName),
	})
}

// SystemStatus handles GET /system/status?provider=: a fuller snapshot than
// Stats, aggregating queue, usage, and failover state in one call.
func (h *AdminHandler) SystemStatus(c *gin.Context) {
	providerName := c.Query("provider")

	length, _ := h.queue.Length()
	snap := h.failover.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"queue_status": gin.H{
			"length": length,
		},
		"llm_stats":       h.sink.GetMetrics(providerName, 0),
		"failover_status": snap,
		"metrics": gin.H{
			"checked_at": time.Now(),
		},
	})
}

// ForceFailover handles POST /system/force-failover/{provider}: immediately
// switches dispatch to the named provider regardless of its health state.
func (h *AdminHandler) ForceFailover(c *gin.Context) {
	target := c.Param("provider")
	if _, ok := h.registry.Get(target); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown provider: " + target})
		return
	}

	previous := h.failover.CurrentProviderName()
	h.failover.ForceSwitch(target)

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"previous_provider": previous,
		"current_provider":  h.failover.CurrentProviderName(),
	})
}

// ResetProvider handles POST /system/reset-provider/{provider}: clears the
// failure count and marks the provider available again, without forcing
// dispatch onto it.
func (h *AdminHandler) ResetProvider(c *gin.Context) {
	target := c.Param("provider")
	if _, ok := h.registry.Get(target); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown provider: " + target})
		return
	}

	h.failover.ResetProvider(target)
	snap := h.failover.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"provider_status": snap.Providers[target],
	})
}

// Providers handles GET /providers: the configured provider set plus which
// one is currently serving dispatch.
func (h *AdminHandler) Providers(c *gin.Context) {
	snap := h.failover.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"providers":        h.registry.Names(),
		"current_provider": snap.CurrentProvider,
		"primary_provider": snap.PrimaryProvider,
	})
}
