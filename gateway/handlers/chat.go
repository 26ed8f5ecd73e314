// Package handlers implements the HTTP surface: the client-facing chat
// submission/polling endpoints and the ambient health/admin routes layered
// on top, grounded on original_source/gateway.py's route table.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sugardevspace/sugar-grok/internal/models"
	"github.com/sugardevspace/sugar-grok/internal/queue"
)

// ChatHandler exposes the queue to clients: submit a request, poll its
// terminal envelope.
type ChatHandler struct {
	queue *queue.Queue
}

func NewChatHandler(q *queue.Queue) *ChatHandler {
	return &ChatHandler{queue: q}
}

// submitResponse is returned immediately on a successful enqueue.
type submitResponse struct {
	RequestID     string `json:"request_id"`
	Status        string `json:"status"`
	QueuePosition int64  `json:"queue_position"`
	EstimatedTime int64  `json:"estimated_time"`
}

// CreateCompletion handles POST /chat/completions: validates the payload,
// enqueues it, and returns immediately with a tracking id. Clients poll
// GetRequest for the terminal result.
func (h *ChatHandler) CreateCompletion(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "invalid_request"})
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model and messages are required", "error_type": "invalid_request"})
		return
	}

	priority := 10
	if p := c.Query("priority"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			priority = v
		}
	}

	id, err := h.queue.Enqueue(req, priority)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to enqueue request", "error_type": "queue_error"})
		return
	}

	length, _ := h.queue.Length()
	c.JSON(http.StatusAccepted, submitResponse{
		RequestID:     id,
		Status:        "queued",
		QueuePosition: length,
		EstimatedTime: estimateSeconds(length),
	})
}

// GetRequest handles GET /requests/{id}: returns the terminal envelope once
// the dispatcher has published one, or a pending marker until then.
func (h *ChatHandler) GetRequest(c *gin.Context) {
	id := c.Param("id")

	envelope, err := h.queue.GetResponse(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read response", "error_type": "queue_error"})
		return
	}
	if envelope == nil {
		c.JSON(http.StatusOK, gin.H{"request_id": id, "status": "pending"})
		return
	}

	c.JSON(http.StatusOK, envelope)
}

// estimateSeconds is a rough, cheap estimate: one second of upstream
// latency per queued item ahead of this one.
func estimateSeconds(queuePosition int64) int64 {
	return queuePosition
}
