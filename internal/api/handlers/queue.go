package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/tsfarm/internal/core"
)

type QueueHandler struct {
	queue *core.QueueManager
}

func NewQueueHandler(queue *core.QueueManager) *QueueHandler {
	return &QueueHandler{queue: queue}
}

type AddQueueResponse struct {
	Items []core.ItemView `json:"items"`
}

type ChangeItemBody struct {
	Type     core.ChangeType     `json:"type" binding:"required"`
	Priority int                 `json:"priority"`
	Profile  core.ProfileRequest `json:"profile"`
}

func (h *QueueHandler) GetQueue(c *gin.Context) {
	snap, err := h.queue.Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *QueueHandler) AddQueue(c *gin.Context) {
	var req core.AddQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}
	for i := range req.Outputs {
		if req.Outputs[i].Priority == 0 {
			req.Outputs[i].Priority = core.DefaultPriority
		}
	}

	items, err := h.queue.AddQueue(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []core.ItemView{}
	}

	recordAudit(c, "add_queue", "queue", req.DirPath, gin.H{
		"mode":    req.Mode,
		"targets": len(req.Targets),
		"items":   len(items),
	})
	c.JSON(http.StatusCreated, AddQueueResponse{Items: items})
}

func (h *QueueHandler) GetItem(c *gin.Context) {
	item, err := h.queue.Item(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *QueueHandler) ChangeItem(c *gin.Context) {
	var body ChangeItemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		validationError(c, err)
		return
	}
	switch body.Type {
	case core.ChangeRemoveDir, core.ChangeRemoveCompletedAll:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "change type " + string(body.Type) + " is not an item change",
		})
		return
	}

	id := c.Param("id")
	req := core.ChangeItemRequest{
		Type:     body.Type,
		ItemID:   id,
		Priority: body.Priority,
		Profile:  body.Profile,
	}
	if err := h.queue.ChangeItem(c.Request.Context(), req); err != nil {
		respondError(c, err)
		return
	}

	recordAudit(c, "change_item", "item", id, body)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *QueueHandler) RemoveDir(c *gin.Context) {
	id := c.Param("id")
	err := h.queue.ChangeItem(c.Request.Context(), core.ChangeItemRequest{Type: core.ChangeRemoveDir, DirID: id})
	if err != nil {
		respondError(c, err)
		return
	}
	recordAudit(c, "remove_dir", "dir", id, nil)
	c.Status(http.StatusNoContent)
}

func (h *QueueHandler) RemoveCompleted(c *gin.Context) {
	err := h.queue.ChangeItem(c.Request.Context(), core.ChangeItemRequest{Type: core.ChangeRemoveCompletedAll})
	if err != nil {
		respondError(c, err)
		return
	}
	recordAudit(c, "remove_completed", "queue", "", nil)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func RegisterQueueRoutes(public, protected *gin.RouterGroup, h *QueueHandler) {
	public.GET("/queue", h.GetQueue)
	public.GET("/items/:id", h.GetItem)
	protected.POST("/queue", h.AddQueue)
	protected.POST("/queue/remove-completed", h.RemoveCompleted)
	protected.POST("/items/:id/change", h.ChangeItem)
	protected.DELETE("/dirs/:id", h.RemoveDir)
}
