package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/db"
	"github.com/orrn/tsfarm/internal/monitor"
)

// HostMonitor reports host resource usage.
type HostMonitor interface {
	GetStats(ctx context.Context) (monitor.HostStats, error)
}

type StatusHandler struct {
	queue *core.QueueManager
	host  HostMonitor
}

func NewStatusHandler(queue *core.QueueManager, host HostMonitor) *StatusHandler {
	return &StatusHandler{queue: queue, host: host}
}

type StatusResponse struct {
	Pool core.PoolState     `json:"pool"`
	Host *monitor.HostStats `json:"host,omitempty"`
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	st, err := h.queue.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	resp := StatusResponse{Pool: st}
	if h.host != nil {
		hs, err := h.host.GetStats(c.Request.Context())
		if err != nil {
			slog.Warn("failed to read host stats", "component", "api", "error", err)
		} else {
			resp.Host = &hs
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetDailyStats returns terminal-state counters for the last ?days days,
// seven by default.
func (h *StatusHandler) GetDailyStats(c *gin.Context) {
	days := 7
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 366 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "days must be between 1 and 366"})
			return
		}
		days = n
	}

	to := time.Now()
	from := to.AddDate(0, 0, -(days - 1))
	counters, err := db.Counters.GetCounters(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to retrieve counters"})
		return
	}
	if counters == nil {
		counters = []*db.DailyCounter{}
	}
	c.JSON(http.StatusOK, counters)
}

func (h *StatusHandler) ListAuditLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	filter := db.AuditFilter{
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
	}
	logs, err := db.Audit.ListAuditLogs(c.Request.Context(), filter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to retrieve audit logs"})
		return
	}
	if logs == nil {
		logs = []*db.AuditLog{}
	}
	c.JSON(http.StatusOK, logs)
}

func RegisterStatusRoutes(public, protected *gin.RouterGroup, h *StatusHandler) {
	public.GET("/status", h.GetStatus)
	public.GET("/stats/daily", h.GetDailyStats)
	protected.GET("/audit", h.ListAuditLogs)
}
