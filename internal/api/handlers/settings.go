package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/db"
)

// SettingsHandler changes runtime scheduler settings and persists them so
// they survive a restart.
type SettingsHandler struct {
	queue *core.QueueManager
}

func NewSettingsHandler(queue *core.QueueManager) *SettingsHandler {
	return &SettingsHandler{queue: queue}
}

type SettingsResponse struct {
	NumParallel        int   `json:"num_parallel"`
	Paused             bool  `json:"paused"`
	ScheduledPause     bool  `json:"scheduled_pause"`
	ResourceScheduling bool  `json:"resource_scheduling"`
	NumGPU             int   `json:"num_gpu"`
	MaxGPU             []int `json:"max_gpu"`
}

type ParallelRequest struct {
	NumParallel *int `json:"num_parallel" binding:"required"`
}

type PauseRequest struct {
	Paused *bool `json:"paused" binding:"required"`
}

type ResourceRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type GPURequest struct {
	NumGPU int   `json:"num_gpu" binding:"required,min=1"`
	MaxGPU []int `json:"max_gpu"`
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	st, err := h.queue.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SettingsResponse{
		NumParallel:        st.NumParallel,
		Paused:             st.UserPause,
		ScheduledPause:     st.ScheduledPause,
		ResourceScheduling: st.ResourceScheduling,
		NumGPU:             len(st.Resources.MaxGPU),
		MaxGPU:             st.Resources.MaxGPU,
	})
}

func (h *SettingsHandler) SetParallel(c *gin.Context) {
	var req ParallelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}
	if err := h.queue.SetNumParallel(c.Request.Context(), *req.NumParallel); err != nil {
		respondError(c, err)
		return
	}
	h.persist(c, db.SettingNumParallel, db.Settings.SetInt(c.Request.Context(), db.SettingNumParallel, *req.NumParallel))
	recordAudit(c, "set_parallel", "settings", db.SettingNumParallel, req)
	h.GetSettings(c)
}

func (h *SettingsHandler) SetPause(c *gin.Context) {
	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}
	if err := h.queue.SetPause(c.Request.Context(), *req.Paused); err != nil {
		respondError(c, err)
		return
	}
	h.persist(c, db.SettingPaused, db.Settings.SetBool(c.Request.Context(), db.SettingPaused, *req.Paused))
	recordAudit(c, "set_pause", "settings", db.SettingPaused, req)
	h.GetSettings(c)
}

func (h *SettingsHandler) SetResource(c *gin.Context) {
	var req ResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}
	if err := h.queue.SetResourceScheduling(c.Request.Context(), *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	h.persist(c, db.SettingResourceScheduling, db.Settings.SetBool(c.Request.Context(), db.SettingResourceScheduling, *req.Enabled))
	recordAudit(c, "set_resource_scheduling", "settings", db.SettingResourceScheduling, req)
	h.GetSettings(c)
}

func (h *SettingsHandler) SetGPU(c *gin.Context) {
	var req GPURequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}
	if err := h.queue.SetGPUResources(c.Request.Context(), req.NumGPU, req.MaxGPU); err != nil {
		respondError(c, err)
		return
	}
	setting := db.GPUSetting{NumGPU: req.NumGPU, MaxGPU: req.MaxGPU}
	h.persist(c, db.SettingGPU, db.Settings.SetJSON(c.Request.Context(), db.SettingGPU, setting))
	recordAudit(c, "set_gpu", "settings", db.SettingGPU, req)
	h.GetSettings(c)
}

// persist logs a failed settings write; the live change stays applied.
func (h *SettingsHandler) persist(c *gin.Context, key string, err error) {
	if err != nil {
		slog.Warn("failed to persist setting", "component", "api", "key", key, "error", err)
		c.Error(err)
	}
}

func RegisterSettingsRoutes(public, protected *gin.RouterGroup, h *SettingsHandler) {
	public.GET("/settings", h.GetSettings)
	protected.PUT("/settings/parallel", h.SetParallel)
	protected.PUT("/settings/pause", h.SetPause)
	protected.PUT("/settings/resource", h.SetResource)
	protected.PUT("/settings/gpu", h.SetGPU)
}
