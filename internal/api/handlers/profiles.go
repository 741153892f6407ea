package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/tsfarm/internal/core"
)

// ProfileHandler edits the profile catalog. Every edit re-evaluates the
// queue and, when a catalog path is configured, is written back to it.
type ProfileHandler struct {
	queue       *core.QueueManager
	catalogPath string
}

func NewProfileHandler(queue *core.QueueManager, catalogPath string) *ProfileHandler {
	return &ProfileHandler{queue: queue, catalogPath: catalogPath}
}

func (h *ProfileHandler) GetCatalog(c *gin.Context) {
	f, err := h.queue.Catalog(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *ProfileHandler) ListProfiles(c *gin.Context) {
	profiles, err := h.queue.Profiles(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if profiles == nil {
		profiles = []core.Profile{}
	}
	c.JSON(http.StatusOK, profiles)
}

func (h *ProfileHandler) SetProfile(c *gin.Context) {
	var p core.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		validationError(c, err)
		return
	}
	saved, err := h.queue.SetProfile(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	h.save(c)
	recordAudit(c, "set_profile", "profile", saved.Name, gin.H{"version": saved.Version})
	c.JSON(http.StatusOK, saved)
}

func (h *ProfileHandler) RemoveProfile(c *gin.Context) {
	name := c.Param("name")
	if err := h.queue.RemoveProfile(c.Request.Context(), name); err != nil {
		respondError(c, err)
		return
	}
	h.save(c)
	recordAudit(c, "remove_profile", "profile", name, nil)
	c.Status(http.StatusNoContent)
}

func (h *ProfileHandler) SetAutoSelect(c *gin.Context) {
	var r core.AutoSelectRule
	if err := c.ShouldBindJSON(&r); err != nil {
		validationError(c, err)
		return
	}
	if err := h.queue.SetAutoSelect(c.Request.Context(), r); err != nil {
		respondError(c, err)
		return
	}
	h.save(c)
	recordAudit(c, "set_auto_select", "auto_select", r.Name, gin.H{"conditions": len(r.Conditions)})
	c.JSON(http.StatusOK, r)
}

func (h *ProfileHandler) SetService(c *gin.Context) {
	var s core.ServiceSetting
	if err := c.ShouldBindJSON(&s); err != nil {
		validationError(c, err)
		return
	}
	if s.ServiceID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "service_id is required"})
		return
	}
	if err := h.queue.SetService(c.Request.Context(), s); err != nil {
		respondError(c, err)
		return
	}
	h.save(c)
	recordAudit(c, "set_service", "service", s.Name, gin.H{"service_id": s.ServiceID})
	c.JSON(http.StatusOK, s)
}

// save writes the catalog file; a failure leaves the live edit in place.
func (h *ProfileHandler) save(c *gin.Context) {
	if h.catalogPath == "" {
		return
	}
	f, err := h.queue.Catalog(c.Request.Context())
	if err == nil {
		err = core.SaveCatalog(h.catalogPath, f)
	}
	if err != nil {
		slog.Warn("failed to save profile catalog", "component", "api", "path", h.catalogPath, "error", err)
		c.Error(err)
	}
}

func RegisterProfileRoutes(public, protected *gin.RouterGroup, h *ProfileHandler) {
	public.GET("/catalog", h.GetCatalog)
	public.GET("/profiles", h.ListProfiles)
	protected.PUT("/profiles", h.SetProfile)
	protected.DELETE("/profiles/:name", h.RemoveProfile)
	protected.PUT("/auto-select", h.SetAutoSelect)
	protected.PUT("/services", h.SetService)
}
