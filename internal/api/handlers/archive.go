package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/tsfarm/internal/archive"
	"github.com/orrn/tsfarm/internal/core"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
}

func NewArchiveHandler(archiver *archive.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

type ArchiveItemsResponse struct {
	Filename string            `json:"filename"`
	Items    []core.ItemRecord `json:"items"`
}

type TriggerArchiveResponse struct {
	Message  string `json:"message"`
	Archived int    `json:"archived"`
}

type ArchiveSettingsResponse struct {
	ArchiveDays int `json:"archive_days"`
}

type UpdateArchiveSettingsRequest struct {
	ArchiveDays int `json:"archive_days" binding:"required,min=1,max=365"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "archive_error", Message: "failed to list archives"})
		return
	}
	if archives == nil {
		archives = []*archive.ArchiveFile{}
	}
	c.JSON(http.StatusOK, ArchiveListResponse{Archives: archives, Count: len(archives)})
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), c.Param("filename"))
	if err != nil {
		archiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *ArchiveHandler) GetArchiveItems(c *gin.Context) {
	filename := c.Param("filename")
	recs, err := h.archiver.ReadArchive(c.Request.Context(), filename)
	if err != nil {
		archiveError(c, err)
		return
	}
	if recs == nil {
		recs = []core.ItemRecord{}
	}
	c.JSON(http.StatusOK, ArchiveItemsResponse{Filename: filename, Items: recs})
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	filename := c.Param("filename")
	if err := h.archiver.DeleteArchive(filename); err != nil {
		archiveError(c, err)
		return
	}
	recordAudit(c, "delete_archive", "archive", filename, nil)
	c.Status(http.StatusNoContent)
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	n, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "archive_error", Message: err.Error()})
		return
	}
	recordAudit(c, "run_archive", "archive", "", gin.H{"archived": n})
	c.JSON(http.StatusOK, TriggerArchiveResponse{Message: "archive completed", Archived: n})
}

func (h *ArchiveHandler) GetArchiveSettings(c *gin.Context) {
	c.JSON(http.StatusOK, ArchiveSettingsResponse{ArchiveDays: h.archiver.GetArchiveDays()})
}

func (h *ArchiveHandler) UpdateArchiveSettings(c *gin.Context) {
	var req UpdateArchiveSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err)
		return
	}
	h.archiver.SetArchiveDays(req.ArchiveDays)
	recordAudit(c, "set_archive_days", "settings", "archive_days", req)
	c.JSON(http.StatusOK, ArchiveSettingsResponse{ArchiveDays: req.ArchiveDays})
}

func archiveError(c *gin.Context, err error) {
	if errors.Is(err, archive.ErrArchiveNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "archive_error", Message: err.Error()})
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.ListArchives)
	r.GET("/archives/:filename", h.GetArchiveInfo)
	r.GET("/archives/:filename/items", h.GetArchiveItems)
	r.DELETE("/archives/:filename", h.DeleteArchive)
	r.POST("/archives/run", h.TriggerArchive)
	r.GET("/settings/archival", h.GetArchiveSettings)
	r.PUT("/settings/archival", h.UpdateArchiveSettings)
}
