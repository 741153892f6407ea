package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondError maps scheduler errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, core.ErrItemNotFound), errors.Is(err, core.ErrDirNotFound), errors.Is(err, core.ErrProfileNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, core.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, core.ErrStopped):
		status, code = http.StatusServiceUnavailable, "stopped"
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func validationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
}

// recordAudit stores an audit entry; failures are logged and otherwise
// ignored.
func recordAudit(c *gin.Context, action, entityType, entityID string, details any) {
	detailsJSON := "{}"
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	entry := &db.AuditLog{
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		DetailsJSON: detailsJSON,
		IPAddress:   c.ClientIP(),
	}
	if err := db.Audit.CreateAuditLog(c.Request.Context(), entry); err != nil {
		slog.Warn("failed to write audit log", "component", "api", "action", action, "error", err)
	}
}
