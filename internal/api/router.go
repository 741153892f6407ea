package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/tsfarm/internal/api/handlers"
	"github.com/orrn/tsfarm/internal/api/middleware"
	"github.com/orrn/tsfarm/internal/archive"
	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/webhook"
)

// Deps are the collaborators the HTTP API serves. Archiver and Host may be
// nil; their routes are then omitted or reduced.
type Deps struct {
	Queue        *core.QueueManager
	Webhooks     *webhook.Sender
	Archiver     *archive.Archiver
	Host         handlers.HostMonitor
	ProfilesPath string
	SessionTTL   time.Duration
}

// NewRouter builds the gin engine serving /api/v1. Reads are public;
// mutations require an authenticated session.
func NewRouter(ctx context.Context, deps Deps) (*gin.Engine, error) {
	auth, err := middleware.NewAuthMiddleware(ctx, deps.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())

	v1 := r.Group("/api/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/setup", auth.SetupHandler)
	authGroup.POST("/login", auth.LoginHandler)
	authGroup.POST("/logout", auth.LogoutHandler)
	authGroup.GET("/status", auth.StatusHandler)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	protected.PUT("/auth/password", auth.ChangePasswordHandler)

	handlers.RegisterQueueRoutes(v1, protected, handlers.NewQueueHandler(deps.Queue))
	handlers.RegisterSettingsRoutes(v1, protected, handlers.NewSettingsHandler(deps.Queue))
	handlers.RegisterProfileRoutes(v1, protected, handlers.NewProfileHandler(deps.Queue, deps.ProfilesPath))
	handlers.RegisterStatusRoutes(v1, protected, handlers.NewStatusHandler(deps.Queue, deps.Host))
	if deps.Webhooks != nil {
		handlers.RegisterWebhookRoutes(protected, handlers.NewWebhookHandler(deps.Webhooks))
	}
	if deps.Archiver != nil {
		handlers.NewArchiveHandler(deps.Archiver).RegisterRoutes(protected)
	}

	return r, nil
}
