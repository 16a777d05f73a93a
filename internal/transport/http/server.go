package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/livechat-connect/internal/auth"
	"github.com/vovakirdan/livechat-connect/internal/bridge"
	"github.com/vovakirdan/livechat-connect/internal/config"
	"github.com/vovakirdan/livechat-connect/internal/store"
	"github.com/vovakirdan/livechat-connect/internal/tasks"
)

// Submitter queues units of work.
type Submitter interface {
	Submit(ctx context.Context, name string, task tasks.Task) error
}

// Deps are what the HTTP layer serves.
type Deps struct {
	Config *config.Config
	Bridge *bridge.Bridge
	Runner Submitter
	Store  store.Store
	JWT    *auth.JWTConfig
}

// NewServer builds the HTTP server with webhook and admin routes.
func NewServer(deps Deps, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              deps.Config.Addr,
		Handler:           NewRouter(deps, logger),
		ReadHeaderTimeout: deps.Config.ReadHeaderTimeout,
	}
}

// NewRouter registers every route on a gin engine.
func NewRouter(deps Deps, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(logger))

	r.GET("/health", healthHandler)

	webhooks := NewWebhookHandlers(deps.Config, deps.Bridge, deps.Runner, logger)
	limited := r.Group("/", RateLimitMiddleware(deps.Config.WebhookRateLimit))
	limited.POST("/connector/:token", webhooks.Connector)
	limited.POST("/server/:token/livechat", webhooks.Livechat)

	admin := NewAdminHandlers(deps.Store, deps.Bridge, logger)
	api := r.Group("/api", AuthMiddleware(deps.JWT, logger))
	api.GET("/connectors/:id/rooms", admin.ListRooms)
	api.GET("/connectors/:id/messages/:envelope", admin.GetMessage)
	api.POST("/connectors/:id/visitors/:visitor/transfer", admin.TransferVisitor)

	return r
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
