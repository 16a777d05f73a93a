package http

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/livechat-connect/internal/bridge"
	"github.com/vovakirdan/livechat-connect/internal/channel"
	"github.com/vovakirdan/livechat-connect/internal/config"
)

// LivechatTokenHeader carries the livechat webhook secret.
const LivechatTokenHeader = "X-RocketChat-Livechat-Token"

// WebhookHandlers accept channel and livechat webhooks and queue them.
type WebhookHandlers struct {
	cfg    *config.Config
	bridge *bridge.Bridge
	runner Submitter
	log    *zerolog.Logger
}

// NewWebhookHandlers creates the webhook handlers.
func NewWebhookHandlers(cfg *config.Config, b *bridge.Bridge, runner Submitter, logger *zerolog.Logger) *WebhookHandlers {
	return &WebhookHandlers{cfg: cfg, bridge: b, runner: runner, log: logger}
}

// StatusResponse acknowledges a webhook.
type StatusResponse struct {
	Status string `json:"status"`
}

// Connector receives a channel payload.
// POST /connector/:token
func (h *WebhookHandlers) Connector(c *gin.Context) {
	conn, ok := h.bridge.ConnectorByToken(c.Param("token"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown connector"})
		return
	}

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty body"})
		return
	}

	if v, ok := conn.Channel.(channel.Verifier); ok && !v.Verify(body, c.GetHeader(channel.SignatureHeader)) {
		h.log.Warn().Str("connector", conn.Config.ID).Msg("rejected unsigned channel payload")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature"})
		return
	}

	id := conn.Config.ID
	h.enqueue(c, "intake:"+id, func(ctx context.Context) error {
		return h.bridge.HandleIncoming(ctx, id, body)
	})
}

// Livechat receives a livechat webhook for a server.
// POST /server/:token/livechat
func (h *WebhookHandlers) Livechat(c *gin.Context) {
	srv, ok := h.cfg.ServerByToken(c.Param("token"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown server"})
		return
	}
	if srv.SecretToken != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader(LivechatTokenHeader)), []byte(srv.SecretToken)) != 1 {
		h.log.Warn().Str("server", srv.ID).Msg("livechat webhook with wrong secret")
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "invalid livechat token"})
		return
	}

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty body"})
		return
	}

	connectorID, err := h.bridge.RouteLivechat(c.Request.Context(), srv.ID, body)
	if err != nil {
		h.log.Warn().Err(err).Str("server", srv.ID).Msg("livechat payload matches no connector")
		c.JSON(http.StatusOK, StatusResponse{Status: "ignored"})
		return
	}

	h.enqueue(c, "livechat:"+connectorID, func(ctx context.Context) error {
		return h.bridge.HandleLivechat(ctx, connectorID, body)
	})
}

func (h *WebhookHandlers) enqueue(c *gin.Context, name string, task func(ctx context.Context) error) {
	if err := h.runner.Submit(c.Request.Context(), name, task); err != nil {
		h.log.Error().Err(err).Str("task", name).Msg("failed to queue task")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "busy"})
		return
	}
	c.JSON(http.StatusAccepted, StatusResponse{Status: "queued"})
}
