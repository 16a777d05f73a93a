package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/livechat-connect/internal/bridge"
	"github.com/vovakirdan/livechat-connect/internal/store"
)

// AdminHandlers expose rooms and the message ledger for inspection.
type AdminHandlers struct {
	store  store.Store
	bridge *bridge.Bridge
	log    *zerolog.Logger
}

// NewAdminHandlers creates a new admin handlers instance.
func NewAdminHandlers(st store.Store, b *bridge.Bridge, logger *zerolog.Logger) *AdminHandlers {
	return &AdminHandlers{store: st, bridge: b, log: logger}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RoomResponse represents a room in API responses.
type RoomResponse struct {
	ID        int64  `json:"id"`
	Token     string `json:"token"`
	RemoteID  string `json:"room_id"`
	Open      bool   `json:"open"`
	CreatedAt string `json:"created_at"`
}

// HistoryResponse is one ledger history entry.
type HistoryResponse struct {
	At   string          `json:"at"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// MessageResponse represents a ledger record.
type MessageResponse struct {
	ID                string            `json:"id"`
	EnvelopeID        string            `json:"envelope_id"`
	Direction         string            `json:"direction"`
	Delivered         bool              `json:"delivered"`
	SyntheticEnvelope bool              `json:"synthetic_envelope"`
	RoomID            *int64            `json:"room,omitempty"`
	Raw               json.RawMessage   `json:"raw"`
	CreatedAt         string            `json:"created_at"`
	History           []HistoryResponse `json:"history"`
}

// ListRooms lists a connector's rooms, optionally only open ones.
// GET /api/connectors/:id/rooms?open=true
func (h *AdminHandlers) ListRooms(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.bridge.Connector(id); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown connector"})
		return
	}

	rooms, err := h.store.ListRooms(c.Request.Context(), id, c.Query("open") == "true")
	if err != nil {
		h.log.Error().Err(err).Str("connector", id).Msg("failed to list rooms")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		response = append(response, roomResponse(room))
	}
	c.JSON(http.StatusOK, response)
}

func roomResponse(room store.Room) RoomResponse {
	return RoomResponse{
		ID:        room.ID,
		Token:     room.Token,
		RemoteID:  room.RemoteID,
		Open:      room.Open,
		CreatedAt: room.CreatedAt.Format(time.RFC3339),
	}
}

// TransferRequest is the body of a visitor transfer.
type TransferRequest struct {
	Department string `json:"department" binding:"required"`
}

// TransferVisitor forwards a visitor's open room to a department.
// POST /api/connectors/:id/visitors/:visitor/transfer
func (h *AdminHandlers) TransferVisitor(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.bridge.Connector(id); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown connector"})
		return
	}

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "department is required"})
		return
	}

	room, err := h.bridge.TransferVisitor(c.Request.Context(), id, c.Param("visitor"), req.Department)
	if err != nil {
		h.log.Error().Err(err).Str("connector", id).Msg("failed to transfer visitor")
		if bridge.IsTransient(err) {
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: "livechat backend unreachable"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "visitor has no open room"})
		return
	}
	c.JSON(http.StatusOK, roomResponse(*room))
}

// GetMessage returns a ledger record with its history.
// GET /api/connectors/:id/messages/:envelope?direction=incoming
func (h *AdminHandlers) GetMessage(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.bridge.Connector(id); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown connector"})
		return
	}

	dir := store.Direction(c.DefaultQuery("direction", string(store.DirectionIncoming)))
	if dir != store.DirectionIncoming && dir != store.DirectionIngoing {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "direction must be incoming or ingoing"})
		return
	}

	msg, err := h.store.GetMessage(c.Request.Context(), id, c.Param("envelope"), dir)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "message not found"})
			return
		}
		h.log.Error().Err(err).Str("connector", id).Msg("failed to load message")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	history := make([]HistoryResponse, 0, len(msg.History))
	for _, e := range msg.History {
		history = append(history, HistoryResponse{
			At:   e.At.Format(time.RFC3339Nano),
			Kind: string(e.Kind),
			Body: e.Body,
		})
	}
	c.JSON(http.StatusOK, MessageResponse{
		ID:                msg.ID,
		EnvelopeID:        msg.EnvelopeID,
		Direction:         string(msg.Direction),
		Delivered:         msg.Delivered,
		SyntheticEnvelope: msg.SyntheticEnvelope,
		RoomID:            msg.RoomID,
		Raw:               msg.Raw,
		CreatedAt:         msg.CreatedAt.Format(time.RFC3339),
		History:           history,
	})
}
