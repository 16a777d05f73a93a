package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Room maps a visitor conversation on one connector to a livechat room.
type Room struct {
	ID          int64
	ConnectorID string
	Token       string // visitor token, "<namespace>:<raw id>"
	RemoteID    string // livechat room id
	Open        bool
	CreatedAt   time.Time
}

// Direction tells which side an envelope came from.
type Direction string

const (
	// DirectionIncoming is channel -> livechat.
	DirectionIncoming Direction = "incoming"
	// DirectionIngoing is livechat -> channel.
	DirectionIngoing Direction = "ingoing"
)

// HistoryKind classifies a ledger history entry.
type HistoryKind string

const (
	HistorySent     HistoryKind = "sent"
	HistoryResponse HistoryKind = "response"
)

// HistoryEntry is one append-only record of a delivery attempt or its response.
type HistoryEntry struct {
	ID        int64
	MessageID string
	At        time.Time
	Kind      HistoryKind
	Body      json.RawMessage
}

// Message is the ledger record of one inbound envelope.
type Message struct {
	ID                string
	ConnectorID       string
	EnvelopeID        string
	Direction         Direction
	Raw               json.RawMessage
	RoomID            *int64
	Delivered         bool
	SyntheticEnvelope bool
	CreatedAt         time.Time
	History           []HistoryEntry
}

// NewMessage carries the fields needed to register an envelope.
type NewMessage struct {
	ConnectorID       string
	EnvelopeID        string
	Direction         Direction
	Raw               json.RawMessage
	RoomID            *int64
	SyntheticEnvelope bool
}

// RoomStore handles room persistence.
type RoomStore interface {
	// OpenRooms returns the open rooms for a visitor, most recent first.
	OpenRooms(ctx context.Context, connectorID, token string) ([]Room, error)

	// CreateOpenRoom inserts an open room unless one already exists for
	// (connectorID, token). It returns the open room and whether this call created it.
	CreateOpenRoom(ctx context.Context, connectorID, token, remoteID string) (*Room, bool, error)

	// CloseRoom marks a room closed. Closing a closed room is a no-op.
	CloseRoom(ctx context.Context, id int64) error

	// CloseRoomsByRemoteID closes every room of a connector bound to a livechat room id.
	CloseRoomsByRemoteID(ctx context.Context, connectorID, remoteID string) (int64, error)

	// RoomByRemoteID returns the most recent room of a connector bound to a livechat room id.
	RoomByRemoteID(ctx context.Context, connectorID, remoteID string) (*Room, error)

	// ListRooms lists rooms of a connector, most recent first.
	ListRooms(ctx context.Context, connectorID string, openOnly bool) ([]Room, error)
}

// MessageStore handles the message ledger.
type MessageStore interface {
	// RegisterMessage returns the ledger record for the envelope key, creating it
	// if absent. The raw payload is refreshed and the room is set when unset.
	RegisterMessage(ctx context.Context, msg NewMessage) (*Message, bool, error)

	// GetMessage loads a record and its history by envelope key.
	GetMessage(ctx context.Context, connectorID, envelopeID string, dir Direction) (*Message, error)

	// AppendHistory adds a history entry to a record.
	AppendHistory(ctx context.Context, messageID string, kind HistoryKind, body json.RawMessage) error

	// SetDelivered updates the delivered flag.
	SetDelivered(ctx context.Context, messageID string, delivered bool) error

	// AttachRoom binds a record to a room.
	AttachRoom(ctx context.Context, messageID string, roomID int64) error
}

// Store aggregates all storage interfaces.
type Store interface {
	RoomStore
	MessageStore
	Close() error
}
