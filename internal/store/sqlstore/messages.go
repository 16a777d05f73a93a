package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vovakirdan/livechat-connect/internal/store"
)

// ==== MessageStore implementation ====

// RegisterMessage returns the ledger record for the envelope key, creating it if absent.
func (s *SQLStore) RegisterMessage(ctx context.Context, msg store.NewMessage) (*store.Message, bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("generate message id: %w", err)
	}

	raw := msg.Raw
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var roomRef sql.NullInt64
	if msg.RoomID != nil {
		roomRef = sql.NullInt64{Int64: *msg.RoomID, Valid: true}
	}

	insert := s.rebind(`
		INSERT INTO messages (id, connector_id, envelope_id, direction, raw, room_ref, delivered, synthetic_envelope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	result, err := s.db.ExecContext(ctx, insert,
		id.String(), msg.ConnectorID, msg.EnvelopeID, string(msg.Direction), string(raw),
		roomRef, false, msg.SyntheticEnvelope, time.Now().UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("get rows affected: %w", err)
	}
	created := affected == 1

	if !created {
		refresh := s.rebind(`
			UPDATE messages
			SET raw = ?, room_ref = COALESCE(room_ref, ?)
			WHERE connector_id = ? AND envelope_id = ? AND direction = ?
		`)
		if _, err := s.db.ExecContext(ctx, refresh, string(raw), roomRef,
			msg.ConnectorID, msg.EnvelopeID, string(msg.Direction)); err != nil {
			return nil, false, fmt.Errorf("refresh message: %w", err)
		}
	}

	stored, err := s.GetMessage(ctx, msg.ConnectorID, msg.EnvelopeID, msg.Direction)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetMessage loads a record and its history by envelope key.
func (s *SQLStore) GetMessage(ctx context.Context, connectorID, envelopeID string, dir store.Direction) (*store.Message, error) {
	query := s.rebind(`
		SELECT id, connector_id, envelope_id, direction, raw, room_ref, delivered, synthetic_envelope, created_at
		FROM messages
		WHERE connector_id = ? AND envelope_id = ? AND direction = ?
	`)

	var (
		msg       store.Message
		direction string
		raw       string
		roomRef   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, connectorID, envelopeID, string(dir)).Scan(
		&msg.ID,
		&msg.ConnectorID,
		&msg.EnvelopeID,
		&direction,
		&raw,
		&roomRef,
		&msg.Delivered,
		&msg.SyntheticEnvelope,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", envelopeID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}

	msg.Direction = store.Direction(direction)
	msg.Raw = json.RawMessage(raw)
	if roomRef.Valid {
		ref := roomRef.Int64
		msg.RoomID = &ref
	}

	history, err := s.history(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	msg.History = history

	return &msg, nil
}

// AppendHistory adds a history entry to a record.
func (s *SQLStore) AppendHistory(ctx context.Context, messageID string, kind store.HistoryKind, body json.RawMessage) error {
	if len(body) == 0 {
		body = json.RawMessage(`null`)
	}
	query := s.rebind(`
		INSERT INTO message_history (message_id, at, kind, body)
		VALUES (?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query, messageID, time.Now().UTC(), string(kind), string(body)); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// SetDelivered updates the delivered flag.
func (s *SQLStore) SetDelivered(ctx context.Context, messageID string, delivered bool) error {
	query := s.rebind(`UPDATE messages SET delivered = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, delivered, messageID); err != nil {
		return fmt.Errorf("update delivered: %w", err)
	}
	return nil
}

// AttachRoom binds a record to a room.
func (s *SQLStore) AttachRoom(ctx context.Context, messageID string, roomID int64) error {
	query := s.rebind(`UPDATE messages SET room_ref = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, roomID, messageID); err != nil {
		return fmt.Errorf("attach room: %w", err)
	}
	return nil
}

func (s *SQLStore) history(ctx context.Context, messageID string) ([]store.HistoryEntry, error) {
	query := s.rebind(`
		SELECT id, message_id, at, kind, body
		FROM message_history
		WHERE message_id = ?
		ORDER BY at ASC, id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []store.HistoryEntry
	for rows.Next() {
		var (
			entry store.HistoryEntry
			kind  string
			body  string
		)
		if err := rows.Scan(&entry.ID, &entry.MessageID, &entry.At, &kind, &body); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.Kind = store.HistoryKind(kind)
		entry.Body = json.RawMessage(body)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}
