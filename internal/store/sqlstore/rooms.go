package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/livechat-connect/internal/store"
)

// ==== RoomStore implementation ====

const roomColumns = `id, connector_id, token, room_id, open, created_at`

// OpenRooms returns the open rooms for a visitor, most recent first.
func (s *SQLStore) OpenRooms(ctx context.Context, connectorID, token string) ([]store.Room, error) {
	query := s.rebind(`
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE connector_id = ? AND token = ? AND open = ?
		ORDER BY created_at DESC, id DESC
	`)
	return s.queryRooms(ctx, query, connectorID, token, true)
}

// CreateOpenRoom inserts an open room unless one already exists.
func (s *SQLStore) CreateOpenRoom(ctx context.Context, connectorID, token, remoteID string) (*store.Room, bool, error) {
	query := s.rebind(`
		INSERT INTO rooms (connector_id, token, room_id, open, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	result, err := s.db.ExecContext(ctx, query, connectorID, token, remoteID, true, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("insert room: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("get rows affected: %w", err)
	}

	rooms, err := s.OpenRooms(ctx, connectorID, token)
	if err != nil {
		return nil, false, err
	}
	if len(rooms) == 0 {
		// closed between insert and read by another unit
		return nil, false, fmt.Errorf("open room for %s: %w", token, store.ErrNotFound)
	}
	return &rooms[0], affected == 1, nil
}

// CloseRoom marks a room closed.
func (s *SQLStore) CloseRoom(ctx context.Context, id int64) error {
	query := s.rebind(`UPDATE rooms SET open = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, false, id); err != nil {
		return fmt.Errorf("close room: %w", err)
	}
	return nil
}

// CloseRoomsByRemoteID closes every open room of a connector bound to a livechat room id.
func (s *SQLStore) CloseRoomsByRemoteID(ctx context.Context, connectorID, remoteID string) (int64, error) {
	query := s.rebind(`UPDATE rooms SET open = ? WHERE connector_id = ? AND room_id = ? AND open = ?`)
	result, err := s.db.ExecContext(ctx, query, false, connectorID, remoteID, true)
	if err != nil {
		return 0, fmt.Errorf("close rooms: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// RoomByRemoteID returns the most recent room bound to a livechat room id.
func (s *SQLStore) RoomByRemoteID(ctx context.Context, connectorID, remoteID string) (*store.Room, error) {
	query := s.rebind(`
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE connector_id = ? AND room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)
	var room store.Room
	err := s.db.QueryRowContext(ctx, query, connectorID, remoteID).Scan(
		&room.ID,
		&room.ConnectorID,
		&room.Token,
		&room.RemoteID,
		&room.Open,
		&room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", remoteID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	return &room, nil
}

// ListRooms lists rooms of a connector, most recent first.
func (s *SQLStore) ListRooms(ctx context.Context, connectorID string, openOnly bool) ([]store.Room, error) {
	if openOnly {
		query := s.rebind(`
			SELECT ` + roomColumns + `
			FROM rooms
			WHERE connector_id = ? AND open = ?
			ORDER BY created_at DESC, id DESC
		`)
		return s.queryRooms(ctx, query, connectorID, true)
	}
	query := s.rebind(`
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE connector_id = ?
		ORDER BY created_at DESC, id DESC
	`)
	return s.queryRooms(ctx, query, connectorID)
}

func (s *SQLStore) queryRooms(ctx context.Context, query string, args ...any) ([]store.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []store.Room
	for rows.Next() {
		var room store.Room
		if err := rows.Scan(
			&room.ID,
			&room.ConnectorID,
			&room.Token,
			&room.RemoteID,
			&room.Open,
			&room.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}
