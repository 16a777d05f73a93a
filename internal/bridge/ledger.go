package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/vovakirdan/livechat-connect/internal/store"
)

// Follow-up messages are sent under the envelope id plus one of these suffixes
// and tracked as ledger records of their own.
const (
	suffixDescription  = "_description"
	suffixCall         = "_call"
	suffixAudio        = "_ptt"
	suffixVCard        = "VCARD"
	suffixSessionTaken = "SESSION_TAKEN"
)

// resumable follow-ups are re-sent when their envelope is seen again.
var resumableSuffixes = []string{suffixVCard, suffixCall, suffixDescription, suffixAudio}

// register records the unit's envelope in the ledger. It returns
// ErrDuplicateEvent when the envelope was already delivered.
func (u *Unit) register(ctx context.Context) error {
	var roomID *int64
	if u.room != nil {
		id := u.room.ID
		roomID = &id
	}

	msg, created, err := u.b.store.RegisterMessage(ctx, store.NewMessage{
		ConnectorID:       u.conn.Config.ID,
		EnvelopeID:        u.envelopeID,
		Direction:         u.direction,
		Raw:               json.RawMessage(u.raw),
		RoomID:            roomID,
		SyntheticEnvelope: u.synthetic,
	})
	if err != nil {
		return fmt.Errorf("register message: %w", err)
	}
	u.message = msg

	if created {
		u.log.Info().Str("message_id", msg.ID).Msg("new message registered")
		return nil
	}
	u.seenBefore = true
	u.log.Info().Str("message_id", msg.ID).Bool("delivered", msg.Delivered).Msg("existing message registered")
	if msg.Delivered {
		return ErrDuplicateEvent
	}
	return nil
}

func (u *Unit) recordSent(ctx context.Context, body any) {
	u.record(ctx, store.HistorySent, body)
}

func (u *Unit) recordResponse(ctx context.Context, body any) {
	u.record(ctx, store.HistoryResponse, body)
}

func (u *Unit) record(ctx context.Context, kind store.HistoryKind, body any) {
	u.recordOn(ctx, u.message, kind, body)
}

func (u *Unit) recordOn(ctx context.Context, msg *store.Message, kind store.HistoryKind, body any) {
	if msg == nil {
		return
	}
	var raw json.RawMessage
	switch v := body.(type) {
	case json.RawMessage:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			u.log.Warn().Err(err).Msg("failed to encode ledger history entry")
			return
		}
		raw = encoded
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := u.b.store.AppendHistory(ctx, msg.ID, kind, raw); err != nil {
		u.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to append ledger history")
	}
}

func (u *Unit) markDelivered(ctx context.Context) error {
	if u.message == nil {
		return nil
	}
	if err := u.b.store.SetDelivered(ctx, u.message.ID, true); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	u.message.Delivered = true
	if u.room != nil && u.message.RoomID == nil {
		if err := u.attachRoom(ctx, u.room); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unit) attachRoom(ctx context.Context, room *store.Room) error {
	if u.message == nil || room == nil {
		return nil
	}
	if err := u.b.store.AttachRoom(ctx, u.message.ID, room.ID); err != nil {
		return fmt.Errorf("attach room: %w", err)
	}
	id := room.ID
	u.message.RoomID = &id
	return nil
}

// registerFollowUp records a follow-up text under its derived envelope id.
func (u *Unit) registerFollowUp(ctx context.Context, room *store.Room, text, suffix string) (*store.Message, error) {
	raw, err := json.Marshal(map[string]string{"parent": u.envelopeID, "msg": text})
	if err != nil {
		return nil, fmt.Errorf("encode follow-up: %w", err)
	}
	var roomID *int64
	if room != nil {
		id := room.ID
		roomID = &id
	}
	msg, _, err := u.b.store.RegisterMessage(ctx, store.NewMessage{
		ConnectorID:       u.conn.Config.ID,
		EnvelopeID:        u.envelopeID + suffix,
		Direction:         u.direction,
		Raw:               raw,
		RoomID:            roomID,
		SyntheticEnvelope: u.synthetic,
	})
	if err != nil {
		return nil, fmt.Errorf("register follow-up: %w", err)
	}
	return msg, nil
}

// resumeFollowUps re-sends follow-ups of the unit's envelope that an earlier
// attempt registered but could not deliver. room may be nil, in which case
// the visitor's open room is used.
func (u *Unit) resumeFollowUps(ctx context.Context, room *store.Room) error {
	for _, suffix := range resumableSuffixes {
		msg, err := u.b.store.GetMessage(ctx, u.conn.Config.ID, u.envelopeID+suffix, u.direction)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load follow-up: %w", err)
		}
		if msg.Delivered {
			continue
		}

		if room == nil || !room.Open {
			rooms, err := u.b.store.OpenRooms(ctx, u.conn.Config.ID, u.identity.Token)
			if err != nil {
				return fmt.Errorf("load open rooms: %w", err)
			}
			if len(rooms) == 0 {
				u.log.Warn().Str("follow_up", msg.EnvelopeID).Msg("no open room for pending follow-up")
				return nil
			}
			room = &rooms[0]
		}

		u.log.Info().Str("follow_up", msg.EnvelopeID).Msg("resending pending follow-up")
		if err := u.SendFollowUp(ctx, room, gjson.GetBytes(msg.Raw, "msg").String(), suffix); err != nil {
			return err
		}
	}
	return nil
}
