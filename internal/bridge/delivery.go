package bridge

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vovakirdan/livechat-connect/internal/channel"
	"github.com/vovakirdan/livechat-connect/internal/livechat"
	"github.com/vovakirdan/livechat-connect/internal/store"
)

// SendText posts text into the livechat room on behalf of the visitor under
// the unit's envelope id. Delivery marks the ledger record delivered; an
// invalidated room is closed and the unit replayed once.
func (u *Unit) SendText(ctx context.Context, room *store.Room, text string) error {
	resp, err := u.postText(ctx, u.message, room, text, u.envelopeID)
	if err != nil {
		return err
	}
	if resp.OK {
		u.log.Debug().Msg("message delivered")
		return u.markDelivered(ctx)
	}

	code := resp.ErrorCode()
	if roomInvalidated(code) {
		u.log.Info().Err(ErrRoomInvalidated).Str("error", code).Str("room_id", room.RemoteID).Msg("message not delivered")
		return u.CloseAndReintake(ctx, room)
	}
	u.log.Warn().Int("status", resp.StatusCode).Str("error", code).Msg("message not delivered")
	return nil
}

// SendFollowUp posts an automated text tied to the unit's envelope, such as a
// file description or a call notice, under the envelope id plus suffix. It has
// its own ledger record, so a retried unit sends it exactly once even when the
// envelope itself was already delivered.
func (u *Unit) SendFollowUp(ctx context.Context, room *store.Room, text, suffix string) error {
	msg, err := u.registerFollowUp(ctx, room, text, suffix)
	if err != nil {
		return err
	}
	if msg.Delivered {
		u.log.Debug().Str("follow_up", msg.EnvelopeID).Msg("follow-up already delivered")
		return nil
	}

	resp, err := u.postText(ctx, msg, room, text, msg.EnvelopeID)
	if err != nil {
		return err
	}
	if resp.OK {
		if err := u.b.store.SetDelivered(ctx, msg.ID, true); err != nil {
			return fmt.Errorf("mark follow-up delivered: %w", err)
		}
		return nil
	}

	code := resp.ErrorCode()
	u.log.Warn().Int("status", resp.StatusCode).Str("error", code).Str("follow_up", msg.EnvelopeID).Msg("follow-up not delivered")
	if roomInvalidated(code) {
		return u.closeInvalidated(ctx, room)
	}
	return nil
}

func (u *Unit) postText(ctx context.Context, msg *store.Message, room *store.Room, text, messageID string) (*livechat.Response, error) {
	req := livechat.LivechatMessage{
		Token: u.identity.Token,
		RID:   room.RemoteID,
		Msg:   text,
		ID:    messageID,
	}
	u.recordOn(ctx, msg, store.HistorySent, req)

	resp, err := u.agent.SendLivechatMessage(ctx, req)
	if err != nil {
		return nil, transient(fmt.Errorf("send livechat message: %w", err))
	}
	u.recordOn(ctx, msg, store.HistoryResponse, resp.JSON())
	return resp, nil
}

// SendFile uploads media into the livechat room. The bytes are staged in a
// temporary file for the duration of the upload only.
func (u *Unit) SendFile(ctx context.Context, room *store.Room, media *channel.Media, description string) error {
	tmp, err := os.CreateTemp(u.b.tempDir, "connect-upload-*")
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(media.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("stage upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}

	up := livechat.Upload{
		Path:        tmp.Name(),
		Filename:    media.Filename,
		MimeType:    media.MimeType,
		Description: description,
	}
	u.recordSent(ctx, map[string]any{
		"rid":         room.RemoteID,
		"filename":    up.Filename,
		"mime_type":   up.MimeType,
		"size":        len(media.Data),
		"description": description,
	})

	resp, err := u.agent.UploadFile(ctx, room.RemoteID, u.identity.Token, up)
	if err != nil {
		return transient(fmt.Errorf("upload file: %w", err))
	}
	u.recordResponse(ctx, resp.JSON())

	if !resp.OK {
		code := resp.ErrorCode()
		if roomInvalidated(code) {
			return u.CloseAndReintake(ctx, room)
		}
		u.log.Warn().Int("status", resp.StatusCode).Str("error", code).Msg("file not delivered")
		return nil
	}
	if err := u.markDelivered(ctx); err != nil {
		return err
	}

	if description != "" && u.options().DescriptionAsMessage() {
		return u.SendFollowUp(ctx, room, description, suffixDescription)
	}
	return nil
}

// Broadcast sends an admin message to the managers' direct room and to every
// managers channel. channels defaults to the connector's managers channels.
// It reports true only when every send succeeded.
func (u *Unit) Broadcast(ctx context.Context, text string, channels []string) (bool, error) {
	if channels == nil {
		channels = u.conn.Config.ManagersChannels
	}
	text = ":rocket: CONNECT " + text

	var results []bool
	if managers := u.conn.Config.Managers; len(managers) > 0 {
		dm, err := u.bot.CreateDirectMessage(ctx, managers...)
		if err != nil {
			return false, transient(fmt.Errorf("create managers room: %w", err))
		}
		if dm.OK {
			sent, err := u.bot.PostMessage(ctx, livechat.PostMessage{
				RoomID: dm.Get("room.rid").String(),
				Text:   text,
				Alias:  u.conn.Config.Name,
			})
			if err != nil {
				return false, transient(fmt.Errorf("post to managers: %w", err))
			}
			results = append(results, sent.OK)
		} else {
			u.log.Warn().RawJSON("response", dm.JSON()).Msg("could not open managers room")
			results = append(results, false)
		}
	}

	for _, ch := range channels {
		sent, err := u.bot.PostMessage(ctx, livechat.PostMessage{
			Channel: strings.TrimPrefix(ch, "#"),
			Text:    text,
		})
		if err != nil {
			return false, transient(fmt.Errorf("post to %s: %w", ch, err))
		}
		if !sent.OK {
			u.log.Warn().Str("channel", ch).RawJSON("response", sent.JSON()).Msg("managers channel message failed")
		}
		results = append(results, sent.OK)
	}

	if len(results) == 0 {
		return false, fmt.Errorf("%w: no managers or channels configured", ErrPartialBroadcast)
	}
	for _, ok := range results {
		if !ok {
			return false, ErrPartialBroadcast
		}
	}
	return true, nil
}

func (u *Unit) closeInvalidated(ctx context.Context, room *store.Room) error {
	if err := u.b.store.CloseRoom(ctx, room.ID); err != nil {
		return fmt.Errorf("close invalidated room: %w", err)
	}
	room.Open = false
	if u.room != nil && u.room.ID == room.ID {
		u.room = nil
	}
	return nil
}
