package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/vovakirdan/livechat-connect/internal/livechat"
	"github.com/vovakirdan/livechat-connect/internal/store"
)

// RoomOptions control GetOrCreate.
type RoomOptions struct {
	Create        bool
	CheckIfOpen   bool   // verify the stored room against the backend's open rooms
	AllowWelcome  bool   // run welcome side effects
	ForceTransfer string // department to transfer the room to, if set
	Department    string // department for a new visitor, defaults to the connector's
}

// GetOrCreate resolves the open room for the unit's visitor, creating one when allowed.
// A nil room with a nil error means no room is available: the visitor is ignored,
// rooms are disabled, or nobody is online.
func (u *Unit) GetOrCreate(ctx context.Context, opts RoomOptions) (*store.Room, error) {
	token := u.identity.Token
	o := u.options()

	if o.IgnoresVisitor(token) {
		u.log.Info().Msg("ignoring visitor token")
		return nil, nil
	}

	rooms, err := u.b.store.OpenRooms(ctx, u.conn.Config.ID, token)
	if err != nil {
		return nil, fmt.Errorf("load open rooms: %w", err)
	}

	if len(rooms) > 1 {
		// the unique index should prevent this; kept as a read path for legacy rows
		u.log.Error().Int("open_rooms", len(rooms)).Msg("multiple open rooms for visitor, using most recent")
		u.room = &rooms[0]
		return u.room, nil
	}

	var room *store.Room
	if len(rooms) == 1 {
		room = &rooms[0]
		if opts.CheckIfOpen {
			open, err := u.remoteRoomOpen(ctx, room.RemoteID)
			if err != nil {
				return nil, err
			}
			if !open {
				u.log.Info().Str("room_id", room.RemoteID).Msg("room open locally but closed on livechat, closing")
				if err := u.b.store.CloseRoom(ctx, room.ID); err != nil {
					return nil, fmt.Errorf("close stale room: %w", err)
				}
				room = nil
			}
		}
	}

	created := false
	if room == nil && opts.Create && o.RoomsEnabled() {
		room, created, err = u.createRoom(ctx, opts.Department)
		switch {
		case errors.Is(err, ErrNoAgentOnline):
			u.log.Info().Msg("no agents online")
			if err := u.noAgentOnline(ctx); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		}
	}
	u.room = room

	if opts.ForceTransfer != "" && room != nil {
		if err := u.forceTransfer(ctx, room, opts.ForceTransfer); err != nil {
			return nil, err
		}
	}

	if opts.AllowWelcome {
		if err := u.welcome(ctx, room, created); err != nil {
			return nil, err
		}
	}

	if room != nil {
		if err := u.attachRoom(ctx, room); err != nil {
			return nil, err
		}
	}
	return room, nil
}

func (u *Unit) createRoom(ctx context.Context, department string) (*store.Room, bool, error) {
	token := u.identity.Token

	resp, err := u.agent.RegisterVisitor(ctx, u.visitor(department))
	if err != nil {
		return nil, false, transient(fmt.Errorf("register visitor: %w", err))
	}
	if !resp.OK {
		u.log.Warn().Int("status", resp.StatusCode).RawJSON("response", resp.JSON()).Msg("visitor registration refused")
		return nil, false, nil
	}

	rc, err := u.agent.LivechatRoom(ctx, token)
	if err != nil {
		return nil, false, transient(fmt.Errorf("get livechat room: %w", err))
	}
	if !rc.OK {
		if rc.ErrorType() == livechat.ErrorNoAgentOnline {
			return nil, false, ErrNoAgentOnline
		}
		u.log.Warn().Int("status", rc.StatusCode).RawJSON("response", rc.JSON()).Msg("livechat room refused")
		return nil, false, nil
	}

	remoteID := rc.Get("room._id").String()
	room, created, err := u.b.store.CreateOpenRoom(ctx, u.conn.Config.ID, token, remoteID)
	if err != nil {
		return nil, false, fmt.Errorf("create room: %w", err)
	}
	if created {
		u.log.Info().Str("room_id", remoteID).Msg("room created")
	} else if room.RemoteID != remoteID {
		u.log.Warn().Str("room_id", room.RemoteID).Str("livechat_room_id", remoteID).Msg("another unit opened a room first")
	}
	return room, created, nil
}

func (u *Unit) visitor(department string) livechat.Visitor {
	id := u.identity
	o := u.options()
	if department == "" {
		department = u.conn.Config.Department
	}

	name := u.senderName()
	phone := u.senderPhone()
	v := livechat.Visitor{
		Username:   id.Token,
		Token:      id.Token,
		Phone:      phone,
		Department: department,
		CustomFields: []livechat.CustomField{
			{Key: "connector_name", Value: u.conn.Config.Name, Overwrite: true},
		},
	}
	if name != "" {
		v.CustomFields = append(v.CustomFields, livechat.CustomField{
			Key: "whatsapp_name", Value: name, Overwrite: o.OverwritesCustomFields(),
		})
	}
	if phone != "" {
		v.CustomFields = append(v.CustomFields, livechat.CustomField{
			Key: "whatsapp_number", Value: phone, Overwrite: o.OverwritesCustomFields(),
		})
	}
	if name != "" && !o.SupressVisitorName {
		v.Name = name
	}
	return v
}

func (u *Unit) remoteRoomOpen(ctx context.Context, remoteID string) (bool, error) {
	resp, err := u.agent.ListOpenRooms(ctx)
	if err != nil {
		return false, transient(fmt.Errorf("list open rooms: %w", err))
	}
	if !resp.OK {
		// cannot tell, keep the local view
		u.log.Warn().Int("status", resp.StatusCode).Msg("could not list open rooms")
		return true, nil
	}
	for _, r := range resp.Get("rooms").Array() {
		if r.Get("_id").String() == remoteID {
			return true, nil
		}
	}
	return false, nil
}

func (u *Unit) forceTransfer(ctx context.Context, room *store.Room, department string) error {
	resp, err := u.agent.TransferRoom(ctx, room.RemoteID, room.Token, department)
	if err != nil {
		return transient(fmt.Errorf("transfer room: %w", err))
	}
	if resp.OK {
		u.log.Info().Str("department", department).Msg("room transferred")
	} else {
		u.log.Error().Str("department", department).RawJSON("response", resp.JSON()).Msg("room transfer failed")
	}
	return nil
}

// welcome sends the welcome message and vcard. With rooms enabled they go out
// only for the unit that created the room; with rooms disabled, on every event.
func (u *Unit) welcome(ctx context.Context, room *store.Room, created bool) error {
	o := u.options()
	eligible := !o.RoomsEnabled() || created

	if o.WelcomeMessage != "" && eligible {
		if created {
			resp, err := u.bot.SendRoomMessage(ctx, room.RemoteID, o.WelcomeMessage)
			if err != nil {
				return transient(fmt.Errorf("send welcome message: %w", err))
			}
			u.recordResponse(ctx, resp.JSON())
			u.log.Info().Bool("ok", resp.OK).Msg("welcome message sent through room")
		} else if err := u.OutgoText(ctx, o.WelcomeMessage, ""); err != nil {
			return err
		}
	}

	if o.HasWelcomeVCard() && eligible {
		if err := u.OutgoVCard(ctx, o.WelcomeVCard); err != nil {
			return err
		}
		if room != nil && o.AlertAgentOfAutomatedMessages {
			card, _ := json.Marshal(o.WelcomeVCard)
			if err := u.SendFollowUp(ctx, room, "VCARD SENT: "+string(card), suffixVCard); err != nil {
				return err
			}
		}
	}
	return nil
}

// noAgentOnline alerts the admins and auto-answers the visitor. No room is created.
func (u *Unit) noAgentOnline(ctx context.Context) error {
	o := u.options()
	data := u.templateContext()

	if o.NoAgentOnlineAlertAdmin != "" {
		text, err := u.b.renderer.Render(o.NoAgentOnlineAlertAdmin, data)
		if err != nil {
			u.log.Error().Err(err).Msg("render no_agent_online_alert_admin")
		} else if _, err := u.Broadcast(ctx, text, nil); err != nil {
			if IsTransient(err) {
				return err
			}
			u.log.Warn().Err(err).Msg("admin alert not fully delivered")
		}
	}

	if o.NoAgentOnlineAutoanswer != "" {
		text, err := u.b.renderer.Render(o.NoAgentOnlineAutoanswer, data)
		if err != nil {
			u.log.Error().Err(err).Msg("render no_agent_online_autoanswer_visitor")
			return nil
		}
		return u.OutgoText(ctx, text, "")
	}
	return nil
}

// CloseAndReintake closes a room the backend no longer accepts and replays the
// unit's inbound handling once, so the message lands in a fresh room.
func (u *Unit) CloseAndReintake(ctx context.Context, room *store.Room) error {
	if err := u.b.store.CloseRoom(ctx, room.ID); err != nil {
		return fmt.Errorf("close invalidated room: %w", err)
	}
	u.log.Info().Str("room_id", room.RemoteID).Msg("room closed on livechat, closed locally")
	if u.room != nil && u.room.ID == room.ID {
		u.room = nil
	}

	if u.replay == nil {
		return nil
	}
	if u.replayed {
		u.log.Warn().Msg("room invalidated again after reintake, giving up")
		return nil
	}
	u.replayed = true
	return u.replay()
}

// closeRoom closes every room of the connector bound to the unit's livechat room.
func (u *Unit) closeRoom(ctx context.Context) error {
	remoteID := ""
	if u.room != nil {
		remoteID = u.room.RemoteID
	} else if u.direction == store.DirectionIngoing {
		remoteID = gjson.GetBytes(u.raw, "_id").String()
	}
	if remoteID == "" {
		return nil
	}
	n, err := u.b.store.CloseRoomsByRemoteID(ctx, u.conn.Config.ID, remoteID)
	if err != nil {
		return fmt.Errorf("close room: %w", err)
	}
	if u.room != nil {
		u.room.Open = false
	}
	u.log.Info().Str("room_id", remoteID).Int64("closed", n).Msg("room closed")
	return nil
}

func (u *Unit) senderName() string {
	if u.direction != store.DirectionIncoming {
		return ""
	}
	return u.event.SenderName
}

func (u *Unit) senderPhone() string {
	if u.direction != store.DirectionIncoming || u.identity.Synthetic {
		return ""
	}
	return u.event.Phone
}
