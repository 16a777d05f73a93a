package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/vovakirdan/livechat-connect/internal/store"
)

// Livechat webhook event types.
const (
	EventSessionStart     = "LivechatSessionStart"
	EventSession          = "LivechatSession"
	EventSessionTaken     = "LivechatSessionTaken"
	EventSessionForwarded = "LivechatSessionForwarded"
	EventSessionQueued    = "LivechatSessionQueued"
	EventMessage          = "Message"
)

func (u *Unit) ingoing(ctx context.Context) error {
	typ := gjson.GetBytes(u.raw, "type").String()
	u.log = u.log.With().Str("type", typ).Logger()

	switch {
	case gjson.GetBytes(u.raw, "messages.0._id").String() != "":
		u.setEnvelope(gjson.GetBytes(u.raw, "messages.0._id").String(), false)
	case gjson.GetBytes(u.raw, "_id").String() != "":
		u.setEnvelope(gjson.GetBytes(u.raw, "_id").String(), false)
	default:
		u.setEnvelope(uuid.NewString(), true)
	}

	id, err := ResolveOutgoing(u.conn.Channel, u.raw)
	hasIdentity := err == nil
	if hasIdentity {
		u.setIdentity(id)
	}

	room, err := u.lookupRoom(ctx, hasIdentity)
	if err != nil {
		return err
	}
	u.room = room

	switch typ {
	case EventSessionStart, EventSessionForwarded:
		u.log.Info().Msg("livechat session event")
		return nil
	case EventSessionQueued:
		u.log.Info().Msg("livechat session queued")
		return nil
	case EventSession:
		u.log.Info().Msg("livechat session ended")
		if u.room != nil && u.room.Open {
			return u.closeRoom(ctx)
		}
		return nil
	}

	if !hasIdentity {
		u.log.Warn().Err(ErrIdentityUnavailable).Msg("cannot reach visitor")
		return nil
	}

	switch typ {
	case EventSessionTaken:
		return u.sessionTaken(ctx)
	case EventMessage:
		return u.relayAgentMessages(ctx)
	}
	u.log.Debug().Msg("unhandled livechat event type")
	return nil
}

// lookupRoom finds the local room for the payload's livechat room id and
// falls back to the visitor's open room.
func (u *Unit) lookupRoom(ctx context.Context, hasIdentity bool) (*store.Room, error) {
	if rid := gjson.GetBytes(u.raw, "_id").String(); rid != "" {
		room, err := u.b.store.RoomByRemoteID(ctx, u.conn.Config.ID, rid)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load room: %w", err)
		}
	}
	if !hasIdentity {
		return nil, nil
	}
	rooms, err := u.b.store.OpenRooms(ctx, u.conn.Config.ID, u.identity.Token)
	if err != nil {
		return nil, fmt.Errorf("load open rooms: %w", err)
	}
	if len(rooms) == 0 {
		return nil, nil
	}
	return &rooms[0], nil
}

func (u *Unit) relayAgentMessages(ctx context.Context) error {
	if err := u.register(ctx); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			u.log.Info().Msg("agent message already sent, skipping")
			return nil
		}
		return err
	}

	o := u.options()
	skipClose := o.SkipsCloseMessage(u.identity.Token)

	for _, m := range gjson.GetBytes(u.raw, "messages").Array() {
		agent := u.agentName(m)

		if m.Get("closingMessage").Bool() {
			text := m.Get("msg").String()
			if o.ForceCloseMessage != "" {
				text = o.ForceCloseMessage
			}
			if text == "" || skipClose {
				u.log.Info().Bool("ignored_token", skipClose).Msg("closing message not sent")
				if err := u.markDelivered(ctx); err != nil {
					return err
				}
				continue
			}
			name := ""
			if o.AddAgentNameAtCloseMessage {
				name = agent
			}
			if err := u.OutgoText(ctx, text, name); err != nil {
				return err
			}
			if err := u.closeRoom(ctx); err != nil {
				return err
			}
			continue
		}

		var err error
		if len(m.Get("attachments").Array()) > 0 {
			err = u.OutgoFile(ctx, m, agent)
		} else {
			err = u.OutgoText(ctx, m.Get("msg").String(), agent)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// agentName returns the display name of the message author, or "" when
// suppressed for the connector.
func (u *Unit) agentName(m gjson.Result) string {
	if u.options().SuppressesAgent(m.Get("u.username").String()) {
		return ""
	}
	return m.Get("u.name").String()
}

func (u *Unit) sessionTaken(ctx context.Context) error {
	o := u.options()
	if o.SessionTakenAlertTemplate == "" {
		return nil
	}
	if dept := gjson.GetBytes(u.raw, "visitor.department").String(); o.IgnoresDepartmentForTakenAlert(dept) {
		u.log.Info().Str("department", dept).Msg("session taken alert skipped for department")
		return nil
	}

	data := u.templateContext()
	if depID := gjson.GetBytes(u.raw, "departmentId").String(); depID != "" {
		resp, err := u.agent.GetDepartment(ctx, depID)
		if err != nil {
			return transient(fmt.Errorf("get department: %w", err))
		}
		if resp.OK {
			var dept any
			if err := json.Unmarshal([]byte(resp.Get("department").Raw), &dept); err == nil {
				data["department"] = dept
			}
		}
	}

	text, err := u.b.renderer.Render(o.SessionTakenAlertTemplate, data)
	if err != nil {
		u.log.Error().Err(err).Msg("render session_taken_alert_template")
		return nil
	}

	if o.AlertAgentOfAutomatedMessages && u.room != nil {
		if err := u.SendFollowUp(ctx, u.room, "MESSAGE SENT: "+text, suffixSessionTaken); err != nil {
			return err
		}
	}
	return u.OutgoText(ctx, text, "")
}
