package bridge

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/vovakirdan/livechat-connect/internal/channel"
	"github.com/vovakirdan/livechat-connect/internal/store"
)

func (u *Unit) incoming(ctx context.Context, ev channel.Event) error {
	u.event = ev
	u.log = u.log.With().Str("event", ev.Name).Str("kind", string(ev.Kind)).Logger()
	if ev.Kind == channel.KindIgnored {
		u.log.Debug().Msg("ignoring channel event")
		return nil
	}

	id, err := ResolveIncoming(u.conn.Channel, ev)
	if err != nil {
		id = Placeholder(u.conn.Channel.Namespace(), u.options().IdentityPlaceholder)
	}
	u.setIdentity(id)

	if ev.EnvelopeID != "" {
		u.setEnvelope(ev.EnvelopeID, false)
	} else {
		u.setEnvelope(uuid.NewString(), true)
	}

	u.replay = func() error { return u.intake(ctx) }
	return u.intake(ctx)
}

func (u *Unit) intake(ctx context.Context) error {
	if err := u.register(ctx); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			u.log.Info().Msg("message already delivered, checking follow-ups")
			return u.resumeFollowUps(ctx, nil)
		}
		return err
	}

	room, err := u.GetOrCreate(ctx, RoomOptions{
		Create:       true,
		CheckIfOpen:  u.options().CheckRoomOpen,
		AllowWelcome: true,
	})
	if err != nil {
		return err
	}
	if u.seenBefore && room != nil {
		if err := u.resumeFollowUps(ctx, room); err != nil {
			return err
		}
	}

	switch u.event.Kind {
	case channel.KindCall:
		return u.handleCall(ctx, room)
	case channel.KindAudio:
		return u.handleAudio(ctx, room)
	case channel.KindMedia:
		return u.relayMedia(ctx, room, u.event.Caption)
	}

	if room == nil {
		u.log.Info().Msg("no room available, message left undelivered")
		return nil
	}
	return u.SendText(ctx, room, u.event.Body)
}

// handleCall answers an incoming call with the configured text and, when a
// room exists, notes the call in it. Calls are always marked delivered.
func (u *Unit) handleCall(ctx context.Context, room *store.Room) error {
	o := u.options()
	if o.AutoAnswerIncomingCall != "" {
		if err := u.OutgoText(ctx, o.AutoAnswerIncomingCall, ""); err != nil {
			return err
		}
	}
	if o.ConvertIncomingCallToText != "" && room != nil {
		if err := u.SendFollowUp(ctx, room, o.ConvertIncomingCallToText, suffixCall); err != nil {
			return err
		}
	}
	return u.markDelivered(ctx)
}

func (u *Unit) handleAudio(ctx context.Context, room *store.Room) error {
	o := u.options()
	// a replayed unit already answered the visitor
	if o.AutoAnswerOnAudioMessage != "" && !u.replayed {
		if err := u.OutgoText(ctx, o.AutoAnswerOnAudioMessage, ""); err != nil {
			return err
		}
	}
	if room == nil {
		return nil
	}
	replayed := u.replayed
	if err := u.relayMedia(ctx, room, ""); err != nil {
		return err
	}
	if u.replayed != replayed {
		// the replay already handled the audio in a fresh room
		return nil
	}
	if o.ConvertIncomingAudioToText != "" && u.room != nil {
		return u.SendFollowUp(ctx, u.room, o.ConvertIncomingAudioToText, suffixAudio)
	}
	return nil
}

func (u *Unit) relayMedia(ctx context.Context, room *store.Room, caption string) error {
	if room == nil {
		u.log.Info().Msg("no room available, media left undelivered")
		return nil
	}
	media, err := u.conn.Channel.FetchMedia(ctx, u.event)
	if err != nil {
		if IsTransient(err) {
			return transient(err)
		}
		u.log.Warn().Err(err).Msg("could not fetch media")
		if caption != "" {
			return u.SendText(ctx, room, caption)
		}
		return nil
	}
	return u.SendFile(ctx, room, media, caption)
}
