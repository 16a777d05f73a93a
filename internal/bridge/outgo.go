package bridge

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/vovakirdan/livechat-connect/internal/channel"
	"github.com/vovakirdan/livechat-connect/internal/store"
)

// OutgoText sends text to the visitor through the channel. A non-empty
// agentName is prepended in bold.
func (u *Unit) OutgoText(ctx context.Context, text, agentName string) error {
	if agentName != "" {
		text = "*" + agentName + "*\n" + text
	}
	res, err := u.conn.Channel.SendText(ctx, u.identity.RawID, text)
	if err != nil {
		return transient(fmt.Errorf("send text to visitor: %w", err))
	}
	return u.outgoResult(ctx, "text", res)
}

// OutgoVCard sends a contact card to the visitor.
func (u *Unit) OutgoVCard(ctx context.Context, card map[string]any) error {
	res, err := u.conn.Channel.SendVCard(ctx, u.identity.RawID, card)
	if err != nil {
		return transient(fmt.Errorf("send vcard to visitor: %w", err))
	}
	u.recordSent(ctx, res.Request)
	u.recordResponse(ctx, res.Response)
	if !res.OK {
		u.log.Warn().RawJSON("response", res.Response).Msg("vcard not delivered")
	}
	return nil
}

// OutgoFile relays the first attachment of a livechat message to the visitor.
// When the file cannot be downloaded its link is sent as text instead.
func (u *Unit) OutgoFile(ctx context.Context, m gjson.Result, agentName string) error {
	att := m.Get("attachments.0")
	link := firstString(att, "title_link", "image_url", "audio_url", "video_url")
	if link == "" {
		return u.OutgoText(ctx, m.Get("msg").String(), agentName)
	}

	data, contentType, err := u.agent.Download(ctx, link)
	if err != nil {
		if IsTransient(err) {
			return transient(err)
		}
		u.log.Warn().Err(err).Str("link", link).Msg("attachment download failed, sending link")
		return u.OutgoText(ctx, link, agentName)
	}

	mimeType := firstString(m, "file.type")
	if mimeType == "" {
		mimeType = contentType
	}
	caption := firstString(att, "description")
	if caption == "" {
		caption = m.Get("msg").String()
	}
	if agentName != "" {
		caption = "*" + agentName + "*\n" + caption
	}

	f := channel.File{
		Data:     data,
		Filename: channel.FilenameFor(firstString(m, "file.name", "attachments.0.title"), m.Get("_id").String(), mimeType),
		MimeType: mimeType,
		Caption:  caption,
	}
	res, err := u.conn.Channel.SendFile(ctx, u.identity.RawID, f)
	if err != nil {
		return transient(fmt.Errorf("send file to visitor: %w", err))
	}
	return u.outgoResult(ctx, "file", res)
}

func (u *Unit) outgoResult(ctx context.Context, what string, res channel.Result) error {
	u.recordSent(ctx, res.Request)
	u.recordResponse(ctx, res.Response)
	if !res.OK {
		u.log.Warn().Str("kind", what).RawJSON("response", res.Response).Msg("channel refused message")
		return nil
	}
	if u.direction == store.DirectionIngoing {
		return u.markDelivered(ctx)
	}
	return nil
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := r.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}
