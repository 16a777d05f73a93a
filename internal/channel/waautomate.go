package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vovakirdan/livechat-connect/internal/config"
)

// TypeWAAutomate is the connector type for the wa-automate EASY API.
const TypeWAAutomate = "waautomate"

type waAutomate struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// WAAutomateFactory returns a Factory for wa-automate connectors.
//
// Config: channel.endpoint is the EASY API base URL, channel.api_key is sent
// as the api_key header when set.
func WAAutomateFactory() Factory {
	return func(cfg config.ConnectorConfig) (Channel, error) {
		if cfg.Channel.Endpoint == "" {
			return nil, errors.New("waautomate: channel.endpoint is required")
		}
		return &waAutomate{
			endpoint: strings.TrimRight(cfg.Channel.Endpoint, "/"),
			apiKey:   cfg.Channel.APIKey,
			http:     httpClient(cfg.Channel.Timeout),
		}, nil
	}
}

func (w *waAutomate) Namespace() string { return "whatsapp" }

func (w *waAutomate) Parse(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, errors.New("waautomate: payload is not valid json")
	}
	root := gjson.ParseBytes(payload)
	data := root.Get("data")

	ev := Event{
		Name:       root.Get("event").String(),
		EnvelopeID: data.Get("id").String(),
		Raw:        payload,
	}

	switch ev.Name {
	case "onIncomingCall":
		ev.Kind = KindCall
		ev.VisitorID = strings.TrimSpace(data.Get("peerJid").String())
	case "onMessage", "onAnyMessage":
		if data.Get("fromMe").Bool() {
			ev.Kind = KindIgnored
			return ev, nil
		}
		ev.VisitorID = strings.TrimSpace(data.Get("from").String())
		ev.SenderName = firstNonEmpty(
			data.Get("sender.name").String(),
			data.Get("sender.pushname").String(),
			data.Get("sender.formattedName").String(),
		)
		ev.Caption = data.Get("caption").String()
		ev.MimeType = data.Get("mimetype").String()
		ev.Filename = data.Get("filename").String()

		switch data.Get("type").String() {
		case "ptt", "audio":
			ev.Kind = KindAudio
		case "image", "video", "document", "sticker":
			ev.Kind = KindMedia
		case "location":
			ev.Kind = KindText
			ev.Body = fmt.Sprintf("https://maps.google.com/?q=%s,%s",
				data.Get("lat").String(), data.Get("lng").String())
		default:
			ev.Kind = KindText
			ev.Body = data.Get("body").String()
		}
	default:
		ev.Kind = KindIgnored
		return ev, nil
	}

	if ev.VisitorID != "" {
		ev.Phone, _, _ = strings.Cut(ev.VisitorID, "@")
	}
	return ev, nil
}

func (w *waAutomate) call(ctx context.Context, method string, args any) (Result, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "args", args)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s args: %w", method, err)
	}
	headers := map[string]string{}
	if w.apiKey != "" {
		headers["api_key"] = w.apiKey
	}
	return post(ctx, w.http, w.endpoint+"/"+method, body, headers)
}

func (w *waAutomate) SendText(ctx context.Context, visitorID, text string) (Result, error) {
	return w.call(ctx, "sendText", map[string]any{"to": visitorID, "content": text})
}

func (w *waAutomate) SendVCard(ctx context.Context, visitorID string, card map[string]any) (Result, error) {
	args := make(map[string]any, len(card)+1)
	for k, v := range card {
		args[k] = v
	}
	args["to"] = visitorID
	return w.call(ctx, "sendContact", args)
}

func (w *waAutomate) SendFile(ctx context.Context, visitorID string, f File) (Result, error) {
	return w.call(ctx, "sendFile", map[string]any{
		"to":       visitorID,
		"file":     dataURL(f.Data, f.MimeType),
		"filename": f.Filename,
		"caption":  f.Caption,
	})
}

func (w *waAutomate) FetchMedia(ctx context.Context, ev Event) (*Media, error) {
	if ev.EnvelopeID == "" {
		return nil, ErrNoMedia
	}
	res, err := w.call(ctx, "decryptMedia", map[string]any{"message": ev.EnvelopeID})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, &MediaError{EnvelopeID: ev.EnvelopeID, Cause: errors.New(string(res.Response))}
	}
	encoded := gjson.GetBytes(res.Response, "response").String()
	if encoded == "" {
		return nil, ErrNoMedia
	}
	data, mimeType, err := decodeDataURL(encoded)
	if err != nil {
		return nil, &MediaError{EnvelopeID: ev.EnvelopeID, Cause: err}
	}
	if mimeType == "" {
		mimeType = ev.MimeType
	}
	return &Media{
		Data:     data,
		MimeType: mimeType,
		Filename: FilenameFor(ev.Filename, ev.EnvelopeID, mimeType),
	}, nil
}

func (w *waAutomate) UnreadMessages(ctx context.Context) ([][]byte, error) {
	res, err := w.call(ctx, "getAllUnreadMessages", map[string]any{})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("waautomate: getAllUnreadMessages failed: %s", res.Response)
	}

	var out [][]byte
	for _, msg := range gjson.GetBytes(res.Response, "response").Array() {
		wrapped, err := sjson.SetRawBytes([]byte(`{"event":"onMessage"}`), "data", []byte(msg.Raw))
		if err != nil {
			return nil, fmt.Errorf("wrap unread message: %w", err)
		}
		out = append(out, wrapped)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
