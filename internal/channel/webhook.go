package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vovakirdan/livechat-connect/internal/config"
)

// TypeWebhook is the connector type for generic JSON webhooks.
const TypeWebhook = "webhook"

// SignatureHeader carries the hex HMAC-SHA256 of the body, prefixed "sha256=".
const SignatureHeader = "X-Signature-256"

// Verifier is implemented by channels that authenticate inbound payloads.
type Verifier interface {
	Verify(body []byte, signature string) bool
}

type webhookChannel struct {
	endpoint  string
	secret    string
	namespace string
	http      *http.Client
}

// WebhookFactory returns a Factory for generic webhook connectors.
//
// Inbound payloads look like:
//
//	{"id":"m1","event":"message","sender_id":"u1","sender_name":"Ana","text":"hi",
//	 "attachments":[{"type":"image","url":"https://...","mime_type":"image/png"}]}
//
// Outbound messages are POSTed to channel.endpoint, signed with channel.secret.
func WebhookFactory() Factory {
	return func(cfg config.ConnectorConfig) (Channel, error) {
		if cfg.Channel.Endpoint == "" {
			return nil, errors.New("webhook: channel.endpoint is required")
		}
		ns := cfg.Channel.Namespace
		if ns == "" {
			ns = TypeWebhook
		}
		return &webhookChannel{
			endpoint:  cfg.Channel.Endpoint,
			secret:    cfg.Channel.Secret,
			namespace: ns,
			http:      httpClient(cfg.Channel.Timeout),
		}, nil
	}
}

func (c *webhookChannel) Namespace() string { return c.namespace }

// Verify checks the signature header against the body. Without a secret every body passes.
func (c *webhookChannel) Verify(body []byte, signature string) bool {
	if c.secret == "" {
		return true
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(c.sign(body), decoded)
}

func (c *webhookChannel) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func (c *webhookChannel) Parse(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, errors.New("webhook: payload is not valid json")
	}
	root := gjson.ParseBytes(payload)
	ev := Event{
		Name:       root.Get("event").String(),
		EnvelopeID: root.Get("id").String(),
		VisitorID:  strings.TrimSpace(root.Get("sender_id").String()),
		SenderName: root.Get("sender_name").String(),
		Phone:      root.Get("phone").String(),
		Raw:        payload,
	}

	switch ev.Name {
	case "call":
		ev.Kind = KindCall
		return ev, nil
	case "message", "":
	default:
		ev.Kind = KindIgnored
		return ev, nil
	}

	attachment := root.Get("attachments.0")
	if !attachment.Exists() {
		ev.Kind = KindText
		ev.Body = root.Get("text").String()
		return ev, nil
	}

	ev.MediaURL = attachment.Get("url").String()
	ev.MimeType = attachment.Get("mime_type").String()
	ev.Filename = attachment.Get("filename").String()
	ev.Caption = firstNonEmpty(attachment.Get("caption").String(), root.Get("text").String())
	if attachment.Get("type").String() == "audio" {
		ev.Kind = KindAudio
	} else {
		ev.Kind = KindMedia
	}
	return ev, nil
}

func (c *webhookChannel) send(ctx context.Context, visitorID, path string, value any) (Result, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "recipient_id", visitorID)
	if err != nil {
		return Result{}, fmt.Errorf("encode recipient: %w", err)
	}
	body, err = sjson.SetBytes(body, path, value)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", path, err)
	}
	headers := map[string]string{}
	if c.secret != "" {
		headers[SignatureHeader] = "sha256=" + hex.EncodeToString(c.sign(body))
	}
	return post(ctx, c.http, c.endpoint, body, headers)
}

func (c *webhookChannel) SendText(ctx context.Context, visitorID, text string) (Result, error) {
	return c.send(ctx, visitorID, "text", text)
}

func (c *webhookChannel) SendVCard(ctx context.Context, visitorID string, card map[string]any) (Result, error) {
	return c.send(ctx, visitorID, "vcard", card)
}

func (c *webhookChannel) SendFile(ctx context.Context, visitorID string, f File) (Result, error) {
	return c.send(ctx, visitorID, "file", map[string]string{
		"filename":  f.Filename,
		"mime_type": f.MimeType,
		"caption":   f.Caption,
		"data":      base64.StdEncoding.EncodeToString(f.Data),
	})
}

func (c *webhookChannel) FetchMedia(ctx context.Context, ev Event) (*Media, error) {
	if ev.MediaURL == "" {
		return nil, ErrNoMedia
	}
	data, contentType, status, err := get(ctx, c.http, ev.MediaURL, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &MediaError{EnvelopeID: ev.EnvelopeID, Status: status}
	}
	mimeType := ev.MimeType
	if mimeType == "" {
		mimeType, _, _ = strings.Cut(contentType, ";")
	}
	return &Media{
		Data:     data,
		MimeType: mimeType,
		Filename: FilenameFor(ev.Filename, ev.EnvelopeID, mimeType),
	}, nil
}

func (c *webhookChannel) UnreadMessages(context.Context) ([][]byte, error) {
	return nil, ErrUnsupported
}
