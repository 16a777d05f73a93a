// Package channel adapts external one-to-one messaging APIs to the connector.
//
// Each connector type maps to a Channel implementation chosen when the
// configuration is loaded:
//
//	ch, err := channel.New(connectorCfg)
//	ev, err := ch.Parse(body)
//	res, err := ch.SendText(ctx, ev.VisitorID, "hello")
//
// Transport failures are returned as errors wrapping ErrTransport. Anything
// the remote API answered is a Result, successful or not.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vovakirdan/livechat-connect/internal/config"
)

// Kind classifies an inbound channel event.
type Kind string

const (
	KindText    Kind = "text"
	KindMedia   Kind = "media"
	KindAudio   Kind = "audio"
	KindCall    Kind = "call"
	KindIgnored Kind = "ignored"
)

// Event is a channel payload reduced to what the bridge needs.
type Event struct {
	Kind       Kind
	Name       string // upstream event name, e.g. "onMessage"
	EnvelopeID string
	VisitorID  string // raw sender identifier, empty when the payload has none
	SenderName string
	Phone      string
	Body       string
	Caption    string
	MimeType   string
	Filename   string
	MediaURL   string
	Raw        json.RawMessage
}

// File is an outbound attachment.
type File struct {
	Data     []byte
	Filename string
	MimeType string
	Caption  string
}

// Media is a downloaded inbound attachment.
type Media struct {
	Data     []byte
	Filename string
	MimeType string
}

// Result records one outbound call for the ledger.
type Result struct {
	OK       bool
	Request  json.RawMessage
	Response json.RawMessage
}

// Channel is the capability set every channel variant provides.
type Channel interface {
	// Namespace prefixes visitor tokens, e.g. "whatsapp".
	Namespace() string
	// Parse decodes a raw inbound payload.
	Parse(payload []byte) (Event, error)
	SendText(ctx context.Context, visitorID, text string) (Result, error)
	SendVCard(ctx context.Context, visitorID string, card map[string]any) (Result, error)
	SendFile(ctx context.Context, visitorID string, f File) (Result, error)
	// FetchMedia downloads the attachment of a media or audio event.
	FetchMedia(ctx context.Context, ev Event) (*Media, error)
	// UnreadMessages returns pending inbound payloads in Parse format.
	UnreadMessages(ctx context.Context) ([][]byte, error)
}

// Factory builds a Channel from connector configuration.
type Factory func(cfg config.ConnectorConfig) (Channel, error)

var factories = map[string]Factory{
	TypeWAAutomate: WAAutomateFactory(),
	TypeWebhook:    WebhookFactory(),
}

// New builds the Channel for the connector's type.
func New(cfg config.ConnectorConfig) (Channel, error) {
	typ := cfg.Type
	if typ == "" {
		typ = TypeWAAutomate
	}
	factory, ok := factories[typ]
	if !ok {
		return nil, &UnknownTypeError{Connector: cfg.ID, Type: typ}
	}
	ch, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", cfg.ID, err)
	}
	return ch, nil
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
