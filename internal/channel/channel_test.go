package channel

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/vovakirdan/livechat-connect/internal/config"
)

func newWA(t *testing.T, endpoint string) Channel {
	t.Helper()
	ch, err := New(config.ConnectorConfig{
		ID:      "wa1",
		Type:    TypeWAAutomate,
		Channel: config.ChannelConfig{Endpoint: endpoint, APIKey: "key"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ch
}

func TestWAAutomateParse(t *testing.T) {
	ch := newWA(t, "http://wa.local")

	tests := []struct {
		name      string
		payload   string
		kind      Kind
		visitorID string
		body      string
	}{
		{
			name:      "text message",
			payload:   `{"event":"onMessage","data":{"id":"M1","from":"5531999999999@c.us","type":"chat","body":"hello","sender":{"name":"Ana"}}}`,
			kind:      KindText,
			visitorID: "5531999999999@c.us",
			body:      "hello",
		},
		{
			name:      "incoming call uses peerJid",
			payload:   `{"event":"onIncomingCall","data":{"id":"C1","peerJid":"5531888888888@c.us"}}`,
			kind:      KindCall,
			visitorID: "5531888888888@c.us",
		},
		{
			name:      "voice note",
			payload:   `{"event":"onMessage","data":{"id":"A1","from":"1@c.us","type":"ptt","mimetype":"audio/ogg"}}`,
			kind:      KindAudio,
			visitorID: "1@c.us",
		},
		{
			name:      "image",
			payload:   `{"event":"onMessage","data":{"id":"I1","from":"1@c.us","type":"image","caption":"look","body":"BASE64THUMB"}}`,
			kind:      KindMedia,
			visitorID: "1@c.us",
		},
		{
			name:    "own message",
			payload: `{"event":"onMessage","data":{"id":"X","from":"1@c.us","fromMe":true}}`,
			kind:    KindIgnored,
		},
		{
			name:    "ack",
			payload: `{"event":"onAck","data":{"id":"X"}}`,
			kind:    KindIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ch.Parse([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if ev.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, ev.Kind)
			}
			if tt.visitorID != "" && ev.VisitorID != tt.visitorID {
				t.Errorf("expected visitor %s, got %s", tt.visitorID, ev.VisitorID)
			}
			if ev.Body != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, ev.Body)
			}
		})
	}
}

func TestWAAutomateParseMissingSender(t *testing.T) {
	ev, err := newWA(t, "http://wa.local").Parse([]byte(`{"event":"onMessage","data":{"id":"M1","type":"chat","body":"x"}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if ev.VisitorID != "" || ev.Phone != "" {
		t.Errorf("expected empty identity, got %q/%q", ev.VisitorID, ev.Phone)
	}
}

func TestWAAutomateSendText(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sendText" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("api_key") != "key" {
			t.Errorf("missing api key")
		}
		body, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"success":true,"response":"true_1@c.us_ID"}`)
	}))
	defer srv.Close()

	res, err := newWA(t, srv.URL).SendText(context.Background(), "1@c.us", "hi")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK result: %s", res.Response)
	}
	if gjson.GetBytes(body, "args.to").String() != "1@c.us" || gjson.GetBytes(body, "args.content").String() != "hi" {
		t.Errorf("unexpected request body %s", body)
	}
}

func TestWAAutomateFetchMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"response":"data:image/png;base64,UE5HREFUQQ=="}`)
	}))
	defer srv.Close()

	media, err := newWA(t, srv.URL).FetchMedia(context.Background(), Event{EnvelopeID: "I1"})
	if err != nil {
		t.Fatalf("FetchMedia failed: %v", err)
	}
	if string(media.Data) != "PNGDATA" || media.MimeType != "image/png" {
		t.Errorf("unexpected media %q %s", media.Data, media.MimeType)
	}
	if media.Filename == "" {
		t.Error("expected generated filename")
	}
}

func TestWAAutomateUnread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":[{"id":"U1","from":"1@c.us","type":"chat","body":"a"},{"id":"U2","from":"2@c.us","type":"chat","body":"b"}]}`)
	}))
	defer srv.Close()

	ch := newWA(t, srv.URL)
	unread, err := ch.UnreadMessages(context.Background())
	if err != nil {
		t.Fatalf("UnreadMessages failed: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(unread))
	}
	ev, err := ch.Parse(unread[1])
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if ev.EnvelopeID != "U2" || ev.Kind != KindText || ev.Body != "b" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestTransportErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	_, err := newWA(t, endpoint).SendText(context.Background(), "1@c.us", "hi")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestWebhookSignedSend(t *testing.T) {
	var (
		body []byte
		sig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch, err := New(config.ConnectorConfig{
		ID:      "hook",
		Type:    TypeWebhook,
		Channel: config.ChannelConfig{Endpoint: srv.URL, Secret: "s3cret", Namespace: "sms"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ch.Namespace() != "sms" {
		t.Errorf("expected namespace sms, got %s", ch.Namespace())
	}

	res, err := ch.SendText(context.Background(), "u1", "hello")
	if err != nil || !res.OK {
		t.Fatalf("SendText failed: ok=%v err=%v", res.OK, err)
	}
	if gjson.GetBytes(body, "recipient_id").String() != "u1" {
		t.Errorf("unexpected body %s", body)
	}

	v, ok := ch.(Verifier)
	if !ok {
		t.Fatal("webhook channel should verify signatures")
	}
	if !v.Verify(body, sig) {
		t.Error("expected own signature to verify")
	}
	if v.Verify(body, "sha256="+hex.EncodeToString([]byte("forged"))) {
		t.Error("forged signature must not verify")
	}
}

func TestWebhookParseAttachment(t *testing.T) {
	ch, err := New(config.ConnectorConfig{ID: "hook", Type: TypeWebhook, Channel: config.ChannelConfig{Endpoint: "http://x"}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ev, err := ch.Parse([]byte(`{"id":"m1","event":"message","sender_id":"u1","text":"see","attachments":[{"type":"audio","url":"http://x/a.ogg"}]}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if ev.Kind != KindAudio || ev.MediaURL != "http://x/a.ogg" || ev.Caption != "see" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestUnknownType(t *testing.T) {
	_, err := New(config.ConnectorConfig{ID: "x", Type: "carrier-pigeon"})
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
}
