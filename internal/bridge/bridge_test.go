package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/vovakirdan/livechat-connect/internal/channel"
	"github.com/vovakirdan/livechat-connect/internal/config"
	"github.com/vovakirdan/livechat-connect/internal/log"
	"github.com/vovakirdan/livechat-connect/internal/store"
	"github.com/vovakirdan/livechat-connect/internal/store/sqlstore"
)

// fakeLivechat records backend calls and answers with canned responses.
type fakeLivechat struct {
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][][]byte
	handlers map[string]func(body []byte) (int, string)
	drops    map[string]int
	srv      *httptest.Server
}

func newFakeLivechat(t *testing.T) *fakeLivechat {
	t.Helper()
	f := &fakeLivechat{
		calls:    make(map[string]int),
		bodies:   make(map[string][][]byte),
		handlers: make(map[string]func([]byte) (int, string)),
		drops:    make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLivechat) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls[path]++
	f.bodies[path] = append(f.bodies[path], body)
	h := f.handlers[path]
	drop := f.drops[path] > 0
	if drop {
		f.drops[path]--
	}
	f.mu.Unlock()

	if drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
	}

	status, resp := http.StatusOK, `{"success":true}`
	if h != nil {
		status, resp = h(body)
	} else {
		switch path {
		case "livechat/room":
			resp = `{"success":true,"room":{"_id":"R1"}}`
		case "im.create":
			resp = `{"success":true,"room":{"rid":"DM1"}}`
		case "livechat/rooms":
			resp = `{"success":true,"rooms":[]}`
		}
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp)
}

func (f *fakeLivechat) handle(path string, h func(body []byte) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

// drop closes the connection without answering for the next n calls to path.
func (f *fakeLivechat) drop(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops[path] = n
}

func (f *fakeLivechat) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeLivechat) lastBody(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[path]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

type sentText struct {
	to   string
	text string
}

// fakeChannel parses like wa-automate and records what is sent to visitors.
type fakeChannel struct {
	channel.Channel

	mu     sync.Mutex
	texts  []sentText
	vcards int
	files  []channel.File
	media  *channel.Media
	unread [][]byte
}

func newFakeChannel(t *testing.T) *fakeChannel {
	t.Helper()
	parser, err := channel.New(config.ConnectorConfig{
		ID:      "wa1",
		Type:    channel.TypeWAAutomate,
		Channel: config.ChannelConfig{Endpoint: "http://wa.invalid"},
	})
	if err != nil {
		t.Fatalf("build parser: %v", err)
	}
	return &fakeChannel{Channel: parser}
}

func okResult() channel.Result {
	return channel.Result{OK: true, Request: json.RawMessage(`{}`), Response: json.RawMessage(`{"success":true}`)}
}

func (f *fakeChannel) SendText(_ context.Context, to, text string) (channel.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{to: to, text: text})
	return okResult(), nil
}

func (f *fakeChannel) SendVCard(context.Context, string, map[string]any) (channel.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vcards++
	return okResult(), nil
}

func (f *fakeChannel) SendFile(_ context.Context, _ string, file channel.File) (channel.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, file)
	return okResult(), nil
}

func (f *fakeChannel) FetchMedia(context.Context, channel.Event) (*channel.Media, error) {
	if f.media == nil {
		return nil, channel.ErrNoMedia
	}
	return f.media, nil
}

func (f *fakeChannel) UnreadMessages(context.Context) ([][]byte, error) {
	return f.unread, nil
}

func (f *fakeChannel) sent() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

type testEnv struct {
	bridge *Bridge
	lc     *fakeLivechat
	ch     *fakeChannel
	store  *sqlstore.SQLStore
	cfg    config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.ConnectorConfig)) *testEnv {
	t.Helper()
	st, err := sqlstore.NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec(sqlstore.SQLiteSchema)
		return err
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	lc := newFakeLivechat(t)
	ch := newFakeChannel(t)

	cc := config.ConnectorConfig{
		ID:     "wa1",
		Name:   "WA Sales",
		Type:   channel.TypeWAAutomate,
		Server: "rc",
	}
	if mutate != nil {
		mutate(&cc)
	}
	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{{ID: "rc", URL: lc.srv.URL, AdminUserID: "admin", AdminToken: "secret"}}
	cfg.Connectors = []config.ConnectorConfig{cc}

	b, err := New(st, &cfg, log.Nop(), WithChannel("wa1", ch), WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testEnv{bridge: b, lc: lc, ch: ch, store: st, cfg: cfg}
}

func waText(id, from, body string) []byte {
	return []byte(fmt.Sprintf(`{"event":"onMessage","data":{"id":%q,"from":%q,"type":"chat","body":%q,"sender":{"name":"Ana"}}}`, id, from, body))
}

func TestIncomingCreatesSingleRoomUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, func(cc *config.ConnectorConfig) {
		cc.Options.WelcomeMessage = "welcome!"
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- env.bridge.HandleIncoming(ctx, "wa1", waText(fmt.Sprintf("M%d", i), "1@c.us", "hi"))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("HandleIncoming failed: %v", err)
		}
	}

	rooms, err := env.store.OpenRooms(ctx, "wa1", "whatsapp:1@c.us")
	if err != nil {
		t.Fatalf("OpenRooms failed: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected exactly one open room, got %d", len(rooms))
	}
	if got := env.lc.count("livechat/message"); got != 10 {
		t.Errorf("expected 10 messages sent, got %d", got)
	}
	if got := env.lc.count("chat.sendMessage"); got != 1 {
		t.Errorf("expected one welcome message, got %d", got)
	}
}

func TestIncomingDuplicateIsDeliveredOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	payload := waText("M1", "1@c.us", "hello")

	for i := 0; i < 2; i++ {
		if err := env.bridge.HandleIncoming(ctx, "wa1", payload); err != nil {
			t.Fatalf("HandleIncoming #%d failed: %v", i, err)
		}
	}
	if got := env.lc.count("livechat/message"); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}

	msg, err := env.store.GetMessage(ctx, "wa1", "M1", store.DirectionIncoming)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !msg.Delivered {
		t.Error("expected message to be delivered")
	}
	if msg.RoomID == nil {
		t.Error("expected message to reference its room")
	}
	if len(msg.History) < 2 {
		t.Errorf("expected sent and response history, got %d entries", len(msg.History))
	}
	body := env.lc.lastBody("livechat/message")
	if gjson.GetBytes(body, "token").String() != "whatsapp:1@c.us" || gjson.GetBytes(body, "_id").String() != "M1" {
		t.Errorf("unexpected livechat message %s", body)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.bridge.HandleIncoming(ctx, "wa1", waText("M1", "5511@c.us", "hi")); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	visitor := env.lc.lastBody("livechat/visitor")
	if got := gjson.GetBytes(visitor, "visitor.token").String(); got != "whatsapp:5511@c.us" {
		t.Fatalf("unexpected visitor token %q", got)
	}
	if got := gjson.GetBytes(visitor, "visitor.phone").String(); got != "5511" {
		t.Errorf("unexpected phone %q", got)
	}

	reply := `{"_id":"R1","type":"Message","visitor":{"token":"whatsapp:5511@c.us"},
		"messages":[{"_id":"A1","msg":"hello there","u":{"username":"jane","name":"Jane"}}]}`
	if err := env.bridge.HandleLivechat(ctx, "wa1", []byte(reply)); err != nil {
		t.Fatalf("HandleLivechat failed: %v", err)
	}
	sent := env.ch.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one text to visitor, got %d", len(sent))
	}
	if sent[0].to != "5511@c.us" || sent[0].text != "*Jane*\nhello there" {
		t.Errorf("unexpected text %+v", sent[0])
	}

	msg, err := env.store.GetMessage(ctx, "wa1", "A1", store.DirectionIngoing)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !msg.Delivered {
		t.Error("expected agent message to be delivered")
	}
}

func TestSuppressAllAgentNames(t *testing.T) {
	env := newTestEnv(t, func(cc *config.ConnectorConfig) {
		cc.Options.SupressAgentName = "*"
	})
	reply := `{"_id":"R1","type":"Message","visitor":{"token":"whatsapp:1@c.us"},
		"messages":[{"_id":"A1","msg":"hi","u":{"username":"jane","name":"Jane"}}]}`
	if err := env.bridge.HandleLivechat(context.Background(), "wa1", []byte(reply)); err != nil {
		t.Fatalf("HandleLivechat failed: %v", err)
	}
	sent := env.ch.sent()
	if len(sent) != 1 || sent[0].text != "hi" {
		t.Fatalf("expected bare text, got %+v", sent)
	}
}

func TestClosingMessageClosesRoomOnce(t *testing.T) {
	env := newTestEnv(t, func(cc *config.ConnectorConfig) {
		cc.Options.ForceCloseMessage = "Thanks for reaching out"
	})
	ctx := context.Background()
	if _, _, err := env.store.CreateOpenRoom(ctx, "wa1", "whatsapp:1@c.us", "R1"); err != nil {
		t.Fatalf("CreateOpenRoom failed: %v", err)
	}

	closing := []byte(`{"_id":"R1","type":"Message","visitor":{"token":"whatsapp:1@c.us"},
		"messages":[{"_id":"C1","msg":"bye","closingMessage":true,"u":{"username":"jane","name":"Jane"}}]}`)
	for i := 0; i < 2; i++ {
		if err := env.bridge.HandleLivechat(ctx, "wa1", closing); err != nil {
			t.Fatalf("HandleLivechat #%d failed: %v", i, err)
		}
	}

	sent := env.ch.sent()
	if len(sent) != 1 || sent[0].text != "Thanks for reaching out" {
		t.Fatalf("expected the forced close message once, got %+v", sent)
	}
	rooms, err := env.store.OpenRooms(ctx, "wa1", "whatsapp:1@c.us")
	if err != nil {
		t.Fatalf("OpenRooms failed: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("expected room to be closed, %d still open", len(rooms))
	}
}

func TestClosingMessageIgnoredToken(t *testing.T) {
	env := newTestEnv(t, func(cc *config.ConnectorConfig) {
		cc.Options.IgnoreTokenForceCloseMessage = "whatsapp:1@c.us"
	})
	ctx := context.Background()
	if _, _, err := env.store.CreateOpenRoom(ctx, "wa1", "whatsapp:1@c.us", "R1"); err != nil {
		t.Fatalf("CreateOpenRoom failed: %v", err)
	}

	closing := []byte(`{"_id":"R1","type":"Message","visitor":{"token":"whatsapp:1@c.us"},
		"messages":[{"_id":"C1","msg":"bye","closingMessage":true}]}`)
	if err := env.bridge.HandleLivechat(ctx, "wa1", closing); err != nil {
		t.Fatalf("HandleLivechat failed: %v", err)
	}
	if sent := env.ch.sent(); len(sent) != 0 {
		t.Fatalf("expected no text for ignored token, got %+v", sent)
	}
	msg, err := env.store.GetMessage(ctx, "wa1", "C1", store.DirectionIngoing)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !msg.Delivered {
		t.Error("expected closing message to be marked delivered")
	}
}

func TestRoomInvalidatedReintake(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, _, err := env.store.CreateOpenRoom(ctx, "wa1", "whatsapp:1@c.us", "OLD"); err != nil {
		t.Fatalf("CreateOpenRoom failed: %v", err)
	}
	env.lc.handle("livechat/room", func([]byte) (int, string) {
		return http.StatusOK, `{"success":true,"room":{"_id":"NEW"}}`
	})
	env.lc.handle("livechat/message", func(body []byte) (int, string) {
		if gjson.GetBytes(body, "rid").String() == "OLD" {
			return http.StatusBadRequest, `{"success":false,"error":"room-closed"}`
		}
		return http.StatusOK, `{"success":true}`
	})

	if err := env.bridge.HandleIncoming(ctx, "wa1", waText("M1", "1@c.us", "are you there?")); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	rooms, err := env.store.OpenRooms(ctx, "wa1", "whatsapp:1@c.us")
	if err != nil {
		t.Fatalf("OpenRooms failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].RemoteID != "NEW" {
		t.Fatalf("expected the fresh room to be open, got %+v", rooms)
	}
	if got := env.lc.count("livechat/message"); got != 2 {
		t.Errorf("expected two send attempts, got %d", got)
	}
	msg, err := env.store.GetMessage(ctx, "wa1", "M1", store.DirectionIncoming)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !msg.Delivered || msg.RoomID == nil || *msg.RoomID != rooms[0].ID {
		t.Errorf("expected delivery into the fresh room, got delivered=%v room=%v", msg.Delivered, msg.RoomID)
	}
}

func TestNoAgentOnline(t *testing.T) {
	env := newTestEnv(t, func(cc *config.ConnectorConfig) {
		cc.Managers = []string{"boss"}
		cc.ManagersChannels = []string{"#ops"}
		cc.Options.NoAgentOnlineAlertAdmin = "nobody online for {{ data.from }}"
		cc.Options.NoAgentOnlineAutoanswer = "We are offline"
	})
	env.lc.handle("livechat/room", func([]byte) (int, string) {
		return http.StatusBadRequest, `{"success":false,"errorType":"no-agent-online"}`
	})
	ctx := context.Background()

	if err := env.bridge.HandleIncoming(ctx, "wa1", waText("M1", "1@c.us", "hi")); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	if got := env.lc.count("im.create"); got != 1 {
		t.Errorf("expected managers room to be opened, got %d calls", got)
	}
	if got := env.lc.count("chat.postMessage"); got != 2 {
		t.Errorf("expected two admin posts, got %d", got)
	}
	post := env.lc.lastBody("chat.postMessage")
	if got := gjson.GetBytes(post, "text").String(); got != ":rocket: CONNECT nobody online for 1@c.us" {
		t.Errorf("unexpected admin text %q", got)
	}
	if got := gjson.GetBytes(post, "channel").String(); got != "ops" {
		t.Errorf("expected channel without #, got %q", got)
	}

	sent := env.ch.sent()
	if len(sent) != 1 || sent[0].text != "We are offline" {
		t.Errorf("expected auto answer, got %+v", sent)
	}
	if got := env.lc.count("livechat/message"); got != 0 {
		t.Errorf("expected no livechat message, got %d", got)
	}
	rooms, _ := env.store.ListRooms(ctx, "wa1", false)
	if len(rooms) != 0 {
		t.Errorf("expected no room, got %d", len(rooms))
	}
}

func TestIncomingCall(t *testing.T) {
	env := newTestEnv(t, func(cc *config.ConnectorConfig) {
		cc.Options.AutoAnswerIncomingCall = "Calls are not supported"
		cc.Options.ConvertIncomingCallToText = "visitor tried to call"
	})
	ctx := context.Background()

	call := []byte(`{"event":"onIncomingCall","data":{"id":"CALL1","peerJid":"1@c.us"}}`)
	if err := env.bridge.HandleIncoming(ctx, "wa1", call); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	sent := env.ch.sent()
	if len(sent) != 1 || sent[0].text != "Calls are not supported" || sent[0].to != "1@c.us" {
		t.Errorf("unexpected auto answer %+v", sent)
	}
	body := env.lc.lastBody("livechat/message")
	if gjson.GetBytes(body, "msg").String() != "visitor tried to call" {
		t.Errorf("unexpected room text %s", body)
	}
	msg, err := env.store.GetMessage(ctx, "wa1", "CALL1", store.DirectionIncoming)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !msg.Delivered {
		t.Error("expected call to be marked delivered")
	}
	note, err := env.store.GetMessage(ctx, "wa1", "CALL1_call", store.DirectionIncoming)
	if err != nil {
		t.Fatalf("expected the call notice in the ledger: %v", err)
	}
	if !note.Delivered || gjson.GetBytes(note.Raw, "parent").String() != "CALL1" {
		t.Errorf("unexpected call notice record delivered=%v raw=%s", note.Delivered, note.Raw)
	}
}

func TestIncomingMediaUploadsFile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ch.media = &channel.Media{Data: []byte("PNGDATA"), Filename: "I1.png", MimeType: "image/png"}
	ctx := context.Background()

	img := []byte(`{"event":"onMessage","data":{"id":"I1","from":"1@c.us","type":"image","caption":"look","mimetype":"image/png"}}`)
	if err := env.bridge.HandleIncoming(ctx, "wa1", img); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}

	if got := env.lc.count("livechat/upload/R1"); got != 1 {
		t.Fatalf("expected one upload, got %d", got)
	}
	body := env.lc.lastBody("livechat/message")
	if gjson.GetBytes(body, "_id").String() != "I1_description" || gjson.GetBytes(body, "msg").String() != "look" {
		t.Errorf("unexpected description message %s", body)
	}
}

func TestMissingSenderUsesPlaceholder(t *testing.T) {
	env := newTestEnv(t, func(cc *config.ConnectorConfig) {
		cc.Options.IdentityPlaceholder = "unknown"
	})
	payload := []byte(`{"event":"onMessage","data":{"id":"M1","type":"chat","body":"x"}}`)
	if err := env.bridge.HandleIncoming(context.Background(), "wa1", payload); err != nil {
		t.Fatalf("HandleIncoming failed: %v", err)
	}
	visitor := env.lc.lastBody("livechat/visitor")
	if got := gjson.GetBytes(visitor, "visitor.token").String(); got != "whatsapp:unknown" {
		t.Errorf("unexpected placeholder token %q", got)
	}
	if gjson.GetBytes(visitor, "visitor.phone").Exists() {
		t.Error("placeholder visitor must not carry a phone")
	}
}

func TestSessionTakenAlert(t *testing.T) {
	env := newTestEnv(t, func(cc *config.ConnectorConfig) {
		cc.Options.SessionTakenAlertTemplate = "{{ agent.name }} from {{ department.name }} is here"
	})
	env.lc.handle("livechat/department/D1", func([]byte) (int, string) {
		return http.StatusOK, `{"success":true,"department":{"name":"Sales"}}`
	})

	taken := []byte(`{"_id":"R1","type":"LivechatSessionTaken","departmentId":"D1",
		"agent":{"name":"Jane"},"visitor":{"token":"whatsapp:1@c.us"}}`)
	if err := env.bridge.HandleLivechat(context.Background(), "wa1", taken); err != nil {
		t.Fatalf("HandleLivechat failed: %v", err)
	}
	sent := env.ch.sent()
	if len(sent) != 1 || sent[0].text != "Jane from Sales is here" {
		t.Errorf("unexpected alert %+v", sent)
	}
}

func TestTransientFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.lc.srv.Close()

	err := env.bridge.HandleIncoming(context.Background(), "wa1", waText("M1", "1@c.us", "hi"))
	if err == nil {
		t.Fatal("expected an error with the backend down")
	}
	if !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestIntakeUnread(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ch.unread = [][]byte{waText("U1", "1@c.us", "a"), waText("U2", "2@c.us", "b")}

	n, err := env.bridge.IntakeUnread(context.Background(), "wa1")
	if err != nil {
		t.Fatalf("IntakeUnread failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 payloads, got %d", n)
	}
	if got := env.lc.count("livechat/message"); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestUnknownConnector(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.bridge.HandleIncoming(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected unknown connector error")
	}
}
