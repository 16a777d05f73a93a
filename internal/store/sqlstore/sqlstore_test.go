package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/vovakirdan/livechat-connect/internal/store"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec(SQLiteSchema)
		return err
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateOpenRoomIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.CreateOpenRoom(ctx, "wa1", "whatsapp:1@c.us", "RID1")
	if err != nil {
		t.Fatalf("CreateOpenRoom failed: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create the room")
	}

	second, created, err := s.CreateOpenRoom(ctx, "wa1", "whatsapp:1@c.us", "RID2")
	if err != nil {
		t.Fatalf("CreateOpenRoom failed: %v", err)
	}
	if created {
		t.Fatal("expected second call to reuse the open room")
	}
	if second.ID != first.ID || second.RemoteID != "RID1" {
		t.Errorf("expected existing room %d/RID1, got %d/%s", first.ID, second.ID, second.RemoteID)
	}

	// another connector is a different key
	_, created, err = s.CreateOpenRoom(ctx, "wa2", "whatsapp:1@c.us", "RID3")
	if err != nil || !created {
		t.Fatalf("expected room on other connector, created=%v err=%v", created, err)
	}
}

func TestCreateOpenRoomConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.CreateOpenRoom(ctx, "wa1", "whatsapp:9@c.us", "RID")
			if err != nil {
				t.Errorf("CreateOpenRoom failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one creator, got %d", created)
	}
	rooms, err := s.OpenRooms(ctx, "wa1", "whatsapp:9@c.us")
	if err != nil {
		t.Fatalf("OpenRooms failed: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected 1 open room, got %d", len(rooms))
	}
}

func TestCloseAndReopen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _, err := s.CreateOpenRoom(ctx, "wa1", "whatsapp:1@c.us", "RID1")
	if err != nil {
		t.Fatalf("CreateOpenRoom failed: %v", err)
	}
	if err := s.CloseRoom(ctx, room.ID); err != nil {
		t.Fatalf("CloseRoom failed: %v", err)
	}
	if err := s.CloseRoom(ctx, room.ID); err != nil {
		t.Fatalf("closing twice should be a no-op: %v", err)
	}

	next, created, err := s.CreateOpenRoom(ctx, "wa1", "whatsapp:1@c.us", "RID2")
	if err != nil || !created {
		t.Fatalf("expected new room after close, created=%v err=%v", created, err)
	}
	if next.ID == room.ID {
		t.Error("expected a new room row")
	}

	all, err := s.ListRooms(ctx, "wa1", false)
	if err != nil {
		t.Fatalf("ListRooms failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rooms kept, got %d", len(all))
	}

	n, err := s.CloseRoomsByRemoteID(ctx, "wa1", "RID2")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 room closed, got %d err=%v", n, err)
	}
	open, err := s.ListRooms(ctx, "wa1", true)
	if err != nil {
		t.Fatalf("ListRooms failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open rooms, got %d", len(open))
	}

	byRemote, err := s.RoomByRemoteID(ctx, "wa1", "RID1")
	if err != nil {
		t.Fatalf("RoomByRemoteID failed: %v", err)
	}
	if byRemote.ID != room.ID || byRemote.Open {
		t.Errorf("unexpected room %+v", byRemote)
	}
	if _, err := s.RoomByRemoteID(ctx, "wa1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := store.NewMessage{
		ConnectorID: "wa1",
		EnvelopeID:  "false_5531@c.us_ABC",
		Direction:   store.DirectionIncoming,
		Raw:         json.RawMessage(`{"event":"onMessage"}`),
	}

	first, created, err := s.RegisterMessage(ctx, msg)
	if err != nil {
		t.Fatalf("RegisterMessage failed: %v", err)
	}
	if !created {
		t.Fatal("expected first registration to create")
	}

	for i := 0; i < 3; i++ {
		again, created, err := s.RegisterMessage(ctx, msg)
		if err != nil {
			t.Fatalf("RegisterMessage failed: %v", err)
		}
		if created {
			t.Fatalf("registration %d should not create", i+2)
		}
		if again.ID != first.ID {
			t.Fatalf("expected id %s, got %s", first.ID, again.ID)
		}
	}

	// same envelope, other direction is a separate record
	msg.Direction = store.DirectionIngoing
	other, created, err := s.RegisterMessage(ctx, msg)
	if err != nil || !created {
		t.Fatalf("expected separate ingoing record, created=%v err=%v", created, err)
	}
	if other.ID == first.ID {
		t.Error("expected distinct ids per direction")
	}
}

func TestMessageHistoryAndDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _, err := s.CreateOpenRoom(ctx, "wa1", "whatsapp:1@c.us", "RID1")
	if err != nil {
		t.Fatalf("CreateOpenRoom failed: %v", err)
	}
	msg, _, err := s.RegisterMessage(ctx, store.NewMessage{
		ConnectorID: "wa1",
		EnvelopeID:  "E1",
		Direction:   store.DirectionIncoming,
	})
	if err != nil {
		t.Fatalf("RegisterMessage failed: %v", err)
	}
	if msg.RoomID != nil {
		t.Fatal("expected no room yet")
	}

	if err := s.AppendHistory(ctx, msg.ID, store.HistorySent, json.RawMessage(`{"msg":"hi"}`)); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}
	if err := s.AppendHistory(ctx, msg.ID, store.HistoryResponse, json.RawMessage(`{"success":true}`)); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}
	if err := s.SetDelivered(ctx, msg.ID, true); err != nil {
		t.Fatalf("SetDelivered failed: %v", err)
	}
	if err := s.AttachRoom(ctx, msg.ID, room.ID); err != nil {
		t.Fatalf("AttachRoom failed: %v", err)
	}

	got, err := s.GetMessage(ctx, "wa1", "E1", store.DirectionIncoming)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !got.Delivered {
		t.Error("expected delivered")
	}
	if got.RoomID == nil || *got.RoomID != room.ID {
		t.Errorf("expected room %d, got %v", room.ID, got.RoomID)
	}
	if len(got.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(got.History))
	}
	if got.History[0].Kind != store.HistorySent || got.History[1].Kind != store.HistoryResponse {
		t.Errorf("unexpected history order: %s, %s", got.History[0].Kind, got.History[1].Kind)
	}
}

func TestRebind(t *testing.T) {
	s := &SQLStore{driver: DriverPostgres}
	got := s.rebind(`SELECT * FROM rooms WHERE a = ? AND b = ?`)
	want := `SELECT * FROM rooms WHERE a = $1 AND b = $2`
	if got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}

	lite := &SQLStore{driver: DriverSQLite}
	if lite.rebind("a = ?") != "a = ?" {
		t.Error("sqlite queries must not be rewritten")
	}
}
