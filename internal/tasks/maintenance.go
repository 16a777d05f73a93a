package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vovakirdan/livechat-connect/internal/bridge"
	"github.com/vovakirdan/livechat-connect/internal/config"
	"github.com/vovakirdan/livechat-connect/internal/livechat"
	"github.com/vovakirdan/livechat-connect/internal/render"
	"github.com/vovakirdan/livechat-connect/internal/store"
)

// SyncResult reports a room sync for one server.
type SyncResult struct {
	Server  string   `json:"server"`
	Remote  int      `json:"remote_open"`
	Checked int      `json:"local_checked"`
	Closed  []string `json:"closed"`
}

// AlertResult reports a stale-room alert run.
type AlertResult struct {
	Now             time.Time `json:"now"`
	Seconds         int       `json:"seconds_last_message"`
	AlertedRooms    []string  `json:"alerted_rooms"`
	RenderedTargets []string  `json:"rendered_targets"`
}

// Maintenance runs the server-wide jobs.
type Maintenance struct {
	cfg      *config.Config
	store    store.Store
	bridge   *bridge.Bridge
	renderer render.Renderer
	clients  bridge.ClientFactory
	http     *http.Client
	log      *zerolog.Logger
	now      func() time.Time
}

// MaintenanceOption customizes Maintenance.
type MaintenanceOption func(*Maintenance)

// WithClients replaces how livechat clients are built.
func WithClients(f bridge.ClientFactory) MaintenanceOption {
	return func(m *Maintenance) { m.clients = f }
}

// WithClock replaces the clock used to age rooms.
func WithClock(now func() time.Time) MaintenanceOption {
	return func(m *Maintenance) { m.now = now }
}

// NewMaintenance builds the maintenance jobs.
func NewMaintenance(cfg *config.Config, st store.Store, b *bridge.Bridge, logger *zerolog.Logger, opts ...MaintenanceOption) *Maintenance {
	m := &Maintenance{
		cfg:      cfg,
		store:    st,
		bridge:   b,
		renderer: render.New(),
		clients:  bridge.DefaultClientFactory,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Maintenance) server(id string) (config.ServerConfig, error) {
	srv, ok := m.cfg.ServerByID(id)
	if !ok {
		return config.ServerConfig{}, fmt.Errorf("unknown server %q", id)
	}
	return srv, nil
}

func (m *Maintenance) openRooms(ctx context.Context, srv config.ServerConfig) (*livechat.Response, error) {
	resp, err := m.clients(srv, false).ListOpenRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list open rooms: %w", bridge.ErrTransientNetwork, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("list open rooms on %s: status %d", srv.ID, resp.StatusCode)
	}
	return resp, nil
}

// SyncRooms closes local open rooms of the server's connectors that the
// backend no longer lists as open.
func (m *Maintenance) SyncRooms(ctx context.Context, serverID string) (SyncResult, error) {
	res := SyncResult{Server: serverID, Closed: []string{}}
	srv, err := m.server(serverID)
	if err != nil {
		return res, err
	}
	resp, err := m.openRooms(ctx, srv)
	if err != nil {
		return res, err
	}

	remote := make(map[string]struct{})
	for _, r := range resp.Get("rooms").Array() {
		remote[r.Get("_id").String()] = struct{}{}
	}
	res.Remote = len(remote)

	for _, cc := range m.cfg.ConnectorsForServer(serverID) {
		rooms, err := m.store.ListRooms(ctx, cc.ID, true)
		if err != nil {
			return res, fmt.Errorf("list rooms of %s: %w", cc.ID, err)
		}
		for _, room := range rooms {
			res.Checked++
			if _, ok := remote[room.RemoteID]; ok {
				continue
			}
			if err := m.store.CloseRoom(ctx, room.ID); err != nil {
				return res, fmt.Errorf("close room %s: %w", room.RemoteID, err)
			}
			res.Closed = append(res.Closed, room.RemoteID)
		}
	}

	m.log.Info().
		Str("server", serverID).
		Int("remote_open", res.Remote).
		Int("checked", res.Checked).
		Int("closed", len(res.Closed)).
		Msg("room sync done")
	return res, nil
}

// AlertStaleRooms notifies targets about open rooms whose last message is at
// least seconds old. Targets are comma separated: "#name" posts to a channel,
// resolved to its room id when the backend knows it, anything else is rendered
// and used as a username for a direct message.
func (m *Maintenance) AlertStaleRooms(ctx context.Context, serverID string, seconds int, targets, tmpl string) (AlertResult, error) {
	now := m.now()
	res := AlertResult{Now: now, Seconds: seconds, AlertedRooms: []string{}, RenderedTargets: []string{}}

	srv, err := m.server(serverID)
	if err != nil {
		return res, err
	}
	resp, err := m.openRooms(ctx, srv)
	if err != nil {
		return res, err
	}
	client := m.clients(srv, true)

	for _, r := range resp.Get("rooms").Array() {
		ts := r.Get("lastMessage.ts").String()
		if ts == "" {
			continue
		}
		last, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			m.log.Warn().Err(err).Str("room_id", r.Get("_id").String()).Msg("unparseable last message time")
			continue
		}
		if now.Sub(last) < time.Duration(seconds)*time.Second {
			continue
		}

		roomID := r.Get("_id").String()
		res.AlertedRooms = append(res.AlertedRooms, roomID)

		var room map[string]any
		if err := json.Unmarshal([]byte(r.Raw), &room); err != nil {
			return res, fmt.Errorf("decode room %s: %w", roomID, err)
		}
		room["id"] = roomID
		data := map[string]any{"room": room, "external_url": srv.PublicURL()}

		text, err := m.renderer.Render(tmpl, data)
		if err != nil {
			return res, fmt.Errorf("render alert: %w", err)
		}

		for _, target := range strings.Split(targets, ",") {
			target = strings.TrimSpace(target)
			if target == "" {
				continue
			}
			if err := m.alert(ctx, client, target, text, data, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (m *Maintenance) alert(ctx context.Context, client *livechat.Client, target, text string, data map[string]any, res *AlertResult) error {
	if strings.HasPrefix(target, "#") {
		res.RenderedTargets = append(res.RenderedTargets, target)
		msg := livechat.PostMessage{Channel: strings.TrimPrefix(target, "#"), Text: text}
		info, err := client.RoomInfo(ctx, target)
		if err != nil {
			return fmt.Errorf("%w: look up alert channel: %w", bridge.ErrTransientNetwork, err)
		}
		if rid := info.Get("room._id").String(); info.OK && rid != "" {
			msg = livechat.PostMessage{RoomID: rid, Text: text}
		}
		if _, err := client.PostMessage(ctx, msg); err != nil {
			return fmt.Errorf("%w: post alert: %w", bridge.ErrTransientNetwork, err)
		}
		return nil
	}

	username, err := m.renderer.Render(target, data)
	if err != nil {
		return fmt.Errorf("render target: %w", err)
	}
	res.RenderedTargets = append(res.RenderedTargets, username)

	dm, err := client.CreateDirectMessage(ctx, username)
	if err != nil {
		return fmt.Errorf("%w: create alert room: %w", bridge.ErrTransientNetwork, err)
	}
	if !dm.OK {
		m.log.Warn().Str("target", username).Msg("could not open direct room for alert")
		return nil
	}
	if _, err := client.PostMessage(ctx, livechat.PostMessage{RoomID: dm.Get("room.rid").String(), Text: text}); err != nil {
		return fmt.Errorf("%w: post alert: %w", bridge.ErrTransientNetwork, err)
	}
	return nil
}

// WebhookOpenRooms posts the server's open rooms, with its external_url, to
// endpoint. It reports whether the endpoint answered 2xx.
func (m *Maintenance) WebhookOpenRooms(ctx context.Context, serverID, endpoint string) (bool, error) {
	srv, err := m.server(serverID)
	if err != nil {
		return false, err
	}
	resp, err := m.openRooms(ctx, srv)
	if err != nil {
		return false, err
	}

	body := resp.Body
	if !gjson.ValidBytes(body) {
		body = []byte(`{}`)
	}
	body, err = sjson.SetBytes(body, "external_url", srv.PublicURL())
	if err != nil {
		return false, fmt.Errorf("enrich open rooms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	out, err := m.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: post open rooms: %w", bridge.ErrTransientNetwork, err)
	}
	defer out.Body.Close()

	ok := out.StatusCode >= 200 && out.StatusCode < 300
	m.log.Info().Str("server", serverID).Int("status", out.StatusCode).Msg("open rooms webhook sent")
	return ok, nil
}

// IntakeUnread runs the connector's unread channel messages through intake.
func (m *Maintenance) IntakeUnread(ctx context.Context, connectorID string) (int, error) {
	return m.bridge.IntakeUnread(ctx, connectorID)
}

// Run syncs rooms of every server each interval until ctx is done.
func (m *Maintenance) Run(ctx context.Context, runner *Runner, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, srv := range m.cfg.Servers {
				id := srv.ID
				err := runner.Invoke(ctx, "room_sync:"+id, func(ctx context.Context) error {
					_, err := m.SyncRooms(ctx, id)
					return err
				})
				if err != nil && ctx.Err() == nil {
					m.log.Error().Err(err).Str("server", id).Msg("room sync failed")
				}
			}
		}
	}
}
