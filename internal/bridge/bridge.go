// Package bridge relays conversations between channel connectors and the
// livechat backend: it resolves visitors, keeps the room mapping, records
// every envelope in the ledger and delivers messages in both directions.
package bridge

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/vovakirdan/livechat-connect/internal/channel"
	"github.com/vovakirdan/livechat-connect/internal/config"
	"github.com/vovakirdan/livechat-connect/internal/livechat"
	"github.com/vovakirdan/livechat-connect/internal/render"
	"github.com/vovakirdan/livechat-connect/internal/store"
)

// Connector is a configured connector with its channel capability.
type Connector struct {
	Config  config.ConnectorConfig
	Server  config.ServerConfig
	Channel channel.Channel
}

// ClientFactory builds a livechat client for a server, as the admin user or as the bot.
type ClientFactory func(srv config.ServerConfig, bot bool) *livechat.Client

// DefaultClientFactory uses the credentials from the server configuration.
func DefaultClientFactory(srv config.ServerConfig, bot bool) *livechat.Client {
	creds := livechat.Credentials{UserID: srv.AdminUserID, Token: srv.AdminToken}
	if bot && srv.BotUserID != "" {
		creds = livechat.Credentials{UserID: srv.BotUserID, Token: srv.BotToken}
	}
	return livechat.New(srv.URL, creds)
}

// Bridge owns the connectors and runs units of work for them.
type Bridge struct {
	store      store.Store
	renderer   render.Renderer
	clients    ClientFactory
	log        *zerolog.Logger
	tempDir    string
	connectors map[string]*Connector
	overrides  map[string]channel.Channel
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithClientFactory replaces how livechat clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(b *Bridge) { b.clients = f }
}

// WithRenderer replaces the template renderer.
func WithRenderer(r render.Renderer) Option {
	return func(b *Bridge) { b.renderer = r }
}

// WithTempDir sets where uploads are staged.
func WithTempDir(dir string) Option {
	return func(b *Bridge) { b.tempDir = dir }
}

// WithChannel uses ch for the connector instead of building one from its type.
func WithChannel(connectorID string, ch channel.Channel) Option {
	return func(b *Bridge) { b.overrides[connectorID] = ch }
}

// New builds a Bridge for every enabled connector in cfg.
func New(st store.Store, cfg *config.Config, logger *zerolog.Logger, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		store:      st,
		renderer:   render.New(),
		clients:    DefaultClientFactory,
		log:        logger,
		tempDir:    os.TempDir(),
		connectors: make(map[string]*Connector, len(cfg.Connectors)),
		overrides:  make(map[string]channel.Channel),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, cc := range cfg.Connectors {
		if cc.Disabled {
			logger.Info().Str("connector", cc.ID).Msg("connector disabled, skipping")
			continue
		}
		srv, ok := cfg.ServerByID(cc.Server)
		if !ok {
			return nil, fmt.Errorf("connector %s: unknown server %q", cc.ID, cc.Server)
		}
		ch, ok := b.overrides[cc.ID]
		if !ok {
			var err error
			ch, err = channel.New(cc)
			if err != nil {
				return nil, err
			}
		}
		b.connectors[cc.ID] = &Connector{Config: cc, Server: srv, Channel: ch}
	}
	return b, nil
}

// Connector returns an enabled connector by id.
func (b *Bridge) Connector(id string) (*Connector, bool) {
	c, ok := b.connectors[id]
	return c, ok
}

// ConnectorByToken returns an enabled connector by its external token.
func (b *Bridge) ConnectorByToken(token string) (*Connector, bool) {
	for _, c := range b.connectors {
		if c.Config.ExternalToken == token {
			return c, true
		}
	}
	return nil, false
}

// HandleIncoming processes one channel payload for a connector.
func (b *Bridge) HandleIncoming(ctx context.Context, connectorID string, payload []byte) error {
	conn, ok := b.connectors[connectorID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	ev, err := conn.Channel.Parse(payload)
	if err != nil {
		b.log.Warn().Err(err).Str("connector", connectorID).Msg("dropping unparseable channel payload")
		return nil
	}
	return b.newUnit(conn, store.DirectionIncoming, payload).incoming(ctx, ev)
}

// HandleLivechat processes one livechat webhook payload for a connector.
func (b *Bridge) HandleLivechat(ctx context.Context, connectorID string, payload []byte) error {
	conn, ok := b.connectors[connectorID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	return b.newUnit(conn, store.DirectionIngoing, payload).ingoing(ctx)
}

// RouteLivechat finds the connector of a server that owns the room in a
// livechat payload: by livechat room id first, then by visitor token.
func (b *Bridge) RouteLivechat(ctx context.Context, serverID string, payload []byte) (string, error) {
	var candidates []*Connector
	for _, c := range b.connectors {
		if c.Server.ID == serverID {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no connector for server %s", ErrUnknownConnector, serverID)
	}

	if rid := gjson.GetBytes(payload, "_id").String(); rid != "" {
		for _, c := range candidates {
			if _, err := b.store.RoomByRemoteID(ctx, c.Config.ID, rid); err == nil {
				return c.Config.ID, nil
			}
		}
	}

	for _, c := range candidates {
		id, err := ResolveOutgoing(c.Channel, payload)
		if err != nil {
			continue
		}
		rooms, err := b.store.OpenRooms(ctx, c.Config.ID, id.Token)
		if err != nil {
			return "", err
		}
		if len(rooms) > 0 {
			return c.Config.ID, nil
		}
	}

	if len(candidates) == 1 {
		return candidates[0].Config.ID, nil
	}
	return "", fmt.Errorf("%w: no room matches payload on server %s", ErrUnknownConnector, serverID)
}

// IntakeUnread pulls unread channel messages and runs each through intake.
// It returns how many payloads were processed.
func (b *Bridge) IntakeUnread(ctx context.Context, connectorID string) (int, error) {
	conn, ok := b.connectors[connectorID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	payloads, err := conn.Channel.UnreadMessages(ctx)
	if err != nil {
		return 0, transient(fmt.Errorf("list unread messages: %w", err))
	}

	var firstErr error
	for _, p := range payloads {
		if err := b.HandleIncoming(ctx, connectorID, p); err != nil {
			b.log.Error().Err(err).Str("connector", connectorID).Msg("unread intake failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return len(payloads), firstErr
}

// TransferVisitor forwards the open room of a visitor to a department. The
// stored room is checked against the backend first, so a room closed on the
// livechat side is closed locally and reported as missing. visitorID is the
// channel's raw id; a nil room means the visitor has no open room.
func (b *Bridge) TransferVisitor(ctx context.Context, connectorID, visitorID, department string) (*store.Room, error) {
	conn, ok := b.connectors[connectorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	u := b.newUnit(conn, store.DirectionIngoing, nil)
	u.setIdentity(NewIdentity(conn.Channel.Namespace(), visitorID))
	return u.GetOrCreate(ctx, RoomOptions{CheckIfOpen: true, ForceTransfer: department})
}
