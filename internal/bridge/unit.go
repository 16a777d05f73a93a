package bridge

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/livechat-connect/internal/channel"
	"github.com/vovakirdan/livechat-connect/internal/config"
	"github.com/vovakirdan/livechat-connect/internal/livechat"
	"github.com/vovakirdan/livechat-connect/internal/render"
	"github.com/vovakirdan/livechat-connect/internal/store"
)

// Unit is one unit of work: a single inbound payload processed for one connector.
// It owns the livechat clients for its lifetime; nothing is shared between units
// except the store.
type Unit struct {
	b         *Bridge
	conn      *Connector
	direction store.Direction
	raw       []byte
	event     channel.Event

	identity   Identity
	envelopeID string
	synthetic  bool

	agent *livechat.Client
	bot   *livechat.Client

	message    *store.Message
	seenBefore bool // the envelope was already in the ledger
	room       *store.Room
	replayed   bool

	// replay re-runs the inbound handling after a room was invalidated
	replay func() error

	log zerolog.Logger
}

func (b *Bridge) newUnit(conn *Connector, dir store.Direction, raw []byte) *Unit {
	return &Unit{
		b:         b,
		conn:      conn,
		direction: dir,
		raw:       raw,
		agent:     b.clients(conn.Server, false),
		bot:       b.clients(conn.Server, true),
		log: b.log.With().
			Str("connector", conn.Config.ID).
			Str("direction", string(dir)).
			Logger(),
	}
}

func (u *Unit) options() config.ConnectorOptions {
	return u.conn.Config.Options
}

func (u *Unit) setIdentity(id Identity) {
	u.identity = id
	u.log = u.log.With().Str("token", id.Token).Logger()
	if id.Synthetic {
		u.log.Warn().Msg("visitor identity unavailable, using placeholder")
	}
}

func (u *Unit) setEnvelope(id string, synthetic bool) {
	u.envelopeID = id
	u.synthetic = synthetic
	u.log = u.log.With().Str("envelope_id", id).Logger()
}

// templateContext is the payload decoded for connector templates, plus the
// connector's timezone and the current time in it.
func (u *Unit) templateContext() map[string]any {
	data := render.Context(u.raw)
	name := u.options().Location()
	loc, err := time.LoadLocation(name)
	if err != nil {
		u.log.Warn().Err(err).Str("timezone", name).Msg("unknown timezone, using UTC")
		loc = time.UTC
	}
	data["timezone"] = name
	data["now"] = time.Now().In(loc).Format(time.RFC3339)
	return data
}
