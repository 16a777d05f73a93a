package sqlstore

// The partial unique index is what keeps a visitor to one open room per connector.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	connector_id TEXT NOT NULL,
	token        TEXT NOT NULL,
	room_id      TEXT NOT NULL,
	open         BOOLEAN NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_one_open
	ON rooms(connector_id, token) WHERE open;
CREATE INDEX IF NOT EXISTS idx_rooms_remote ON rooms(connector_id, room_id);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	connector_id       TEXT NOT NULL,
	envelope_id        TEXT NOT NULL,
	direction          TEXT NOT NULL,
	raw                TEXT NOT NULL DEFAULT '{}',
	room_ref           INTEGER REFERENCES rooms(id),
	delivered          BOOLEAN NOT NULL DEFAULT 0,
	synthetic_envelope BOOLEAN NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	UNIQUE (connector_id, envelope_id, direction)
);

CREATE TABLE IF NOT EXISTS message_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL REFERENCES messages(id),
	at         DATETIME NOT NULL,
	kind       TEXT NOT NULL,
	body       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_message ON message_history(message_id, at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id           BIGSERIAL PRIMARY KEY,
	connector_id TEXT NOT NULL,
	token        TEXT NOT NULL,
	room_id      TEXT NOT NULL,
	open         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_one_open
	ON rooms(connector_id, token) WHERE open;
CREATE INDEX IF NOT EXISTS idx_rooms_remote ON rooms(connector_id, room_id);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	connector_id       TEXT NOT NULL,
	envelope_id        TEXT NOT NULL,
	direction          TEXT NOT NULL,
	raw                TEXT NOT NULL DEFAULT '{}',
	room_ref           BIGINT REFERENCES rooms(id),
	delivered          BOOLEAN NOT NULL DEFAULT FALSE,
	synthetic_envelope BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (connector_id, envelope_id, direction)
);

CREATE TABLE IF NOT EXISTS message_history (
	id         BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id),
	at         TIMESTAMPTZ NOT NULL,
	kind       TEXT NOT NULL,
	body       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_message ON message_history(message_id, at);
`

// SQLiteSchema is the SQLite DDL, exported for tests that build stores with NewWithSetup.
const SQLiteSchema = sqliteSchema
