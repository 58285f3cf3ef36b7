package storage

// schema creates every table in section 6's persisted layout: peers;
// transfers(+is_deleted); incoming/outgoing paths(+is_deleted); one
// state-history table per (direction x phase); sync_transfer and
// sync_{incoming,outgoing}_files with per-peer checkpoints and inflight
// base_dir hints. Every row carries a millisecond timestamp (created_at_ms,
// or updated_at_ms in the sync tables). Foreign keys
// cascade on delete so purging a transfer purges its paths and history.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS peers (
	public_key   TEXT PRIMARY KEY,
	last_address TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transfers (
	id              TEXT PRIMARY KEY,
	direction       TEXT NOT NULL CHECK (direction IN ('incoming', 'outgoing')),
	peer_public_key TEXT NOT NULL REFERENCES peers(public_key),
	state           TEXT NOT NULL DEFAULT 'pending',
	is_deleted      INTEGER NOT NULL DEFAULT 0,
	created_at_ms   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transfer_states (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id   TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	state         TEXT NOT NULL,
	detail        TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incoming_paths (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id       TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	file_id           TEXT NOT NULL,
	relative_path     TEXT NOT NULL,
	size              INTEGER NOT NULL,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	is_deleted        INTEGER NOT NULL DEFAULT 0,
	created_at_ms     INTEGER NOT NULL,
	UNIQUE (transfer_id, file_id)
);

CREATE TABLE IF NOT EXISTS outgoing_paths (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id       TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	file_id           TEXT NOT NULL,
	relative_path     TEXT NOT NULL,
	size              INTEGER NOT NULL,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	is_deleted        INTEGER NOT NULL DEFAULT 0,
	created_at_ms     INTEGER NOT NULL,
	UNIQUE (transfer_id, file_id)
);

-- Incoming path state history: Pending(base_dir) -> Started(offset) ->
-- {Completed(final_path), Failed(status,bytes), Rejected(by_peer,bytes),
-- Paused(bytes)}.
CREATE TABLE IF NOT EXISTS incoming_path_pending (
	path_id       INTEGER NOT NULL REFERENCES incoming_paths(id) ON DELETE CASCADE,
	base_dir      TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incoming_path_started (
	path_id       INTEGER NOT NULL REFERENCES incoming_paths(id) ON DELETE CASCADE,
	offset        INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incoming_path_paused (
	path_id       INTEGER NOT NULL REFERENCES incoming_paths(id) ON DELETE CASCADE,
	bytes         INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incoming_path_failed (
	path_id       INTEGER NOT NULL REFERENCES incoming_paths(id) ON DELETE CASCADE,
	status        TEXT NOT NULL,
	bytes         INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incoming_path_completed (
	path_id       INTEGER NOT NULL REFERENCES incoming_paths(id) ON DELETE CASCADE,
	final_path    TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incoming_path_reject (
	path_id       INTEGER NOT NULL REFERENCES incoming_paths(id) ON DELETE CASCADE,
	by_peer       INTEGER NOT NULL,
	bytes         INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);

-- Outgoing path state history: Started(offset) -> {Completed(final_path),
-- Failed(status,bytes), Rejected(by_peer,bytes), Paused(bytes)}; a sender
-- never waits in a base-dir-selection phase.
CREATE TABLE IF NOT EXISTS outgoing_path_started (
	path_id       INTEGER NOT NULL REFERENCES outgoing_paths(id) ON DELETE CASCADE,
	offset        INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outgoing_path_paused (
	path_id       INTEGER NOT NULL REFERENCES outgoing_paths(id) ON DELETE CASCADE,
	bytes         INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outgoing_path_failed (
	path_id       INTEGER NOT NULL REFERENCES outgoing_paths(id) ON DELETE CASCADE,
	status        TEXT NOT NULL,
	bytes         INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outgoing_path_completed (
	path_id       INTEGER NOT NULL REFERENCES outgoing_paths(id) ON DELETE CASCADE,
	final_path    TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outgoing_path_reject (
	path_id       INTEGER NOT NULL REFERENCES outgoing_paths(id) ON DELETE CASCADE,
	by_peer       INTEGER NOT NULL,
	bytes         INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_transfer (
	transfer_id   TEXT PRIMARY KEY REFERENCES transfers(id) ON DELETE CASCADE,
	local_state   TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_incoming_files (
	path_id           INTEGER PRIMARY KEY REFERENCES incoming_paths(id) ON DELETE CASCADE,
	checkpoint_offset INTEGER NOT NULL DEFAULT 0,
	inflight_base_dir TEXT NOT NULL DEFAULT '',
	updated_at_ms     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_outgoing_files (
	path_id           INTEGER PRIMARY KEY REFERENCES outgoing_paths(id) ON DELETE CASCADE,
	checkpoint_offset INTEGER NOT NULL DEFAULT 0,
	updated_at_ms     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at_ms);
CREATE INDEX IF NOT EXISTS idx_incoming_paths_transfer ON incoming_paths(transfer_id);
CREATE INDEX IF NOT EXISTS idx_outgoing_paths_transfer ON outgoing_paths(transfer_id);
`
