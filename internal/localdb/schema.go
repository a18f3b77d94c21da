package localdb

// SchemaSQL is the complete local store schema. Every statement is additive
// and idempotent, so it runs in full on every open; upgrades add partitions
// or columns here without touching existing ones.
const SchemaSQL = `
-- Wrapped key material, one row per purpose.
CREATE TABLE IF NOT EXISTS keys (
	purpose TEXT PRIMARY KEY,
	wrap BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

-- Records. display_name and payload hold envelope strings, never plaintext
-- structures.
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	display_name TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft', 'submitted')),
	step INTEGER,
	linked_id TEXT,
	remote_version INTEGER,
	last_modified INTEGER NOT NULL
);

-- Offline replay queue, drained in queued_at order.
CREATE TABLE IF NOT EXISTS sync_queue (
	id TEXT PRIMARY KEY,
	record_id TEXT NOT NULL,
	action TEXT NOT NULL CHECK(action IN ('upsert', 'delete')),
	queued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_queued_at ON sync_queue(queued_at);

-- Append-only audit ledger. mac is base64; NULL marks entries written
-- before MAC signing existed.
CREATE TABLE IF NOT EXISTS audit_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	mac TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);

-- Small key/value partition for migration flags and KDF parameters.
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
