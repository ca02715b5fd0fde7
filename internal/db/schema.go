package db

// SQL schema for a notes replica. The local store and the snapshot replica
// file share it, so a downloaded snapshot can be queried like the local store.

// Table names every replica must carry.
var requiredTables = []string{"notes", "deleted_notes", "sync_metadata", "sync_queue", "remote_index"}

// Schema creates every table of a replica.
const Schema = `
-- Active notes. sync_state replaces is_dirty; is_dirty is still written.
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    revision TEXT,
    is_dirty INTEGER NOT NULL DEFAULT 0,
    sync_state TEXT NOT NULL DEFAULT 'clean'
);
CREATE INDEX IF NOT EXISTS idx_notes_updated_at ON notes(updated_at);

-- Tombstones, never garbage-collected.
CREATE TABLE IF NOT EXISTS deleted_notes (
    id TEXT PRIMARY KEY,
    deleted_at INTEGER NOT NULL,
    revision TEXT,
    sync_state TEXT NOT NULL DEFAULT 'pending_delete'
);
CREATE INDEX IF NOT EXISTS idx_deleted_notes_deleted_at ON deleted_notes(deleted_at);

-- Key/value sync metadata (last_sync_time, remote_last_sync_time, ...).
CREATE TABLE IF NOT EXISTS sync_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Deferred remote-side operations, replayed at the start of the next cycle.
CREATE TABLE IF NOT EXISTS sync_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
    note_id TEXT NOT NULL,
    payload TEXT,
    created_at INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    UNIQUE(operation, note_id)
);

-- Last recorded id -> revision listing of a per-note remote.
CREATE TABLE IF NOT EXISTS remote_index (
    id TEXT PRIMARY KEY,
    revision TEXT NOT NULL
);
`

// Migrations contains idempotent ALTER TABLE statements for replicas created
// by older clients, which only had the is_dirty flag and no tombstone state.
// SQLite ADD COLUMN errors on an existing column; Migrate ignores that error.
const Migrations = `
ALTER TABLE notes ADD COLUMN revision TEXT;
ALTER TABLE notes ADD COLUMN sync_state TEXT NOT NULL DEFAULT 'clean';
UPDATE notes SET sync_state = 'pending_upload' WHERE is_dirty = 1 AND sync_state = 'clean';
ALTER TABLE deleted_notes ADD COLUMN revision TEXT;
ALTER TABLE deleted_notes ADD COLUMN sync_state TEXT NOT NULL DEFAULT 'clean';
CREATE INDEX IF NOT EXISTS idx_notes_sync_state ON notes(sync_state);
`
