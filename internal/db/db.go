package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
)

const (
	// DefaultPath is the default location of the local store.
	DefaultPath = "./data/notes.db"

	// MaxOpenConns is the maximum number of open connections per replica file.
	// SQLite is single-writer, so high connection counts are counterproductive.
	MaxOpenConns = 2

	// MaxIdleConns is the maximum idle connections per replica file.
	MaxIdleConns = 1

	// KeySize is the SQLCipher raw key length.
	KeySize = 32
)

// Metadata keys in sync_metadata.
const (
	KeyLastSyncTime       = "last_sync_time"
	KeyRemoteLastSyncTime = "remote_last_sync_time"
)

// Store is one notes replica: the local store, or a downloaded snapshot.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Stats summarizes a replica for status output.
type Stats struct {
	Notes             int64 `json:"notes"`
	Dirty             int64 `json:"dirty"`
	Tombstones        int64 `json:"tombstones"`
	PendingTombstones int64 `json:"pending_tombstones"`
	Queued            int64 `json:"queued"`
}

// NewStoreFromSQL wraps an existing sql.DB as Store. The schema is not touched.
func NewStoreFromSQL(sqlDB *sql.DB, path string) *Store {
	return &Store{db: sqlDB, path: path, now: time.Now}
}

// Open opens (creating if needed) the replica at path, initializes the schema
// and applies migrations. A nil key opens the file unencrypted; otherwise key
// must be KeySize bytes.
func Open(path string, key []byte) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	sqlDB, err := openSQL(path, key)
	if err != nil {
		return nil, err
	}

	if _, err := sqlDB.Exec(Schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema for %s: %w", path, err)
	}

	s := NewStoreFromSQL(sqlDB, path)
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema for %s: %w", path, err)
	}
	return s, nil
}

// OpenExisting opens a replica written elsewhere without creating tables.
// A file lacking the replica tables yields an errs.Schema error.
func OpenExisting(ctx context.Context, path string, key []byte) (*Store, error) {
	sqlDB, err := openSQL(path, key)
	if err != nil {
		return nil, err
	}

	s := NewStoreFromSQL(sqlDB, path)
	if err := s.CheckSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema for %s: %w", path, err)
	}
	return s, nil
}

func openSQL(path string, key []byte) (*sql.DB, error) {
	dsn, err := DSN(path, key)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(MaxOpenConns)
	sqlDB.SetMaxIdleConns(MaxIdleConns)

	// A wrong key or a foreign file fails on the first statement that reads
	// a page; connection pragmas may already do so.
	var sqliteVersion string
	if err := sqlDB.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		sqlDB.Close()
		return nil, errs.Wrap(errs.Schema, fmt.Sprintf("cannot open %s (wrong key or not a database)", path), err)
	}
	if _, err := sqlDB.Exec("SELECT count(*) FROM sqlite_master"); err != nil {
		sqlDB.Close()
		return nil, errs.Wrap(errs.Schema, fmt.Sprintf("cannot read %s (wrong key or not a database)", path), err)
	}
	return sqlDB, nil
}

// DSN builds the driver connection string for path.
// Format: file.db?_pragma_key=x'HEX_KEY'&_pragma_cipher_page_size=4096&...
func DSN(path string, key []byte) (string, error) {
	dsn := path
	switch len(key) {
	case 0:
	case KeySize:
		dsn = appendSQLiteParams(path, fmt.Sprintf("_pragma_key=x'%s'&_pragma_cipher_page_size=4096", hex.EncodeToString(key)))
	default:
		return "", errs.New(errs.InvalidArgument, fmt.Sprintf("database key must be exactly %d bytes, got %d", KeySize, len(key)))
	}
	return appendSQLiteParams(dsn, sqliteCommonParams()), nil
}

// Migrate applies idempotent schema migrations.
func (s *Store) Migrate() error {
	for _, stmt := range strings.Split(Migrations, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			// Ignore "duplicate column name" errors from ADD COLUMN
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CheckSchema verifies the replica carries every required table.
func (s *Store) CheckSchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return errs.Wrap(errs.Schema, "failed to list tables", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errs.Wrap(errs.Schema, "failed to scan table name", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.Schema, "failed to list tables", err)
	}

	var missing []string
	for _, table := range requiredTables {
		if !have[table] {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return errs.New(errs.Schema, fmt.Sprintf("%s: missing table(s) %s", s.path, strings.Join(missing, ", ")))
	}
	return nil
}

// SetClock replaces the clock used to stamp tombstones.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying sql.DB for direct access when needed
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// --- notes -------------------------------------------------------------------

const noteColumns = `id, text, created_at, updated_at, COALESCE(revision, ''), sync_state`

func scanNotes(rows *sql.Rows) ([]notes.Note, error) {
	defer rows.Close()
	var out []notes.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (notes.Note, error) {
	var n notes.Note
	var created, updated int64
	var state string
	if err := row.Scan(&n.ID, &n.Text, &created, &updated, &n.Revision, &state); err != nil {
		return notes.Note{}, err
	}
	n.CreatedAt = notes.FromUnixMilli(created)
	n.UpdatedAt = notes.FromUnixMilli(updated)
	n.State = notes.SyncState(state)
	return n, nil
}

// ModifiedSince returns notes updated strictly after wm, plus every note
// still pending upload regardless of its timestamp.
func (s *Store) ModifiedSince(ctx context.Context, wm time.Time) ([]notes.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+`
		FROM notes
		WHERE updated_at > ? OR sync_state = ?
		ORDER BY updated_at, id
	`, notes.UnixMilli(wm), string(notes.StatePendingUpload))
	if err != nil {
		return nil, fmt.Errorf("failed to query modified notes: %w", err)
	}
	return scanNotes(rows)
}

// List returns every active note, most recently updated first.
func (s *Store) List(ctx context.Context) ([]notes.Note, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+noteColumns+` FROM notes ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	return scanNotes(rows)
}

// Get returns one active note, or an errs.NotFound error.
func (s *Store) Get(ctx context.Context, id string) (notes.Note, error) {
	n, err := scanNote(s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notes.Note{}, errs.New(errs.NotFound, fmt.Sprintf("note %s not found", id))
	}
	if err != nil {
		return notes.Note{}, fmt.Errorf("failed to get note %s: %w", id, err)
	}
	return n, nil
}

// Upsert records an application save. The note becomes pending upload, keeps
// its last known revision and creation time, and any tombstone for the id is
// removed in the same transaction. An update time older than the stored one
// is clamped so updated_at never regresses. The stored note is returned.
func (s *Store) Upsert(ctx context.Context, n notes.Note) (notes.Note, error) {
	if n.ID == "" {
		return notes.Note{}, errs.New(errs.InvalidArgument, "note id is required")
	}
	if n.UpdatedAt.IsZero() {
		return notes.Note{}, errs.New(errs.InvalidArgument, fmt.Sprintf("note %s: updated time is required", n.ID))
	}
	n.UpdatedAt = notes.Truncate(n.UpdatedAt)
	n.CreatedAt = notes.Truncate(n.CreatedAt)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = n.UpdatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return notes.Note{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanNote(tx.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, n.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return notes.Note{}, fmt.Errorf("failed to read note %s: %w", n.ID, err)
	default:
		n.CreatedAt = existing.CreatedAt
		n.Revision = existing.Revision
		if existing.UpdatedAt.After(n.UpdatedAt) {
			n.UpdatedAt = existing.UpdatedAt
		}
	}
	if n.Revision == "" {
		// A recreated id keeps the revision its tombstone carried.
		var rev sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT revision FROM deleted_notes WHERE id = ?`, n.ID).Scan(&rev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return notes.Note{}, fmt.Errorf("failed to read tombstone %s: %w", n.ID, err)
		}
		n.Revision = rev.String
	}
	n.State = notes.StatePendingUpload

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notes (id, text, created_at, updated_at, revision, is_dirty, sync_state)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			updated_at = excluded.updated_at,
			is_dirty = 1,
			sync_state = excluded.sync_state
	`, n.ID, n.Text, notes.UnixMilli(n.CreatedAt), notes.UnixMilli(n.UpdatedAt), n.Revision, string(n.State)); err != nil {
		return notes.Note{}, fmt.Errorf("failed to save note %s: %w", n.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deleted_notes WHERE id = ?`, n.ID); err != nil {
		return notes.Note{}, fmt.Errorf("failed to clear tombstone %s: %w", n.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return notes.Note{}, fmt.Errorf("failed to commit note %s: %w", n.ID, err)
	}
	return n, nil
}

// Apply stores a version received from the other replica verbatim and marks
// it clean with the given revision. A pending local edit newer than the
// incoming version is left in place.
func (s *Store) Apply(ctx context.Context, n notes.Note) error {
	if n.ID == "" {
		return errs.New(errs.InvalidArgument, "note id is required")
	}
	created := n.CreatedAt
	if created.IsZero() {
		created = n.UpdatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO notes (id, text, created_at, updated_at, revision, is_dirty, sync_state)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), 0, 'clean')
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			revision = excluded.revision,
			is_dirty = 0,
			sync_state = 'clean'
		WHERE NOT (notes.sync_state = 'pending_upload' AND notes.updated_at > excluded.updated_at)
	`, n.ID, n.Text, notes.UnixMilli(created), notes.UnixMilli(n.UpdatedAt), n.Revision)
	if err != nil {
		return fmt.Errorf("failed to apply note %s: %w", n.ID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return errs.New(errs.Conflict, fmt.Sprintf("note %s has a newer pending local edit", n.ID))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deleted_notes WHERE id = ?`, n.ID); err != nil {
		return fmt.Errorf("failed to clear tombstone %s: %w", n.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit note %s: %w", n.ID, err)
	}
	return nil
}

// MarkSynced records the revision the remote assigned to an uploaded version.
// The pending state is only cleared if the note still has the uploaded
// updatedAt; a newer local edit stays pending but adopts the revision.
func (s *Store) MarkSynced(ctx context.Context, id, revision string, updatedAt time.Time) error {
	ms := notes.UnixMilli(updatedAt)
	_, err := s.db.ExecContext(ctx, `
		UPDATE notes SET
			revision = NULLIF(?, ''),
			is_dirty = CASE WHEN updated_at = ? THEN 0 ELSE is_dirty END,
			sync_state = CASE WHEN updated_at = ? THEN 'clean' ELSE sync_state END
		WHERE id = ?
	`, revision, ms, ms, id)
	if err != nil {
		return fmt.Errorf("failed to mark note %s synced: %w", id, err)
	}
	return nil
}

// ClearPending marks every note and tombstone clean. Used on a downloaded
// snapshot, where pending flags written by its last writer carry no meaning.
func (s *Store) ClearPending(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE notes SET is_dirty = 0, sync_state = 'clean' WHERE sync_state != 'clean' OR is_dirty != 0`); err != nil {
		return fmt.Errorf("failed to clear pending notes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE deleted_notes SET sync_state = 'clean' WHERE sync_state != 'clean'`); err != nil {
		return fmt.Errorf("failed to clear pending tombstones: %w", err)
	}
	return nil
}

// --- tombstones --------------------------------------------------------------

const tombstoneColumns = `id, deleted_at, COALESCE(revision, ''), sync_state`

func scanTombstone(row rowScanner) (notes.Tombstone, error) {
	var t notes.Tombstone
	var deleted int64
	var state string
	if err := row.Scan(&t.ID, &deleted, &t.Revision, &state); err != nil {
		return notes.Tombstone{}, err
	}
	t.DeletedAt = notes.FromUnixMilli(deleted)
	t.State = notes.SyncState(state)
	return t, nil
}

func scanTombstones(rows *sql.Rows) ([]notes.Tombstone, error) {
	defer rows.Close()
	var out []notes.Tombstone
	for rows.Next() {
		t, err := scanTombstone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return out, nil
}

// DeletedSince returns tombstones recorded strictly after wm, plus every
// tombstone whose remote delete is still outstanding.
func (s *Store) DeletedSince(ctx context.Context, wm time.Time) ([]notes.Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tombstoneColumns+`
		FROM deleted_notes
		WHERE deleted_at > ? OR sync_state = ?
		ORDER BY deleted_at, id
	`, notes.UnixMilli(wm), string(notes.StatePendingDelete))
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	return scanTombstones(rows)
}

// Tombstones returns every tombstone, oldest first.
func (s *Store) Tombstones(ctx context.Context) ([]notes.Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tombstoneColumns+` FROM deleted_notes ORDER BY deleted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	return scanTombstones(rows)
}

// GetTombstone returns the tombstone for id, or an errs.NotFound error.
func (s *Store) GetTombstone(ctx context.Context, id string) (notes.Tombstone, error) {
	t, err := scanTombstone(s.db.QueryRowContext(ctx, `SELECT `+tombstoneColumns+` FROM deleted_notes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notes.Tombstone{}, errs.New(errs.NotFound, fmt.Sprintf("tombstone %s not found", id))
	}
	if err != nil {
		return notes.Tombstone{}, fmt.Errorf("failed to get tombstone %s: %w", id, err)
	}
	return t, nil
}

// Delete records an application delete: the note row is removed and a
// pending tombstone carrying its last revision is inserted in one
// transaction. Deleting an already deleted id returns the existing tombstone;
// deleting an unknown id still records one.
func (s *Store) Delete(ctx context.Context, id string) (notes.Tombstone, error) {
	if id == "" {
		return notes.Tombstone{}, errs.New(errs.InvalidArgument, "note id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return notes.Tombstone{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanTombstone(tx.QueryRowContext(ctx, `SELECT `+tombstoneColumns+` FROM deleted_notes WHERE id = ?`, id))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return notes.Tombstone{}, fmt.Errorf("failed to read tombstone %s: %w", id, err)
	}

	t := notes.Tombstone{ID: id, DeletedAt: notes.Truncate(s.now()), State: notes.StatePendingDelete}
	var rev sql.NullString
	var updated int64
	err = tx.QueryRowContext(ctx, `SELECT revision, updated_at FROM notes WHERE id = ?`, id).Scan(&rev, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return notes.Tombstone{}, fmt.Errorf("failed to read note %s: %w", id, err)
	default:
		t.Revision = rev.String
		if u := notes.FromUnixMilli(updated); u.After(t.DeletedAt) {
			t.DeletedAt = u
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return notes.Tombstone{}, fmt.Errorf("failed to delete note %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_notes (id, deleted_at, revision, sync_state) VALUES (?, ?, NULLIF(?, ''), ?)
	`, t.ID, notes.UnixMilli(t.DeletedAt), t.Revision, string(t.State)); err != nil {
		return notes.Tombstone{}, fmt.Errorf("failed to insert tombstone %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return notes.Tombstone{}, fmt.Errorf("failed to commit delete of %s: %w", id, err)
	}
	return t, nil
}

// ApplyDelete records a delete received from the other replica. The tombstone
// is clean since there is nothing to push back. A pending local edit newer
// than deletedAt is kept and reported as errs.Conflict.
func (s *Store) ApplyDelete(ctx context.Context, id string, deletedAt time.Time) error {
	if id == "" {
		return errs.New(errs.InvalidArgument, "note id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rev sql.NullString
	var updated int64
	var state string
	err = tx.QueryRowContext(ctx, `SELECT revision, updated_at, sync_state FROM notes WHERE id = ?`, id).Scan(&rev, &updated, &state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read note %s: %w", id, err)
	default:
		if notes.SyncState(state) == notes.StatePendingUpload && updated > notes.UnixMilli(deletedAt) {
			return errs.New(errs.Conflict, fmt.Sprintf("note %s has a newer pending local edit", id))
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete note %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_notes (id, deleted_at, revision, sync_state) VALUES (?, ?, NULLIF(?, ''), 'clean')
		ON CONFLICT(id) DO UPDATE SET sync_state = 'clean'
	`, id, notes.UnixMilli(deletedAt), rev.String); err != nil {
		return fmt.Errorf("failed to insert tombstone %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", id, err)
	}
	return nil
}

// MarkTombstoneSynced records that the remote no longer holds id.
func (s *Store) MarkTombstoneSynced(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE deleted_notes SET sync_state = 'clean' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark tombstone %s synced: %w", id, err)
	}
	return nil
}

// --- metadata ----------------------------------------------------------------

// Meta returns a sync_metadata value, or "" when the key is unset.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a sync_metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// Timestamp reads a millisecond timestamp stored under key. Unset is zero.
func (s *Store) Timestamp(ctx context.Context, key string) (time.Time, error) {
	value, err := s.Meta(ctx, key)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.Schema, fmt.Sprintf("metadata %s is not a timestamp", key), err)
	}
	return notes.FromUnixMilli(ms), nil
}

// AdvanceTimestamp stores t under key unless the stored value is already
// later; the stored value never decreases.
func (s *Store) AdvanceTimestamp(ctx context.Context, key string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(excluded.value AS INTEGER) > CAST(sync_metadata.value AS INTEGER)
	`, key, strconv.FormatInt(notes.UnixMilli(t), 10))
	if err != nil {
		return fmt.Errorf("failed to advance %s: %w", key, err)
	}
	return nil
}

// Watermark returns last_sync_time; zero before the first successful cycle.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	return s.Timestamp(ctx, KeyLastSyncTime)
}

// SetWatermark advances last_sync_time monotonically.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	return s.AdvanceTimestamp(ctx, KeyLastSyncTime, t)
}

// --- remote index ------------------------------------------------------------

// RemoteIndex returns the id -> revision listing recorded after the last
// successful cycle against a per-note remote.
func (s *Store) RemoteIndex(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, revision FROM remote_index`)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote index: %w", err)
	}
	defer rows.Close()

	index := make(map[string]string)
	for rows.Next() {
		var id, rev string
		if err := rows.Scan(&id, &rev); err != nil {
			return nil, fmt.Errorf("failed to scan remote index: %w", err)
		}
		index[id] = rev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating remote index: %w", err)
	}
	return index, nil
}

// ReplaceRemoteIndex swaps the recorded listing in one transaction.
func (s *Store) ReplaceRemoteIndex(ctx context.Context, index map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM remote_index`); err != nil {
		return fmt.Errorf("failed to clear remote index: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO remote_index (id, revision) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare remote index insert: %w", err)
	}
	defer stmt.Close()
	for id, rev := range index {
		if _, err := stmt.ExecContext(ctx, id, rev); err != nil {
			return fmt.Errorf("failed to record %s in remote index: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remote index: %w", err)
	}
	return nil
}

// --- whole-replica helpers ---------------------------------------------------

// Fingerprint digests the user-visible state (notes and tombstone ids) so two
// replicas can be compared for convergence. Revisions and sync states are
// excluded.
func (s *Store) Fingerprint(ctx context.Context) (string, error) {
	ns, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	ts, err := s.Tombstones(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID < ns[j].ID })
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })

	var b strings.Builder
	for _, n := range ns {
		fmt.Fprintf(&b, "n\x00%s\x00%s\x00%d\n", n.ID, n.Text, notes.UnixMilli(n.UpdatedAt))
	}
	for _, t := range ts {
		fmt.Fprintf(&b, "d\x00%s\n", t.ID)
	}

	var digest string
	if err := s.db.QueryRowContext(ctx, `SELECT lower(hex(sha3(?, 256)))`, b.String()).Scan(&digest); err != nil {
		return "", fmt.Errorf("failed to compute fingerprint: %w", err)
	}
	return digest, nil
}

// Stats counts notes, tombstones and queued operations.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM notes),
			(SELECT COUNT(*) FROM notes WHERE sync_state = 'pending_upload'),
			(SELECT COUNT(*) FROM deleted_notes),
			(SELECT COUNT(*) FROM deleted_notes WHERE sync_state = 'pending_delete'),
			(SELECT COUNT(*) FROM sync_queue)
	`).Scan(&st.Notes, &st.Dirty, &st.Tombstones, &st.PendingTombstones, &st.Queued)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return st, nil
}

// Checkpoint flushes the WAL into the main database file so the file can be
// copied as a whole.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("failed to checkpoint %s: %w", s.path, err)
	}
	return nil
}

func sqliteCommonParams() string {
	// Production-safe defaults: WAL + NORMAL provides good throughput while preserving safety.
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// Close closes the Store connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
