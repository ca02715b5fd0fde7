package db

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kuitang/notesync/internal/db/testutil"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"pgregory.net/rapid"
)

var testKey = bytes.Repeat([]byte{0x17}, KeySize)

// fataler is satisfied by both *testing.T and *rapid.T.
type fataler interface {
	Fatalf(format string, args ...any)
}

func openTestStore(t fataler, dir string) *Store {
	s, err := Open(filepath.Join(dir, "notes.db"), testKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := openTestStore(t, t.TempDir())
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(sec int64) time.Time {
	return time.Unix(1700000000+sec, 0).UTC()
}

// =============================================================================
// Property: an id is never both active and tombstoned; updated_at never
// regresses under application saves
// =============================================================================

func testStore_ExclusiveStates(t *rapid.T) {
	dir, err := os.MkdirTemp("", "notesync-db-")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)
	s := openTestStore(t, dir)
	defer s.Close()
	ctx := context.Background()

	lastUpdated := map[string]time.Time{}
	steps := rapid.IntRange(1, 30).Draw(t, "steps")
	for i := 0; i < steps; i++ {
		id := testutil.NoteID().Draw(t, "id")
		at := testutil.SmallTimestamp().Draw(t, "at")
		switch rapid.IntRange(0, 3).Draw(t, "op") {
		case 0:
			stored, err := s.Upsert(ctx, notes.Note{ID: id, Text: testutil.NoteText().Draw(t, "text"), UpdatedAt: at})
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if prev, ok := lastUpdated[id]; ok && stored.UpdatedAt.Before(prev) {
				t.Fatalf("updated_at regressed for %s: %v -> %v", id, prev, stored.UpdatedAt)
			}
			lastUpdated[id] = stored.UpdatedAt
		case 1:
			if _, err := s.Delete(ctx, id); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			delete(lastUpdated, id)
		case 2:
			err := s.Apply(ctx, notes.Note{ID: id, Text: "remote", UpdatedAt: at, Revision: "r"})
			if err != nil && !errs.IsConflict(err) {
				t.Fatalf("Apply: %v", err)
			}
			if err == nil {
				lastUpdated[id] = at
			}
		case 3:
			err := s.ApplyDelete(ctx, id, at)
			if err != nil && !errs.IsConflict(err) {
				t.Fatalf("ApplyDelete: %v", err)
			}
			if err == nil {
				delete(lastUpdated, id)
			}
		}

		var both int
		if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM notes n JOIN deleted_notes d ON n.id = d.id`).Scan(&both); err != nil {
			t.Fatalf("count: %v", err)
		}
		if both != 0 {
			t.Fatalf("%d id(s) are both active and tombstoned", both)
		}
	}
}

func TestStore_ExclusiveStates(t *testing.T) {
	rapid.Check(t, testStore_ExclusiveStates)
}

// =============================================================================
// Delta queries
// =============================================================================

func TestModifiedSince_StrictBoundaryAndPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, notes.Note{ID: "at-wm", Text: "a", UpdatedAt: ts(10), Revision: "r1"})
	mustApply(t, s, notes.Note{ID: "after-wm", Text: "b", UpdatedAt: ts(11), Revision: "r2"})
	mustApply(t, s, notes.Note{ID: "before-wm", Text: "c", UpdatedAt: ts(5), Revision: "r3"})
	if _, err := s.Upsert(ctx, notes.Note{ID: "dirty-old", Text: "d", UpdatedAt: ts(1)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.ModifiedSince(ctx, ts(10))
	if err != nil {
		t.Fatalf("ModifiedSince: %v", err)
	}
	ids := map[string]bool{}
	for _, n := range got {
		ids[n.ID] = true
	}
	if len(ids) != 2 || !ids["after-wm"] || !ids["dirty-old"] {
		t.Fatalf("ModifiedSince(10) = %v, want after-wm and dirty-old", ids)
	}
}

func TestDeletedSince_StrictBoundaryAndPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyDelete(ctx, "clean-at", ts(10)); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyDelete(ctx, "clean-after", ts(12)); err != nil {
		t.Fatal(err)
	}
	s.SetClock(func() time.Time { return ts(1) })
	if _, err := s.Delete(ctx, "pending-old"); err != nil {
		t.Fatal(err)
	}

	got, err := s.DeletedSince(ctx, ts(10))
	if err != nil {
		t.Fatalf("DeletedSince: %v", err)
	}
	if len(got) != 2 || got[0].ID != "pending-old" || got[1].ID != "clean-after" {
		t.Fatalf("DeletedSince(10) = %+v", got)
	}
	if got[0].State != notes.StatePendingDelete || got[1].State != notes.StateClean {
		t.Fatalf("unexpected tombstone states: %+v", got)
	}
}

// =============================================================================
// Saves and deletes
// =============================================================================

func TestUpsert_KeepsRevisionAndMarksPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, notes.Note{ID: "n", Text: "v1", CreatedAt: ts(0), UpdatedAt: ts(1), Revision: "sha1"})
	stored, err := s.Upsert(ctx, notes.Note{ID: "n", Text: "v2", UpdatedAt: ts(2)})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if stored.Revision != "sha1" || stored.State != notes.StatePendingUpload || !stored.CreatedAt.Equal(ts(0)) {
		t.Fatalf("unexpected stored note %+v", stored)
	}

	got := mustGet(t, s, "n")
	if got.Text != "v2" || !got.Dirty() || got.Revision != "sha1" {
		t.Fatalf("Get after Upsert = %+v", got)
	}

	var isDirty int
	if err := s.DB().QueryRow(`SELECT is_dirty FROM notes WHERE id = 'n'`).Scan(&isDirty); err != nil || isDirty != 1 {
		t.Fatalf("is_dirty = %d (%v), want 1", isDirty, err)
	}
}

func TestUpsert_ClampsRegressingTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, notes.Note{ID: "n", Text: "new", UpdatedAt: ts(20)}); err != nil {
		t.Fatal(err)
	}
	stored, err := s.Upsert(ctx, notes.Note{ID: "n", Text: "skewed clock", UpdatedAt: ts(3)})
	if err != nil {
		t.Fatal(err)
	}
	if !stored.UpdatedAt.Equal(ts(20)) {
		t.Fatalf("UpdatedAt = %v, want clamped to %v", stored.UpdatedAt, ts(20))
	}
}

func TestUpsert_RejectsMissingFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, notes.Note{Text: "x", UpdatedAt: ts(1)}); errs.CodeOf(err) != errs.InvalidArgument {
		t.Fatalf("missing id: %v", err)
	}
	if _, err := s.Upsert(ctx, notes.Note{ID: "x"}); errs.CodeOf(err) != errs.InvalidArgument {
		t.Fatalf("missing updated: %v", err)
	}
}

func TestDelete_CarriesRevisionAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetClock(func() time.Time { return ts(50) })

	mustApply(t, s, notes.Note{ID: "n", Text: "x", UpdatedAt: ts(1), Revision: "sha-n"})
	first, err := s.Delete(ctx, "n")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if first.Revision != "sha-n" || first.State != notes.StatePendingDelete || !first.DeletedAt.Equal(ts(50)) {
		t.Fatalf("tombstone = %+v", first)
	}
	if _, err := s.Get(ctx, "n"); !errs.IsNotFound(err) {
		t.Fatalf("Get after delete: %v", err)
	}

	s.SetClock(func() time.Time { return ts(99) })
	second, err := s.Delete(ctx, "n")
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if second.ID != first.ID || second.Revision != first.Revision || !second.DeletedAt.Equal(first.DeletedAt) {
		t.Fatalf("second Delete = %+v, want %+v", second, first)
	}
}

func TestDelete_UnknownIDRecordsTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tomb, err := s.Delete(ctx, "ghost")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if tomb.Revision != "" {
		t.Fatalf("unexpected revision %q", tomb.Revision)
	}
	if _, err := s.GetTombstone(ctx, "ghost"); err != nil {
		t.Fatalf("GetTombstone: %v", err)
	}
}

func TestUpsert_ResurrectsTombstonedID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, notes.Note{ID: "n", Text: "x", UpdatedAt: ts(1), Revision: "sha-n"})
	if _, err := s.Delete(ctx, "n"); err != nil {
		t.Fatal(err)
	}
	stored, err := s.Upsert(ctx, notes.Note{ID: "n", Text: "back", UpdatedAt: ts(5)})
	if err != nil {
		t.Fatal(err)
	}
	if stored.Revision != "sha-n" {
		t.Fatalf("recreated note should keep tombstone revision, got %q", stored.Revision)
	}
	if _, err := s.GetTombstone(ctx, "n"); !errs.IsNotFound(err) {
		t.Fatalf("tombstone should be gone: %v", err)
	}
}

func TestApply_KeepsNewerPendingEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, notes.Note{ID: "n", Text: "local", UpdatedAt: ts(10)}); err != nil {
		t.Fatal(err)
	}
	err := s.Apply(ctx, notes.Note{ID: "n", Text: "remote", UpdatedAt: ts(5), Revision: "r"})
	if !errs.IsConflict(err) {
		t.Fatalf("Apply over newer pending edit: %v", err)
	}
	if got := mustGet(t, s, "n"); got.Text != "local" {
		t.Fatalf("pending edit was overwritten: %+v", got)
	}

	if err := s.Apply(ctx, notes.Note{ID: "n", Text: "remote2", UpdatedAt: ts(11), Revision: "r2"}); err != nil {
		t.Fatalf("Apply newer: %v", err)
	}
	if got := mustGet(t, s, "n"); got.Text != "remote2" || got.State != notes.StateClean || got.Revision != "r2" {
		t.Fatalf("Apply result = %+v", got)
	}
}

func TestApplyDelete_KeepsNewerPendingEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, notes.Note{ID: "n", Text: "local", UpdatedAt: ts(10)}); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyDelete(ctx, "n", ts(5)); !errs.IsConflict(err) {
		t.Fatalf("ApplyDelete over newer pending edit: %v", err)
	}
	mustGet(t, s, "n")
}

func TestMarkSynced_OnlyClearsMatchingVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, notes.Note{ID: "n", Text: "v1", UpdatedAt: ts(1)}); err != nil {
		t.Fatal(err)
	}
	// A newer edit lands while v1 is in flight.
	if _, err := s.Upsert(ctx, notes.Note{ID: "n", Text: "v2", UpdatedAt: ts(2)}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSynced(ctx, "n", "sha-v1", ts(1)); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, s, "n")
	if !got.Dirty() || got.Revision != "sha-v1" {
		t.Fatalf("stale MarkSynced: %+v", got)
	}

	if err := s.MarkSynced(ctx, "n", "sha-v2", ts(2)); err != nil {
		t.Fatal(err)
	}
	got = mustGet(t, s, "n")
	if got.Dirty() || got.Revision != "sha-v2" {
		t.Fatalf("matching MarkSynced: %+v", got)
	}
}

// =============================================================================
// Metadata
// =============================================================================

func TestWatermark_Monotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wm, err := s.Watermark(ctx)
	if err != nil || !wm.IsZero() {
		t.Fatalf("initial watermark = %v, %v", wm, err)
	}
	for _, step := range []struct{ set, want int64 }{{10, 10}, {5, 10}, {30, 30}, {30, 30}} {
		if err := s.SetWatermark(ctx, ts(step.set)); err != nil {
			t.Fatal(err)
		}
		wm, err := s.Watermark(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !wm.Equal(ts(step.want)) {
			t.Fatalf("after SetWatermark(%d): %v, want %v", step.set, wm, ts(step.want))
		}
	}
}

func TestRemoteIndex_Replace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ReplaceRemoteIndex(ctx, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceRemoteIndex(ctx, map[string]string{"b": "3"}); err != nil {
		t.Fatal(err)
	}
	idx, err := s.RemoteIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 1 || idx["b"] != "3" {
		t.Fatalf("RemoteIndex = %v", idx)
	}
}

func TestFingerprint_IgnoresSyncBookkeeping(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	ctx := context.Background()

	if _, err := a.Upsert(ctx, notes.Note{ID: "n", Text: "same", UpdatedAt: ts(1)}); err != nil {
		t.Fatal(err)
	}
	mustApply(t, b, notes.Note{ID: "n", Text: "same", UpdatedAt: ts(1), Revision: "sha"})
	fa, err := a.Fingerprint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := b.Fingerprint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fa != fb || len(fa) != 64 {
		t.Fatalf("fingerprints differ: %s vs %s", fa, fb)
	}

	if _, err := b.Delete(ctx, "n"); err != nil {
		t.Fatal(err)
	}
	if fb2, _ := b.Fingerprint(ctx); fb2 == fb {
		t.Fatal("fingerprint did not change after delete")
	}
}

// =============================================================================
// Opening and schema
// =============================================================================

func TestOpen_WrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	mustApply(t, s, notes.Note{ID: "n", Text: "secret", UpdatedAt: ts(1)})
	s.Close()

	other := bytes.Repeat([]byte{0x99}, KeySize)
	if s2, err := Open(filepath.Join(dir, "notes.db"), other); err == nil {
		s2.Close()
		t.Fatal("Open with the wrong key should fail")
	}
	if _, err := Open(filepath.Join(dir, "other.db"), []byte("short")); errs.CodeOf(err) != errs.InvalidArgument {
		t.Fatalf("short key: %v", err)
	}
}

func TestOpenExisting_MissingTablesIsSchemaError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.db")
	dsn, err := DSN(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	_, err = OpenExisting(context.Background(), path, nil)
	if errs.CodeOf(err) != errs.Schema {
		t.Fatalf("OpenExisting = %v, want schema error", err)
	}
}

func TestMigrate_LegacyDirtyFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	dsn, err := DSN(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		t.Fatal(err)
	}
	legacy := `
		CREATE TABLE notes (id TEXT PRIMARY KEY, text TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, is_dirty INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE deleted_notes (id TEXT PRIMARY KEY, deleted_at INTEGER NOT NULL);
		INSERT INTO notes VALUES ('dirty', 'x', 1, 1, 1), ('clean', 'y', 1, 1, 0);
	`
	if _, err := raw.Exec(legacy); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open legacy: %v", err)
	}
	defer s.Close()
	if got := mustGet(t, s, "dirty"); got.State != notes.StatePendingUpload {
		t.Fatalf("legacy dirty note state = %q", got.State)
	}
	if got := mustGet(t, s, "clean"); got.State != notes.StateClean {
		t.Fatalf("legacy clean note state = %q", got.State)
	}
	if err := s.CheckSchema(context.Background()); err != nil {
		t.Fatalf("CheckSchema after migration: %v", err)
	}
}

func mustApply(t fataler, s *Store, n notes.Note) {
	if err := s.Apply(context.Background(), n); err != nil {
		t.Fatalf("Apply(%s): %v", n.ID, err)
	}
}

func mustGet(t fataler, s *Store, id string) notes.Note {
	n, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return n
}
