package reconcile

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryFixture struct {
	store *db.Store
	svc   *remote.MemoryNotes
	clock *testClock
}

func newRetryFixture(t *testing.T) *retryFixture {
	t.Helper()
	clock := newTestClock(at(10))
	store := newStore(t, clock)
	t.Cleanup(func() { store.Close() })
	return &retryFixture{store: store, svc: remote.NewMemoryNotes(), clock: clock}
}

func (f *retryFixture) open(t *testing.T) remote.Session {
	t.Helper()
	sess, err := newPerNoteAdapter(f.svc, f.clock).Open(context.Background(), f.store)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

// deleteSynced stores a clean note at revision and deletes it locally.
func (f *retryFixture) deleteSynced(t *testing.T, id, revision string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Apply(ctx, notes.Note{ID: id, Text: "gone", UpdatedAt: at(1), Revision: revision}))
	_, err := f.store.Delete(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.store.Enqueue(ctx, notes.PendingOperation{Op: notes.OpDelete, NoteID: id, Payload: revision}))
}

// conflictOnce fails the first call of op with errs.Conflict.
func conflictOnce(op string) remote.FaultFunc {
	var fired atomic.Bool
	return func(got, id string) error {
		if got == op && fired.CompareAndSwap(false, true) {
			return errs.New(errs.Conflict, "revision moved")
		}
		return nil
	}
}

func queue(t *testing.T, store *db.Store) []notes.PendingOperation {
	t.Helper()
	ops, err := store.PendingOperations(context.Background())
	require.NoError(t, err)
	return ops
}

func TestDrain_DropsEntriesAtTheCap(t *testing.T) {
	ctx := context.Background()
	f := newRetryFixture(t)
	_, err := f.store.Upsert(ctx, notes.Note{ID: "a", Text: "alpha", UpdatedAt: at(1)})
	require.NoError(t, err)
	require.NoError(t, f.store.Enqueue(ctx, notes.PendingOperation{Op: notes.OpCreate, NoteID: "a", RetryCount: 3}))

	report, err := Drain(ctx, f.store, f.open(t), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Zero(t, f.svc.Calls("upsert"))
	assert.Empty(t, queue(t, f.store))
}

func TestDrain_UnlimitedRetriesKeepFailingEntries(t *testing.T) {
	ctx := context.Background()
	f := newRetryFixture(t)
	_, err := f.store.Upsert(ctx, notes.Note{ID: "a", Text: "alpha", UpdatedAt: at(1)})
	require.NoError(t, err)
	require.NoError(t, f.store.Enqueue(ctx, notes.PendingOperation{Op: notes.OpCreate, NoteID: "a", RetryCount: 50}))
	f.svc.SetFault(func(op, id string) error {
		if op == "upsert" {
			return errs.New(errs.Unavailable, "still down")
		}
		return nil
	})

	report, err := Drain(ctx, f.store, f.open(t), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Kept)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, PassRetry, report.Failed[0].Pass)

	ops := queue(t, f.store)
	require.Len(t, ops, 1)
	assert.Equal(t, 51, ops[0].RetryCount)
	assert.Contains(t, ops[0].LastError, "still down")
}

func TestDrain_UploadMadeMootByLocalDelete(t *testing.T) {
	ctx := context.Background()
	f := newRetryFixture(t)
	require.NoError(t, f.store.Enqueue(ctx, notes.PendingOperation{Op: notes.OpUpdate, NoteID: "a"}))

	report, err := Drain(ctx, f.store, f.open(t), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Zero(t, report.Replayed)
	assert.Empty(t, queue(t, f.store))
}

func TestDrain_UploadAdoptsIdenticalRemote(t *testing.T) {
	ctx := context.Background()
	f := newRetryFixture(t)
	saved, err := f.store.Upsert(ctx, notes.Note{ID: "a", Text: "same", CreatedAt: at(1), UpdatedAt: at(1)})
	require.NoError(t, err)
	rev := f.svc.PutRaw("a", notes.FormatNote(saved))
	require.NoError(t, f.store.Enqueue(ctx, notes.PendingOperation{Op: notes.OpCreate, NoteID: "a"}))

	report, err := Drain(ctx, f.store, f.open(t), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Zero(t, f.svc.Calls("upsert"))

	n, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rev, n.Revision)
	assert.False(t, n.Dirty())
}

func TestDrain_DeleteConflictResurrectsNewerRemote(t *testing.T) {
	ctx := context.Background()
	f := newRetryFixture(t)
	f.deleteSynced(t, "a", "old")
	putRemote(f.svc, "a", "edited elsewhere", at(20))
	f.svc.SetFault(conflictOnce("delete"))

	report, err := Drain(ctx, f.store, f.open(t), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)

	n, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "edited elsewhere", n.Text)
	_, err = f.store.GetTombstone(ctx, "a")
	assert.True(t, errs.IsNotFound(err))
	_, ok := f.svc.Content("a")
	assert.True(t, ok)
}

func TestDrain_DeleteConflictRetriesWithFreshRevision(t *testing.T) {
	ctx := context.Background()
	f := newRetryFixture(t)
	f.deleteSynced(t, "a", "old")
	putRemote(f.svc, "a", "older edit", at(5))
	f.svc.SetFault(conflictOnce("delete"))

	report, err := Drain(ctx, f.store, f.open(t), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 2, f.svc.Calls("delete"))
	_, ok := f.svc.Content("a")
	assert.False(t, ok)

	tomb, err := f.store.GetTombstone(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, notes.StatePendingDelete, tomb.State, "clean only after the session commits")
	assert.Len(t, queue(t, f.store), 1)

	require.Empty(t, confirmAll(ctx, f.store, report.confirm))
	tomb, err = f.store.GetTombstone(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, notes.StateClean, tomb.State)
	assert.Empty(t, queue(t, f.store))
}

func TestDrain_ReplayedUploadConfirmedAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newRetryFixture(t)
	_, err := f.store.Upsert(ctx, notes.Note{ID: "a", Text: "alpha", UpdatedAt: at(1)})
	require.NoError(t, err)
	require.NoError(t, f.store.Enqueue(ctx, notes.PendingOperation{Op: notes.OpCreate, NoteID: "a", RetryCount: 1}))

	report, err := Drain(ctx, f.store, f.open(t), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, f.svc.Calls("upsert"))
	assert.True(t, report.written()["a"])

	n, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, n.Dirty())
	assert.Len(t, queue(t, f.store), 1)

	require.Empty(t, confirmAll(ctx, f.store, report.confirm))
	n, err = f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, n.Dirty())
	assert.NotEmpty(t, n.Revision)
	assert.Empty(t, queue(t, f.store))
}

func TestDrain_DeleteMadeMootByRecreate(t *testing.T) {
	ctx := context.Background()
	f := newRetryFixture(t)
	f.deleteSynced(t, "a", "old")
	_, err := f.store.Upsert(ctx, notes.Note{ID: "a", Text: "back", UpdatedAt: at(30)})
	require.NoError(t, err)

	report, err := Drain(ctx, f.store, f.open(t), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Zero(t, f.svc.Calls("delete"))
}
