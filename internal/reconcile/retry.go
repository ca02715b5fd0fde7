package reconcile

import (
	"context"
	"fmt"

	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/remote"
)

// DrainReport summarizes one pass over the retry queue.
type DrainReport struct {
	Replayed int // completed; removed once confirmed
	Dropped  int // over the retry cap, or made moot locally
	Kept     int // still failing, retry_count incremented
	Failed   []ItemError

	confirm []confirmation
}

// written reports the ids whose remote write awaits the session commit.
func (r DrainReport) written() map[string]bool {
	ids := make(map[string]bool, len(r.confirm))
	for _, c := range r.confirm {
		ids[c.id] = true
	}
	return ids
}

// replay is the outcome of one queued operation.
type replay struct {
	moot bool
	// payload is the revision to store if the entry stays queued.
	payload string
	// synced, when set, records a remote write locally. It runs with the
	// entry's removal once the session commits.
	synced func(ctx context.Context, store *db.Store) error
}

// Drain replays every queued operation against the session, oldest first.
// maxRetries > 0 drops entries that already failed that many times. An entry
// that wrote to the remote stays queued until its confirmation runs.
func Drain(ctx context.Context, store *db.Store, sess remote.Session, maxRetries int) (DrainReport, error) {
	var report DrainReport
	log := obs.From(ctx)

	ops, err := store.PendingOperations(ctx)
	if err != nil {
		return report, err
	}
	for _, op := range ops {
		if maxRetries > 0 && op.RetryCount >= maxRetries {
			log.Error("sync_retry_dropped",
				"op", string(op.Op),
				"note_id", op.NoteID,
				"retry_count", op.RetryCount,
				"last_error", op.LastError,
			)
			if err := store.RemoveOperation(ctx, op.Seq); err != nil {
				return report, err
			}
			report.Dropped++
			continue
		}

		var out replay
		switch op.Op {
		case notes.OpDelete:
			out, err = replayDelete(ctx, store, sess, op)
		default:
			out, err = replayUpload(ctx, store, sess, op)
		}
		if err != nil {
			if errs.CodeOf(err) == errs.Schema {
				return report, err
			}
			if recErr := store.RecordFailure(ctx, op.Seq, out.payload, err.Error()); recErr != nil {
				return report, recErr
			}
			log.Warn("sync_retry_failed", "op", string(op.Op), "note_id", op.NoteID, "retry_count", op.RetryCount+1, "error", err.Error())
			report.Failed = append(report.Failed, ItemError{Pass: PassRetry, ID: op.NoteID, Err: err})
			report.Kept++
			continue
		}
		if out.synced != nil {
			seq, synced := op.Seq, out.synced
			report.confirm = append(report.confirm, confirmation{pass: PassRetry, id: op.NoteID, run: func(ctx context.Context, store *db.Store) error {
				if err := synced(ctx, store); err != nil {
					return err
				}
				return store.RemoveOperation(ctx, seq)
			}})
			report.Replayed++
			continue
		}
		if err := store.RemoveOperation(ctx, op.Seq); err != nil {
			return report, err
		}
		if out.moot {
			report.Dropped++
		} else {
			report.Replayed++
		}
	}
	return report, nil
}

func tombstoneSynced(id string) func(context.Context, *db.Store) error {
	return func(ctx context.Context, store *db.Store) error {
		return store.MarkTombstoneSynced(ctx, id)
	}
}

// replayDelete retries a remote delete. On a conflict the remote copy is
// re-fetched: a version newer than the tombstone is restored locally,
// otherwise the delete is retried with the fresh revision.
func replayDelete(ctx context.Context, store *db.Store, sess remote.Session, op notes.PendingOperation) (replay, error) {
	tomb, err := store.GetTombstone(ctx, op.NoteID)
	if errs.IsNotFound(err) {
		// Restored locally since the delete was queued.
		return replay{moot: true}, nil
	}
	if err != nil {
		return replay{}, err
	}

	revision := op.Payload
	if revision == "" {
		revision = tomb.Revision
	}
	err = sess.Delete(ctx, op.NoteID, revision)
	if err == nil {
		return replay{synced: tombstoneSynced(op.NoteID)}, nil
	}
	if !errs.IsConflict(err) {
		return replay{payload: revision}, err
	}

	current, err := sess.Fetch(ctx, op.NoteID)
	if errs.IsNotFound(err) {
		return replay{synced: tombstoneSynced(op.NoteID)}, nil
	}
	if err != nil {
		return replay{payload: revision}, err
	}
	if current.UpdatedAt.After(tomb.DeletedAt) {
		obs.From(ctx).Info("sync_note_resurrected", "note_id", op.NoteID, "revision", current.Revision)
		return replay{}, store.Apply(ctx, current)
	}
	if err := sess.Delete(ctx, op.NoteID, current.Revision); err != nil {
		return replay{payload: current.Revision}, err
	}
	return replay{synced: tombstoneSynced(op.NoteID)}, nil
}

// replayUpload retries a create or update against the current remote copy.
func replayUpload(ctx context.Context, store *db.Store, sess remote.Session, op notes.PendingOperation) (replay, error) {
	local, err := store.Get(ctx, op.NoteID)
	if errs.IsNotFound(err) {
		return replay{moot: true}, nil
	}
	if err != nil {
		return replay{}, err
	}
	if !local.Dirty() {
		return replay{moot: true}, nil
	}

	current, err := sess.Fetch(ctx, op.NoteID)
	switch {
	case errs.IsNotFound(err), errs.CodeOf(err) == errs.Malformed:
		// Nothing readable remotely; the local version replaces it.
	case err != nil:
		return replay{}, err
	case current.Text == local.Text:
		return replay{}, store.MarkSynced(ctx, local.ID, current.Revision, local.UpdatedAt)
	case current.UpdatedAt.After(local.UpdatedAt):
		return replay{}, store.Apply(ctx, current)
	}

	rev, err := sess.Upsert(ctx, local)
	if err != nil {
		return replay{}, fmt.Errorf("upload %s: %w", local.ID, err)
	}
	id, updatedAt := local.ID, local.UpdatedAt
	return replay{synced: func(ctx context.Context, store *db.Store) error {
		return store.MarkSynced(ctx, id, rev, updatedAt)
	}}, nil
}
