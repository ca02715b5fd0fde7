package reconcile

import (
	"context"

	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/remote"
)

// Pass names used in ItemError.
const (
	PassToLocal        = "to_local"
	PassToLocalDelete  = "to_local_delete"
	PassToRemote       = "to_remote"
	PassToRemoteDelete = "to_remote_delete"
	PassSettle         = "settle"
	PassRetry          = "retry"
)

// ItemError is one failed plan item.
type ItemError struct {
	Pass string
	ID   string
	Err  error
}

func (e ItemError) Error() string {
	return e.Pass + " " + e.ID + ": " + e.Err.Error()
}

// ApplyReport summarizes one application of a plan.
type ApplyReport struct {
	LocalApplied  int
	RemoteApplied int
	// Deferred counts items handed to the retry queue.
	Deferred int
	// Skipped counts remote deletes with no revision to present.
	Skipped int
	Failed  []ItemError
	// Unapplied lists remote-side ids whose change is not stored locally.
	Unapplied []string

	confirm []confirmation
}

// confirmation marks a remote write as synced locally. It is only true once
// the session commits, so it runs after Commit succeeds.
type confirmation struct {
	pass string
	id   string
	run  func(ctx context.Context, store *db.Store) error
}

// confirmAll runs confirmations in order, collecting the failures.
func confirmAll(ctx context.Context, store *db.Store, list []confirmation) []ItemError {
	var failures []ItemError
	for _, c := range list {
		if err := c.run(ctx, store); err != nil {
			failures = append(failures, ItemError{Pass: c.pass, ID: c.id, Err: err})
		}
	}
	return failures
}

type applier struct {
	store  *db.Store
	sess   remote.Session
	report ApplyReport
}

// Apply executes plan in four independent passes, then settles tombstones
// and adopts revisions. A failing item is recorded and never stops the others.
// Local sync state for remote writes is not touched; the report holds those
// confirmations until the session commits.
func Apply(ctx context.Context, store *db.Store, sess remote.Session, plan Plan) ApplyReport {
	a := &applier{store: store, sess: sess}
	log := obs.From(ctx)

	for _, n := range plan.ToLocal {
		if err := store.Apply(ctx, n); err != nil {
			a.unapplied(PassToLocal, n.ID, err)
			continue
		}
		a.report.LocalApplied++
	}

	for _, t := range plan.ToLocalDeletes {
		if err := store.ApplyDelete(ctx, t.ID, t.DeletedAt); err != nil {
			a.unapplied(PassToLocalDelete, t.ID, err)
			continue
		}
		a.report.LocalApplied++
	}

	for _, n := range plan.ToRemote {
		a.upload(ctx, n)
	}

	for _, t := range plan.ToRemoteDeletes {
		if t.Revision == "" {
			// Deleted before the first upload: the remote never had it.
			log.Debug("remote_delete_skipped", "note_id", t.ID)
			a.report.Skipped++
			if err := store.MarkTombstoneSynced(ctx, t.ID); err != nil {
				a.fail(PassToRemoteDelete, t.ID, err)
			}
			continue
		}
		a.deleteRemote(ctx, t)
	}

	for _, id := range plan.Settled {
		if err := store.MarkTombstoneSynced(ctx, id); err != nil {
			a.fail(PassSettle, id, err)
		}
	}

	for _, n := range plan.Adopt {
		if err := store.MarkSynced(ctx, n.ID, n.Revision, n.UpdatedAt); err != nil {
			a.fail(PassToLocal, n.ID, err)
		}
	}

	return a.report
}

func (a *applier) upload(ctx context.Context, n notes.Note) {
	rev, err := a.sess.Upsert(ctx, n)
	if err != nil {
		op := notes.OpUpdate
		if !n.EverSynced() {
			op = notes.OpCreate
		}
		a.deferOp(ctx, PassToRemote, notes.PendingOperation{Op: op, NoteID: n.ID}, err)
		return
	}
	id, updatedAt := n.ID, n.UpdatedAt
	a.confirm(PassToRemote, id, func(ctx context.Context, store *db.Store) error {
		return store.MarkSynced(ctx, id, rev, updatedAt)
	})
	a.report.RemoteApplied++
}

func (a *applier) deleteRemote(ctx context.Context, t notes.Tombstone) {
	if err := a.sess.Delete(ctx, t.ID, t.Revision); err != nil {
		a.deferOp(ctx, PassToRemoteDelete, notes.PendingOperation{Op: notes.OpDelete, NoteID: t.ID, Payload: t.Revision}, err)
		return
	}
	id := t.ID
	a.confirm(PassToRemoteDelete, id, func(ctx context.Context, store *db.Store) error {
		return store.MarkTombstoneSynced(ctx, id)
	})
	a.report.RemoteApplied++
}

// deferOp queues a failed remote operation. Conflicts are queued without
// counting an attempt; transient failures count one. Other failures stay
// pending locally and are only recorded.
func (a *applier) deferOp(ctx context.Context, pass string, op notes.PendingOperation, cause error) {
	switch {
	case errs.IsConflict(cause):
	case errs.IsTransient(cause):
		op.RetryCount = 1
	default:
		a.fail(pass, op.NoteID, cause)
		return
	}
	op.LastError = cause.Error()
	if err := a.store.Enqueue(ctx, op); err != nil {
		a.fail(pass, op.NoteID, err)
		return
	}
	obs.From(ctx).Info("sync_item_deferred", "pass", pass, "op", string(op.Op), "note_id", op.NoteID, "error", op.LastError)
	a.report.Deferred++
}

func (a *applier) confirm(pass, id string, run func(context.Context, *db.Store) error) {
	a.report.confirm = append(a.report.confirm, confirmation{pass: pass, id: id, run: run})
}

func (a *applier) fail(pass, id string, err error) {
	a.report.Failed = append(a.report.Failed, ItemError{Pass: pass, ID: id, Err: err})
}

func (a *applier) unapplied(pass, id string, err error) {
	if errs.IsConflict(err) {
		// A newer local edit arrived mid-cycle; the next cycle resolves it.
		a.report.Deferred++
	} else {
		a.fail(pass, id, err)
	}
	a.report.Unapplied = append(a.report.Unapplied, id)
}
