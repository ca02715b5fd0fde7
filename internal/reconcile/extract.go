// Package reconcile runs sync cycles between the local store and a remote
// replica: delta extraction, conflict resolution, plan application, the
// retry queue, and the orchestrating engine.
package reconcile

import (
	"context"
	"time"

	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/notes"
)

// LocalDelta returns local changes strictly after wm, plus everything still
// pending. Modified never contains an id that is also tombstoned.
func LocalDelta(ctx context.Context, store *db.Store, wm time.Time) (notes.Delta, error) {
	deleted, err := store.DeletedSince(ctx, wm)
	if err != nil {
		return notes.Delta{}, err
	}
	modified, err := store.ModifiedSince(ctx, wm)
	if err != nil {
		return notes.Delta{}, err
	}
	return newDelta(modified, deleted, notes.ModeTimestamp), nil
}

func newDelta(modified []notes.Note, deleted []notes.Tombstone, mode notes.ResolutionMode) notes.Delta {
	gone := make(map[string]bool, len(deleted))
	for _, t := range deleted {
		gone[t.ID] = true
	}
	kept := make([]notes.Note, 0, len(modified))
	for _, n := range modified {
		if !gone[n.ID] {
			kept = append(kept, n)
		}
	}
	return notes.Delta{Modified: kept, Deleted: deleted, Mode: mode}
}

// omit drops ids from d.
func omit(d notes.Delta, ids map[string]bool) notes.Delta {
	if len(ids) == 0 {
		return d
	}
	out := notes.Delta{Mode: d.Mode}
	for _, n := range d.Modified {
		if !ids[n.ID] {
			out.Modified = append(out.Modified, n)
		}
	}
	for _, t := range d.Deleted {
		if !ids[t.ID] {
			out.Deleted = append(out.Deleted, t)
		}
	}
	return out
}
