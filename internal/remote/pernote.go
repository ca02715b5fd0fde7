package remote

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
)

// RemoteNote is one entry of a per-note listing.
type RemoteNote struct {
	ID       string
	Revision string
}

// NoteService is a hosted store with one file per note and optimistic
// concurrency on a revision token.
type NoteService interface {
	// FetchNote returns the raw content and revision; errs.NotFound when absent.
	FetchNote(ctx context.Context, id string) (content, revision string, err error)
	// UpsertNote writes content. An empty revision creates the note; a stale
	// or missing one yields errs.Conflict.
	UpsertNote(ctx context.Context, id, content, revision string) (string, error)
	// DeleteNote removes the note; errs.NotFound when already gone.
	DeleteNote(ctx context.Context, id, revision string) error
	ListNotes(ctx context.Context) ([]RemoteNote, error)
}

// PerNote adapts a NoteService to the Adapter contract. Remote deltas are
// derived by diffing the listing against the id -> revision index recorded
// in the local store after the previous cycle.
type PerNote struct {
	name    string
	service NoteService
	now     func() time.Time
}

// NewPerNote returns a per-note adapter named after its backend.
func NewPerNote(name string, service NoteService) *PerNote {
	return &PerNote{name: name, service: service, now: time.Now}
}

// SetClock replaces the clock used to stamp remote tombstones.
func (p *PerNote) SetClock(now func() time.Time) { p.now = now }

func (p *PerNote) Name() string { return p.name }

func (p *PerNote) Mode() notes.ResolutionMode { return notes.ModeRevision }

// Open lists the remote once; the session works from that listing.
func (p *PerNote) Open(ctx context.Context, local LocalIndex) (Session, error) {
	listing, err := p.service.ListNotes(ctx)
	if err != nil {
		return nil, transient("failed to list remote notes", err)
	}
	index, err := local.RemoteIndex(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[string]string, len(listing))
	for _, rn := range listing {
		if !notes.SafeID(rn.ID) {
			continue
		}
		current[rn.ID] = rn.Revision
	}
	remoteSynced, err := local.Timestamp(ctx, db.KeyRemoteLastSyncTime)
	if err != nil {
		return nil, err
	}

	return &perNoteSession{
		adapter:  p,
		local:    local,
		recorded: index,
		current:  current,
		wrote:    make(map[string]bool),
		fresh:    len(current) == 0 && len(index) == 0 && remoteSynced.IsZero(),
	}, nil
}

type perNoteSession struct {
	adapter  *PerNote
	local    LocalIndex
	recorded map[string]string
	current  map[string]string
	// wrote holds ids this session uploaded or deleted; the remote copy
	// already equals the local one.
	wrote    map[string]bool
	fresh    bool
}

// Delta fetches every note whose listed revision differs from the recorded
// one. Recorded ids missing from the listing become tombstones stamped with
// the extraction time. Content that fails to parse is logged and skipped.
// Ids this session already wrote are not reported.
func (s *perNoteSession) Delta(ctx context.Context, _ time.Time) (notes.Delta, error) {
	log := obs.From(ctx)
	extractedAt := notes.Truncate(s.adapter.now())
	delta := notes.Delta{Mode: notes.ModeRevision}

	for _, id := range sortedKeys(s.current) {
		rev := s.current[id]
		if s.recorded[id] == rev || s.wrote[id] {
			continue
		}
		n, err := s.Fetch(ctx, id)
		switch {
		case errs.IsNotFound(err):
			// Removed after the listing; the next listing records the delete.
			continue
		case errs.CodeOf(err) == errs.Malformed:
			log.Warn("remote_note_malformed", "note_id", id, "revision", rev, "error", err.Error())
			continue
		case err != nil:
			return notes.Delta{}, err
		}
		delta.Modified = append(delta.Modified, n)
	}

	for _, id := range sortedKeys(s.recorded) {
		if _, ok := s.current[id]; ok || s.wrote[id] {
			continue
		}
		delta.Deleted = append(delta.Deleted, notes.Tombstone{
			ID:        id,
			DeletedAt: extractedAt,
			Revision:  s.recorded[id],
			State:     notes.StateClean,
		})
	}
	return delta, nil
}

func (s *perNoteSession) Fetch(ctx context.Context, id string) (notes.Note, error) {
	content, rev, err := s.adapter.service.FetchNote(ctx, id)
	if err != nil {
		return notes.Note{}, transient(fmt.Sprintf("failed to fetch note %s", id), err)
	}
	n, err := notes.ParseNote(content)
	if err != nil {
		return notes.Note{}, errs.Wrap(errs.Malformed, fmt.Sprintf("remote note %s", id), err)
	}
	if n.ID != id {
		return notes.Note{}, errs.New(errs.Malformed, fmt.Sprintf("remote note %s declares id %s", id, n.ID))
	}
	n.Revision = rev
	n.State = notes.StateClean
	s.current[id] = rev
	return n, nil
}

// Upsert presents the revision this session last observed for the id, which
// is the version the resolver decided against. A note absent from the
// listing is created.
func (s *perNoteSession) Upsert(ctx context.Context, n notes.Note) (string, error) {
	presented, listed := s.current[n.ID]
	if !listed {
		presented = ""
	}
	rev, err := s.adapter.service.UpsertNote(ctx, n.ID, notes.FormatNote(n), presented)
	if err != nil {
		return "", transient(fmt.Sprintf("failed to upload note %s", n.ID), err)
	}
	s.current[n.ID] = rev
	s.wrote[n.ID] = true
	return rev, nil
}

// Delete presents the listed revision, falling back to the given one. A note
// absent from the listing or already gone counts as deleted.
func (s *perNoteSession) Delete(ctx context.Context, id, revision string) error {
	presented, listed := s.current[id]
	if !listed {
		return nil
	}
	if presented == "" {
		presented = revision
	}
	err := s.adapter.service.DeleteNote(ctx, id, presented)
	if err != nil && !errs.IsNotFound(err) {
		return transient(fmt.Sprintf("failed to delete note %s", id), err)
	}
	delete(s.current, id)
	s.wrote[id] = true
	return nil
}

// Commit records the post-apply listing as the new index. Unapplied ids keep
// their previous entry so their change is fetched again.
func (s *perNoteSession) Commit(ctx context.Context, info CommitInfo) error {
	index := make(map[string]string, len(s.current))
	for id, rev := range s.current {
		index[id] = rev
	}
	for _, id := range info.Unapplied {
		if prev, ok := s.recorded[id]; ok {
			index[id] = prev
		} else {
			delete(index, id)
		}
	}
	if err := s.local.ReplaceRemoteIndex(ctx, index); err != nil {
		return err
	}
	return s.local.AdvanceTimestamp(ctx, db.KeyRemoteLastSyncTime, info.Watermark)
}

func (s *perNoteSession) Fresh() bool { return s.fresh }

func (s *perNoteSession) Close() error { return nil }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
