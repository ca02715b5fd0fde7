package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
)

// DefaultSnapshotKey is where the original mobile app keeps its replica.
const DefaultSnapshotKey = "Documents/notes-sync.db"

// Snapshot is the whole-file backend: the remote replica is a second SQLite
// database downloaded at the start of a cycle and uploaded at its end.
type Snapshot struct {
	blobs     BlobStore
	objectKey string
	storeKey  []byte
	tempDir   string
	now       func() time.Time
	log       *slog.Logger
}

// SnapshotOption configures a Snapshot.
type SnapshotOption func(*Snapshot)

// WithSnapshotTempDir sets where downloaded replicas are staged.
func WithSnapshotTempDir(dir string) SnapshotOption {
	return func(s *Snapshot) { s.tempDir = dir }
}

// WithSnapshotClock replaces the clock used to stamp remote tombstones.
func WithSnapshotClock(now func() time.Time) SnapshotOption {
	return func(s *Snapshot) { s.now = now }
}

// NewSnapshot returns a snapshot adapter storing the replica under objectKey.
// storeKey is the SQLCipher key of the replica file (nil for plaintext).
func NewSnapshot(blobs BlobStore, objectKey string, storeKey []byte, opts ...SnapshotOption) *Snapshot {
	if objectKey == "" {
		objectKey = DefaultSnapshotKey
	}
	s := &Snapshot{
		blobs:     blobs,
		objectKey: objectKey,
		storeKey:  storeKey,
		now:       time.Now,
		log:       obs.Pkg("remote.snapshot"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Snapshot) Name() string { return "snapshot" }

func (s *Snapshot) Mode() notes.ResolutionMode { return notes.ModeTimestamp }

// Open downloads the replica into a private temp file. A missing object
// yields a fresh, empty replica that Commit uploads.
func (s *Snapshot) Open(ctx context.Context, _ LocalIndex) (Session, error) {
	dir, err := os.MkdirTemp(s.tempDir, "notesync-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot staging dir: %w", err)
	}
	path := filepath.Join(dir, "remote.db")

	replica, fresh, err := s.download(ctx, path)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	replica.SetClock(s.now)

	obs.From(ctx).Info("snapshot_opened", "key", s.objectKey, "fresh", fresh)
	return &snapshotSession{
		adapter: s,
		replica: replica,
		dir:     dir,
		fresh:   fresh,
		changed: fresh,
	}, nil
}

func (s *Snapshot) download(ctx context.Context, path string) (*db.Store, bool, error) {
	data, err := s.blobs.Get(ctx, s.objectKey)
	if errs.IsNotFound(err) {
		replica, err := db.Open(path, s.storeKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create empty replica: %w", err)
		}
		return replica, true, nil
	}
	if err != nil {
		return nil, false, transient("failed to download snapshot", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, false, fmt.Errorf("failed to stage snapshot: %w", err)
	}
	replica, err := db.OpenExisting(ctx, path, s.storeKey)
	if err != nil {
		return nil, false, err
	}
	// Pending flags in the replica belong to whichever client wrote it last.
	if err := replica.ClearPending(ctx); err != nil {
		replica.Close()
		return nil, false, err
	}
	return replica, false, nil
}

type snapshotSession struct {
	adapter *Snapshot
	replica *db.Store
	dir     string
	fresh   bool
	changed bool
	closed  bool
}

func withRevision(n notes.Note) notes.Note {
	n.Revision = notes.RevisionHash(n)
	n.State = notes.StateClean
	return n
}

// Delta queries the replica exactly like the local store. Revisions are
// content hashes since the file carries no server-side token.
func (s *snapshotSession) Delta(ctx context.Context, since time.Time) (notes.Delta, error) {
	deleted, err := s.replica.DeletedSince(ctx, since)
	if err != nil {
		return notes.Delta{}, transient("failed to read replica tombstones", err)
	}
	modified, err := s.replica.ModifiedSince(ctx, since)
	if err != nil {
		return notes.Delta{}, transient("failed to read replica notes", err)
	}
	for i := range modified {
		modified[i] = withRevision(modified[i])
	}
	return notes.Delta{Modified: modified, Deleted: deleted, Mode: notes.ModeTimestamp}, nil
}

func (s *snapshotSession) Fetch(ctx context.Context, id string) (notes.Note, error) {
	n, err := s.replica.Get(ctx, id)
	if err != nil {
		return notes.Note{}, err
	}
	return withRevision(n), nil
}

// Upsert writes into the private replica copy. The resolver has already seen
// the whole replica, so the presented revision is not checked.
func (s *snapshotSession) Upsert(ctx context.Context, n notes.Note) (string, error) {
	n = withRevision(n)
	if err := s.replica.Apply(ctx, n); err != nil {
		return "", err
	}
	s.changed = true
	return n.Revision, nil
}

// Delete stamps the replica tombstone with the session clock so peers whose
// watermark is later than the local delete still see it.
func (s *snapshotSession) Delete(ctx context.Context, id, _ string) error {
	if err := s.replica.ApplyDelete(ctx, id, notes.Truncate(s.adapter.now())); err != nil {
		return err
	}
	s.changed = true
	return nil
}

// Commit records the watermark in the replica and uploads it. An unchanged
// replica is not uploaded again.
func (s *snapshotSession) Commit(ctx context.Context, info CommitInfo) error {
	if !s.changed {
		obs.From(ctx).Debug("snapshot_unchanged", "key", s.adapter.objectKey)
		return nil
	}
	if err := s.replica.AdvanceTimestamp(ctx, db.KeyLastSyncTime, info.Watermark); err != nil {
		return err
	}
	if err := s.replica.Checkpoint(ctx); err != nil {
		return err
	}
	data, err := os.ReadFile(s.replica.Path())
	if err != nil {
		return fmt.Errorf("failed to read replica for upload: %w", err)
	}
	if err := s.adapter.blobs.Put(ctx, s.adapter.objectKey, data); err != nil {
		return transient("failed to upload snapshot", err)
	}
	obs.From(ctx).Info("snapshot_uploaded", "key", s.adapter.objectKey, "bytes", len(data))
	s.changed = false
	return nil
}

func (s *snapshotSession) Fresh() bool { return s.fresh }

// Close releases the replica and removes the staging directory.
func (s *snapshotSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.replica.Close()
	if rmErr := os.RemoveAll(s.dir); rmErr != nil {
		s.adapter.log.Warn("snapshot_cleanup_failed", "dir", s.dir, "error", rmErr.Error())
	}
	return err
}
