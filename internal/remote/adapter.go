// Package remote implements the remote side of a sync cycle. One Adapter
// contract covers two backend shapes: a snapshot backend that ships a whole
// replica file as one blob, and a per-note backend that stores one file per
// note behind a revision token.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
)

// Adapter opens one session per sync cycle.
type Adapter interface {
	Name() string
	Mode() notes.ResolutionMode
	Open(ctx context.Context, local LocalIndex) (Session, error)
}

// Session is the remote replica as seen by one cycle.
type Session interface {
	// Delta returns remote changes since the watermark.
	Delta(ctx context.Context, since time.Time) (notes.Delta, error)
	// Fetch returns the current remote version; errs.NotFound when absent.
	Fetch(ctx context.Context, id string) (notes.Note, error)
	// Upsert writes n, presenting its last known revision, and returns the
	// new revision. A stale revision yields errs.Conflict.
	Upsert(ctx context.Context, n notes.Note) (string, error)
	// Delete removes id. A note that is already gone is not an error.
	Delete(ctx context.Context, id, revision string) error
	// Commit persists the remote side of the cycle.
	Commit(ctx context.Context, info CommitInfo) error
	// Fresh reports that the remote replica did not exist before this cycle.
	Fresh() bool
	Close() error
}

// CommitInfo is what a cycle hands to Session.Commit.
type CommitInfo struct {
	// Watermark is the extraction time of the cycle.
	Watermark time.Time
	// Unapplied lists remote ids whose changes could not be stored locally.
	// They are offered again on the next cycle.
	Unapplied []string
}

// LocalIndex is the slice of the local store a session may use to keep
// remote bookkeeping. *db.Store implements it.
type LocalIndex interface {
	RemoteIndex(ctx context.Context) (map[string]string, error)
	ReplaceRemoteIndex(ctx context.Context, index map[string]string) error
	Timestamp(ctx context.Context, key string) (time.Time, error)
	AdvanceTimestamp(ctx context.Context, key string, t time.Time) error
}

// BlobStore holds whole-file objects. Get returns an errs.NotFound error for a
// missing key. *s3client.Client implements it.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// FileBlobStore is a BlobStore over a local directory, e.g. a folder kept in
// sync by a desktop cloud-drive client.
type FileBlobStore struct {
	Dir string
}

func (f FileBlobStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "\x00") {
		return "", errs.New(errs.InvalidArgument, fmt.Sprintf("invalid blob key %q", key))
	}
	return filepath.Join(f.Dir, filepath.FromSlash(clean)), nil
}

// Get reads the file stored under key.
func (f FileBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Wrap(errs.NotFound, fmt.Sprintf("blob %q", key), err)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("failed to read blob %q", key), err)
	}
	return data, nil
}

// Put replaces the file atomically (write to a sibling temp file, rename).
func (f FileBlobStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errs.Wrap(errs.Unavailable, "failed to create blob directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".notesync-*")
	if err != nil {
		return errs.Wrap(errs.Unavailable, "failed to create temp blob", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("failed to write blob %q", key), err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("failed to write blob %q", key), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("failed to replace blob %q", key), err)
	}
	return nil
}

// transient marks an uncoded I/O failure as retryable.
func transient(message string, err error) error {
	if err == nil {
		return nil
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		return err
	}
	return errs.Wrap(errs.Unavailable, message, err)
}
