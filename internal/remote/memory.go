package remote

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/kuitang/notesync/internal/errs"
)

// FaultFunc may fail a MemoryNotes call before it runs. op is one of
// "list", "fetch", "upsert", "delete".
type FaultFunc func(op, id string) error

type memoryFile struct {
	content  string
	revision string
}

// MemoryNotes is an in-process NoteService with GitHub-like semantics: blob
// sha revisions and optimistic concurrency on every write. Safe for
// concurrent use.
type MemoryNotes struct {
	mu    sync.Mutex
	files map[string]memoryFile
	fault FaultFunc
	calls map[string]int
}

func NewMemoryNotes() *MemoryNotes {
	return &MemoryNotes{
		files: make(map[string]memoryFile),
		calls: make(map[string]int),
	}
}

// SetFault installs f; nil removes it.
func (m *MemoryNotes) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// Calls returns how often op was invoked.
func (m *MemoryNotes) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// BlobSHA returns the git blob sha1 of content.
func BlobSHA(content string) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

func (m *MemoryNotes) enter(op, id string) error {
	m.calls[op]++
	if m.fault != nil {
		return m.fault(op, id)
	}
	return nil
}

func (m *MemoryNotes) ListNotes(ctx context.Context) ([]RemoteNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("list", ""); err != nil {
		return nil, err
	}
	out := make([]RemoteNote, 0, len(m.files))
	for id, f := range m.files {
		out = append(out, RemoteNote{ID: id, Revision: f.revision})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryNotes) FetchNote(ctx context.Context, id string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("fetch", id); err != nil {
		return "", "", err
	}
	f, ok := m.files[id]
	if !ok {
		return "", "", errs.New(errs.NotFound, fmt.Sprintf("note %s not found", id))
	}
	return f.content, f.revision, nil
}

func (m *MemoryNotes) UpsertNote(ctx context.Context, id, content, revision string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("upsert", id); err != nil {
		return "", err
	}
	f, exists := m.files[id]
	switch {
	case exists && revision == "":
		return "", errs.New(errs.Conflict, fmt.Sprintf("note %s exists and no revision was supplied", id))
	case exists && revision != f.revision:
		return "", errs.New(errs.Conflict, fmt.Sprintf("note %s is at %s, not %s", id, f.revision, revision))
	case !exists && revision != "":
		return "", errs.New(errs.Conflict, fmt.Sprintf("note %s does not exist at %s", id, revision))
	}
	rev := BlobSHA(content)
	m.files[id] = memoryFile{content: content, revision: rev}
	return rev, nil
}

func (m *MemoryNotes) DeleteNote(ctx context.Context, id, revision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete", id); err != nil {
		return err
	}
	f, ok := m.files[id]
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("note %s not found", id))
	}
	if revision != f.revision {
		return errs.New(errs.Conflict, fmt.Sprintf("note %s is at %s, not %s", id, f.revision, revision))
	}
	delete(m.files, id)
	return nil
}

// PutRaw stores content without a revision check, as another client would.
func (m *MemoryNotes) PutRaw(id, content string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev := BlobSHA(content)
	m.files[id] = memoryFile{content: content, revision: rev}
	return rev
}

// Remove deletes id without a revision check.
func (m *MemoryNotes) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
}

// Content returns the stored content of id.
func (m *MemoryNotes) Content(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	return f.content, ok
}

// Len returns the number of stored notes.
func (m *MemoryNotes) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}
