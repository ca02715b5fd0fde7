package db

import (
	"context"
	"fmt"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
)

// Enqueue records a deferred remote operation. Entries are unique per
// (operation, note id): a repeat keeps the higher retry count and the latest
// payload and error. A delete supersedes any queued create or update for the
// same note, and an upload is not queued behind a pending delete.
func (s *Store) Enqueue(ctx context.Context, op notes.PendingOperation) error {
	switch op.Op {
	case notes.OpCreate, notes.OpUpdate, notes.OpDelete:
	default:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unknown queue operation %q", op.Op))
	}
	if op.NoteID == "" {
		return errs.New(errs.InvalidArgument, "queued operation needs a note id")
	}
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if op.Op == notes.OpDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE note_id = ? AND operation != 'delete'`, op.NoteID); err != nil {
			return fmt.Errorf("failed to drop superseded operations for %s: %w", op.NoteID, err)
		}
	} else {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE note_id = ? AND operation = 'delete'`, op.NoteID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check queue for %s: %w", op.NoteID, err)
		}
		if n > 0 {
			return tx.Commit()
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (operation, note_id, payload, created_at, retry_count, last_error)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT(operation, note_id) DO UPDATE SET
			payload = excluded.payload,
			retry_count = max(sync_queue.retry_count, excluded.retry_count),
			last_error = excluded.last_error
	`, string(op.Op), op.NoteID, op.Payload, notes.UnixMilli(createdAt), op.RetryCount, op.LastError); err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", op.Op, op.NoteID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue entry: %w", err)
	}
	return nil
}

// PendingOperations returns the queue in insertion order.
func (s *Store) PendingOperations(ctx context.Context) ([]notes.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, operation, note_id, COALESCE(payload, ''), created_at, retry_count, last_error
		FROM sync_queue
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	defer rows.Close()

	var ops []notes.PendingOperation
	for rows.Next() {
		var op notes.PendingOperation
		var kind string
		var created int64
		if err := rows.Scan(&op.Seq, &kind, &op.NoteID, &op.Payload, &created, &op.RetryCount, &op.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		op.Op = notes.Operation(kind)
		op.CreatedAt = notes.FromUnixMilli(created)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return ops, nil
}

// RemoveOperation drops a completed or abandoned queue entry.
func (s *Store) RemoveOperation(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", seq, err)
	}
	return nil
}

// RecordFailure bumps the retry count of a queue entry and stores the error.
// payload replaces the stored payload when non-empty.
func (s *Store) RecordFailure(ctx context.Context, seq int64, payload, lastError string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET
			retry_count = retry_count + 1,
			payload = COALESCE(NULLIF(?, ''), payload),
			last_error = ?
		WHERE seq = ?
	`, payload, lastError, seq); err != nil {
		return fmt.Errorf("failed to record failure for queue entry %d: %w", seq, err)
	}
	return nil
}
