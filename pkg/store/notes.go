package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/notelive/pkg/conflict"
)

// The note methods satisfy conflict.Store, and saves run in one transaction.
var (
	_ conflict.Store      = (*Store)(nil)
	_ conflict.Transactor = (*Store)(nil)
)

func (s *Store) InTx(ctx context.Context, fn func(tx conflict.Store) error) error {
	return s.WithTx(ctx, func(tx *Store) error { return fn(tx) })
}

const noteColumns = `id, notebook_id, name, updated_at`

func scanNote(row scanner) (conflict.Note, error) {
	var n conflict.Note
	var updated string
	if err := row.Scan(&n.ID, &n.NotebookID, &n.Name, &updated); err != nil {
		return conflict.Note{}, wrapErr(err)
	}
	var err error
	if n.UpdatedAt, err = parseTime(updated); err != nil {
		return conflict.Note{}, err
	}
	return n, nil
}

func (s *Store) CreateNote(ctx context.Context, notebookID uuid.UUID, name string) (conflict.Note, error) {
	if _, err := s.GetNotebook(ctx, notebookID); err != nil {
		return conflict.Note{}, err
	}
	now := s.now().UTC()
	n := conflict.Note{ID: uuid.New(), NotebookID: notebookID, Name: name, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, notebook_id, name, content, created_at, updated_at) VALUES (?, ?, ?, '', ?, ?)`,
		n.ID, n.NotebookID, n.Name, formatTime(now), formatTime(now),
	); err != nil {
		return conflict.Note{}, fmt.Errorf("failed to create note: %w", err)
	}
	return n, nil
}

func (s *Store) GetNote(ctx context.Context, id uuid.UUID) (conflict.Note, error) {
	return scanNote(s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = ?`, id))
}

func (s *Store) ListNotes(ctx context.Context, notebookID uuid.UUID) ([]conflict.Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE notebook_id = ? ORDER BY name`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()
	out := make([]conflict.Note, 0)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) NoteContent(ctx context.Context, id uuid.UUID) (string, error) {
	var content string
	if err := s.db.QueryRowContext(ctx, `SELECT content FROM notes WHERE id = ?`, id).Scan(&content); err != nil {
		return "", wrapErr(err)
	}
	return content, nil
}

// WriteNoteContent replaces the note body and sets its last-modified time.
func (s *Store) WriteNoteContent(ctx context.Context, id uuid.UUID, content string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET content = ?, updated_at = ? WHERE id = ?`,
		content, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to write note: %w", err)
	}
	return checkAffected(res, "note "+id.String())
}

// RenameNote changes the display name only; the last-modified time tracks
// content.
func (s *Store) RenameNote(ctx context.Context, id uuid.UUID, name string) (conflict.Note, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notes SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return conflict.Note{}, fmt.Errorf("failed to rename note: %w", err)
	}
	if err := checkAffected(res, "note "+id.String()); err != nil {
		return conflict.Note{}, err
	}
	return s.GetNote(ctx, id)
}

func (s *Store) DeleteNote(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return checkAffected(res, "note "+id.String())
}
