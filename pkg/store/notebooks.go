package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/notelive/pkg/access"
)

type Notebook struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const notebookColumns = `id, owner_id, name, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNotebook(row scanner) (Notebook, error) {
	var nb Notebook
	var created, updated string
	if err := row.Scan(&nb.ID, &nb.OwnerID, &nb.Name, &created, &updated); err != nil {
		return Notebook{}, wrapErr(err)
	}
	var err error
	if nb.CreatedAt, err = parseTime(created); err != nil {
		return Notebook{}, err
	}
	if nb.UpdatedAt, err = parseTime(updated); err != nil {
		return Notebook{}, err
	}
	return nb, nil
}

func (s *Store) CreateNotebook(ctx context.Context, owner uuid.UUID, name string) (Notebook, error) {
	now := s.now().UTC()
	nb := Notebook{ID: uuid.New(), OwnerID: owner, Name: name, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notebooks (`+notebookColumns+`) VALUES (?, ?, ?, ?, ?)`,
		nb.ID, nb.OwnerID, nb.Name, formatTime(now), formatTime(now),
	); err != nil {
		return Notebook{}, fmt.Errorf("failed to create notebook: %w", err)
	}
	return nb, nil
}

func (s *Store) GetNotebook(ctx context.Context, id uuid.UUID) (Notebook, error) {
	return scanNotebook(s.db.QueryRowContext(ctx,
		`SELECT `+notebookColumns+` FROM notebooks WHERE id = ?`, id))
}

// ListNotebooks returns the notebooks principal owns or has been shared.
func (s *Store) ListNotebooks(ctx context.Context, principal uuid.UUID) ([]Notebook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notebookColumns+` FROM notebooks
		WHERE owner_id = ? OR id IN (SELECT notebook_id FROM notebook_shares WHERE user_id = ?)
		ORDER BY name`,
		principal, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to query notebooks: %w", err)
	}
	defer rows.Close()
	out := make([]Notebook, 0)
	for rows.Next() {
		nb, err := scanNotebook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, rows.Err()
}

// AllNotebooks returns every notebook regardless of owner, for offline
// inspection.
func (s *Store) AllNotebooks(ctx context.Context) ([]Notebook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+notebookColumns+` FROM notebooks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query notebooks: %w", err)
	}
	defer rows.Close()
	out := make([]Notebook, 0)
	for rows.Next() {
		nb, err := scanNotebook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, rows.Err()
}

func (s *Store) RenameNotebook(ctx context.Context, id uuid.UUID, name string) (Notebook, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notebooks SET name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(s.now()), id)
	if err != nil {
		return Notebook{}, fmt.Errorf("failed to rename notebook: %w", err)
	}
	if err := checkAffected(res, "notebook "+id.String()); err != nil {
		return Notebook{}, err
	}
	return s.GetNotebook(ctx, id)
}

// DeleteNotebook removes the notebook along with its notes and shares.
func (s *Store) DeleteNotebook(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notebooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete notebook: %w", err)
	}
	return checkAffected(res, "notebook "+id.String())
}

// ShareNotebook grants user read access, or write access when write is set.
func (s *Store) ShareNotebook(ctx context.Context, id, user uuid.UUID, write bool) error {
	if _, err := s.GetNotebook(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notebook_shares (notebook_id, user_id, has_write) VALUES (?, ?, ?)
		ON CONFLICT(notebook_id, user_id) DO UPDATE SET has_write = excluded.has_write`,
		id, user, write,
	); err != nil {
		return fmt.Errorf("failed to share notebook: %w", err)
	}
	return nil
}

// NotebookAccess implements access.Policy. Missing notebooks resolve to
// access.None.
func (s *Store) NotebookAccess(ctx context.Context, principal, notebookID uuid.UUID) (access.Scope, error) {
	var owner uuid.UUID
	var hasWrite sql.NullBool
	err := s.db.QueryRowContext(ctx,
		`SELECT nb.owner_id, sh.has_write FROM notebooks nb
		LEFT JOIN notebook_shares sh ON sh.notebook_id = nb.id AND sh.user_id = ?
		WHERE nb.id = ?`,
		principal, notebookID,
	).Scan(&owner, &hasWrite)
	switch {
	case err == sql.ErrNoRows:
		return access.None, nil
	case err != nil:
		return access.None, fmt.Errorf("failed to check access: %w", err)
	case owner == principal:
		return access.Owner, nil
	case !hasWrite.Valid:
		return access.None, nil
	case hasWrite.Bool:
		return access.Write, nil
	default:
		return access.Read, nil
	}
}
