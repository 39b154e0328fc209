package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/notelive/pkg/access"
)

// LinkShare grants whoever holds its id read or write access to a notebook
// until it expires. A nil Expires never expires.
type LinkShare struct {
	ID         uuid.UUID  `json:"id"`
	NotebookID uuid.UUID  `json:"notebook_id"`
	Write      bool       `json:"write"`
	Expires    *time.Time `json:"expires,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const linkColumns = `id, notebook_id, has_write, expires, created_at`

func scanLink(row scanner) (LinkShare, error) {
	var l LinkShare
	var expires sql.NullString
	var created string
	if err := row.Scan(&l.ID, &l.NotebookID, &l.Write, &expires, &created); err != nil {
		return LinkShare{}, wrapErr(err)
	}
	var err error
	if l.CreatedAt, err = parseTime(created); err != nil {
		return LinkShare{}, err
	}
	if expires.Valid {
		at, err := parseTime(expires.String)
		if err != nil {
			return LinkShare{}, err
		}
		l.Expires = &at
	}
	return l, nil
}

func (s *Store) CreateLinkShare(ctx context.Context, notebookID uuid.UUID, write bool, expires *time.Time) (LinkShare, error) {
	if _, err := s.GetNotebook(ctx, notebookID); err != nil {
		return LinkShare{}, err
	}
	l := LinkShare{ID: uuid.New(), NotebookID: notebookID, Write: write, CreatedAt: s.now().UTC()}
	var rawExpires sql.NullString
	if expires != nil {
		at := expires.UTC()
		l.Expires = &at
		rawExpires = sql.NullString{String: formatTime(at), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notebook_link_shares (`+linkColumns+`) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.NotebookID, l.Write, rawExpires, formatTime(l.CreatedAt),
	); err != nil {
		return LinkShare{}, fmt.Errorf("failed to create link share: %w", err)
	}
	return l, nil
}

func (s *Store) ListLinkShares(ctx context.Context, notebookID uuid.UUID) ([]LinkShare, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM notebook_link_shares WHERE notebook_id = ? ORDER BY created_at`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query link shares: %w", err)
	}
	defer rows.Close()
	out := make([]LinkShare, 0)
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLinkShare(ctx context.Context, notebookID, linkID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notebook_link_shares WHERE id = ? AND notebook_id = ?`, linkID, notebookID)
	if err != nil {
		return fmt.Errorf("failed to delete link share: %w", err)
	}
	return checkAffected(res, "link share "+linkID.String())
}

// LinkAccess resolves a link to its notebook and scope. An expired link is
// deleted on first use and reported as missing from then on.
func (s *Store) LinkAccess(ctx context.Context, linkID uuid.UUID) (uuid.UUID, access.Scope, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM notebook_link_shares WHERE id = ?`, linkID))
	if err != nil {
		return uuid.Nil, access.None, err
	}
	if l.Expires != nil && l.Expires.Before(s.now()) {
		if err := s.DeleteLinkShare(ctx, l.NotebookID, l.ID); err != nil {
			return uuid.Nil, access.None, err
		}
		return uuid.Nil, access.None, fmt.Errorf("link share %s expired at %s: %w", l.ID, l.Expires, ErrNotFound)
	}
	if l.Write {
		return l.NotebookID, access.Write, nil
	}
	return l.NotebookID, access.Read, nil
}
