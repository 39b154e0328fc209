// Package access describes how much a principal may do with a notebook.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoAccess is returned when a principal lacks the required scope. It is
// reported to users the same way as a missing notebook.
var ErrNoAccess = errors.New("no access")

// Scope is ordered: each level includes everything below it.
type Scope int

const (
	None Scope = iota
	Read
	Write
	Owner
)

func (s Scope) String() string {
	switch s {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	case Owner:
		return "owner"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// Allows reports whether s covers required.
func (s Scope) Allows(required Scope) bool { return s >= required }

// Policy resolves a principal's scope on a notebook.
type Policy interface {
	NotebookAccess(ctx context.Context, principal, notebookID uuid.UUID) (Scope, error)
}

// Require fails with ErrNoAccess unless principal holds at least required
// on the notebook. Policy errors are returned unchanged.
func Require(ctx context.Context, p Policy, principal, notebookID uuid.UUID, required Scope) (Scope, error) {
	s, err := p.NotebookAccess(ctx, principal, notebookID)
	if err != nil {
		return None, err
	}
	if !s.Allows(required) {
		return s, fmt.Errorf("%w: %s needs %s on notebook %s, has %s", ErrNoAccess, principal, required, notebookID, s)
	}
	return s, nil
}
