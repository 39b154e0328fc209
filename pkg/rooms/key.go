package rooms

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidRoomKey is returned when a key names a sub-scope without a scope.
var ErrInvalidRoomKey = errors.New("invalid room key: sub-scope requires a scope")

// Key addresses a room. uuid.Nil means "not set". Only three shapes are
// valid: neither set (every connection), scope only (a notebook and all of
// its notes) and both set (one note).
type Key struct {
	Scope    uuid.UUID
	SubScope uuid.UUID
}

// All is the key of the room holding every connection.
func All() Key { return Key{} }

// Notebook is the key of a notebook-wide room.
func Notebook(id uuid.UUID) Key { return Key{Scope: id} }

// Note is the key of a single note's room.
func Note(notebookID, noteID uuid.UUID) Key { return Key{Scope: notebookID, SubScope: noteID} }

func (k Key) HasScope() bool    { return k.Scope != uuid.Nil }
func (k Key) HasSubScope() bool { return k.SubScope != uuid.Nil }

func (k Key) Validate() error {
	if k.HasSubScope() && !k.HasScope() {
		return fmt.Errorf("%w (sub-scope %s)", ErrInvalidRoomKey, k.SubScope)
	}
	return nil
}

func (k Key) String() string {
	switch {
	case k.HasScope() && k.HasSubScope():
		return k.Scope.String() + "/" + k.SubScope.String()
	case k.HasScope():
		return k.Scope.String()
	case k.HasSubScope():
		return "?/" + k.SubScope.String()
	default:
		return "*"
	}
}
