// Package events defines the change notifications pushed to live viewers.
//
// A Message carries no recipient information. Who receives it is decided by
// the room key passed to the dispatcher at broadcast time.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category identifies the kind of change a message announces. Values are
// grouped by entity: 1x for notebooks, 2x for notes.
type Category int

const (
	NotebookCreate Category = 10
	NotebookRemove Category = 11
	NotebookRename Category = 12

	NoteCreate        Category = 20
	NoteRemove        Category = 21
	NoteRename        Category = 22
	NoteContentChange Category = 23
)

var categoryNames = map[Category]string{
	NotebookCreate:    "notebook-create",
	NotebookRemove:    "notebook-remove",
	NotebookRename:    "notebook-rename",
	NoteCreate:        "note-create",
	NoteRemove:        "note-remove",
	NoteRename:        "note-rename",
	NoteContentChange: "note-content-change",
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// IsNotebook reports whether c belongs to the notebook group.
func (c Category) IsNotebook() bool { return c >= 10 && c < 20 }

// IsNote reports whether c belongs to the note group.
func (c Category) IsNote() bool { return c >= 20 && c < 30 }

// NotebookPayload describes the notebook affected by a notebook-group message.
type NotebookPayload struct {
	NotebookID uuid.UUID `json:"notebook_id"`
	Name       string    `json:"name,omitempty"`
}

// NotePayload describes the note affected by a note-group message.
// UpdatedAt is set on content changes so viewers can tell whether their
// copy is stale without refetching.
type NotePayload struct {
	NotebookID uuid.UUID  `json:"notebook_id"`
	NoteID     uuid.UUID  `json:"note_id"`
	Name       string     `json:"name,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Message is a single change notification. Treat it as a value; it is not
// modified after construction.
type Message struct {
	Category  Category
	Timestamp time.Time
	// Payload is nil, a NotebookPayload or a NotePayload.
	Payload any
}

// New builds a message stamped with the current UTC time.
func New(category Category, payload any) Message {
	return NewAt(category, time.Now(), payload)
}

// NewAt builds a message with an explicit emission time.
func NewAt(category Category, at time.Time, payload any) Message {
	return Message{Category: category, Timestamp: at.UTC(), Payload: payload}
}

// Notebook is shorthand for a notebook-group message.
func Notebook(category Category, notebookID uuid.UUID, name string) Message {
	return New(category, NotebookPayload{NotebookID: notebookID, Name: name})
}

// Note is shorthand for a note-group message.
func Note(category Category, notebookID, noteID uuid.UUID, name string) Message {
	return New(category, NotePayload{NotebookID: notebookID, NoteID: noteID, Name: name})
}

// ContentChanged announces new note content written at updatedAt.
func ContentChanged(notebookID, noteID uuid.UUID, updatedAt time.Time) Message {
	at := updatedAt.UTC()
	return New(NoteContentChange, NotePayload{NotebookID: notebookID, NoteID: noteID, UpdatedAt: &at})
}

type wireMessage struct {
	Category  Category        `json:"category"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Category:  m.Category,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.Payload != nil {
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Category, err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	out := Message{Category: w.Category, Timestamp: ts.UTC()}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		switch {
		case w.Category.IsNotebook():
			var p NotebookPayload
			if err := json.Unmarshal(w.Payload, &p); err != nil {
				return fmt.Errorf("bad %s payload: %w", w.Category, err)
			}
			out.Payload = p
		case w.Category.IsNote():
			var p NotePayload
			if err := json.Unmarshal(w.Payload, &p); err != nil {
				return fmt.Errorf("bad %s payload: %w", w.Category, err)
			}
			out.Payload = p
		default:
			var p map[string]any
			if err := json.Unmarshal(w.Payload, &p); err != nil {
				return fmt.Errorf("bad %s payload: %w", w.Category, err)
			}
			out.Payload = p
		}
	}
	*m = out
	return nil
}

// Encode serializes m into its wire form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire-form message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}
