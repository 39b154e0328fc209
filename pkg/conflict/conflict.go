// Package conflict arbitrates concurrent saves of the same note.
//
// Every save is accepted: the last writer wins. When the writer's view of
// the note is older than the stored copy, the stored copy is first kept as
// a new sibling note named after the original plus the stored
// last-modified time, so the overwritten text can be recovered by hand.
package conflict

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BackupTimeLayout formats the stored last-modified time appended to a
// backup note's name. Two conflicts in the same second produce the same
// name; the backups are still distinct notes.
const BackupTimeLayout = "2006-01-02 15:04:05"

// Note is the part of a stored note the detector needs.
type Note struct {
	ID         uuid.UUID `json:"id"`
	NotebookID uuid.UUID `json:"notebook_id"`
	Name       string    `json:"name"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the persistence the detector reads and writes through. Its
// errors are returned to the caller unchanged.
type Store interface {
	GetNote(ctx context.Context, id uuid.UUID) (Note, error)
	NoteContent(ctx context.Context, id uuid.UUID) (string, error)
	CreateNote(ctx context.Context, notebookID uuid.UUID, name string) (Note, error)
	WriteNoteContent(ctx context.Context, id uuid.UUID, content string, at time.Time) error
}

// Transactor is implemented by stores that can apply a save atomically, so
// a failed write leaves neither a backup nor a partial update behind.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// Decision reports what a save did. Callers must announce the content
// change to the note's room.
type Decision struct {
	Accepted      bool
	BackupCreated bool
	LastModified  time.Time
	Note          Note
	// Backup is set when BackupCreated is true.
	Backup *Note
}

// NeedsBackup reports whether a save made against asOf would overwrite
// changes stored after it.
func NeedsBackup(asOf, storedLastModified time.Time) bool {
	return asOf.Before(storedLastModified)
}

// BackupName is the display name of the copy kept for a conflicting save.
func BackupName(name string, storedLastModified time.Time) string {
	return name + storedLastModified.UTC().Format(BackupTimeLayout)
}

type Detector struct {
	store  Store
	now    func() time.Time
	locks  *noteLocks
	logger *slog.Logger
}

func NewDetector(store Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, now: time.Now, locks: newNoteLocks(), logger: logger}
}

// WithClock replaces the time source, for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Save writes content to the note. Saves of one note are serialized so the
// read of the stored timestamp and the write that advances it are never
// interleaved with another save of the same note.
func (d *Detector) Save(ctx context.Context, noteID uuid.UUID, asOf time.Time, content string) (Decision, error) {
	unlock, err := d.locks.lock(ctx, noteID)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	var out Decision
	apply := func(st Store) (err error) {
		out, err = d.apply(ctx, st, noteID, asOf, content)
		return err
	}
	if tx, ok := d.store.(Transactor); ok {
		err = tx.InTx(ctx, apply)
	} else {
		err = apply(d.store)
	}
	if err != nil {
		return Decision{}, err
	}
	if out.BackupCreated {
		d.logger.Info("save conflict, kept previous content",
			"note", noteID, "backup", out.Backup.ID, "as_of", asOf, "backup_name", out.Backup.Name)
	}
	return out, nil
}

func (d *Detector) apply(ctx context.Context, st Store, noteID uuid.UUID, asOf time.Time, content string) (Decision, error) {
	note, err := st.GetNote(ctx, noteID)
	if err != nil {
		return Decision{}, err
	}
	stored := note.UpdatedAt

	out := Decision{Accepted: true}
	if NeedsBackup(asOf, stored) {
		previous, err := st.NoteContent(ctx, noteID)
		if err != nil {
			return Decision{}, err
		}
		backup, err := st.CreateNote(ctx, note.NotebookID, BackupName(note.Name, stored))
		if err != nil {
			return Decision{}, err
		}
		backupAt := d.advance(backup.UpdatedAt)
		if err := st.WriteNoteContent(ctx, backup.ID, previous, backupAt); err != nil {
			return Decision{}, err
		}
		backup.UpdatedAt = backupAt
		out.BackupCreated = true
		out.Backup = &backup
	}

	at := d.advance(stored)
	if err := st.WriteNoteContent(ctx, noteID, content, at); err != nil {
		return Decision{}, err
	}
	note.UpdatedAt = at
	out.LastModified = at
	out.Note = note
	return out, nil
}

// advance returns the current time, nudged past prev so a note's
// last-modified time never stands still or goes backwards.
func (d *Detector) advance(prev time.Time) time.Time {
	now := d.now().UTC()
	if !now.After(prev) {
		now = prev.UTC().Add(time.Microsecond)
	}
	return now
}

// noteLocks hands out one mutex per note, dropped once nobody holds or
// waits on it.
type noteLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*noteLock
}

type noteLock struct {
	ch   chan struct{}
	refs int
}

func newNoteLocks() *noteLocks {
	return &noteLocks{locks: make(map[uuid.UUID]*noteLock)}
}

func (l *noteLocks) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	nl, ok := l.locks[id]
	if !ok {
		nl = &noteLock{ch: make(chan struct{}, 1)}
		l.locks[id] = nl
	}
	nl.refs++
	l.mu.Unlock()

	select {
	case nl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, nl)
		return nil, ctx.Err()
	}
	return func() {
		<-nl.ch
		l.release(id, nl)
	}, nil
}

func (l *noteLocks) release(id uuid.UUID, nl *noteLock) {
	l.mu.Lock()
	nl.refs--
	if nl.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}
