package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/notelive/pkg/access"
	"github.com/astromechza/notelive/pkg/auth"
	"github.com/astromechza/notelive/pkg/events"
	"github.com/astromechza/notelive/pkg/rooms"
)

func (s *Server) listNotebooks(writer http.ResponseWriter, request *http.Request) {
	principal, ok := auth.Principal(request.Context())
	if !ok {
		writeError(writer, request, auth.ErrUnauthorized)
		return
	}
	notebooks, err := s.store.ListNotebooks(request.Context(), principal)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, notebooks)
}

func (s *Server) createNotebook(writer http.ResponseWriter, request *http.Request) {
	principal, ok := auth.Principal(request.Context())
	if !ok {
		writeError(writer, request, auth.ErrUnauthorized)
		return
	}
	var req nameRequest
	if err := readJSON(writer, request, &req); err != nil {
		writeError(writer, request, err)
		return
	}
	name, err := req.validate()
	if err != nil {
		writeError(writer, request, err)
		return
	}
	nb, err := s.store.CreateNotebook(request.Context(), principal, name)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.broadcast(request.Context(), events.Notebook(events.NotebookCreate, nb.ID, nb.Name), rooms.All())
	writeJSON(writer, http.StatusCreated, nb)
}

func (s *Server) renameNotebook(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Owner)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	var req nameRequest
	if err := readJSON(writer, request, &req); err != nil {
		writeError(writer, request, err)
		return
	}
	name, err := req.validate()
	if err != nil {
		writeError(writer, request, err)
		return
	}
	nb, err := s.store.RenameNotebook(request.Context(), notebookID, name)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.broadcast(request.Context(), events.Notebook(events.NotebookRename, nb.ID, nb.Name), rooms.Notebook(nb.ID))
	writeJSON(writer, http.StatusOK, nb)
}

func (s *Server) deleteNotebook(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Owner)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	nb, err := s.store.GetNotebook(request.Context(), notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	if err := s.store.DeleteNotebook(request.Context(), notebookID); err != nil {
		writeError(writer, request, err)
		return
	}
	s.broadcast(request.Context(), events.Notebook(events.NotebookRemove, nb.ID, nb.Name), rooms.Notebook(nb.ID))
	writer.WriteHeader(http.StatusNoContent)
}

type shareRequest struct {
	Write bool `json:"write"`
}

func (s *Server) shareNotebook(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Owner)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	user, err := pathID(request, "user")
	if err != nil {
		writeError(writer, request, err)
		return
	}
	var req shareRequest
	if err := readJSON(writer, request, &req); err != nil {
		writeError(writer, request, err)
		return
	}
	if err := s.store.ShareNotebook(request.Context(), notebookID, user, req.Write); err != nil {
		writeError(writer, request, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNotes(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Read)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.writeNotes(writer, request, notebookID)
}

func (s *Server) writeNotes(writer http.ResponseWriter, request *http.Request, notebookID uuid.UUID) {
	notes, err := s.store.ListNotes(request.Context(), notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, notes)
}

func (s *Server) createNote(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Write)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.createNoteIn(writer, request, notebookID)
}

func (s *Server) createNoteIn(writer http.ResponseWriter, request *http.Request, notebookID uuid.UUID) {
	var req nameRequest
	if err := readJSON(writer, request, &req); err != nil {
		writeError(writer, request, err)
		return
	}
	name, err := req.validate()
	if err != nil {
		writeError(writer, request, err)
		return
	}
	note, err := s.store.CreateNote(request.Context(), notebookID, name)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.broadcast(request.Context(), events.Note(events.NoteCreate, notebookID, note.ID, note.Name), rooms.Notebook(notebookID))
	writeJSON(writer, http.StatusCreated, note)
}

func (s *Server) renameNote(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Write)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	note, err := s.pathNote(request, notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	var req nameRequest
	if err := readJSON(writer, request, &req); err != nil {
		writeError(writer, request, err)
		return
	}
	name, err := req.validate()
	if err != nil {
		writeError(writer, request, err)
		return
	}
	if note, err = s.store.RenameNote(request.Context(), note.ID, name); err != nil {
		writeError(writer, request, err)
		return
	}
	s.broadcast(request.Context(), events.Note(events.NoteRename, notebookID, note.ID, note.Name), rooms.Notebook(notebookID))
	writeJSON(writer, http.StatusOK, note)
}

func (s *Server) deleteNote(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Write)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	note, err := s.pathNote(request, notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	if err := s.store.DeleteNote(request.Context(), note.ID); err != nil {
		writeError(writer, request, err)
		return
	}
	s.broadcast(request.Context(), events.Note(events.NoteRemove, notebookID, note.ID, note.Name), rooms.Notebook(notebookID))
	writer.WriteHeader(http.StatusNoContent)
}

// UpdatedAtHeader carries a note's last-modified time, RFC 3339 with
// nanoseconds, alongside its raw content. Clients send it back as the
// updated_at of their next save.
const UpdatedAtHeader = "X-Note-Updated-At"

func (s *Server) getNoteContent(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Read)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.writeNoteContent(writer, request, notebookID)
}

func (s *Server) writeNoteContent(writer http.ResponseWriter, request *http.Request, notebookID uuid.UUID) {
	// The timestamp is read before the content so a racing save can only
	// make the client's copy look older than it is.
	note, err := s.pathNote(request, notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	content, err := s.store.NoteContent(request.Context(), note.ID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writer.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	writer.Header().Set(UpdatedAtHeader, note.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if _, err := writer.Write([]byte(content)); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

type saveRequest struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

type saveResponse struct {
	UpdatedAt time.Time  `json:"updated_at"`
	Conflict  bool       `json:"conflict"`
	BackupID  *uuid.UUID `json:"backup_id,omitempty"`
}

// saveNote always accepts the content. A save based on an older copy than
// the stored one first keeps the stored content as a backup note.
func (s *Server) saveNote(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Write)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.saveNoteIn(writer, request, notebookID)
}

func (s *Server) saveNoteIn(writer http.ResponseWriter, request *http.Request, notebookID uuid.UUID) {
	note, err := s.pathNote(request, notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	var req saveRequest
	if err := readJSON(writer, request, &req); err != nil {
		writeError(writer, request, err)
		return
	}
	if req.UpdatedAt.IsZero() {
		writeError(writer, request, fmt.Errorf("%w: updated_at is required", errBadRequest))
		return
	}

	decision, err := s.detector.Save(request.Context(), note.ID, req.UpdatedAt, req.Content)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	resp := saveResponse{UpdatedAt: decision.LastModified, Conflict: decision.BackupCreated}
	if decision.BackupCreated {
		backup := decision.Backup
		resp.BackupID = &backup.ID
		s.broadcast(request.Context(), events.Note(events.NoteCreate, notebookID, backup.ID, backup.Name), rooms.Notebook(notebookID))
	}
	s.broadcast(request.Context(), events.ContentChanged(notebookID, note.ID, decision.LastModified), rooms.Note(notebookID, note.ID))
	writeJSON(writer, http.StatusOK, resp)
}
