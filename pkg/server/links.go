package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/notelive/pkg/access"
	"github.com/astromechza/notelive/pkg/conflict"
	"github.com/astromechza/notelive/pkg/store"
)

type linkRequest struct {
	Write   bool       `json:"write"`
	Expires *time.Time `json:"expires,omitempty"`
}

func (s *Server) createLink(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Owner)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	var req linkRequest
	if err := readJSON(writer, request, &req); err != nil {
		writeError(writer, request, err)
		return
	}
	if req.Expires != nil && req.Expires.IsZero() {
		req.Expires = nil
	}
	link, err := s.store.CreateLinkShare(request.Context(), notebookID, req.Write, req.Expires)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusCreated, link)
}

func (s *Server) listLinks(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Owner)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	links, err := s.store.ListLinkShares(request.Context(), notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, links)
}

func (s *Server) deleteLink(writer http.ResponseWriter, request *http.Request) {
	_, notebookID, err := s.callerScope(request, access.Owner)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	linkID, err := pathID(request, "link")
	if err != nil {
		writeError(writer, request, err)
		return
	}
	if err := s.store.DeleteLinkShare(request.Context(), notebookID, linkID); err != nil {
		writeError(writer, request, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// linkScope resolves the link in the path to its notebook. Holding the link
// is the credential, so no bearer is needed.
func (s *Server) linkScope(request *http.Request, required access.Scope) (uuid.UUID, error) {
	linkID, err := pathID(request, "link")
	if err != nil {
		return uuid.Nil, err
	}
	notebookID, scope, err := s.store.LinkAccess(request.Context(), linkID)
	if err != nil {
		return uuid.Nil, err
	}
	if !scope.Allows(required) {
		return uuid.Nil, fmt.Errorf("%w: link %s needs %s, has %s", access.ErrNoAccess, linkID, required, scope)
	}
	return notebookID, nil
}

type linkNotebookResponse struct {
	Notebook store.Notebook  `json:"notebook"`
	Notes    []conflict.Note `json:"notes"`
	Scope    string          `json:"scope"`
}

func (s *Server) linkNotebook(writer http.ResponseWriter, request *http.Request) {
	linkID, err := pathID(request, "link")
	if err != nil {
		writeError(writer, request, err)
		return
	}
	notebookID, scope, err := s.store.LinkAccess(request.Context(), linkID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	nb, err := s.store.GetNotebook(request.Context(), notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	notes, err := s.store.ListNotes(request.Context(), notebookID)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, linkNotebookResponse{Notebook: nb, Notes: notes, Scope: scope.String()})
}

func (s *Server) linkCreateNote(writer http.ResponseWriter, request *http.Request) {
	notebookID, err := s.linkScope(request, access.Write)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.createNoteIn(writer, request, notebookID)
}

func (s *Server) linkNoteContent(writer http.ResponseWriter, request *http.Request) {
	notebookID, err := s.linkScope(request, access.Read)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.writeNoteContent(writer, request, notebookID)
}

func (s *Server) linkSaveNote(writer http.ResponseWriter, request *http.Request) {
	notebookID, err := s.linkScope(request, access.Write)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	s.saveNoteIn(writer, request, notebookID)
}
