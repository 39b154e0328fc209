// Package server exposes notebooks and notes over HTTP and pushes change
// notifications to live websocket viewers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notelive/pkg/access"
	"github.com/astromechza/notelive/pkg/auth"
	"github.com/astromechza/notelive/pkg/conflict"
	"github.com/astromechza/notelive/pkg/events"
	"github.com/astromechza/notelive/pkg/live"
	"github.com/astromechza/notelive/pkg/rooms"
	"github.com/astromechza/notelive/pkg/store"
	"github.com/astromechza/notelive/pkg/tokens"
)

const maxBodyBytes = 8 << 20

var errBadRequest = errors.New("bad request")

type Options struct {
	// Admins may join the global room and view the room graph.
	Admins map[uuid.UUID]bool
	// Conn tunes the per-viewer websocket pump.
	Conn live.Options
}

type Server struct {
	store      *store.Store
	auth       *auth.Authenticator
	tokens     *tokens.Broker
	registry   *rooms.Registry
	dispatcher *rooms.Dispatcher
	detector   *conflict.Detector
	admins     map[uuid.UUID]bool
	conn       live.Options
	upgrader   websocket.Upgrader
}

func New(st *store.Store, authn *auth.Authenticator, registry *rooms.Registry, dispatcher *rooms.Dispatcher, opts Options) *Server {
	admins := opts.Admins
	if admins == nil {
		admins = map[uuid.UUID]bool{}
	}
	return &Server{
		store:      st,
		auth:       authn,
		tokens:     tokens.NewBroker(),
		registry:   registry,
		dispatcher: dispatcher,
		detector:   conflict.NewDetector(st, nil),
		admins:     admins,
		conn:       opts.Conn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler routes every endpoint. Live endpoints authenticate with a token
// in the path since browsers cannot set headers on websocket requests;
// everything else needs a bearer token.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", redactToken(request), "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/api/ws/{token}").HandlerFunc(s.liveGlobal)
	r.Methods(http.MethodGet).Path("/api/notebooks/{notebook}/ws/{token}").HandlerFunc(s.liveNotebook)
	r.Methods(http.MethodGet).Path("/api/notebooks/{notebook}/notes/{note}/ws/{token}").HandlerFunc(s.liveNote)

	// Holding a link is the credential for these.
	r.Methods(http.MethodGet).Path("/api/links/{link}/notebook").HandlerFunc(s.linkNotebook)
	r.Methods(http.MethodPost).Path("/api/links/{link}/notes").HandlerFunc(s.linkCreateNote)
	r.Methods(http.MethodGet).Path("/api/links/{link}/notes/{note}/content").HandlerFunc(s.linkNoteContent)
	r.Methods(http.MethodPost).Path("/api/links/{link}/notes/{note}/save").HandlerFunc(s.linkSaveNote)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)
	api.Methods(http.MethodGet).Path("/ws-token").HandlerFunc(s.createToken)
	api.Methods(http.MethodGet).Path("/notebooks").HandlerFunc(s.listNotebooks)
	api.Methods(http.MethodPost).Path("/notebooks").HandlerFunc(s.createNotebook)
	api.Methods(http.MethodPatch).Path("/notebooks/{notebook}").HandlerFunc(s.renameNotebook)
	api.Methods(http.MethodDelete).Path("/notebooks/{notebook}").HandlerFunc(s.deleteNotebook)
	api.Methods(http.MethodPut).Path("/notebooks/{notebook}/shares/{user}").HandlerFunc(s.shareNotebook)
	api.Methods(http.MethodGet).Path("/notebooks/{notebook}/links").HandlerFunc(s.listLinks)
	api.Methods(http.MethodPost).Path("/notebooks/{notebook}/links").HandlerFunc(s.createLink)
	api.Methods(http.MethodDelete).Path("/notebooks/{notebook}/links/{link}").HandlerFunc(s.deleteLink)
	api.Methods(http.MethodGet).Path("/notebooks/{notebook}/notes").HandlerFunc(s.listNotes)
	api.Methods(http.MethodPost).Path("/notebooks/{notebook}/notes").HandlerFunc(s.createNote)
	api.Methods(http.MethodPatch).Path("/notebooks/{notebook}/notes/{note}").HandlerFunc(s.renameNote)
	api.Methods(http.MethodDelete).Path("/notebooks/{notebook}/notes/{note}").HandlerFunc(s.deleteNote)
	api.Methods(http.MethodGet).Path("/notebooks/{notebook}/notes/{note}/content").HandlerFunc(s.getNoteContent)
	api.Methods(http.MethodPost).Path("/notebooks/{notebook}/notes/{note}/save").HandlerFunc(s.saveNote)

	debug := r.PathPrefix("/debug").Subrouter()
	debug.Use(s.auth.Middleware)
	debug.Methods(http.MethodGet).Path("/rooms.svg").HandlerFunc(s.roomsGraph)
	return r
}

// redactToken keeps live tokens and share links out of the access log.
func redactToken(request *http.Request) string {
	vars := mux.Vars(request)
	if vars["token"] == "" && vars["link"] == "" {
		return request.URL.String()
	}
	out := request.URL.Path
	for _, name := range []string{"token", "link"} {
		if v := vars[name]; v != "" {
			out = strings.Replace(out, v, "<"+name+">", 1)
		}
	}
	return out
}

// broadcast announces msg to key. The change it describes has already been
// committed, so the broadcast outlives a cancelled request.
func (s *Server) broadcast(ctx context.Context, msg events.Message, key rooms.Key) {
	if _, err := s.dispatcher.Broadcast(context.WithoutCancel(ctx), msg, key); err != nil {
		slog.Error("failed to broadcast", "category", msg.Category, "room", key, "err", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, access.ErrNoAccess):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, rooms.ErrInvalidRoomKey):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeError(writer http.ResponseWriter, request *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", request.Method, "url", request.URL, "err", err)
	} else {
		slog.Debug("request rejected", "method", request.Method, "url", request.URL, "status", status, "err", err)
	}
	writer.WriteHeader(status)
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func readJSON(writer http.ResponseWriter, request *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func pathID(request *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(request)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %w", errBadRequest, name, err)
	}
	return id, nil
}

// callerScope resolves the caller and checks their scope on the notebook
// named in the path.
func (s *Server) callerScope(request *http.Request, required access.Scope) (principal, notebookID uuid.UUID, err error) {
	principal, ok := auth.Principal(request.Context())
	if !ok {
		return uuid.Nil, uuid.Nil, auth.ErrUnauthorized
	}
	if notebookID, err = pathID(request, "notebook"); err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if _, err = access.Require(request.Context(), s.store, principal, notebookID, required); err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return principal, notebookID, nil
}

// pathNote loads the note named in the path, which must belong to
// notebookID.
func (s *Server) pathNote(request *http.Request, notebookID uuid.UUID) (conflict.Note, error) {
	noteID, err := pathID(request, "note")
	if err != nil {
		return conflict.Note{}, err
	}
	note, err := s.store.GetNote(request.Context(), noteID)
	if err != nil {
		return conflict.Note{}, err
	}
	if note.NotebookID != notebookID {
		return conflict.Note{}, fmt.Errorf("note %s is not in notebook %s: %w", noteID, notebookID, store.ErrNotFound)
	}
	return note, nil
}

type nameRequest struct {
	Name string `json:"name"`
}

func (n nameRequest) validate() (string, error) {
	name := strings.TrimSpace(n.Name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", errBadRequest)
	}
	return name, nil
}
